package models

import (
	"fmt"

	"orderdispatch/pkg/utils"
)

// AssetType - класс актива, по которому ордер маршрутизируется в трек
type AssetType string

// Поддерживаемые активы (закрытый набор)
const (
	AssetEUR AssetType = "EUR"
	AssetBTC AssetType = "BTC"
	AssetGBP AssetType = "GBP"
	AssetUSD AssetType = "USD"
	AssetETH AssetType = "ETH"
)

var supportedAssets = map[AssetType]struct{}{
	AssetEUR: {},
	AssetBTC: {},
	AssetGBP: {},
	AssetUSD: {},
	AssetETH: {},
}

// AllAssets возвращает все поддерживаемые активы в фиксированном порядке
func AllAssets() []AssetType {
	return []AssetType{AssetEUR, AssetBTC, AssetGBP, AssetUSD, AssetETH}
}

// ParseAssetType нормализует код ("eur" -> EUR) и проверяет принадлежность набору
func ParseAssetType(code string) (AssetType, error) {
	if err := utils.ValidateAssetCode(code); err != nil {
		return "", &ValidationError{Field: "asset_type", Message: err.Error()}
	}

	asset := AssetType(utils.NormalizeAssetCode(code))
	if !asset.IsValid() {
		return "", &ValidationError{Field: "asset_type", Message: fmt.Sprintf("unsupported asset %q", code)}
	}
	return asset, nil
}

func (a AssetType) IsValid() bool {
	_, ok := supportedAssets[a]
	return ok
}

func (a AssetType) String() string {
	return string(a)
}
