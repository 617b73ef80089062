package models

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderType - тип ордера
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

func (t OrderType) IsValid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit || t == OrderTypeStop
}

// OrderSide - направление ордера
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

func (s OrderSide) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// Order - торговый ордер
//
// Неизменяемые поля (ID, актив, тип, сторона, количество, цена) задаются
// при создании. Статус меняется только через TransitionTo под мьютексом
// ордера, поэтому воркер трека и отмена из API не гоняются друг с другом.
type Order struct {
	ID        string
	AssetType AssetType
	Type      OrderType
	Side      OrderSide
	Quantity  decimal.Decimal
	Price     decimal.NullDecimal // обязательна только для LIMIT
	CreatedAt time.Time
	Metadata  map[string]string

	mu        sync.RWMutex
	status    OrderStatus
	updatedAt time.Time
}

// NewOrder создаёт ордер в статусе PENDING с новым UUID
func NewOrder(asset AssetType, orderType OrderType, side OrderSide, quantity decimal.Decimal, price decimal.NullDecimal, metadata map[string]string) (*Order, error) {
	now := time.Now()

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	o := &Order{
		ID:        uuid.NewString(),
		AssetType: asset,
		Type:      orderType,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		CreatedAt: now,
		Metadata:  meta,
		status:    StatusPending,
		updatedAt: now,
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate проверяет инварианты ордера
// Используется и для ордеров, собранных литералом в обход NewOrder.
func (o *Order) Validate() error {
	switch {
	case o.ID == "":
		return &ValidationError{Field: "id", Message: "is required"}
	case o.AssetType == "":
		return &ValidationError{Field: "asset_type", Message: "is required"}
	case !o.Type.IsValid():
		return &ValidationError{Field: "order_type", Message: fmt.Sprintf("unknown order type %q", o.Type)}
	case !o.Side.IsValid():
		return &ValidationError{Field: "side", Message: fmt.Sprintf("unknown side %q", o.Side)}
	case !o.Quantity.IsPositive():
		return &ValidationError{Field: "quantity", Message: "must be positive"}
	case o.Type == OrderTypeLimit && !o.Price.Valid:
		return &ValidationError{Field: "price", Message: "is required for LIMIT orders"}
	case o.Price.Valid && !o.Price.Decimal.IsPositive():
		return &ValidationError{Field: "price", Message: "must be positive"}
	}
	return nil
}

// Status возвращает текущий статус (PENDING для ордера, собранного литералом)
func (o *Order) Status() OrderStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.currentLocked()
}

func (o *Order) currentLocked() OrderStatus {
	if o.status == "" {
		return StatusPending
	}
	return o.status
}

// UpdatedAt - время последней смены статуса
func (o *Order) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.updatedAt.IsZero() {
		return o.CreatedAt
	}
	return o.updatedAt
}

// TransitionTo переводит ордер в статус to
// Возвращает *InvalidTransitionError если переход запрещён.
func (o *Order) TransitionTo(to OrderStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := o.currentLocked()
	if !CanTransition(from, to) {
		return &InvalidTransitionError{OrderID: o.ID, From: from, To: to}
	}

	o.status = to
	o.updatedAt = time.Now()
	return nil
}

// OrderSnapshot - копия ордера для сериализации и логов
type OrderSnapshot struct {
	ID        string              `json:"id"`
	AssetType AssetType           `json:"asset_type"`
	Type      OrderType           `json:"order_type"`
	Side      OrderSide           `json:"side"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	Status    OrderStatus         `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
}

// Snapshot возвращает согласованную копию ордера
func (o *Order) Snapshot() OrderSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	meta := make(map[string]string, len(o.Metadata))
	for k, v := range o.Metadata {
		meta[k] = v
	}

	updated := o.updatedAt
	if updated.IsZero() {
		updated = o.CreatedAt
	}

	return OrderSnapshot{
		ID:        o.ID,
		AssetType: o.AssetType,
		Type:      o.Type,
		Side:      o.Side,
		Quantity:  o.Quantity,
		Price:     o.Price,
		Status:    o.currentLocked(),
		CreatedAt: o.CreatedAt,
		UpdatedAt: updated,
		Metadata:  meta,
	}
}

// OrderRecord представляет запись журнала исполнения (таблица order_results)
type OrderRecord struct {
	ID              int64               `json:"id" db:"id"`
	OrderID         string              `json:"order_id" db:"order_id"`
	TrackID         string              `json:"track_id" db:"track_id"`
	AssetType       AssetType           `json:"asset_type" db:"asset_type"`
	Side            OrderSide           `json:"side" db:"side"`
	Type            OrderType           `json:"order_type" db:"order_type"`
	Quantity        decimal.Decimal     `json:"quantity" db:"quantity"`
	Price           decimal.NullDecimal `json:"price" db:"price"`
	Status          OrderStatus         `json:"status" db:"status"`
	ErrorCode       ErrorCode           `json:"error_code,omitempty" db:"error_code"`
	Message         string              `json:"message,omitempty" db:"message"`
	ExecutionTimeMs int64               `json:"execution_time_ms" db:"execution_time_ms"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	CompletedAt     time.Time           `json:"completed_at" db:"completed_at"`
}
