package utils

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// validator.go - проверки входных данных (коды активов, идентификаторы,
// числовые параметры треков, API токены)

var (
	ErrInvalidAssetCode = errors.New("invalid asset code")
	ErrInvalidTrackID   = errors.New("invalid track id")
	ErrNotPositive      = errors.New("value must be positive")
	ErrInvalidDecimal   = errors.New("invalid decimal value")
	ErrInvalidAPIToken  = errors.New("invalid api token")
)

var (
	assetCodeRegex = regexp.MustCompile(`^[A-Z]{3,5}$`)
	trackIDRegex   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// ============================================================
// Коды активов и идентификаторы
// ============================================================

// NormalizeAssetCode приводит код к верхнему регистру без пробелов ("  eur " -> "EUR")
func NormalizeAssetCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateAssetCode проверяет формат кода актива (3-5 латинских букв)
// Принадлежность к поддерживаемому набору проверяется моделью.
func ValidateAssetCode(code string) error {
	if !assetCodeRegex.MatchString(NormalizeAssetCode(code)) {
		return fmt.Errorf("%w: %q", ErrInvalidAssetCode, code)
	}
	return nil
}

// ValidateTrackID проверяет идентификатор трека
func ValidateTrackID(id string) error {
	if !trackIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTrackID, id)
	}
	return nil
}

// ============================================================
// Числовые параметры
// ============================================================

// ValidatePositiveInt проверяет что v > 0
func ValidatePositiveInt(v int) error {
	if v <= 0 {
		return fmt.Errorf("%w: got %d", ErrNotPositive, v)
	}
	return nil
}

// ValidatePositiveFloat проверяет что v конечно и больше 0 (NaN не проходит)
func ValidatePositiveFloat(v float64) error {
	if !(v > 0) || math.IsInf(v, 1) {
		return fmt.Errorf("%w: got %v", ErrNotPositive, v)
	}
	return nil
}

// ParsePositiveDecimal разбирает строку в положительное десятичное число
func ParsePositiveDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: got %s", ErrNotPositive, d.String())
	}
	return d, nil
}

// ============================================================
// API токены
// ============================================================

// ValidateAPIToken - базовая проверка токена доступа к admin API
func ValidateAPIToken(token string) error {
	if len(token) < 16 || len(token) > 256 {
		return fmt.Errorf("%w: length must be 16-256", ErrInvalidAPIToken)
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return fmt.Errorf("%w: contains whitespace", ErrInvalidAPIToken)
	}
	return nil
}

// ============================================================
// ValidationErrors
// ============================================================

// FieldError - ошибка одного поля
type FieldError struct {
	Field   string
	Message string
}

// ValidationErrors накапливает ошибки нескольких полей
type ValidationErrors []FieldError

func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// AddError добавляет err, если он не nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// Err возвращает nil если ошибок нет
func (v ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}
