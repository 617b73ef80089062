package models

import (
	"errors"
	"fmt"
)

// Базовые ошибки модели (для errors.Is)
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError - нарушение инварианта ордера или конфигурации
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InvalidTransitionError - попытка перехода, запрещённого ValidTransitions
type InvalidTransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsValidationError проверяет, является ли ошибка ошибкой валидации
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}
