package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ErrorCode - машиночитаемая причина неуспеха
type ErrorCode string

const (
	ErrCodeValidationFailed         ErrorCode = "VALIDATION_FAILED"
	ErrCodeUnsupportedAsset         ErrorCode = "UNSUPPORTED_ASSET"
	ErrCodeQueueFull                ErrorCode = "QUEUE_FULL"
	ErrCodeRateLimitExceeded        ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeConcurrencyLimitExceeded ErrorCode = "CONCURRENCY_LIMIT_EXCEEDED"
	ErrCodeExecutionFailed          ErrorCode = "EXECUTION_FAILED"
	ErrCodeTimeout                  ErrorCode = "TIMEOUT"
	ErrCodeShutdown                 ErrorCode = "SHUTDOWN"
	ErrCodeCancelled                ErrorCode = "CANCELLED"
	ErrCodeDispatcherClosed         ErrorCode = "DISPATCHER_CLOSED"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// AllErrorCodes - все коды в фиксированном порядке (метрики, API)
func AllErrorCodes() []ErrorCode {
	return []ErrorCode{
		ErrCodeValidationFailed, ErrCodeUnsupportedAsset, ErrCodeQueueFull,
		ErrCodeRateLimitExceeded, ErrCodeConcurrencyLimitExceeded, ErrCodeExecutionFailed,
		ErrCodeTimeout, ErrCodeShutdown, ErrCodeCancelled, ErrCodeDispatcherClosed,
		ErrCodeInternal,
	}
}

// ExecutionReport - данные об исполнении от брокера
type ExecutionReport struct {
	ExternalID     string          `json:"external_id"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	Venue          string          `json:"venue"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// OrderResult - итог обработки ордера
// Создаётся один раз конструктором и после этого не меняется.
type OrderResult struct {
	OrderID         string           `json:"order_id"`
	Success         bool             `json:"success"`
	Status          OrderStatus      `json:"status"`
	Message         string           `json:"message"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	TrackID         string           `json:"track_id,omitempty"`
	ErrorCode       ErrorCode        `json:"error_code,omitempty"`
	Report          *ExecutionReport `json:"report,omitempty"`
	CompletedAt     time.Time        `json:"completed_at"`
}

// NewOrderResult - успешное исполнение
func NewOrderResult(orderID, trackID string, executionTimeMs int64, report *ExecutionReport) *OrderResult {
	return &OrderResult{
		OrderID:         orderID,
		Success:         true,
		Status:          StatusExecuted,
		Message:         "order executed",
		ExecutionTimeMs: executionTimeMs,
		TrackID:         trackID,
		Report:          report,
		CompletedAt:     time.Now(),
	}
}

// NewFailedResult - неуспешный итог с кодом ошибки
// status ожидается терминальным: REJECTED, FAILED или CANCELLED.
func NewFailedResult(orderID, trackID string, status OrderStatus, code ErrorCode, message string, executionTimeMs int64) *OrderResult {
	return &OrderResult{
		OrderID:         orderID,
		Success:         false,
		Status:          status,
		Message:         message,
		ExecutionTimeMs: executionTimeMs,
		TrackID:         trackID,
		ErrorCode:       code,
		CompletedAt:     time.Now(),
	}
}
