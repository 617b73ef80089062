// Package exchange содержит исполнителей ордеров (площадки) для диспетчера.
package exchange

import (
	"errors"
	"fmt"
)

// Поддерживаемые площадки
const (
	VenuePaper = "paper" // симулятор в памяти
	VenueHTTP  = "http"  // JSON-мост к внешнему брокеру
)

// ErrUnsupportedVenue - площадка не известна фабрике
var ErrUnsupportedVenue = errors.New("unsupported venue")

// Коды ошибок площадки
const (
	CodeRejected     = "REJECTED"      // брокер отклонил ордер
	CodeInvalidOrder = "INVALID_ORDER" // ордер не прошёл проверки площадки
	CodeUnavailable  = "UNAVAILABLE"   // площадка временно недоступна
	CodeTransport    = "TRANSPORT"     // сетевой сбой
)

// ExchangeError представляет ошибку от площадки
type ExchangeError struct {
	Venue     string
	Code      string
	Message   string
	Temporary bool // повтор может пройти
	Original  error
}

func (e *ExchangeError) Error() string {
	if e.Original != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Venue, e.Code, e.Message, e.Original)
	}
	return fmt.Sprintf("%s: %s: %s", e.Venue, e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable используется политикой повторов (pkg/retry)
func (e *ExchangeError) Retryable() bool {
	return e.Temporary
}

// IsTemporary сообщает, является ли err временной ошибкой площадки
func IsTemporary(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Temporary
}
