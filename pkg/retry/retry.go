package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - политика повторов для вызовов исполнителя
//
// Экспоненциальный backoff с jitter:
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) ± jitter
//
// Диспетчер сам никогда не повторяет ордер: политика подключается
// вызывающим кодом как обёртка над исполнителем.
type Config struct {
	// MaxAttempts - число попыток, включая первую (минимум 1)
	MaxAttempts int

	// InitialDelay - задержка перед второй попыткой
	InitialDelay time.Duration

	// MaxDelay - потолок задержки
	MaxDelay time.Duration

	// Multiplier - рост задержки от попытки к попытке
	Multiplier float64

	// JitterFactor - доля случайной вариации задержки (0..1)
	JitterFactor float64

	// RetryIf решает, повторять ли ошибку (по умолчанию IsRetryable)
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - 3 попытки, задержки 100ms, 200ms (+ jitter)
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// WithRetries строит политику из числа повторов и начальной задержки
// retries == 0 означает одну попытку без повторов.
func WithRetries(retries int, backoff time.Duration) Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = retries + 1
	if backoff > 0 {
		cfg.InitialDelay = backoff
	}
	return cfg
}

// normalize подставляет значения по умолчанию
func (c *Config) normalize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.RetryIf == nil {
		c.RetryIf = IsRetryable
	}
}

// Delay вычисляет задержку после неудачной попытки attempt (с нуля)
func (c Config) Delay(attempt int) time.Duration {
	c.normalize()

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do выполняет операцию с повторами
//
// Возвращает nil при успехе, иначе ошибку последней попытки. Ошибки
// контекста никогда не повторяются; отмена ctx во время ожидания
// возвращает последнюю ошибку операции.
func Do(ctx context.Context, operation func(ctx context.Context) error, cfg Config) error {
	_, err := DoWithResult(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	}, cfg)
	return err
}

// DoWithResult - Do для операций, возвращающих значение
func DoWithResult[T any](ctx context.Context, operation func(ctx context.Context) (T, error), cfg Config) (T, error) {
	cfg.normalize()

	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !RetryIfNotContext(err) || !cfg.RetryIf(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError - ошибка, сама сообщающая о возможности повтора
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable: RetryableError решает сам, остальные ошибки повторяются
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return true
}

// RetryIfNotContext не повторяет отмену и истечение дедлайна
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError - ошибка, которую повторять бессмысленно
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
