package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
)

// Ошибки конфигурации limiter'а
var (
	ErrInvalidRate  = errors.New("rate must be positive and finite")
	ErrInvalidBurst = errors.New("burst must be positive and not exceed max(rate, 1)")
)

// RateLimiter - Token Bucket rate limiter для admission control треков
//
// Алгоритм Token Bucket:
// - Ведро наполняется токенами непрерывно (rate токенов/сек, дробное накопление)
// - Ёмкость ведра = burst, по умолчанию равна rate (секунда permits),
//   но не меньше одного токена: при rate < 1 ведро держит ровно 1 токен
// - Каждый Acquire потребляет ровно 1 целый токен
// - Если токенов нет, вызывающий ждёт (таймер, не busy-spin) или получает отказ
//
// Состояние (токены + время пополнения) хранится как неизменяемый снимок
// и заменяется через CAS. Глобальный limiter разделяется всеми треками,
// поэтому в горячем пути нет mutex.
//
// Использование:
//
//	limiter, _ := NewRateLimiter(50)          // 50 ops/sec, burst 50
//	ok := limiter.Acquire(2 * time.Second)    // ждём не дольше 2 сек
//	if limiter.Allow() { ... }                // неблокирующая проверка
type RateLimiter struct {
	rate  float64 // токенов в секунду
	burst float64 // максимальная ёмкость
	clock clock.Clock
	state atomic.Pointer[bucketState]
}

// bucketState - снимок ведра; после публикации не изменяется
type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// Option настраивает RateLimiter
type Option func(*RateLimiter)

// WithBurst задаёт ёмкость ведра (не больше max(rate, 1))
func WithBurst(burst float64) Option {
	return func(rl *RateLimiter) {
		rl.burst = burst
	}
}

// WithClock подменяет источник времени (используется в тестах)
func WithClock(c clock.Clock) Option {
	return func(rl *RateLimiter) {
		rl.clock = c
	}
}

// NewRateLimiter создаёт limiter с полным ведром
//
// В отличие от мягких дефолтов невалидные значения не исправляются
// молча: неверный rate/burst это ошибка конфигурации.
func NewRateLimiter(rate float64, opts ...Option) (*RateLimiter, error) {
	if !(rate > 0) || math.IsInf(rate, 1) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidRate, rate)
	}

	rl := &RateLimiter{
		rate:  rate,
		burst: capacityFor(rate),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(rl)
	}

	if !(rl.burst > 0) || rl.burst > capacityFor(rl.rate) {
		return nil, fmt.Errorf("%w: burst=%v rate=%v", ErrInvalidBurst, rl.burst, rl.rate)
	}

	rl.state.Store(&bucketState{
		tokens:     rl.burst, // начинаем с полным ведром
		lastRefill: rl.clock.Now(),
	})

	return rl, nil
}

// capacityFor - наибольшая допустимая ёмкость: rate, но не меньше целого токена
func capacityFor(rate float64) float64 {
	if rate < 1 {
		return 1
	}
	return rate
}

// refilled возвращает состояние ведра на момент now (без публикации)
func (rl *RateLimiter) refilled(s *bucketState, now time.Time) bucketState {
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	tokens := s.tokens + elapsed*rl.rate
	if tokens > rl.burst {
		tokens = rl.burst
	}

	return bucketState{tokens: tokens, lastRefill: now}
}

// tryTake пытается забрать один токен
// Возвращает время до появления следующего токена при неудаче
func (rl *RateLimiter) tryTake() (bool, time.Duration) {
	for {
		current := rl.state.Load()
		next := rl.refilled(current, rl.clock.Now())

		if next.tokens < 1 {
			wait := time.Duration((1 - next.tokens) / rl.rate * float64(time.Second))
			return false, wait
		}

		next.tokens--
		if rl.state.CompareAndSwap(current, &next) {
			return true, 0
		}
		// Состояние изменил другой вызывающий - пересчитываем
	}
}

// Wait блокирует до получения токена или отмены контекста
//
// Возвращает:
//   - nil: токен получен
//   - ctx.Err(): контекст отменён (timeout или cancel)
//   - context.DeadlineExceeded: токен не появится до дедлайна ctx
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait := rl.tryTake()
		if ok {
			return nil
		}

		// Дедлайн наступит раньше токена: отказываем сразу
		if deadline, has := ctx.Deadline(); has && rl.clock.Until(deadline) < wait {
			return context.DeadlineExceeded
		}

		timer := rl.clock.Timer(wait)
		select {
		case <-timer.C:
			continue
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Acquire ожидает токен не дольше timeout
// Возвращает false по истечении таймаута
func (rl *RateLimiter) Acquire(timeout time.Duration) bool {
	if rl.Allow() {
		return true
	}
	if timeout <= 0 {
		return false
	}

	ctx, cancel := rl.clock.WithTimeout(context.Background(), timeout)
	defer cancel()
	return rl.Wait(ctx) == nil
}

// Allow проверяет доступность токена без блокировки
func (rl *RateLimiter) Allow() bool {
	ok, _ := rl.tryTake()
	return ok
}

// Tokens возвращает текущее количество доступных токенов
// Только чтение: состояние ведра не публикуется
func (rl *RateLimiter) Tokens() float64 {
	s := rl.refilled(rl.state.Load(), rl.clock.Now())
	return s.tokens
}

// Occupancy возвращает долю занятой ёмкости (0 = ведро полное, 1 = пустое)
func (rl *RateLimiter) Occupancy() float64 {
	return 1 - rl.Tokens()/rl.burst
}

// Rate возвращает скорость пополнения токенов (токенов/сек)
func (rl *RateLimiter) Rate() float64 {
	return rl.rate
}

// Burst возвращает максимальную ёмкость (burst capacity)
func (rl *RateLimiter) Burst() float64 {
	return rl.burst
}
