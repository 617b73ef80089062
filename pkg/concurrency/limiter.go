package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"orderdispatch/pkg/syncx"
)

// Ошибки регистрации треков
var (
	ErrInvalidCapacity   = errors.New("capacity must be positive")
	ErrTrackRegistered   = errors.New("track already registered")
	ErrGlobalCapExceeded = errors.New("sum of track capacities exceeds global capacity")
)

// Limiter - двухуровневый ограничитель параллельного исполнения
//
// Каждое исполнение держит ровно два permit'а: трека и глобальный.
// Порядок захвата: трек, затем глобальный; при неудаче глобального
// permit трека возвращается. Порядок освобождения обратный: глобальный,
// затем трек. Других мест, где этот порядок реализован, нет.
//
// Ожидание кооперативное: Release при наличии ожидающих закрывает
// broadcast-канал, ожидающие просыпаются и повторяют попытку.
// Горячий путь (Acquire/Release) не берёт mutex'ов: таблица треков
// публикуется копией при Register, канал подменяется через Swap.
type Limiter struct {
	global    *syncx.Counter
	globalMax int64

	regMu  sync.Mutex // сериализует Register
	tracks atomic.Pointer[map[string]*trackSlot]

	waiters atomic.Int64
	wake    atomic.Pointer[wakeup]
}

type trackSlot struct {
	active *syncx.Counter
	max    int64
}

// wakeup закрывается один раз, при подмене на новый
type wakeup struct {
	ch chan struct{}
}

func newWakeup() *wakeup {
	return &wakeup{ch: make(chan struct{})}
}

// NewLimiter создаёт limiter с глобальным лимитом globalMax
func NewLimiter(globalMax int) (*Limiter, error) {
	if globalMax <= 0 {
		return nil, fmt.Errorf("%w: global=%d", ErrInvalidCapacity, globalMax)
	}
	l := &Limiter{
		global:    syncx.NewCounter(0),
		globalMax: int64(globalMax),
	}
	empty := make(map[string]*trackSlot)
	l.tracks.Store(&empty)
	l.wake.Store(newWakeup())
	return l, nil
}

// Register добавляет трек с лимитом max
// Сумма лимитов треков не может превышать глобальный лимит.
// Опубликованная таблица не меняется: Register заменяет её копией.
func (l *Limiter) Register(trackID string, max int) error {
	if max <= 0 {
		return fmt.Errorf("%w: track=%s max=%d", ErrInvalidCapacity, trackID, max)
	}

	l.regMu.Lock()
	defer l.regMu.Unlock()

	current := *l.tracks.Load()
	if _, ok := current[trackID]; ok {
		return fmt.Errorf("%w: %s", ErrTrackRegistered, trackID)
	}

	var sum int64
	for _, s := range current {
		sum += s.max
	}
	if sum+int64(max) > l.globalMax {
		return fmt.Errorf("%w: %d > %d", ErrGlobalCapExceeded, sum+int64(max), l.globalMax)
	}

	next := make(map[string]*trackSlot, len(current)+1)
	for id, s := range current {
		next[id] = s
	}
	next[trackID] = &trackSlot{active: syncx.NewCounter(0), max: int64(max)}
	l.tracks.Store(&next)
	return nil
}

func (l *Limiter) slot(trackID string) *trackSlot {
	return (*l.tracks.Load())[trackID]
}

// broadcast будит ожидающих; без ожидающих ничего не делает
func (l *Limiter) broadcast() {
	if l.waiters.Load() == 0 {
		return
	}
	close(l.wake.Swap(newWakeup()).ch)
}

// tryAcquire - одна попытка захватить оба permit'а
func (l *Limiter) tryAcquire(s *trackSlot) bool {
	if !s.active.IncrementIfLessThan(s.max) {
		return false
	}
	if !l.global.IncrementIfLessThan(l.globalMax) {
		// Откат: при неудаче ничего не удерживаем
		s.active.Decrement(1)
		l.broadcast()
		return false
	}
	return true
}

// Acquire захватывает permit трека и глобальный permit
// Блокируется до успеха или отмены ctx. Для неизвестного трека возвращает false.
func (l *Limiter) Acquire(ctx context.Context, trackID string) bool {
	s := l.slot(trackID)
	if s == nil {
		return false
	}

	if l.tryAcquire(s) {
		return true
	}

	// Ожидающий учитывается до повторной попытки: Release после неё
	// увидит счётчик и закроет канал
	l.waiters.Inc()
	defer l.waiters.Dec()

	for {
		wait := l.wake.Load().ch
		if l.tryAcquire(s) {
			return true
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return false
		}
	}
}

// AcquireTimeout - Acquire с ограничением ожидания
// timeout <= 0 означает одну неблокирующую попытку.
func (l *Limiter) AcquireTimeout(trackID string, timeout time.Duration) bool {
	if timeout <= 0 {
		s := l.slot(trackID)
		return s != nil && l.tryAcquire(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.Acquire(ctx, trackID)
}

// Release возвращает оба permit'а: глобальный, затем трека
func (l *Limiter) Release(trackID string) {
	s := l.slot(trackID)
	if s == nil {
		return
	}

	l.global.Decrement(1)
	s.active.Decrement(1)
	l.broadcast()
}

// Active - занятые permit'ы трека
func (l *Limiter) Active(trackID string) int {
	if s := l.slot(trackID); s != nil {
		return int(s.active.Get())
	}
	return 0
}

// Capacity - лимит трека (0 для неизвестного трека)
func (l *Limiter) Capacity(trackID string) int {
	if s := l.slot(trackID); s != nil {
		return int(s.max)
	}
	return 0
}

// GlobalActive - занятые глобальные permit'ы
func (l *Limiter) GlobalActive() int {
	return int(l.global.Get())
}

// GlobalCapacity - глобальный лимит
func (l *Limiter) GlobalCapacity() int {
	return int(l.globalMax)
}
