package syncx

import "go.uber.org/atomic"

// Counter - потокобезопасный целочисленный счётчик без внешних блокировок
//
// Все операции выполняются через atomic/CAS, поэтому счётчик можно
// разделять между горутинами разных треков без mutex.
//
// Использование:
//
//	var active syncx.Counter
//	if active.IncrementIfLessThan(10) { ... }  // захват слота
//	active.Decrement(1)                        // освобождение
type Counter struct {
	v atomic.Int64
}

// NewCounter создаёт счётчик с начальным значением
func NewCounter(initial int64) *Counter {
	c := &Counter{}
	c.v.Store(initial)
	return c
}

// Increment увеличивает значение на delta и возвращает новое значение
func (c *Counter) Increment(delta int64) int64 {
	return c.v.Add(delta)
}

// Decrement уменьшает значение на delta и возвращает новое значение
func (c *Counter) Decrement(delta int64) int64 {
	return c.v.Sub(delta)
}

// Get возвращает текущее значение
func (c *Counter) Get() int64 {
	return c.v.Load()
}

// Set устанавливает значение
func (c *Counter) Set(value int64) {
	c.v.Store(value)
}

// CompareAndSet записывает newValue только если текущее значение равно expected
func (c *Counter) CompareAndSet(expected, newValue int64) bool {
	return c.v.CompareAndSwap(expected, newValue)
}

// IncrementIfLessThan атомарно увеличивает значение на 1, если оно
// строго меньше limit. Иначе значение не меняется и возвращается false.
//
// На этом примитиве построены слоты очереди трека и permits
// concurrency limiter'а.
func (c *Counter) IncrementIfLessThan(limit int64) bool {
	for {
		current := c.v.Load()
		if current >= limit {
			return false
		}
		if c.v.CompareAndSwap(current, current+1) {
			return true
		}
	}
}
