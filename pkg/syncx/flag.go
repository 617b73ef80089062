package syncx

import "go.uber.org/atomic"

// Flag - атомарный булев флаг (например, "трек принимает ордера")
type Flag struct {
	v atomic.Bool
}

// NewFlag создаёт флаг с начальным значением
func NewFlag(initial bool) *Flag {
	f := &Flag{}
	f.v.Store(initial)
	return f
}

// Get возвращает текущее значение
func (f *Flag) Get() bool {
	return f.v.Load()
}

// Set устанавливает значение
func (f *Flag) Set(value bool) {
	f.v.Store(value)
}

// CompareAndSet меняет значение только если текущее равно expected
func (f *Flag) CompareAndSet(expected, newValue bool) bool {
	return f.v.CompareAndSwap(expected, newValue)
}
