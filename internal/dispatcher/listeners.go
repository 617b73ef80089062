package dispatcher

import (
	"context"
	"sync"
	"time"

	"orderdispatch/internal/models"
	"orderdispatch/pkg/utils"
)

// ResultListener получает итог каждого ордера, прошедшего через диспетчер
//
// Реализации: журнал в PostgreSQL, публикация в Kafka, WebSocket hub.
// Вызовы идут из одной горутины рассылки и не блокируют Dispatch.
type ResultListener interface {
	Name() string
	OnResult(ctx context.Context, order models.OrderSnapshot, result *models.OrderResult) error
}

const (
	resultsBuffer       = "results"
	listenerCallTimeout = 5 * time.Second
)

type resultEvent struct {
	order  models.OrderSnapshot
	result *models.OrderResult
}

// resultFanout - асинхронная рассылка результатов слушателям
type resultFanout struct {
	listeners []ResultListener
	events    chan resultEvent
	metrics   *MetricsCollector
	logger    *utils.Logger

	mu     sync.RWMutex // защищает events от отправки после закрытия
	closed bool
	done   chan struct{}
}

func newResultFanout(listeners []ResultListener, buffer int, metrics *MetricsCollector, logger *utils.Logger) *resultFanout {
	f := &resultFanout{
		listeners: listeners,
		events:    make(chan resultEvent, buffer),
		metrics:   metrics,
		logger:    logger.WithComponent("result-fanout"),
		done:      make(chan struct{}),
	}
	go f.run()
	return f
}

// publish ставит событие в буфер без блокировки
func (f *resultFanout) publish(order models.OrderSnapshot, result *models.OrderResult) bool {
	if len(f.listeners) == 0 {
		return false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	return tryEnqueueResult(f.events, resultEvent{order: order, result: result}, f.metrics)
}

func (f *resultFanout) run() {
	defer close(f.done)

	for ev := range f.events {
		for _, l := range f.listeners {
			f.deliver(l, ev)
		}
	}
}

// deliver вызывает слушателя, изолируя его ошибки и паники
func (f *resultFanout) deliver(l ResultListener, ev resultEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.metrics.RecordListenerError(l.Name())
			f.logger.Error("listener panic", utils.Listener(l.Name()), utils.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), listenerCallTimeout)
	defer cancel()

	if err := l.OnResult(ctx, ev.order, ev.result); err != nil {
		f.metrics.RecordListenerError(l.Name())
		f.logger.Warn("listener failed",
			utils.Listener(l.Name()),
			utils.OrderID(ev.result.OrderID),
			utils.Err(err),
		)
	}
}

// close прекращает приём и ждёт доставки уже принятых событий
func (f *resultFanout) close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueueResult отправляет событие в канал с метриками переполнения.
// Возвращает true, если событие поставлено в очередь.
func tryEnqueueResult(ch chan resultEvent, ev resultEvent, metrics *MetricsCollector) bool {
	if ch == nil || ev.result == nil {
		return false
	}

	select {
	case ch <- ev:
		return true
	default:
		metrics.RecordBufferOverflow(resultsBuffer)
		metrics.RecordBufferBacklog(resultsBuffer, cap(ch), len(ch))
		return false
	}
}
