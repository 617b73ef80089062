package dispatcher

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"orderdispatch/internal/config"
	"orderdispatch/internal/models"
	"orderdispatch/pkg/concurrency"
	"orderdispatch/pkg/ratelimit"
	"orderdispatch/pkg/syncx"
	"orderdispatch/pkg/utils"
)

// job - ордер, принятый треком, и канал его единственного результата
type job struct {
	order      *models.Order
	enqueuedAt time.Time
	result     chan *models.OrderResult // буфер 1, запись ровно один раз
	once       sync.Once

	elem *list.Element // позиция в очереди; под jobQueue.mu
}

// deliver записывает результат; true только для первого вызова
func (j *job) deliver(r *models.OrderResult) bool {
	delivered := false
	j.once.Do(func() {
		j.result <- r
		delivered = true
	})
	return delivered
}

// panicError - паника исполнителя, перехваченная воркером
type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("executor panic: %v", e.value)
}

// Track - изолированный конвейер исполнения для одного актива
//
// Архитектура:
// Enqueue → [bounded queue] → Worker[N] → rate limit → permits → Executor
//
// Очередь ограничена: слот резервируется до перевода ордера в QUEUED,
// переполнение отклоняется сразу (QUEUE_FULL). Слот освобождается, как только
// ордер покидает QUEUED: воркер забрал его или он отменён. Счётчик active
// учитывает только ордера, держащие permit исполнения, и не превышает MaxConcurrent.
type Track struct {
	cfg      config.TrackConfig
	executor Executor
	limiter  *ratelimit.RateLimiter
	permits  *concurrency.Limiter
	logger   *utils.Logger

	queue  *jobQueue
	active *syncx.Counter // ордера с захваченным permit

	jobs     sync.Map // orderID -> *job
	inflight sync.WaitGroup
	pending  *syncx.Counter // принятые и ещё не завершённые

	admitMu   sync.RWMutex // сериализует приём и закрытие трека
	accepting *syncx.Flag
	started   *syncx.Flag
	stopped   *syncx.Flag

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewTrack создаёт трек; воркеры запускаются Start
// permits - общий для всех треков limiter, трек в нём должен быть зарегистрирован.
func NewTrack(cfg config.TrackConfig, executor Executor, permits *concurrency.Limiter, logger *utils.Logger) (*Track, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if permits == nil || permits.Capacity(cfg.TrackID) == 0 {
		return nil, fmt.Errorf("track %s is not registered in the concurrency limiter", cfg.TrackID)
	}
	if logger == nil {
		logger = utils.L()
	}

	limiter, err := ratelimit.NewRateLimiter(cfg.RateLimitPerSecond)
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", cfg.TrackID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Track{
		cfg:       cfg,
		executor:  executor,
		limiter:   limiter,
		permits:   permits,
		logger:    logger.WithTrack(cfg.TrackID).WithAsset(string(cfg.AssetType)),
		queue:     newJobQueue(cfg.QueueSize),
		active:    syncx.NewCounter(0),
		pending:   syncx.NewCounter(0),
		accepting: syncx.NewFlag(true),
		started:   syncx.NewFlag(false),
		stopped:   syncx.NewFlag(false),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// ID возвращает идентификатор трека
func (t *Track) ID() string {
	return t.cfg.TrackID
}

// AssetType возвращает актив трека
func (t *Track) AssetType() models.AssetType {
	return t.cfg.AssetType
}

// Start запускает пул воркеров (повторный вызов ничего не делает)
func (t *Track) Start() {
	if !t.started.CompareAndSet(false, true) {
		return
	}

	for i := 0; i < t.cfg.WorkerPoolSize; i++ {
		t.workers.Add(1)
		go t.worker()
	}

	t.logger.Info("track started",
		utils.Int("workers", t.cfg.WorkerPoolSize),
		utils.Int("max_concurrent", t.cfg.MaxConcurrent),
		utils.Int("queue_size", t.cfg.QueueSize),
		utils.Float64("rate_limit", t.cfg.RateLimitPerSecond),
	)
}

// ============================================================
// Приём ордеров
// ============================================================

// Enqueue ставит ордер в очередь без блокировки
//
// Возвращает канал результата при успехе, либо готовый результат-отказ:
//   - REJECTED/SHUTDOWN: трек остановлен
//   - REJECTED/QUEUE_FULL: очередь заполнена
//   - REJECTED/VALIDATION_FAILED: ордер не в статусе PENDING или id уже в работе
//     (статус самого ордера при этом не меняется)
func (t *Track) Enqueue(order *models.Order) (<-chan *models.OrderResult, *models.OrderResult) {
	t.admitMu.RLock()
	defer t.admitMu.RUnlock()

	if !t.accepting.Get() {
		_ = order.TransitionTo(models.StatusRejected)
		return nil, t.reject(order, models.StatusRejected, models.ErrCodeShutdown, "track is shutting down")
	}

	if !t.queue.reserve() {
		_ = order.TransitionTo(models.StatusRejected)
		t.logger.Warn("queue full", utils.OrderID(order.ID), utils.QueueDepth(t.QueueDepth()))
		return nil, t.reject(order, models.StatusRejected, models.ErrCodeQueueFull,
			fmt.Sprintf("queue full (%d)", t.cfg.QueueSize))
	}

	j := &job{
		order:      order,
		enqueuedAt: time.Now(),
		result:     make(chan *models.OrderResult, 1),
	}

	if _, loaded := t.jobs.LoadOrStore(order.ID, j); loaded {
		t.queue.unreserve()
		return nil, t.reject(order, models.StatusRejected, models.ErrCodeValidationFailed, "order id is already in flight")
	}

	if err := order.TransitionTo(models.StatusQueued); err != nil {
		t.jobs.Delete(order.ID)
		t.queue.unreserve()
		return nil, t.reject(order, models.StatusRejected, models.ErrCodeValidationFailed, err.Error())
	}

	t.inflight.Add(1)
	t.pending.Increment(1)

	// false: ордер отменён до постановки, результат уже в канале
	t.queue.push(j)

	return j.result, nil
}

func (t *Track) reject(order *models.Order, status models.OrderStatus, code models.ErrorCode, msg string) *models.OrderResult {
	return models.NewFailedResult(order.ID, t.cfg.TrackID, status, code, msg, 0)
}

// SubmitOrder ставит ордер в очередь и ждёт результат
//
// Если ctx завершился, пока ордер в очереди, ордер отменяется
// (CANCELLED). Начатое исполнение доводится до конца.
func (t *Track) SubmitOrder(ctx context.Context, order *models.Order) *models.OrderResult {
	ch, rejected := t.Enqueue(order)
	if rejected != nil {
		return rejected
	}

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		t.cancelQueued(order.ID, models.ErrCodeCancelled, "caller context done: "+ctx.Err().Error())
		return <-ch
	}
}

// Cancel отменяет ордер, если он ещё в очереди
func (t *Track) Cancel(orderID string) bool {
	return t.cancelQueued(orderID, models.ErrCodeCancelled, "cancelled by request")
}

func (t *Track) cancelQueued(orderID string, code models.ErrorCode, msg string) bool {
	v, ok := t.jobs.Load(orderID)
	if !ok {
		return false
	}
	j := v.(*job)

	if err := j.order.TransitionTo(models.StatusCancelled); err != nil {
		return false
	}
	t.queue.remove(j)

	t.complete(j, models.NewFailedResult(orderID, t.cfg.TrackID, models.StatusCancelled, code, msg, t.elapsed(j)))
	t.logger.Info("order cancelled", utils.OrderID(orderID), utils.ErrorCode(string(code)))
	return true
}

// complete доставляет результат и снимает ордер с учёта
func (t *Track) complete(j *job, r *models.OrderResult) bool {
	if !j.deliver(r) {
		return false
	}
	t.jobs.Delete(j.order.ID)
	t.pending.Decrement(1)
	t.inflight.Done()
	return true
}

func (t *Track) elapsed(j *job) int64 {
	return utils.ElapsedMillis(j.enqueuedAt, time.Now())
}

// ============================================================
// Воркеры
// ============================================================

func (t *Track) worker() {
	defer t.workers.Done()

	for {
		if t.ctx.Err() != nil {
			return
		}
		if j := t.queue.pop(); j != nil {
			t.process(j)
			continue
		}
		select {
		case <-t.ctx.Done():
			return
		case <-t.queue.ready:
		}
	}
}

// process - полный цикл исполнения одного ордера
func (t *Track) process(j *job) {
	// Отменённый в очереди ордер пропускаем
	if err := j.order.TransitionTo(models.StatusProcessing); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.Timeout)
	defer cancel()

	if err := t.limiter.Wait(ctx); err != nil {
		t.fail(j, t.limitCode(models.ErrCodeRateLimitExceeded), "rate limit not acquired within timeout")
		return
	}

	if !t.permits.Acquire(ctx, t.cfg.TrackID) {
		t.fail(j, t.limitCode(models.ErrCodeConcurrencyLimitExceeded), "concurrency permit not acquired within timeout")
		return
	}

	report, err := t.execute(ctx, j)
	elapsed := t.elapsed(j)

	// Исполнитель, проигнорировавший ctx, всё равно не укладывается в бюджет
	if err == nil && ctx.Err() == context.DeadlineExceeded {
		err = ctx.Err()
	}

	if err == nil {
		if j.order.TransitionTo(models.StatusExecuted) != nil {
			return // уже принудительно завершён остановкой
		}
		t.complete(j, models.NewOrderResult(j.order.ID, t.cfg.TrackID, elapsed, report))
		t.logger.Debug("order executed", utils.OrderID(j.order.ID), utils.Latency(float64(elapsed)), utils.Active(t.ActiveCount()))
		return
	}

	var pe *panicError
	switch {
	case errors.As(err, &pe):
		t.logger.Error("executor panic", utils.OrderID(j.order.ID), utils.Any("panic", pe.value))
		t.failElapsed(j, models.ErrCodeInternal, err.Error(), elapsed)
	case t.ctx.Err() != nil:
		t.failElapsed(j, models.ErrCodeShutdown, "track shut down during execution", elapsed)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		t.failElapsed(j, models.ErrCodeTimeout, fmt.Sprintf("execution exceeded %v", t.cfg.Timeout), elapsed)
	default:
		t.failElapsed(j, models.ErrCodeExecutionFailed, err.Error(), elapsed)
	}
}

// execute вызывает исполнителя, удерживая permit
// Permit возвращается на любом пути, включая панику.
func (t *Track) execute(ctx context.Context, j *job) (report *models.ExecutionReport, err error) {
	t.active.Increment(1)
	defer func() {
		t.active.Decrement(1)
		t.permits.Release(t.cfg.TrackID)
	}()
	defer func() {
		if r := recover(); r != nil {
			report, err = nil, &panicError{value: r}
		}
	}()

	return t.executor.Execute(ctx, j.order.Snapshot())
}

// limitCode различает отказ лимита и остановку трека
func (t *Track) limitCode(code models.ErrorCode) models.ErrorCode {
	if t.ctx.Err() != nil {
		return models.ErrCodeShutdown
	}
	return code
}

func (t *Track) fail(j *job, code models.ErrorCode, msg string) {
	t.failElapsed(j, code, msg, t.elapsed(j))
}

func (t *Track) failElapsed(j *job, code models.ErrorCode, msg string, elapsed int64) {
	if j.order.TransitionTo(models.StatusFailed) != nil {
		return
	}
	t.complete(j, models.NewFailedResult(j.order.ID, t.cfg.TrackID, models.StatusFailed, code, msg, elapsed))
	t.logger.Warn("order failed", utils.OrderID(j.order.ID), utils.ErrorCode(string(code)), utils.String("reason", msg))
}

// ============================================================
// Состояние
// ============================================================

// ActiveCount - ордера, исполняющиеся прямо сейчас
func (t *Track) ActiveCount() int {
	return int(t.active.Get())
}

// QueueDepth - занятые слоты очереди
func (t *Track) QueueDepth() int {
	return t.queue.depth()
}

// Status возвращает снимок состояния трека
func (t *Track) Status() TrackStatus {
	return TrackStatus{
		TrackID:       t.cfg.TrackID,
		AssetType:     t.cfg.AssetType,
		Accepting:     t.accepting.Get(),
		ActiveCount:   t.ActiveCount(),
		MaxConcurrent: t.cfg.MaxConcurrent,
		QueueDepth:    t.QueueDepth(),
		QueueSize:     t.cfg.QueueSize,
		Workers:       t.cfg.WorkerPoolSize,
		RateLimit:     t.limiter.Rate(),
		RateTokens:    t.limiter.Tokens(),
		InFlight:      int(t.pending.Get()),
	}
}

// ============================================================
// Остановка
// ============================================================

// Shutdown останавливает трек
//
// 1. Прекращает приём новых ордеров
// 2. Ждёт завершения принятых ордеров, пока жив ctx (grace)
// 3. Останавливает воркеров
// 4. По истечении grace: PROCESSING → FAILED/SHUTDOWN, QUEUED → CANCELLED/SHUTDOWN
//
// Повторный вызов возвращает пустой отчёт.
func (t *Track) Shutdown(ctx context.Context) ShutdownReport {
	start := time.Now()
	report := ShutdownReport{Graceful: true}

	if !t.stopped.CompareAndSet(false, true) {
		return report
	}

	t.admitMu.Lock()
	t.accepting.Set(false)
	t.admitMu.Unlock()

	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()

	// Без запущенных воркеров ждать нечего: очередь не разберётся
	if t.started.Get() {
		select {
		case <-done:
		case <-ctx.Done():
			report.Graceful = false
		}
	} else if t.pending.Get() > 0 {
		report.Graceful = false
	}

	t.cancel()

	if report.Graceful {
		t.workers.Wait()
	} else {
		report.ForceFailed, report.Cancelled = t.forceComplete()
	}

	report.Duration = time.Since(start)
	t.logger.Info("track stopped",
		utils.Bool("graceful", report.Graceful),
		utils.Int("force_failed", len(report.ForceFailed)),
		utils.Int("cancelled", len(report.Cancelled)),
		utils.Duration("duration", report.Duration),
	)
	return report
}

// forceComplete завершает все незавершённые ордера с кодом SHUTDOWN
func (t *Track) forceComplete() (forceFailed, cancelled []string) {
	t.jobs.Range(func(key, value interface{}) bool {
		j := value.(*job)
		id := key.(string)

		switch {
		case j.order.TransitionTo(models.StatusCancelled) == nil:
			t.queue.remove(j)
			if t.complete(j, models.NewFailedResult(id, t.cfg.TrackID, models.StatusCancelled,
				models.ErrCodeShutdown, "cancelled by shutdown", t.elapsed(j))) {
				cancelled = append(cancelled, id)
			}
		case j.order.TransitionTo(models.StatusFailed) == nil:
			if t.complete(j, models.NewFailedResult(id, t.cfg.TrackID, models.StatusFailed,
				models.ErrCodeShutdown, "force-failed by shutdown", t.elapsed(j))) {
				forceFailed = append(forceFailed, id)
			}
		}
		return true
	})
	return forceFailed, cancelled
}
