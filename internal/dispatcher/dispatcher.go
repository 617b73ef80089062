package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"orderdispatch/internal/config"
	"orderdispatch/internal/models"
	"orderdispatch/pkg/concurrency"
	"orderdispatch/pkg/ratelimit"
	"orderdispatch/pkg/syncx"
	"orderdispatch/pkg/utils"
)

// ErrShutdownForced - хотя бы один трек не уложился в grace
var ErrShutdownForced = errors.New("shutdown grace expired")

// Время на доставку оставшихся результатов слушателям при остановке
const listenerDrainTimeout = 5 * time.Second

// Option настраивает Dispatcher
type Option func(*options)

type options struct {
	logger     *utils.Logger
	registerer prometheus.Registerer
	listeners  []ResultListener
	rateClock  clock.Clock
}

// WithLogger задаёт логгер (по умолчанию глобальный)
func WithLogger(l *utils.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer задаёт Prometheus Registerer для метрик
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithListeners подключает слушателей результатов
func WithListeners(listeners ...ResultListener) Option {
	return func(o *options) { o.listeners = append(o.listeners, listeners...) }
}

// WithRateClock подменяет часы глобального rate limiter'а
func WithRateClock(c clock.Clock) Option {
	return func(o *options) { o.rateClock = c }
}

// Dispatcher - точка входа: маршрутизирует ордера по трекам
//
// Архитектура:
// Dispatch → validate → route(asset) → global rate → Track → result
//
// Таблица маршрутов фиксируется при создании. Глобальный лимит
// параллельности общий для всех треков (concurrency.Limiter), глобальный
// rate limit проверяется без ожидания до постановки в очередь трека.
type Dispatcher struct {
	cfg        *config.DispatcherConfig
	tracks     map[models.AssetType]*Track
	order      []models.AssetType
	permits    *concurrency.Limiter
	globalRate *ratelimit.RateLimiter
	metrics    *MetricsCollector
	fanout     *resultFanout
	logger     *utils.Logger

	admitMu sync.RWMutex // сериализует приём вызовов и закрытие
	calls   sync.WaitGroup
	closed  *syncx.Flag

	startedAt time.Time
}

// New создаёт диспетчер и запускает все треки
func New(cfg *config.DispatcherConfig, executor Executor, opts ...Option) (*Dispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", config.ErrInvalidConfig)
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = utils.L()
	}
	if !cfg.MetricsEnabled {
		o.registerer = nil
	}

	logger := o.logger.WithComponent("dispatcher")

	permits, err := concurrency.NewLimiter(cfg.GlobalMaxConcurrent)
	if err != nil {
		return nil, err
	}

	rateOpts := []ratelimit.Option{}
	if o.rateClock != nil {
		rateOpts = append(rateOpts, ratelimit.WithClock(o.rateClock))
	}
	globalRate, err := ratelimit.NewRateLimiter(cfg.GlobalRateLimitPerSecond, rateOpts...)
	if err != nil {
		return nil, fmt.Errorf("global rate limiter: %w", err)
	}

	// Все шаги, которые могут завершиться ошибкой, идут до регистрации
	// коллекторов и запуска горутин: неудачный New ничего не оставляет.
	tracks, err := buildTracks(cfg, executor, permits, o.logger)
	if err != nil {
		return nil, err
	}

	metrics := NewMetricsCollector(o.registerer)

	d := &Dispatcher{
		cfg:        cfg,
		tracks:     tracks,
		order:      cfg.Assets(),
		permits:    permits,
		globalRate: globalRate,
		metrics:    metrics,
		fanout:     newResultFanout(o.listeners, cfg.ResultBufferSize, metrics, o.logger),
		logger:     logger,
		closed:     syncx.NewFlag(false),
		startedAt:  time.Now(),
	}

	for _, asset := range d.order {
		registerTrackGauges(o.registerer, d.tracks[asset])
	}
	registerGlobalGauges(o.registerer, d)

	if cfg.Raised() {
		logger.Warn("global max concurrent raised to sum of track limits",
			utils.Int("global_max_concurrent", cfg.GlobalMaxConcurrent))
	}

	for _, asset := range d.order {
		d.tracks[asset].Start()
	}

	logger.Info("dispatcher started",
		utils.Int("tracks", len(d.tracks)),
		utils.Int("global_max_concurrent", cfg.GlobalMaxConcurrent),
		utils.Float64("global_rate_limit", cfg.GlobalRateLimitPerSecond),
		utils.Int("listeners", len(o.listeners)),
	)
	return d, nil
}

// buildTracks регистрирует треки в limiter'е и создаёт их без запуска
func buildTracks(cfg *config.DispatcherConfig, executor Executor, permits *concurrency.Limiter, logger *utils.Logger) (map[models.AssetType]*Track, error) {
	tracks := make(map[models.AssetType]*Track, len(cfg.Tracks))
	release := func() {
		for _, t := range tracks {
			t.cancel()
		}
	}

	for _, asset := range cfg.Assets() {
		tc := cfg.Tracks[asset]
		if err := permits.Register(tc.TrackID, tc.MaxConcurrent); err != nil {
			release()
			return nil, err
		}
		track, err := NewTrack(tc, executor, permits, logger)
		if err != nil {
			release()
			return nil, err
		}
		tracks[asset] = track
	}
	return tracks, nil
}

// ============================================================
// Приём ордеров
// ============================================================

// Dispatch проводит ордер через весь конвейер и возвращает итог
//
// Отказы до постановки в очередь:
//   - REJECTED/DISPATCHER_CLOSED: диспетчер остановлен
//   - REJECTED/VALIDATION_FAILED: ордер нарушает инварианты
//   - REJECTED/UNSUPPORTED_ASSET: для актива нет трека
//   - REJECTED/RATE_LIMIT_EXCEEDED: исчерпан глобальный rate limit
//
// Паника внутри конвейера превращается в FAILED/INTERNAL_ERROR.
func (d *Dispatcher) Dispatch(ctx context.Context, order *models.Order) (result *models.OrderResult) {
	if !d.enter() {
		return d.finish("", order, d.closedResult(order))
	}
	defer d.calls.Done()

	trackID := ""
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panic", utils.OrderID(orderID(order)), utils.Any("panic", r))
			result = d.finish(trackID, order, models.NewFailedResult(orderID(order), trackID,
				models.StatusFailed, models.ErrCodeInternal, fmt.Sprintf("internal error: %v", r), 0))
		}
	}()

	track, rejected := d.admit(order)
	if rejected != nil {
		return d.finish(rejected.TrackID, order, rejected)
	}
	trackID = track.ID()

	return d.finish(trackID, order, track.SubmitOrder(ctx, order))
}

// DispatchAsync ставит ордер в очередь без ожидания исполнения
//
// Возвращает канал с единственным результатом, либо немедленный отказ.
// Отмена возможна через Cancel, пока ордер в очереди.
func (d *Dispatcher) DispatchAsync(order *models.Order) (<-chan *models.OrderResult, *models.OrderResult) {
	if !d.enter() {
		return nil, d.finish("", order, d.closedResult(order))
	}

	track, rejected := d.admit(order)
	if rejected != nil {
		d.calls.Done()
		return nil, d.finish(rejected.TrackID, order, rejected)
	}

	ch, rejected := track.Enqueue(order)
	if rejected != nil {
		d.calls.Done()
		return nil, d.finish(track.ID(), order, rejected)
	}

	out := make(chan *models.OrderResult, 1)
	go func() {
		defer d.calls.Done()
		out <- d.finish(track.ID(), order, <-ch)
	}()
	return out, nil
}

// enter регистрирует вызов; false, если диспетчер закрыт
func (d *Dispatcher) enter() bool {
	d.admitMu.RLock()
	defer d.admitMu.RUnlock()

	if d.closed.Get() {
		return false
	}
	d.calls.Add(1)
	return true
}

func (d *Dispatcher) closedResult(order *models.Order) *models.OrderResult {
	if order != nil {
		_ = order.TransitionTo(models.StatusRejected)
	}
	return models.NewFailedResult(orderID(order), "", models.StatusRejected,
		models.ErrCodeDispatcherClosed, "dispatcher is shut down", 0)
}

// admit выполняет проверки до трека: валидация, маршрут, глобальный rate
func (d *Dispatcher) admit(order *models.Order) (*Track, *models.OrderResult) {
	if order == nil {
		return nil, models.NewFailedResult("", "", models.StatusRejected,
			models.ErrCodeValidationFailed, "order is required", 0)
	}

	if err := order.Validate(); err != nil {
		_ = order.TransitionTo(models.StatusRejected)
		return nil, models.NewFailedResult(order.ID, "", models.StatusRejected,
			models.ErrCodeValidationFailed, err.Error(), 0)
	}

	track, ok := d.tracks[order.AssetType]
	if !ok {
		_ = order.TransitionTo(models.StatusRejected)
		return nil, models.NewFailedResult(order.ID, "", models.StatusRejected,
			models.ErrCodeUnsupportedAsset, fmt.Sprintf("no track for asset %s", order.AssetType), 0)
	}

	if !d.globalRate.Allow() {
		_ = order.TransitionTo(models.StatusRejected)
		return nil, models.NewFailedResult(order.ID, track.ID(), models.StatusRejected,
			models.ErrCodeRateLimitExceeded, "global rate limit exceeded", 0)
	}

	return track, nil
}

// finish учитывает результат в метриках и рассылает слушателям
func (d *Dispatcher) finish(trackID string, order *models.Order, r *models.OrderResult) *models.OrderResult {
	d.metrics.RecordResult(trackID, r)

	var snap models.OrderSnapshot
	if order != nil {
		snap = order.Snapshot()
	}

	if r.Status == models.StatusRejected {
		d.logger.Debug("order rejected",
			utils.OrderID(r.OrderID),
			utils.Track(trackID),
			utils.Status(string(r.Status)),
			utils.ErrorCode(string(r.ErrorCode)),
			utils.OrderType(string(snap.Type)),
			utils.Side(string(snap.Side)),
			utils.Quantity(snap.Quantity.String()),
			utils.Price(snap.Price.Decimal.String()),
		)
	}
	d.fanout.publish(snap, r)
	return r
}

func orderID(order *models.Order) string {
	if order == nil {
		return ""
	}
	return order.ID
}

// Cancel отменяет ордер, пока он стоит в очереди своего трека
func (d *Dispatcher) Cancel(orderID string) bool {
	for _, asset := range d.order {
		if d.tracks[asset].Cancel(orderID) {
			return true
		}
	}
	return false
}

// ============================================================
// Состояние
// ============================================================

// Track возвращает трек актива
func (d *Dispatcher) Track(asset models.AssetType) (*Track, bool) {
	t, ok := d.tracks[asset]
	return t, ok
}

// Metrics возвращает коллектор метрик
func (d *Dispatcher) Metrics() *MetricsCollector {
	return d.metrics
}

// Accepting сообщает, принимает ли диспетчер ордера
func (d *Dispatcher) Accepting() bool {
	return !d.closed.Get()
}

// GetSystemStatus возвращает снимок состояния без побочных эффектов
func (d *Dispatcher) GetSystemStatus() SystemStatus {
	tracks := make([]TrackStatus, 0, len(d.order))
	for _, asset := range d.order {
		tracks = append(tracks, d.tracks[asset].Status())
	}

	return SystemStatus{
		Accepting:            d.Accepting(),
		Uptime:               utils.FormatUptime(time.Since(d.startedAt)),
		GlobalActive:         d.permits.GlobalActive(),
		GlobalCapacity:       d.permits.GlobalCapacity(),
		GlobalCapacityRaised: d.cfg.Raised(),
		GlobalRateLimit:      d.globalRate.Rate(),
		GlobalRateOccupancy:  d.globalRate.Occupancy(),
		Tracks:               tracks,
		Timestamp:            time.Now(),
	}
}

// ============================================================
// Остановка
// ============================================================

// ShutdownAll останавливает все треки параллельно
//
// Grace ограничен ctx и cfg.ShutdownGrace (что наступит раньше). Если
// хотя бы один трек завершён принудительно, возвращается ErrShutdownForced
// вместе с полным отчётом. Повторный вызов возвращает пустой отчёт.
func (d *Dispatcher) ShutdownAll(ctx context.Context) (ShutdownReport, error) {
	start := time.Now()

	d.admitMu.Lock()
	first := d.closed.CompareAndSet(false, true)
	d.admitMu.Unlock()
	if !first {
		return ShutdownReport{Graceful: true}, nil
	}

	d.logger.Info("dispatcher shutting down", utils.Duration("grace", d.cfg.ShutdownGrace))

	graceCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownGrace)
	defer cancel()

	var (
		mu      sync.Mutex
		reports = make(map[string]ShutdownReport, len(d.tracks))
		g       errgroup.Group
	)
	for _, asset := range d.order {
		track := d.tracks[asset]
		g.Go(func() error {
			rep := track.Shutdown(graceCtx)
			mu.Lock()
			reports[track.ID()] = rep
			mu.Unlock()
			if !rep.Graceful {
				return fmt.Errorf("track %s: %w", track.ID(), ErrShutdownForced)
			}
			return nil
		})
	}
	err := g.Wait()

	// Все ордера завершены треками, вызовы Dispatch возвращаются
	d.calls.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), listenerDrainTimeout)
	defer drainCancel()
	if drainErr := d.fanout.close(drainCtx); drainErr != nil {
		d.logger.Warn("result listeners not drained", utils.Err(drainErr))
	}

	report := aggregateReports(reports)
	report.Duration = time.Since(start)

	d.logger.Info("dispatcher stopped",
		utils.Bool("graceful", report.Graceful),
		utils.Int("force_failed", len(report.ForceFailed)),
		utils.Int("cancelled", len(report.Cancelled)),
		utils.Duration("duration", report.Duration),
	)
	return report, err
}

func aggregateReports(tracks map[string]ShutdownReport) ShutdownReport {
	report := ShutdownReport{Graceful: true, Tracks: tracks}
	for _, rep := range tracks {
		report.Graceful = report.Graceful && rep.Graceful
		report.ForceFailed = append(report.ForceFailed, rep.ForceFailed...)
		report.Cancelled = append(report.Cancelled, rep.Cancelled...)
	}
	sort.Strings(report.ForceFailed)
	sort.Strings(report.Cancelled)
	return report
}
