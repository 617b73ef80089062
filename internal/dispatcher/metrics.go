package dispatcher

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"orderdispatch/internal/models"
)

// ============================================================
// Метрики диспетчера
// ============================================================
//
// MetricsCollector хранит два представления одних и тех же событий:
// - снимок в памяти (GetSnapshot) для API /status и тестов
// - Prometheus коллекторы на переданном Registerer для scrape
//
// Регистрация на отдельном Registerer позволяет нескольким диспетчерам
// (и тестам) жить в одном процессе.

const (
	metricsNamespace = "orderdispatch"
	noTrackLabel     = "none" // отказы до выбора трека
)

// Prometheus коллекторы
type promMetrics struct {
	dispatched      *prometheus.CounterVec
	results         *prometheus.CounterVec
	errorCodes      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	bufferOverflows *prometheus.CounterVec
	bufferBacklog   *prometheus.GaugeVec
	listenerErrors  *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)

	return &promMetrics{
		// OrdersDispatched - ордера, поступившие в Dispatch
		dispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatcher",
				Name:      "orders_dispatched_total",
				Help:      "Total number of dispatched orders",
			},
			[]string{"track"},
		),
		// OrderResults - итоговые статусы
		results: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatcher",
				Name:      "order_results_total",
				Help:      "Total number of order results by final status",
			},
			[]string{"track", "status"}, // EXECUTED, FAILED, REJECTED, CANCELLED
		),
		errorCodes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatcher",
				Name:      "order_errors_total",
				Help:      "Total number of unsuccessful orders by error code",
			},
			[]string{"track", "code"},
		),
		// ExecutionLatency - от постановки в очередь до освобождения permit
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatcher",
				Name:      "order_latency_ms",
				Help:      "Order latency from enqueue to completion in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"track"},
		),
		bufferOverflows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatcher",
				Name:      "buffer_overflows_total",
				Help:      "Number of channel buffer overflows (events dropped)",
			},
			[]string{"buffer"},
		),
		bufferBacklog: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatcher",
				Name:      "buffer_backlog",
				Help:      "Channel buffer fill level observed at overflow",
			},
			[]string{"buffer"},
		),
		listenerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "listeners",
				Name:      "errors_total",
				Help:      "Number of result listener failures",
			},
			[]string{"listener"},
		),
	}
}

// counterSet - счётчики одного трека (или глобальные)
type counterSet struct {
	dispatched int64
	succeeded  int64
	failed     int64
	rejected   int64
	cancelled  int64
	errorCodes map[models.ErrorCode]int64

	latencyCount int64
	latencySumMs int64
	latencyMaxMs int64
}

func newCounterSet() *counterSet {
	return &counterSet{errorCodes: make(map[models.ErrorCode]int64)}
}

func (c *counterSet) record(r *models.OrderResult) {
	c.dispatched++

	switch r.Status {
	case models.StatusExecuted:
		c.succeeded++
	case models.StatusRejected:
		c.rejected++
	case models.StatusCancelled:
		c.cancelled++
	default:
		c.failed++
	}

	if r.ErrorCode != "" {
		c.errorCodes[r.ErrorCode]++
	}

	// Латентность имеет смысл только для ордеров, прошедших очередь
	if r.Status != models.StatusRejected {
		c.latencyCount++
		c.latencySumMs += r.ExecutionTimeMs
		if r.ExecutionTimeMs > c.latencyMaxMs {
			c.latencyMaxMs = r.ExecutionTimeMs
		}
	}
}

func (c *counterSet) snapshot() CounterSnapshot {
	codes := make(map[models.ErrorCode]int64, len(c.errorCodes))
	for k, v := range c.errorCodes {
		codes[k] = v
	}

	s := CounterSnapshot{
		Dispatched:   c.dispatched,
		Succeeded:    c.succeeded,
		Failed:       c.failed,
		Rejected:     c.rejected,
		Cancelled:    c.cancelled,
		ErrorCodes:   codes,
		LatencyCount: c.latencyCount,
		MaxLatencyMs: c.latencyMaxMs,
	}
	if c.latencyCount > 0 {
		s.AvgLatencyMs = float64(c.latencySumMs) / float64(c.latencyCount)
	}
	return s
}

// CounterSnapshot - счётчики на момент снимка
type CounterSnapshot struct {
	Dispatched   int64                      `json:"dispatched"`
	Succeeded    int64                      `json:"succeeded"`
	Failed       int64                      `json:"failed"`
	Rejected     int64                      `json:"rejected"`
	Cancelled    int64                      `json:"cancelled"`
	ErrorCodes   map[models.ErrorCode]int64 `json:"error_codes"`
	LatencyCount int64                      `json:"latency_count"`
	AvgLatencyMs float64                    `json:"avg_latency_ms"`
	MaxLatencyMs int64                      `json:"max_latency_ms"`
}

// MetricsSnapshot - глобальные и потрековые счётчики
type MetricsSnapshot struct {
	Global          CounterSnapshot            `json:"global"`
	Tracks          map[string]CounterSnapshot `json:"tracks"`
	BufferOverflows int64                      `json:"buffer_overflows"`
	ListenerErrors  int64                      `json:"listener_errors"`
}

// MetricsCollector агрегирует результаты ордеров
type MetricsCollector struct {
	mu     sync.RWMutex
	global *counterSet
	tracks map[string]*counterSet

	overflows      int64
	listenerErrors int64

	prom *promMetrics
}

// NewMetricsCollector создаёт коллектор
// reg == nil: Prometheus коллекторы создаются, но нигде не регистрируются.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		global: newCounterSet(),
		tracks: make(map[string]*counterSet),
		prom:   newPromMetrics(reg),
	}
}

// RecordResult учитывает итог ордера в треке trackID ("" - до выбора трека)
func (m *MetricsCollector) RecordResult(trackID string, r *models.OrderResult) {
	if r == nil {
		return
	}

	m.mu.Lock()
	m.global.record(r)
	if trackID != "" {
		set, ok := m.tracks[trackID]
		if !ok {
			set = newCounterSet()
			m.tracks[trackID] = set
		}
		set.record(r)
	}
	m.mu.Unlock()

	label := trackID
	if label == "" {
		label = noTrackLabel
	}
	m.prom.dispatched.WithLabelValues(label).Inc()
	m.prom.results.WithLabelValues(label, string(r.Status)).Inc()
	if r.ErrorCode != "" {
		m.prom.errorCodes.WithLabelValues(label, string(r.ErrorCode)).Inc()
	}
	if r.Status != models.StatusRejected {
		m.prom.latency.WithLabelValues(label).Observe(float64(r.ExecutionTimeMs))
	}
}

// RecordBufferOverflow записывает переполнение буфера
func (m *MetricsCollector) RecordBufferOverflow(buffer string) {
	m.mu.Lock()
	m.overflows++
	m.mu.Unlock()
	m.prom.bufferOverflows.WithLabelValues(buffer).Inc()
}

// RecordBufferBacklog фиксирует заполненность буфера в момент переполнения
func (m *MetricsCollector) RecordBufferBacklog(buffer string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	m.prom.bufferBacklog.WithLabelValues(buffer).Set(float64(length) / float64(capacity))
}

// RecordListenerError записывает ошибку слушателя результатов
func (m *MetricsCollector) RecordListenerError(listener string) {
	m.mu.Lock()
	m.listenerErrors++
	m.mu.Unlock()
	m.prom.listenerErrors.WithLabelValues(listener).Inc()
}

// GetSnapshot возвращает согласованную копию всех счётчиков
func (m *MetricsCollector) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tracks := make(map[string]CounterSnapshot, len(m.tracks))
	for id, set := range m.tracks {
		tracks[id] = set.snapshot()
	}

	return MetricsSnapshot{
		Global:          m.global.snapshot(),
		Tracks:          tracks,
		BufferOverflows: m.overflows,
		ListenerErrors:  m.listenerErrors,
	}
}

// registerTrackGauges публикует active/queue depth трека как GaugeFunc
func registerTrackGauges(reg prometheus.Registerer, t *Track) {
	if reg == nil {
		return
	}
	labels := prometheus.Labels{"track": t.ID(), "asset": string(t.AssetType())}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "track",
			Name:        "active_orders",
			Help:        "Orders currently holding an execution permit",
			ConstLabels: labels,
		}, func() float64 { return float64(t.ActiveCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "track",
			Name:        "queue_depth",
			Help:        "Occupied queue slots",
			ConstLabels: labels,
		}, func() float64 { return float64(t.QueueDepth()) }),
	)
}

// registerGlobalGauges публикует глобальную занятость permit'ов и rate limiter'а
func registerGlobalGauges(reg prometheus.Registerer, d *Dispatcher) {
	if reg == nil {
		return
	}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "global_active_orders",
			Help:      "Orders holding a global execution permit",
		}, func() float64 { return float64(d.permits.GlobalActive()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "global_rate_occupancy",
			Help:      "Fraction of the global rate limiter burst in use",
		}, func() float64 { return d.globalRate.Occupancy() }),
	)
}
