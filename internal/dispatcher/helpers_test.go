package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/atomic"

	"orderdispatch/internal/config"
	"orderdispatch/internal/models"
	"orderdispatch/pkg/concurrency"
	"orderdispatch/pkg/utils"
)

func newTestOrder(t *testing.T, asset models.AssetType) *models.Order {
	t.Helper()
	o, err := models.NewOrder(asset, models.OrderTypeMarket, models.SideBuy,
		decimal.NewFromInt(1), decimal.NullDecimal{}, nil)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	return o
}

func testTrackConfig(t *testing.T, asset models.AssetType, maxConcurrent int, rate float64, queue, workers int, timeout time.Duration) config.TrackConfig {
	t.Helper()
	tc, err := config.NewTrackConfig(string(asset)+"-TRACK", asset, maxConcurrent, rate, queue, workers, timeout)
	if err != nil {
		t.Fatalf("NewTrackConfig: %v", err)
	}
	return tc
}

// newTestTrack создаёт трек с собственным limiter'ом (глобальный = лимит трека)
func newTestTrack(t *testing.T, tc config.TrackConfig, exec Executor) (*Track, *concurrency.Limiter) {
	t.Helper()
	permits, err := concurrency.NewLimiter(tc.MaxConcurrent)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	if err := permits.Register(tc.TrackID, tc.MaxConcurrent); err != nil {
		t.Fatalf("Register: %v", err)
	}
	track, err := NewTrack(tc, exec, permits, utils.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	return track, permits
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func assertResult(t *testing.T, r *models.OrderResult, status models.OrderStatus, code models.ErrorCode) {
	t.Helper()
	if r == nil {
		t.Fatal("nil result")
	}
	if r.Status != status || r.ErrorCode != code {
		t.Fatalf("expected %s/%q, got %s/%q (%s)", status, code, r.Status, r.ErrorCode, r.Message)
	}
	if r.Success != (status == models.StatusExecuted) {
		t.Errorf("Success=%v inconsistent with status %s", r.Success, status)
	}
}

// ============================================================
// Тестовые исполнители
// ============================================================

func okExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, o models.OrderSnapshot) (*models.ExecutionReport, error) {
		return &models.ExecutionReport{
			ExternalID:     "ext-" + o.ID,
			FilledQuantity: o.Quantity,
			Venue:          "test",
			ExecutedAt:     time.Now(),
		}, nil
	})
}

// peakExecutor считает пиковую параллельность по трекам и глобально
type peakExecutor struct {
	delay time.Duration

	global     atomic.Int64
	globalPeak atomic.Int64

	mu      sync.Mutex
	current map[models.AssetType]int64
	peaks   map[models.AssetType]int64
}

func newPeakExecutor(delay time.Duration) *peakExecutor {
	return &peakExecutor{
		delay:   delay,
		current: make(map[models.AssetType]int64),
		peaks:   make(map[models.AssetType]int64),
	}
}

func (p *peakExecutor) Execute(ctx context.Context, o models.OrderSnapshot) (*models.ExecutionReport, error) {
	n := p.global.Inc()
	for {
		peak := p.globalPeak.Load()
		if n <= peak || p.globalPeak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.mu.Lock()
	p.current[o.AssetType]++
	if p.current[o.AssetType] > p.peaks[o.AssetType] {
		p.peaks[o.AssetType] = p.current[o.AssetType]
	}
	p.mu.Unlock()

	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.current[o.AssetType]--
	p.mu.Unlock()
	p.global.Dec()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &models.ExecutionReport{ExternalID: "ext-" + o.ID, FilledQuantity: o.Quantity, ExecutedAt: time.Now()}, nil
}

func (p *peakExecutor) peak(asset models.AssetType) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peaks[asset]
}

// gateExecutor блокируется до release, игнорируя ctx
type gateExecutor struct {
	started chan string
	release chan struct{}
	calls   atomic.Int64
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{
		started: make(chan string, 100),
		release: make(chan struct{}),
	}
}

func (g *gateExecutor) Execute(_ context.Context, o models.OrderSnapshot) (*models.ExecutionReport, error) {
	g.calls.Inc()
	g.started <- o.ID
	<-g.release
	return &models.ExecutionReport{ExternalID: "ext-" + o.ID, FilledQuantity: o.Quantity, ExecutedAt: time.Now()}, nil
}

// recordingListener запоминает все полученные результаты
type recordingListener struct {
	name string
	fail bool

	mu      sync.Mutex
	results []*models.OrderResult
	orders  []models.OrderSnapshot
}

func (l *recordingListener) Name() string { return l.name }

func (l *recordingListener) OnResult(_ context.Context, order models.OrderSnapshot, r *models.OrderResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
	l.orders = append(l.orders, order)
	if l.fail {
		return errors.New("sink unavailable")
	}
	return nil
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}
