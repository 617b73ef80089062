package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"orderdispatch/internal/models"
)

func shutdownTrack(t *testing.T, track *Track) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		track.Shutdown(ctx)
	})
}

func TestNewTrack_RequiresRegistration(t *testing.T) {
	tc := testTrackConfig(t, models.AssetEUR, 2, 10, 10, 2, time.Second)

	if _, err := NewTrack(tc, okExecutor(), nil, nil); err == nil {
		t.Error("expected error without concurrency limiter")
	}
	if _, err := NewTrack(tc, nil, nil, nil); err == nil {
		t.Error("expected error without executor")
	}
}

func TestTrack_ExecutesOrder(t *testing.T) {
	var seen models.OrderSnapshot
	exec := ExecutorFunc(func(ctx context.Context, o models.OrderSnapshot) (*models.ExecutionReport, error) {
		seen = o
		return &models.ExecutionReport{ExternalID: "ext-1", FilledQuantity: o.Quantity, Venue: "test"}, nil
	})

	tc := testTrackConfig(t, models.AssetEUR, 2, 100, 10, 2, time.Second)
	track, permits := newTestTrack(t, tc, exec)
	track.Start()
	shutdownTrack(t, track)

	order := newTestOrder(t, models.AssetEUR)
	r := track.SubmitOrder(context.Background(), order)

	assertResult(t, r, models.StatusExecuted, "")
	if r.TrackID != "EUR-TRACK" || r.OrderID != order.ID {
		t.Errorf("unexpected result ids: %+v", r)
	}
	if r.Report == nil || r.Report.ExternalID != "ext-1" {
		t.Errorf("expected execution report, got %+v", r.Report)
	}
	if seen.Status != models.StatusProcessing {
		t.Errorf("executor should see PROCESSING order, got %s", seen.Status)
	}
	if order.Status() != models.StatusExecuted {
		t.Errorf("expected EXECUTED order, got %s", order.Status())
	}
	if permits.Active(tc.TrackID) != 0 || permits.GlobalActive() != 0 {
		t.Error("permits must be released after execution")
	}
}

func TestTrack_FailureClassification(t *testing.T) {
	tests := []struct {
		name     string
		exec     Executor
		wantCode models.ErrorCode
		wantMsg  string
	}{
		{
			name: "executor error",
			exec: ExecutorFunc(func(ctx context.Context, o models.OrderSnapshot) (*models.ExecutionReport, error) {
				return nil, errors.New("insufficient liquidity")
			}),
			wantCode: models.ErrCodeExecutionFailed,
			wantMsg:  "insufficient liquidity",
		},
		{
			name: "deadline exceeded",
			exec: ExecutorFunc(func(ctx context.Context, o models.OrderSnapshot) (*models.ExecutionReport, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			wantCode: models.ErrCodeTimeout,
			wantMsg:  "exceeded",
		},
		{
			name: "late success after deadline",
			exec: ExecutorFunc(func(ctx context.Context, o models.OrderSnapshot) (*models.ExecutionReport, error) {
				time.Sleep(60 * time.Millisecond)
				return &models.ExecutionReport{}, nil
			}),
			wantCode: models.ErrCodeTimeout,
			wantMsg:  "exceeded",
		},
		{
			name: "executor panic",
			exec: ExecutorFunc(func(ctx context.Context, o models.OrderSnapshot) (*models.ExecutionReport, error) {
				panic("broker client nil pointer")
			}),
			wantCode: models.ErrCodeInternal,
			wantMsg:  "broker client nil pointer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := testTrackConfig(t, models.AssetBTC, 1, 100, 5, 1, 30*time.Millisecond)
			track, permits := newTestTrack(t, tc, tt.exec)
			track.Start()
			shutdownTrack(t, track)

			order := newTestOrder(t, models.AssetBTC)
			r := track.SubmitOrder(context.Background(), order)

			assertResult(t, r, models.StatusFailed, tt.wantCode)
			if !strings.Contains(r.Message, tt.wantMsg) {
				t.Errorf("message %q should contain %q", r.Message, tt.wantMsg)
			}
			if order.Status() != models.StatusFailed {
				t.Errorf("expected FAILED order, got %s", order.Status())
			}
			if permits.Active(tc.TrackID) != 0 || permits.GlobalActive() != 0 || track.ActiveCount() != 0 {
				t.Error("permits must be released on every failure path")
			}
		})
	}
}

func TestTrack_QueueFullRejectsImmediately(t *testing.T) {
	tc := testTrackConfig(t, models.AssetGBP, 1, 100, 1, 1, time.Second)
	track, _ := newTestTrack(t, tc, okExecutor())
	// Воркеры не запущены: первый ордер занимает единственный слот

	first := newTestOrder(t, models.AssetGBP)
	ch, rejected := track.Enqueue(first)
	if rejected != nil || ch == nil {
		t.Fatalf("first order should be queued, got %+v", rejected)
	}
	if first.Status() != models.StatusQueued {
		t.Errorf("expected QUEUED, got %s", first.Status())
	}

	second := newTestOrder(t, models.AssetGBP)
	start := time.Now()
	_, rejected = track.Enqueue(second)
	if time.Since(start) > 50*time.Millisecond {
		t.Error("full queue must reject without blocking")
	}
	assertResult(t, rejected, models.StatusRejected, models.ErrCodeQueueFull)
	if second.Status() != models.StatusRejected {
		t.Errorf("expected REJECTED, got %s", second.Status())
	}
	if track.QueueDepth() != 1 {
		t.Errorf("expected queue depth 1, got %d", track.QueueDepth())
	}

	// Трек без воркеров: очередь не разбирается, остановка принудительная
	report := track.Shutdown(context.Background())
	if report.Graceful {
		t.Error("shutdown with undrained queue must not be graceful")
	}
	if len(report.Cancelled) != 1 || report.Cancelled[0] != first.ID {
		t.Errorf("expected first order cancelled, got %v", report.Cancelled)
	}
	assertResult(t, <-ch, models.StatusCancelled, models.ErrCodeShutdown)
}

func TestTrack_DuplicateOrderRejected(t *testing.T) {
	tc := testTrackConfig(t, models.AssetEUR, 1, 100, 5, 1, time.Second)
	track, _ := newTestTrack(t, tc, okExecutor())
	shutdownTrack(t, track)

	order := newTestOrder(t, models.AssetEUR)
	if _, rejected := track.Enqueue(order); rejected != nil {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}

	_, rejected := track.Enqueue(order)
	assertResult(t, rejected, models.StatusRejected, models.ErrCodeValidationFailed)
	if order.Status() != models.StatusQueued {
		t.Errorf("original order must stay QUEUED, got %s", order.Status())
	}
	if track.QueueDepth() != 1 {
		t.Errorf("duplicate must not take a slot, depth=%d", track.QueueDepth())
	}
}

func TestTrack_CancelQueued(t *testing.T) {
	exec := newGateExecutor()
	close(exec.release)

	tc := testTrackConfig(t, models.AssetEUR, 1, 100, 5, 1, time.Second)
	track, _ := newTestTrack(t, tc, exec)
	shutdownTrack(t, track)

	order := newTestOrder(t, models.AssetEUR)
	ch, rejected := track.Enqueue(order)
	if rejected != nil {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}

	if !track.Cancel(order.ID) {
		t.Fatal("queued order should be cancellable")
	}
	if track.Cancel(order.ID) {
		t.Error("second cancel must return false")
	}
	if track.Cancel("unknown") {
		t.Error("unknown order cannot be cancelled")
	}

	assertResult(t, <-ch, models.StatusCancelled, models.ErrCodeCancelled)
	if order.Status() != models.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", order.Status())
	}

	if track.QueueDepth() != 0 {
		t.Errorf("cancel must free the slot at once, depth=%d", track.QueueDepth())
	}

	track.Start()
	time.Sleep(20 * time.Millisecond)
	if exec.calls.Load() != 0 {
		t.Error("cancelled order must never reach the executor")
	}
}

func TestTrack_CancelFreesQueueSlot(t *testing.T) {
	exec := newGateExecutor()
	defer close(exec.release)

	tc := testTrackConfig(t, models.AssetEUR, 1, 100, 2, 1, 5*time.Second)
	track, _ := newTestTrack(t, tc, exec)
	track.Start()
	shutdownTrack(t, track)

	// Единственный воркер занят, очередь разбираться не будет
	if _, rejected := track.Enqueue(newTestOrder(t, models.AssetEUR)); rejected != nil {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
	<-exec.started

	b, c := newTestOrder(t, models.AssetEUR), newTestOrder(t, models.AssetEUR)
	for _, o := range []*models.Order{b, c} {
		if _, rejected := track.Enqueue(o); rejected != nil {
			t.Fatalf("unexpected rejection: %+v", rejected)
		}
	}
	_, rejected := track.Enqueue(newTestOrder(t, models.AssetEUR))
	assertResult(t, rejected, models.StatusRejected, models.ErrCodeQueueFull)

	if !track.Cancel(b.ID) || !track.Cancel(c.ID) {
		t.Fatal("queued orders should be cancellable")
	}
	if track.QueueDepth() != 0 {
		t.Fatalf("expected empty queue after cancel, depth=%d", track.QueueDepth())
	}

	for i := 0; i < 2; i++ {
		o := newTestOrder(t, models.AssetEUR)
		if _, rejected := track.Enqueue(o); rejected != nil {
			t.Fatalf("order %d rejected after slots were freed: %+v", i, rejected)
		}
	}
	if track.QueueDepth() != 2 {
		t.Errorf("expected depth 2, got %d", track.QueueDepth())
	}
}

func TestTrack_RepeatedCancelDoesNotLeakSlots(t *testing.T) {
	exec := newGateExecutor()
	defer close(exec.release)

	tc := testTrackConfig(t, models.AssetBTC, 1, 100, 3, 1, 5*time.Second)
	track, _ := newTestTrack(t, tc, exec)
	track.Start()
	shutdownTrack(t, track)

	if _, rejected := track.Enqueue(newTestOrder(t, models.AssetBTC)); rejected != nil {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
	<-exec.started

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r := track.SubmitOrder(ctx, newTestOrder(t, models.AssetBTC))
		assertResult(t, r, models.StatusCancelled, models.ErrCodeCancelled)
	}

	if track.QueueDepth() != 0 {
		t.Errorf("cancelled orders must not hold slots, depth=%d", track.QueueDepth())
	}
	if s := track.Status(); s.InFlight != 1 {
		t.Errorf("only the running order is in flight, got %d", s.InFlight)
	}
}

func TestTrack_SubmitOrderContextDoneWhileQueued(t *testing.T) {
	tc := testTrackConfig(t, models.AssetBTC, 1, 100, 5, 1, time.Second)
	track, _ := newTestTrack(t, tc, okExecutor())
	shutdownTrack(t, track)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	order := newTestOrder(t, models.AssetBTC)
	r := track.SubmitOrder(ctx, order)

	assertResult(t, r, models.StatusCancelled, models.ErrCodeCancelled)
	if order.Status() != models.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", order.Status())
	}
}

func TestTrack_RateLimitExceeded(t *testing.T) {
	// 1 ордер/с: второй токен появится позже дедлайна ордера
	tc := testTrackConfig(t, models.AssetGBP, 1, 1, 5, 1, 50*time.Millisecond)
	track, _ := newTestTrack(t, tc, okExecutor())
	track.Start()
	shutdownTrack(t, track)

	assertResult(t, track.SubmitOrder(context.Background(), newTestOrder(t, models.AssetGBP)),
		models.StatusExecuted, "")

	start := time.Now()
	r := track.SubmitOrder(context.Background(), newTestOrder(t, models.AssetGBP))
	assertResult(t, r, models.StatusFailed, models.ErrCodeRateLimitExceeded)
	if time.Since(start) > 500*time.Millisecond {
		t.Error("rate limit failure should not wait for the next token")
	}
}

func TestTrack_SubOneRateStillAdmits(t *testing.T) {
	tc := testTrackConfig(t, models.AssetETH, 1, 0.5, 5, 1, 50*time.Millisecond)
	track, _ := newTestTrack(t, tc, okExecutor())
	track.Start()
	shutdownTrack(t, track)

	assertResult(t, track.SubmitOrder(context.Background(), newTestOrder(t, models.AssetETH)),
		models.StatusExecuted, "")
	assertResult(t, track.SubmitOrder(context.Background(), newTestOrder(t, models.AssetETH)),
		models.StatusFailed, models.ErrCodeRateLimitExceeded)
}

func TestTrack_MaxConcurrentRespected(t *testing.T) {
	exec := newPeakExecutor(5 * time.Millisecond)

	// Воркеров больше лимита: ограничивает именно permit трека
	tc := testTrackConfig(t, models.AssetEUR, 10, 1000, 100, 20, 5*time.Second)
	track, permits := newTestTrack(t, tc, exec)
	track.Start()
	shutdownTrack(t, track)

	const n = 100
	var (
		wg       sync.WaitGroup
		executed atomic.Int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r := track.SubmitOrder(context.Background(), newTestOrder(t, models.AssetEUR)); r.Success {
				executed.Inc()
			}
		}()
	}
	wg.Wait()

	if executed.Load() != n {
		t.Errorf("expected %d executed, got %d", n, executed.Load())
	}
	if peak := exec.peak(models.AssetEUR); peak > 10 {
		t.Errorf("track concurrency exceeded: peak %d > 10", peak)
	}
	if permits.Active(tc.TrackID) != 0 {
		t.Errorf("permits leaked: %d", permits.Active(tc.TrackID))
	}
}

func TestTrack_GracefulShutdown(t *testing.T) {
	exec := newPeakExecutor(20 * time.Millisecond)
	tc := testTrackConfig(t, models.AssetBTC, 2, 100, 10, 2, time.Second)
	track, _ := newTestTrack(t, tc, exec)
	track.Start()

	var chans []<-chan *models.OrderResult
	for i := 0; i < 4; i++ {
		ch, rejected := track.Enqueue(newTestOrder(t, models.AssetBTC))
		if rejected != nil {
			t.Fatalf("unexpected rejection: %+v", rejected)
		}
		chans = append(chans, ch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report := track.Shutdown(ctx)

	if !report.Graceful || len(report.ForceFailed) != 0 || len(report.Cancelled) != 0 {
		t.Errorf("expected graceful shutdown, got %+v", report)
	}
	for _, ch := range chans {
		assertResult(t, <-ch, models.StatusExecuted, "")
	}

	_, rejected := track.Enqueue(newTestOrder(t, models.AssetBTC))
	assertResult(t, rejected, models.StatusRejected, models.ErrCodeShutdown)

	if again := track.Shutdown(ctx); !again.Graceful {
		t.Error("repeated shutdown should be a no-op")
	}
}

func TestTrack_ForcedShutdown(t *testing.T) {
	exec := newGateExecutor()
	defer close(exec.release)

	tc := testTrackConfig(t, models.AssetEUR, 1, 100, 5, 1, 5*time.Second)
	track, permits := newTestTrack(t, tc, exec)
	track.Start()

	running := newTestOrder(t, models.AssetEUR)
	runningCh, _ := track.Enqueue(running)
	<-exec.started

	queued := []*models.Order{newTestOrder(t, models.AssetEUR), newTestOrder(t, models.AssetEUR)}
	var queuedChans []<-chan *models.OrderResult
	for _, o := range queued {
		ch, rejected := track.Enqueue(o)
		if rejected != nil {
			t.Fatalf("unexpected rejection: %+v", rejected)
		}
		queuedChans = append(queuedChans, ch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	report := track.Shutdown(ctx)

	if report.Graceful {
		t.Fatal("expected forced shutdown")
	}
	if len(report.ForceFailed) != 1 || report.ForceFailed[0] != running.ID {
		t.Errorf("expected running order force-failed, got %v", report.ForceFailed)
	}
	if len(report.Cancelled) != 2 {
		t.Errorf("expected 2 cancelled, got %v", report.Cancelled)
	}

	assertResult(t, <-runningCh, models.StatusFailed, models.ErrCodeShutdown)
	for _, ch := range queuedChans {
		assertResult(t, <-ch, models.StatusCancelled, models.ErrCodeShutdown)
	}
	if s := track.Status(); s.QueueDepth != 0 || s.InFlight != 0 {
		t.Errorf("stale counters after forced shutdown: %+v", s)
	}
	if running.Status() != models.StatusFailed {
		t.Errorf("expected FAILED, got %s", running.Status())
	}

	// Поздний ответ исполнителя не меняет итог, permit возвращается
	exec.release <- struct{}{}
	waitFor(t, time.Second, func() bool { return permits.Active(tc.TrackID) == 0 })
	if running.Status() != models.StatusFailed {
		t.Errorf("late executor result must be dropped, got %s", running.Status())
	}
}

func TestTrack_Status(t *testing.T) {
	tc := testTrackConfig(t, models.AssetGBP, 3, 20, 7, 2, time.Second)
	track, _ := newTestTrack(t, tc, okExecutor())
	shutdownTrack(t, track)

	if _, rejected := track.Enqueue(newTestOrder(t, models.AssetGBP)); rejected != nil {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}

	s := track.Status()
	if s.TrackID != "GBP-TRACK" || s.AssetType != models.AssetGBP {
		t.Errorf("unexpected identity: %+v", s)
	}
	if !s.Accepting || s.MaxConcurrent != 3 || s.QueueSize != 7 || s.Workers != 2 {
		t.Errorf("unexpected config fields: %+v", s)
	}
	if s.QueueDepth != 1 || s.InFlight != 1 || s.ActiveCount != 0 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.RateLimit != 20 || s.RateTokens != 20 {
		t.Errorf("unexpected rate fields: %+v", s)
	}
}
