package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowtrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(t *testing.T, capacity int, timeout time.Duration) *Bus {
	t.Helper()
	b := New(capacity, timeout, testLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, 16, time.Second)

	var got atomic.Int64
	b.Subscribe(EventTradeTick, "test", func(ctx context.Context, ev Event) error {
		if _, ok := ev.Data.(types.Tick); !ok {
			t.Errorf("payload type = %T, want types.Tick", ev.Data)
		}
		got.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := b.Publish(context.Background(), NewEvent(EventTradeTick, types.Tick{Symbol: "BTC-USDT"})); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if !waitFor(t, time.Second, func() bool { return got.Load() == 5 }) {
		t.Fatalf("delivered = %d, want 5", got.Load())
	}
}

func TestFanOutParallelHandlers(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, 16, time.Second)

	var a, c atomic.Int64
	b.Subscribe(EventSignalGenerated, "sub-a", func(ctx context.Context, ev Event) error {
		a.Add(1)
		return nil
	})
	b.Subscribe(EventSignalGenerated, "sub-b", func(ctx context.Context, ev Event) error {
		c.Add(1)
		return nil
	})

	if err := b.Publish(context.Background(), NewEvent(EventSignalGenerated, types.TradeSignal{})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !waitFor(t, time.Second, func() bool { return a.Load() == 1 && c.Load() == 1 }) {
		t.Fatalf("fan-out incomplete: a=%d b=%d", a.Load(), c.Load())
	}
}

func TestHandlerErrorIsolation(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, 16, time.Second)

	var healthy atomic.Int64
	var sysErrs atomic.Int64

	b.Subscribe(EventOrderPlaced, "broken", func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	})
	b.Subscribe(EventOrderPlaced, "healthy", func(ctx context.Context, ev Event) error {
		healthy.Add(1)
		return nil
	})
	b.Subscribe(EventSystemError, "errors", func(ctx context.Context, ev Event) error {
		p, ok := ev.Data.(SystemErrorPayload)
		if !ok {
			t.Errorf("payload type = %T", ev.Data)
			return nil
		}
		if p.Reason == "handler_error" && p.Component == "broken" {
			sysErrs.Add(1)
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := b.Publish(context.Background(), NewEvent(EventOrderPlaced, OrderPayload{})); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if !waitFor(t, time.Second, func() bool { return healthy.Load() == 3 && sysErrs.Load() == 3 }) {
		t.Fatalf("healthy=%d sysErrs=%d, want 3 and 3", healthy.Load(), sysErrs.Load())
	}
	if got := b.Stats().HandlerErrors; got != 3 {
		t.Errorf("HandlerErrors = %d, want 3", got)
	}
}

func TestHandlerPanicIsolation(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, 16, time.Second)

	var after atomic.Int64
	b.Subscribe(EventCandleCompleted, "panics", func(ctx context.Context, ev Event) error {
		panic("kaboom")
	})

	if err := b.Publish(context.Background(), NewEvent(EventCandleCompleted, CandlePayload{})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// The panicking subscriber must keep processing subsequent events.
	b.Subscribe(EventCandleCompleted, "later", func(ctx context.Context, ev Event) error {
		after.Add(1)
		return nil
	})
	if err := b.Publish(context.Background(), NewEvent(EventCandleCompleted, CandlePayload{})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !waitFor(t, time.Second, func() bool { return after.Load() == 1 && b.Stats().HandlerErrors >= 2 }) {
		t.Fatalf("after=%d handlerErrors=%d", after.Load(), b.Stats().HandlerErrors)
	}
}

func TestPublishTimeoutDropsAndCounts(t *testing.T) {
	t.Parallel()

	// Tiny queue, no subscribers draining it, very short publish timeout.
	b := New(1, 30*time.Millisecond, testLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})

	// Block the dispatcher: subscribe a handler that never returns until
	// released, then saturate its queue plus the main queue.
	release := make(chan struct{})
	b.Subscribe(EventTradeTick, "slow", func(ctx context.Context, ev Event) error {
		<-release
		return nil
	})
	defer close(release)

	var dropErr error
	for i := 0; i < subQueueCap+16; i++ {
		if err := b.Publish(context.Background(), NewEvent(EventTradeTick, types.Tick{})); err != nil {
			dropErr = err
			break
		}
	}

	if dropErr == nil {
		t.Fatal("expected a publish to time out on the full queue")
	}
	if !errors.Is(dropErr, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", dropErr)
	}
	if b.Stats().Dropped == 0 {
		t.Error("Dropped = 0, want > 0")
	}
}

func TestOrderingPerTypePerSubscriber(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, 256, time.Second)

	var mu sync.Mutex
	var seen []int
	b.Subscribe(EventTradeTick, "order", func(ctx context.Context, ev Event) error {
		mu.Lock()
		seen = append(seen, ev.Data.(int))
		mu.Unlock()
		return nil
	})

	const n = 100
	for i := 0; i < n; i++ {
		if err := b.Publish(context.Background(), NewEvent(EventTradeTick, i)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if !waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}) {
		t.Fatalf("delivered %d of %d", len(seen), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("order broken at %d: got %d", i, v)
		}
	}
}

func TestStatsInvariant(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, 64, time.Second)

	b.Subscribe(EventTradeTick, "sink", func(ctx context.Context, ev Event) error { return nil })

	const n = 50
	for i := 0; i < n; i++ {
		if err := b.Publish(context.Background(), NewEvent(EventTradeTick, types.Tick{})); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if !waitFor(t, 2*time.Second, func() bool {
		s := b.Stats()
		return s.Published == s.Processed+uint64(s.QueueDepth)+s.Dropped && s.Processed == n
	}) {
		s := b.Stats()
		t.Fatalf("invariant broken: published=%d processed=%d depth=%d dropped=%d",
			s.Published, s.Processed, s.QueueDepth, s.Dropped)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, 16, time.Second)

	var got atomic.Int64
	id := b.Subscribe(EventTradeTick, "gone", func(ctx context.Context, ev Event) error {
		got.Add(1)
		return nil
	})

	if err := b.Publish(context.Background(), NewEvent(EventTradeTick, types.Tick{})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return got.Load() == 1 }) {
		t.Fatalf("first delivery missing")
	}

	b.Unsubscribe(id)
	if err := b.Publish(context.Background(), NewEvent(EventTradeTick, types.Tick{})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got.Load() != 1 {
		t.Errorf("deliveries after unsubscribe = %d, want 1", got.Load())
	}
}

func TestPublishAfterStop(t *testing.T) {
	t.Parallel()

	b := New(16, time.Second, testLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := b.Publish(context.Background(), NewEvent(EventTradeTick, types.Tick{})); !errors.Is(err, ErrStopped) {
		t.Errorf("Publish after stop = %v, want ErrStopped", err)
	}
}

func TestSystemErrorHandlerFailureDoesNotRecurse(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, 16, time.Second)

	var calls atomic.Int64
	b.Subscribe(EventSystemError, "bad-error-sub", func(ctx context.Context, ev Event) error {
		calls.Add(1)
		return fmt.Errorf("can't even handle errors")
	})

	if err := b.Publish(context.Background(), NewEvent(EventSystemError, SystemErrorPayload{Component: "x"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// One delivery, no self-feeding loop.
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("system.error deliveries = %d, want 1", calls.Load())
	}
}
