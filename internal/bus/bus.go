// Package bus implements the in-process event bus every subsystem
// communicates through, plus the component lifecycle contract.
//
// The bus owns one bounded queue. Publishers block cooperatively while the
// queue is full and give up after a hard timeout, at which point the event is
// dropped and counted. A single dispatcher routes each dequeued event to the
// per-subscription queues, so subscribers see events of one type in publish
// order while different subscribers run concurrently. Handler errors and
// panics are isolated per delivery: they are logged, counted, and surfaced as
// system.error events without affecting sibling handlers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueFull is returned when a publish times out waiting for capacity.
var ErrQueueFull = errors.New("bus: queue full")

// ErrStopped is returned when publishing to a stopped bus.
var ErrStopped = errors.New("bus: stopped")

// Handler processes one delivered event. A non-nil error is counted,
// logged, and emitted as a system.error event; it never affects other
// subscribers.
type Handler func(ctx context.Context, ev Event) error

// Component is the lifecycle contract every engine part implements.
// Always-on components launch loops in Start; reactive components install
// bus subscriptions in Start and remove them in Stop. Stop must return
// within the engine's shutdown window.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// subQueueCap bounds each subscription's delivery queue. When a subscriber
// falls this far behind, routing blocks and backpressure propagates to the
// main queue and then to publishers.
const subQueueCap = 256

type subscription struct {
	id      int
	name    string
	handler Handler
	ch      chan Event
	done    chan struct{}
}

// Stats is a read-only snapshot of bus counters. The accounting invariant is
// Published == Processed + QueueDepth + Dropped once in-flight dispatch
// settles.
type Stats struct {
	Published     uint64
	Processed     uint64
	Dropped       uint64
	HandlerErrors uint64
	QueueDepth    int
	AvgDispatch   time.Duration
	EventsPerSec  float64
}

// Bus routes typed events from publishers to subscribers.
type Bus struct {
	logger         *slog.Logger
	publishTimeout time.Duration

	queue chan Event

	mu     sync.RWMutex
	subs   map[EventType][]*subscription
	nextID int

	published     atomic.Uint64
	processed     atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64
	dispatchNanos atomic.Int64

	runCtx     context.Context
	runCancel  context.CancelFunc
	dispatchWG sync.WaitGroup
	workerWG   sync.WaitGroup
	running    atomic.Bool
	startedAt  time.Time
}

// New builds a stopped bus with the given queue capacity and publish timeout.
func New(capacity int, publishTimeout time.Duration, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 10000
	}
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Bus{
		logger:         logger.With("component", "bus"),
		publishTimeout: publishTimeout,
		queue:          make(chan Event, capacity),
		subs:           make(map[EventType][]*subscription),
	}
}

// Name implements Component.
func (b *Bus) Name() string { return "bus" }

// Start launches the dispatcher. The engine starts the bus first and stops
// it last.
func (b *Bus) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bus: already started")
	}
	b.runCtx, b.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	b.startedAt = time.Now()

	b.dispatchWG.Add(1)
	go b.dispatchLoop()

	b.logger.Info("bus started", "queue_capacity", cap(b.queue), "publish_timeout", b.publishTimeout)
	return nil
}

// Stop drains the queue and waits for subscription workers up to the
// deadline on ctx, then aborts whatever remains.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	b.runCancel()

	done := make(chan struct{})
	go func() {
		b.dispatchWG.Wait()
		b.mu.Lock()
		for _, subs := range b.subs {
			for _, s := range subs {
				close(s.done)
			}
		}
		b.subs = make(map[EventType][]*subscription)
		b.mu.Unlock()
		b.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("bus stopped", "remaining_queue", len(b.queue))
		return nil
	case <-ctx.Done():
		b.logger.Warn("bus stop timed out, aborting queue", "remaining_queue", len(b.queue))
		return ctx.Err()
	}
}

// Subscribe registers a handler for one event type. The name identifies the
// subscriber in logs and system.error payloads. The returned id is used to
// Unsubscribe.
func (b *Bus) Subscribe(t EventType, name string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		name:    name,
		handler: h,
		ch:      make(chan Event, subQueueCap),
		done:    make(chan struct{}),
	}
	b.subs[t] = append(b.subs[t], sub)

	b.workerWG.Add(1)
	go b.workerLoop(sub)

	return sub.id
}

// Unsubscribe removes a subscription. Buffered deliveries are still handled
// before the worker exits.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				close(s.done)
				return
			}
		}
	}
}

// Publish enqueues an event. It blocks while the queue is full, up to the
// bus publish timeout or ctx cancellation, whichever comes first; then the
// event is dropped, counted, and a system.error(queue_full) is emitted.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if !b.running.Load() {
		return ErrStopped
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.published.Add(1)

	select {
	case b.queue <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()

	select {
	case b.queue <- ev:
		return nil
	case <-ctx.Done():
		b.dropped.Add(1)
		b.emitQueueFull(ev)
		return fmt.Errorf("bus: publish %s: %w", ev.Type, ctx.Err())
	case <-timer.C:
		b.dropped.Add(1)
		b.emitQueueFull(ev)
		return fmt.Errorf("bus: publish %s: %w", ev.Type, ErrQueueFull)
	}
}

// emitQueueFull reports a dropped publish. The error event itself must not
// block, so it is enqueued best-effort only.
func (b *Bus) emitQueueFull(dropped Event) {
	b.logger.Warn("queue full, dropping event", "event_type", dropped.Type)
	errEv := NewEvent(EventSystemError, SystemErrorPayload{
		Component: "bus",
		Reason:    "queue_full",
		Detail:    fmt.Sprintf("dropped %s after %s", dropped.Type, b.publishTimeout),
	})
	b.published.Add(1)
	select {
	case b.queue <- errEv:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus) dispatchLoop() {
	defer b.dispatchWG.Done()
	for {
		select {
		case ev := <-b.queue:
			b.route(ev)
		case <-b.runCtx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-b.queue:
					b.route(ev)
				default:
					return
				}
			}
		}
	}
}

// route hands one event to every subscription of its type, preserving
// arrival order per subscription. A full subscription queue blocks routing,
// which backs pressure up the main queue by design.
func (b *Bus) route(ev Event) {
	start := time.Now()

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[ev.Type]))
	copy(subs, b.subs[ev.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-b.runCtx.Done():
			// Shutdown: deliver best-effort, never block.
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}

	b.processed.Add(1)
	b.dispatchNanos.Add(time.Since(start).Nanoseconds())
}

func (b *Bus) workerLoop(sub *subscription) {
	defer b.workerWG.Done()
	for {
		select {
		case ev := <-sub.ch:
			b.deliver(sub, ev)
		case <-sub.done:
			for {
				select {
				case ev := <-sub.ch:
					b.deliver(sub, ev)
				default:
					return
				}
			}
		}
	}
}

// deliver invokes one handler with panic and error isolation.
func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("handler panic",
				"subscriber", sub.name, "event_type", ev.Type, "panic", r)
			b.emitHandlerError(sub.name, ev, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := sub.handler(b.runCtx, ev); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Error("handler error",
			"subscriber", sub.name, "event_type", ev.Type, "error", err)
		b.emitHandlerError(sub.name, ev, err.Error())
	}
}

// emitHandlerError surfaces a delivery failure as a system.error event.
// Failures while handling a system.error are only logged, so a broken error
// subscriber cannot feed itself.
func (b *Bus) emitHandlerError(name string, ev Event, detail string) {
	if ev.Type == EventSystemError {
		return
	}
	errEv := NewEvent(EventSystemError, SystemErrorPayload{
		Component: name,
		Reason:    "handler_error",
		Detail:    fmt.Sprintf("%s: %s", ev.Type, detail),
	})
	b.published.Add(1)
	select {
	case b.queue <- errEv:
	default:
		b.dropped.Add(1)
	}
}

// Stats returns a point-in-time snapshot of the counters.
func (b *Bus) Stats() Stats {
	processed := b.processed.Load()
	var avg time.Duration
	if processed > 0 {
		avg = time.Duration(b.dispatchNanos.Load() / int64(processed))
	}
	var eps float64
	if !b.startedAt.IsZero() {
		if secs := time.Since(b.startedAt).Seconds(); secs > 0 {
			eps = float64(processed) / secs
		}
	}
	return Stats{
		Published:     b.published.Load(),
		Processed:     processed,
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		QueueDepth:    len(b.queue),
		AvgDispatch:   avg,
		EventsPerSec:  eps,
	}
}
