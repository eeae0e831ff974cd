// Package listenerbus implements the bounded, single-consumer event bus that
// decouples pipeline lifecycle producers from registered listeners.
package listenerbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/errs"
	"github.com/weirlabs/weir/internal/observability"
)

const (
	// drainPollInterval bounds how often WaitUntilEmpty re-checks emptiness.
	drainPollInterval = 10 * time.Millisecond
	// dropReportInterval caps aggregate drop reports to one per window.
	dropReportInterval = time.Minute
)

var (
	// ErrAlreadyStarted reports a second Start call.
	ErrAlreadyStarted = errs.New("bus/listener", errs.CodeState, errs.WithMessage("bus already started"))
	// ErrNotStarted reports Stop called before Start.
	ErrNotStarted = errs.New("bus/listener", errs.CodeState, errs.WithMessage("bus not started"))
	// ErrDrainTimeout reports that WaitUntilEmpty gave up before the queue drained.
	ErrDrainTimeout = errs.New("bus/listener", errs.CodeTimeout, errs.WithMessage("queue did not drain before timeout"))
	// ErrStopFromListener reports Stop invoked from inside a listener callback,
	// which would deadlock the dispatch worker against its own termination.
	ErrStopFromListener = errs.New("bus/listener", errs.CodeConflict, errs.WithMessage("stop called from listener callback"))
)

// Listener receives every non-dropped lifecycle event exactly once, in posting
// order. Implementations may fail; failures are logged and isolated.
type Listener interface {
	OnPipelineEvent(ctx context.Context, evt events.Event) error
}

// Config sizes the bus queue and optionally attaches metrics.
type Config struct {
	Capacity int
	Metrics  *Metrics
}

// Bus owns the bounded queue, the listener registry, and the dispatch worker.
// It is constructed idle, started exactly once, and permanently inert after Stop.
type Bus struct {
	queue   chan events.Event
	metrics *Metrics

	mu        sync.RWMutex
	started   bool
	stopped   bool
	listeners []Listener

	// inFlight counts events accepted but not yet fully dispatched, covering
	// both queued items and the one the worker is mid-dispatch on. Emptiness
	// is inFlight == 0, so an observer can never see "empty" while the last
	// item is still being delivered.
	inFlight    atomic.Int64
	workerAlive atomic.Bool
	workerDone  chan struct{}

	droppedTotal       atomic.Uint64
	droppedSinceReport atomic.Uint64
	lastDropReport     atomic.Int64
	overflowLogged     atomic.Bool
}

// dispatchKey marks contexts originating from the dispatch worker so Stop can
// detect re-entrant calls from listener callbacks.
type dispatchKey struct{}

// New constructs an idle bus with the given queue capacity.
func New(cfg Config) (*Bus, error) {
	if cfg.Capacity <= 0 {
		return nil, errs.New("bus/listener", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("queue capacity must be positive, got %d", cfg.Capacity)))
	}
	bus := new(Bus)
	bus.queue = make(chan events.Event, cfg.Capacity)
	bus.metrics = cfg.Metrics
	bus.workerDone = make(chan struct{})
	bus.lastDropReport.Store(time.Now().UnixNano())
	return bus, nil
}

// AddListener appends a listener to the ordered registry. Registration is only
// guaranteed correct before Start; the bus provides no synchronization for
// listeners added while dispatch is active.
func (b *Bus) AddListener(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Start launches the dispatch worker. Events posted before Start are buffered
// up to capacity and delivered once the worker runs.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true
	go b.run()
	return nil
}

// Post offers the event to the queue without ever blocking the caller. After
// Stop, or when the queue is full, the event is dropped and counted.
func (b *Bus) Post(evt events.Event) {
	if evt == nil {
		return
	}
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		b.recordDrop(evt)
		return
	}
	// Increment before the send so emptiness observers never miss a queued item.
	b.inFlight.Add(1)
	select {
	case b.queue <- evt:
		b.mu.RUnlock()
		if b.metrics != nil {
			b.metrics.observeDepth(len(b.queue))
		}
	default:
		b.inFlight.Add(-1)
		b.mu.RUnlock()
		b.recordDrop(evt)
	}
}

// Stop signals the worker, then blocks until every event enqueued before the
// signal has been dispatched and the worker has exited. The drain itself is
// unbounded; a caller needing a bound passes a ctx, which abandons the wait
// but never aborts the drain. The second and later calls are no-ops.
func (b *Bus) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if owner, ok := ctx.Value(dispatchKey{}).(*Bus); ok && owner == b {
		return ErrStopFromListener
	}
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if b.stopped {
		b.mu.Unlock()
		select {
		case <-b.workerDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("stop wait: %w", ctx.Err())
		}
	}
	b.stopped = true
	// Closing under the write lock excludes concurrent Post sends, which hold
	// the read lock across their channel send attempt.
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.workerDone:
	case <-ctx.Done():
		return fmt.Errorf("stop wait: %w", ctx.Err())
	}
	if count := b.droppedSinceReport.Swap(0); count > 0 {
		observability.Log().Warn("dropped lifecycle events",
			observability.Field{Key: "count", Value: count})
	}
	return nil
}

// WaitUntilEmpty polls until every accepted event has been dispatched or the
// timeout elapses. Intended for tests and observability; emptiness is
// eventually consistent and must not gate production control flow.
func (b *Bus) WaitUntilEmpty(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if b.Empty() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDrainTimeout
		}
		time.Sleep(drainPollInterval)
	}
}

// Empty reports whether no accepted event remains queued or mid-dispatch.
func (b *Bus) Empty() bool {
	return b.inFlight.Load() == 0
}

// WorkerAlive reports whether the dispatch worker goroutine is running. Used
// as a health probe by the owning runtime.
func (b *Bus) WorkerAlive() bool {
	return b.workerAlive.Load()
}

// DroppedTotal returns the monotonic count of events dropped since construction.
func (b *Bus) DroppedTotal() uint64 {
	return b.droppedTotal.Load()
}

// run is the sole consumer: it drains the queue in order and exits once the
// queue is closed and empty. A closed-and-drained receive is the only
// termination path, so "woke up empty while running" is unrepresentable.
func (b *Bus) run() {
	b.workerAlive.Store(true)
	defer func() {
		b.workerAlive.Store(false)
		close(b.workerDone)
	}()
	ctx := context.WithValue(context.Background(), dispatchKey{}, b)
	for evt := range b.queue {
		b.dispatch(ctx, evt)
		b.inFlight.Add(-1)
		if b.metrics != nil {
			b.metrics.observeDepth(len(b.queue))
		}
	}
}

// dispatch invokes every registered listener in registration order. No bus
// lock is held across listener calls.
func (b *Bus) dispatch(ctx context.Context, evt events.Event) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	start := time.Now()
	for _, l := range listeners {
		b.invoke(ctx, l, evt)
	}
	if b.metrics != nil {
		b.metrics.observeDispatch(evt.EventKind(), time.Since(start))
	}
}

// invoke isolates one listener call: an error or panic is logged and never
// reaches the worker loop or the remaining listeners.
func (b *Bus) invoke(ctx context.Context, l Listener, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("listener panic",
				observability.Field{Key: "kind", Value: evt.EventKind()},
				observability.Field{Key: "panic", Value: r})
		}
	}()
	if err := l.OnPipelineEvent(ctx, evt); err != nil {
		observability.Log().Error("listener error",
			observability.Field{Key: "kind", Value: evt.EventKind()},
			observability.Field{Key: "error", Value: err})
	}
}

func (b *Bus) recordDrop(evt events.Event) {
	b.droppedTotal.Add(1)
	b.droppedSinceReport.Add(1)
	if b.metrics != nil {
		b.metrics.observeDrop()
	}
	if b.overflowLogged.CompareAndSwap(false, true) {
		observability.Log().Error("event queue full, dropping lifecycle events",
			observability.Field{Key: "capacity", Value: cap(b.queue)},
			observability.Field{Key: "kind", Value: evt.EventKind()})
	}
	b.maybeReportDrops()
}

// maybeReportDrops emits the aggregate drop count at most once per report
// window. The CAS on the timestamp elects a single reporting producer and the
// Swap hands the counter to it whole, so concurrent producers neither double-
// nor under-report.
func (b *Bus) maybeReportDrops() {
	now := time.Now().UnixNano()
	last := b.lastDropReport.Load()
	if now-last < int64(dropReportInterval) {
		return
	}
	if !b.lastDropReport.CompareAndSwap(last, now) {
		return
	}
	count := b.droppedSinceReport.Swap(0)
	if count == 0 {
		return
	}
	observability.Log().Warn("dropped lifecycle events",
		observability.Field{Key: "count", Value: count},
		observability.Field{Key: "window_start", Value: time.Unix(0, last).UTC()})
	// Re-arm the immediate diagnostic for the next overload episode.
	b.overflowLogged.Store(false)
}
