package listenerbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/errs"
)

type recordingListener struct {
	mu   sync.Mutex
	seen []events.Event
}

func (r *recordingListener) OnPipelineEvent(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	r.seen = append(r.seen, evt)
	r.mu.Unlock()
	return nil
}

func (r *recordingListener) events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.seen))
	copy(out, r.seen)
	return out
}

type failingListener struct {
	calls atomic.Int64
}

func (f *failingListener) OnPipelineEvent(context.Context, events.Event) error {
	f.calls.Add(1)
	return errors.New("listener boom")
}

type panickyListener struct{}

func (panickyListener) OnPipelineEvent(context.Context, events.Event) error {
	panic("listener panic")
}

func startedEvent(run string) events.Event {
	return events.PipelineStarted{Meta: events.Meta{RunID: run, Pipeline: "p", Time: time.Now().UTC()}}
}

func mustStop(t *testing.T, bus *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		_, err := New(Config{Capacity: capacity})
		if err == nil {
			t.Fatalf("New(capacity=%d) expected error", capacity)
		}
		if !errs.HasCode(err, errs.CodeInvalid) {
			t.Errorf("New(capacity=%d) code = %q, want %q", capacity, errs.CodeOf(err), errs.CodeInvalid)
		}
	}
}

func TestStartTwiceFails(t *testing.T) {
	bus, err := New(Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := bus.Start(); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer mustStop(t, bus)

	if err := bus.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestStopBeforeStartFails(t *testing.T) {
	bus, err := New(Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := bus.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Stop() before Start = %v, want ErrNotStarted", err)
	}
}

func TestStopTwiceIsNoOp(t *testing.T) {
	bus, err := New(Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mustStop(t, bus)

	done := make(chan error, 1)
	go func() { done <- bus.Stop(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Stop() deadlocked")
	}
}

func TestSecondStopHonorsContextWhileDraining(t *testing.T) {
	bus, err := New(Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dispatching := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	bus.AddListener(listenerFunc(func(context.Context, events.Event) error {
		once.Do(func() { close(dispatching) })
		<-release
		return nil
	}))
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	bus.Post(startedEvent("slow"))
	<-dispatching

	firstStop := make(chan error, 1)
	go func() { firstStop <- bus.Stop(context.Background()) }()

	// The first Stop has taken effect once a post is counted as dropped.
	for bus.DroppedTotal() == 0 {
		bus.Post(startedEvent("late-post"))
		time.Sleep(time.Millisecond)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Stop(canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("second Stop() with canceled ctx = %v, want context.Canceled", err)
	}

	close(release)
	if err := <-firstStop; err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
}

func TestFIFOSingleProducer(t *testing.T) {
	bus, err := New(Config{Capacity: 16})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := new(recordingListener)
	bus.AddListener(rec)
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	e1, e2, e3 := startedEvent("1"), startedEvent("2"), startedEvent("3")
	bus.Post(e1)
	bus.Post(e2)
	bus.Post(e3)
	if err := bus.WaitUntilEmpty(2 * time.Second); err != nil {
		t.Fatalf("WaitUntilEmpty() error = %v", err)
	}
	mustStop(t, bus)

	seen := rec.events()
	if len(seen) != 3 {
		t.Fatalf("delivered %d events, want 3", len(seen))
	}
	for i, want := range []events.Event{e1, e2, e3} {
		if seen[i] != want {
			t.Errorf("event %d = %+v, want %+v", i, seen[i], want)
		}
	}
}

func TestEventsBufferedBeforeStart(t *testing.T) {
	const capacity = 8
	bus, err := New(Config{Capacity: capacity})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	first := new(recordingListener)
	second := new(recordingListener)
	bus.AddListener(first)
	bus.AddListener(second)

	for i := 0; i < capacity; i++ {
		bus.Post(startedEvent("buffered"))
	}
	if dropped := bus.DroppedTotal(); dropped != 0 {
		t.Fatalf("dropped %d events while under capacity", dropped)
	}

	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := bus.WaitUntilEmpty(2 * time.Second); err != nil {
		t.Fatalf("WaitUntilEmpty() error = %v", err)
	}
	mustStop(t, bus)

	if got := len(first.events()); got != capacity {
		t.Errorf("first listener saw %d events, want %d", got, capacity)
	}
	if got := len(second.events()); got != capacity {
		t.Errorf("second listener saw %d events, want %d", got, capacity)
	}
}

func TestOverflowDropsAndCounts(t *testing.T) {
	bus, err := New(Config{Capacity: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Worker not started, so the first event occupies the only slot.
	bus.Post(startedEvent("kept"))
	bus.Post(startedEvent("dropped"))

	if got := bus.DroppedTotal(); got != 1 {
		t.Fatalf("DroppedTotal() = %d, want 1", got)
	}

	rec := new(recordingListener)
	bus.AddListener(rec)
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mustStop(t, bus)

	if got := len(rec.events()); got != 1 {
		t.Errorf("delivered %d events, want 1", got)
	}
}

func TestDrainOnStop(t *testing.T) {
	const posted = 64
	bus, err := New(Config{Capacity: posted})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := new(recordingListener)
	bus.AddListener(rec)
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < posted; i++ {
		bus.Post(startedEvent("drain"))
	}
	mustStop(t, bus)

	delivered := len(rec.events()) + int(bus.DroppedTotal())
	if delivered != posted {
		t.Fatalf("delivered+dropped = %d, want %d", delivered, posted)
	}
	if dropped := bus.DroppedTotal(); dropped != 0 {
		t.Fatalf("dropped %d events despite capacity %d", dropped, posted)
	}
}

func TestWaitUntilEmptyIdempotent(t *testing.T) {
	bus, err := New(Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	bus.Post(startedEvent("one"))

	if err := bus.WaitUntilEmpty(2 * time.Second); err != nil {
		t.Fatalf("first WaitUntilEmpty() error = %v", err)
	}
	if err := bus.WaitUntilEmpty(2 * time.Second); err != nil {
		t.Fatalf("second WaitUntilEmpty() error = %v", err)
	}
	mustStop(t, bus)
}

func TestWaitUntilEmptyTimesOut(t *testing.T) {
	bus, err := New(Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	release := make(chan struct{})
	bus.AddListener(listenerFunc(func(context.Context, events.Event) error {
		<-release
		return nil
	}))
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	bus.Post(startedEvent("stuck"))

	if err := bus.WaitUntilEmpty(50 * time.Millisecond); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("WaitUntilEmpty() = %v, want ErrDrainTimeout", err)
	}
	close(release)
	mustStop(t, bus)
}

func TestPostAfterStopDrops(t *testing.T) {
	bus, err := New(Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := new(recordingListener)
	bus.AddListener(rec)
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mustStop(t, bus)

	bus.Post(startedEvent("late"))
	if got := bus.DroppedTotal(); got != 1 {
		t.Fatalf("DroppedTotal() = %d, want 1", got)
	}
	if got := len(rec.events()); got != 0 {
		t.Fatalf("listener saw %d post-stop events", got)
	}
}

func TestListenerIsolation(t *testing.T) {
	const posted = 10
	bus, err := New(Config{Capacity: posted})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	failing := new(failingListener)
	rec := new(recordingListener)
	bus.AddListener(failing)
	bus.AddListener(panickyListener{})
	bus.AddListener(rec)
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < posted; i++ {
		bus.Post(startedEvent("isolated"))
	}
	if err := bus.WaitUntilEmpty(2 * time.Second); err != nil {
		t.Fatalf("WaitUntilEmpty() error = %v", err)
	}
	if !bus.WorkerAlive() {
		t.Fatal("worker died from listener failures")
	}
	mustStop(t, bus)

	if got := len(rec.events()); got != posted {
		t.Errorf("healthy listener saw %d events, want %d", got, posted)
	}
	if got := failing.calls.Load(); got != posted {
		t.Errorf("failing listener invoked %d times, want %d", got, posted)
	}
}

func TestStopFromListenerIsRejected(t *testing.T) {
	bus, err := New(Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stopErr := make(chan error, 1)
	bus.AddListener(listenerFunc(func(ctx context.Context, _ events.Event) error {
		stopErr <- bus.Stop(ctx)
		return nil
	}))
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	bus.Post(startedEvent("reentrant"))

	select {
	case err := <-stopErr:
		if !errors.Is(err, ErrStopFromListener) {
			t.Fatalf("Stop() from listener = %v, want ErrStopFromListener", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never invoked")
	}
	mustStop(t, bus)
}

func TestWorkerAliveProbe(t *testing.T) {
	bus, err := New(Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if bus.WorkerAlive() {
		t.Fatal("worker reported alive before Start")
	}
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !bus.WorkerAlive() {
		if time.Now().After(deadline) {
			t.Fatal("worker never reported alive")
		}
		time.Sleep(time.Millisecond)
	}
	mustStop(t, bus)
	if bus.WorkerAlive() {
		t.Fatal("worker reported alive after Stop")
	}
}

type listenerFunc func(ctx context.Context, evt events.Event) error

func (f listenerFunc) OnPipelineEvent(ctx context.Context, evt events.Event) error {
	return f(ctx, evt)
}
