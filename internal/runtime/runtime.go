// Package runtime composes the lifecycle bus, the execution engine, and the
// attached operations into a running orchestrator.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/core/pipeline"
	"github.com/weirlabs/weir/errs"
	"github.com/weirlabs/weir/internal/bus/listenerbus"
	"github.com/weirlabs/weir/internal/engine"
	"github.com/weirlabs/weir/internal/observability"
	"github.com/weirlabs/weir/lib/async"
)

// Config tunes the runtime.
type Config struct {
	// QueueCapacity bounds the lifecycle bus queue.
	QueueCapacity int
	// Workers bounds concurrent pipeline runs.
	Workers int
	// RunQueue bounds runs accepted but not yet executing.
	RunQueue int
	// BusMetrics is attached to the lifecycle bus when non-nil.
	BusMetrics *listenerbus.Metrics
}

// Runtime accepts pipeline runs, executes them on a bounded worker pool, and
// broadcasts lifecycle events through the listener bus.
type Runtime struct {
	bus    *listenerbus.Bus
	engine *engine.Engine
	pool   *async.Pool

	mu        sync.RWMutex
	pipelines map[string]pipeline.Spec

	wg sync.WaitGroup
}

// New composes a runtime around the given engine.
func New(eng *engine.Engine, cfg Config) (*Runtime, error) {
	if eng == nil {
		return nil, errs.New("runtime", errs.CodeInvalid, errs.WithMessage("engine required"))
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RunQueue < 0 {
		cfg.RunQueue = 0
	}

	bus, err := listenerbus.New(listenerbus.Config{
		Capacity: cfg.QueueCapacity,
		Metrics:  cfg.BusMetrics,
	})
	if err != nil {
		return nil, err
	}
	pool, err := async.NewPool(cfg.Workers, cfg.RunQueue)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		bus:       bus,
		engine:    eng,
		pool:      pool,
		pipelines: make(map[string]pipeline.Spec),
	}, nil
}

// Attach registers every operation that can observe lifecycle events. Values
// that do not implement the listener contract are skipped; mixed operation
// sets are expected and filtering happens here, once, at composition time.
func (r *Runtime) Attach(operations ...any) int {
	attached := 0
	for _, op := range operations {
		listener, ok := op.(listenerbus.Listener)
		if !ok {
			continue
		}
		r.bus.AddListener(listener)
		attached++
	}
	return attached
}

// RegisterPipeline makes a validated spec available for submission.
func (r *Runtime) RegisterPipeline(spec pipeline.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[spec.Name]; exists {
		return errs.New("runtime", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("pipeline %q already registered", spec.Name)))
	}
	r.pipelines[spec.Name] = spec
	return nil
}

// Pipelines lists registered pipeline names.
func (r *Runtime) Pipelines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		out = append(out, name)
	}
	return out
}

// Start begins dispatching lifecycle events.
func (r *Runtime) Start() error {
	return r.bus.Start()
}

// Submit schedules a run of the named pipeline and returns its run ID. The
// run executes asynchronously on the worker pool; progress is observable
// through the attached listeners.
func (r *Runtime) Submit(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	spec, ok := r.pipelines[name]
	r.mu.RUnlock()
	if !ok {
		return "", errs.New("runtime", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("pipeline %q not registered", name)))
	}

	runID := uuid.NewString()
	meta := events.Meta{RunID: runID, Pipeline: spec.Name, Time: time.Now()}
	r.bus.Post(events.PipelineSubmitted{Meta: meta, StageCount: len(spec.Stages)})

	r.wg.Add(1)
	err := r.pool.Submit(ctx, func(runCtx context.Context) error {
		defer r.wg.Done()
		r.execute(runCtx, spec, runID)
		return nil
	})
	if err != nil {
		r.wg.Done()
		finished := events.PipelineFinished{
			Meta:   events.Meta{RunID: runID, Pipeline: spec.Name, Time: time.Now()},
			Status: events.RunFailed,
			Error:  err.Error(),
		}
		r.bus.Post(finished)
		return "", fmt.Errorf("submit run %s: %w", runID, err)
	}
	return runID, nil
}

func (r *Runtime) execute(ctx context.Context, spec pipeline.Spec, runID string) {
	start := time.Now()
	meta := events.Meta{RunID: runID, Pipeline: spec.Name, Time: start}
	r.bus.Post(events.PipelineStarted{Meta: meta})

	err := r.engine.Run(ctx, spec, meta, r.bus.Post)

	finished := events.PipelineFinished{
		Meta:     events.Meta{RunID: runID, Pipeline: spec.Name, Time: time.Now()},
		Status:   events.RunSucceeded,
		Duration: time.Since(start),
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		finished.Status = events.RunCanceled
		finished.Error = err.Error()
	default:
		finished.Status = events.RunFailed
		finished.Error = err.Error()
	}
	if err != nil {
		observability.Log().Warn("pipeline run failed",
			observability.Field{Key: "run_id", Value: runID},
			observability.Field{Key: "pipeline", Value: spec.Name},
			observability.Field{Key: "error", Value: err},
		)
	}
	r.bus.Post(finished)
}

// Healthy reports whether the bus consumer goroutine is dispatching.
func (r *Runtime) Healthy() bool {
	return r.bus.WorkerAlive()
}

// DroppedEvents reports lifecycle events lost to queue overflow.
func (r *Runtime) DroppedEvents() uint64 {
	return r.bus.DroppedTotal()
}

// Drain blocks until all buffered lifecycle events have been dispatched.
func (r *Runtime) Drain(timeout time.Duration) error {
	return r.bus.WaitUntilEmpty(timeout)
}

// Shutdown stops accepting runs, waits for in-flight runs, and stops the bus
// after its queue drains. Worker and bus failures are aggregated so both
// halves always get their shutdown attempt.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var failures []error
	if err := r.pool.Shutdown(ctx); err != nil {
		failures = append(failures, fmt.Errorf("stop workers: %w", err))
	}
	r.wg.Wait()
	if err := r.bus.Stop(ctx); err != nil {
		failures = append(failures, fmt.Errorf("stop lifecycle bus: %w", err))
	}
	return observability.AggregateErrors("runtime shutdown", failures)
}
