// Package engine executes pipeline descriptions stage by stage. It moves
// records from sources through transforms into sinks and reports stage
// lifecycle through the caller-supplied event callback.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/core/pipeline"
	"github.com/weirlabs/weir/errs"
)

// progressEvery is the record interval between RecordsProgress reports. The
// remainder is flushed when the sink stage finishes.
const progressEvery = 1000

// Record is one unit of data moving through a pipeline.
type Record struct {
	Key   string
	Value []byte
	Time  time.Time
}

// Source produces records into out until exhausted or the context ends.
// Implementations must not close out; the engine owns channel lifecycle.
type Source interface {
	Read(ctx context.Context, out chan<- Record) error
}

// Transform reshapes one record. Returning keep=false drops the record.
type Transform interface {
	Apply(ctx context.Context, rec Record) (out Record, keep bool, err error)
}

// Sink consumes one record.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// PostFunc receives stage lifecycle events as a run progresses.
type PostFunc func(events.Event)

// Config tunes engine execution.
type Config struct {
	// StageBuffer is the channel depth between adjacent stages.
	StageBuffer int
}

// Engine runs pipeline specs against plugins resolved from its registry.
type Engine struct {
	registry    *Registry
	stageBuffer int
}

// New constructs an engine. A nil registry gets the built-in plugin set.
func New(registry *Registry, cfg Config) *Engine {
	if registry == nil {
		registry = NewRegistry()
		RegisterBuiltins(registry)
	}
	buffer := cfg.StageBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Engine{registry: registry, stageBuffer: buffer}
}

// Run executes the spec to completion. Stage events are delivered through
// post before Run returns; the caller owns run-level events. Sources feed a
// shared channel, transforms apply in declared order, and sinks drain in
// parallel. The first stage error cancels the remaining stages.
func (e *Engine) Run(ctx context.Context, spec pipeline.Spec, meta events.Meta, post PostFunc) error {
	if post == nil {
		post = func(events.Event) {}
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	sources, transforms, sinks, err := e.resolve(spec)
	if err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()

	head := make(chan Record, e.stageBuffer)
	e.runSources(p, sources, head, meta, post)

	tail := head
	for _, stage := range transforms {
		out := make(chan Record, e.stageBuffer)
		e.runTransform(p, stage, tail, out, meta, post)
		tail = out
	}

	e.runSinks(p, sinks, tail, meta, post)

	if err := p.Wait(); err != nil {
		return fmt.Errorf("pipeline %q: %w", spec.Name, err)
	}
	return nil
}

type boundStage struct {
	stage  pipeline.Stage
	plugin any
}

func (e *Engine) resolve(spec pipeline.Spec) (sources, transforms, sinks []boundStage, err error) {
	for _, stage := range spec.Stages {
		plugin, err := e.registry.Build(stage.Plugin, stage.Options)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("stage %q: %w", stage.ID, err)
		}
		bound := boundStage{stage: stage, plugin: plugin}
		switch stage.Kind {
		case pipeline.StageSource:
			if _, ok := plugin.(Source); !ok {
				return nil, nil, nil, errs.New("engine", errs.CodeInvalid,
					errs.WithMessage(fmt.Sprintf("plugin %q cannot serve stage %q as a source", stage.Plugin, stage.ID)))
			}
			sources = append(sources, bound)
		case pipeline.StageTransform:
			if _, ok := plugin.(Transform); !ok {
				return nil, nil, nil, errs.New("engine", errs.CodeInvalid,
					errs.WithMessage(fmt.Sprintf("plugin %q cannot serve stage %q as a transform", stage.Plugin, stage.ID)))
			}
			transforms = append(transforms, bound)
		case pipeline.StageSink:
			if _, ok := plugin.(Sink); !ok {
				return nil, nil, nil, errs.New("engine", errs.CodeInvalid,
					errs.WithMessage(fmt.Sprintf("plugin %q cannot serve stage %q as a sink", stage.Plugin, stage.ID)))
			}
			sinks = append(sinks, bound)
		default:
			return nil, nil, nil, errs.New("engine", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("stage %q has unknown kind %q", stage.ID, stage.Kind)))
		}
	}
	return sources, transforms, sinks, nil
}

func (e *Engine) runSources(p *pool.ContextPool, sources []boundStage, out chan<- Record, meta events.Meta, post PostFunc) {
	done := make(chan struct{}, len(sources))
	for _, bound := range sources {
		src := bound.plugin.(Source)
		stage := bound.stage
		p.Go(func(ctx context.Context) error {
			defer func() { done <- struct{}{} }()
			return timedStage(ctx, stage, meta, post, func(ctx context.Context) error {
				return src.Read(ctx, out)
			})
		})
	}
	// The head channel closes once every source has returned so downstream
	// stages observe end of input.
	go func() {
		for range sources {
			<-done
		}
		close(out)
	}()
}

func (e *Engine) runTransform(p *pool.ContextPool, bound boundStage, in <-chan Record, out chan<- Record, meta events.Meta, post PostFunc) {
	tr := bound.plugin.(Transform)
	stage := bound.stage
	p.Go(func(ctx context.Context) error {
		defer close(out)
		return timedStage(ctx, stage, meta, post, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case rec, ok := <-in:
					if !ok {
						return nil
					}
					next, keep, err := tr.Apply(ctx, rec)
					if err != nil {
						return err
					}
					if !keep {
						continue
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case out <- next:
					}
				}
			}
		})
	})
}

func (e *Engine) runSinks(p *pool.ContextPool, sinks []boundStage, in <-chan Record, meta events.Meta, post PostFunc) {
	for _, bound := range sinks {
		sink := bound.plugin.(Sink)
		stage := bound.stage
		p.Go(func(ctx context.Context) error {
			return timedStage(ctx, stage, meta, post, func(ctx context.Context) error {
				var records, bytes uint64
				flush := func() {
					if records == 0 {
						return
					}
					post(events.RecordsProgress{
						Meta:    meta,
						StageID: stage.ID,
						Records: records,
						Bytes:   bytes,
					})
					records, bytes = 0, 0
				}
				defer flush()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case rec, ok := <-in:
						if !ok {
							return nil
						}
						if err := sink.Write(ctx, rec); err != nil {
							return err
						}
						records++
						bytes += uint64(len(rec.Value))
						if records >= progressEvery {
							flush()
						}
					}
				}
			})
		})
	}
}

// timedStage brackets fn with StageStarted and StageCompleted events and
// recovers plugin panics into errors.
func timedStage(ctx context.Context, stage pipeline.Stage, meta events.Meta, post PostFunc, fn func(context.Context) error) (err error) {
	post(events.StageStarted{
		Meta:      stampMeta(meta),
		StageID:   stage.ID,
		StageKind: string(stage.Kind),
	})
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %q: plugin panic: %v", stage.ID, r)
		}
		completed := events.StageCompleted{
			Meta:     stampMeta(meta),
			StageID:  stage.ID,
			Duration: time.Since(start),
		}
		if err != nil {
			completed.Error = err.Error()
		}
		post(completed)
	}()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("stage %q: %w", stage.ID, err)
	}
	return nil
}

func stampMeta(meta events.Meta) events.Meta {
	meta.Time = time.Now()
	return meta
}
