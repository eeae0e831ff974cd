package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/core/pipeline"
	"github.com/weirlabs/weir/internal/engine"
)

// recordingListener captures delivered events and signals run completion.
type recordingListener struct {
	mu       sync.Mutex
	events   []events.Event
	finished chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{finished: make(chan string, 16)}
}

func (r *recordingListener) OnPipelineEvent(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	if done, ok := evt.(events.PipelineFinished); ok {
		r.finished <- done.RunID
	}
	return nil
}

func (r *recordingListener) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

type notAListener struct{}

func testSpec() pipeline.Spec {
	return pipeline.Spec{
		Name: "orders",
		Stages: []pipeline.Stage{
			{ID: "gen", Kind: pipeline.StageSource, Plugin: "sequence", Options: map[string]any{"count": 3}},
			{ID: "out", Kind: pipeline.StageSink, Plugin: "null"},
		},
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(engine.New(nil, engine.Config{}), Config{QueueCapacity: 128, Workers: 2})
	require.NoError(t, err)
	return rt
}

func TestAttachFiltersNonListeners(t *testing.T) {
	rt := newTestRuntime(t)
	attached := rt.Attach(notAListener{}, newRecordingListener(), 42)
	require.Equal(t, 1, attached)
}

func TestSubmitUnknownPipeline(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Start())
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	_, err := rt.Submit(context.Background(), "missing")
	require.ErrorContains(t, err, "not registered")
}

func TestRegisterPipelineRejectsDuplicates(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.RegisterPipeline(testSpec()))
	require.ErrorContains(t, rt.RegisterPipeline(testSpec()), "already registered")
	require.Equal(t, []string{"orders"}, rt.Pipelines())
}

func TestSubmitRunsPipelineAndBroadcastsLifecycle(t *testing.T) {
	rt := newTestRuntime(t)
	listener := newRecordingListener()
	require.Equal(t, 1, rt.Attach(listener))
	require.NoError(t, rt.RegisterPipeline(testSpec()))
	require.NoError(t, rt.Start())

	runID, err := rt.Submit(context.Background(), "orders")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	select {
	case got := <-listener.finished:
		require.Equal(t, runID, got)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	require.NoError(t, rt.Drain(5*time.Second))
	require.NoError(t, rt.Shutdown(context.Background()))

	var kinds []events.Kind
	for _, evt := range listener.snapshot() {
		kinds = append(kinds, evt.EventKind())
	}
	require.Equal(t, events.KindPipelineSubmitted, kinds[0])
	require.Contains(t, kinds, events.KindPipelineStarted)
	require.Contains(t, kinds, events.KindStageStarted)
	require.Contains(t, kinds, events.KindStageCompleted)
	require.Equal(t, events.KindPipelineFinished, kinds[len(kinds)-1])

	last := listener.snapshot()[len(kinds)-1].(events.PipelineFinished)
	require.Equal(t, events.RunSucceeded, last.Status)
	require.Empty(t, last.Error)
}

func TestHealthyTracksBusWorker(t *testing.T) {
	rt := newTestRuntime(t)
	require.False(t, rt.Healthy())
	require.NoError(t, rt.Start())
	require.Eventually(t, rt.Healthy, time.Second, 5*time.Millisecond)
	require.NoError(t, rt.Shutdown(context.Background()))
	require.Eventually(t, func() bool { return !rt.Healthy() }, time.Second, 5*time.Millisecond)
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.RegisterPipeline(testSpec()))
	require.NoError(t, rt.Start())
	require.NoError(t, rt.Shutdown(context.Background()))

	_, err := rt.Submit(context.Background(), "orders")
	require.Error(t, err)
}
