package listeners

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/internal/telemetry"
)

func TestMetricsListenerWithDisabledProvider(t *testing.T) {
	provider, err := telemetry.NewProvider(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	listener, err := NewMetricsListener(provider)
	require.NoError(t, err)

	ctx := context.Background()
	meta := events.Meta{RunID: "run-5", Pipeline: "orders", Time: time.Now()}
	require.NoError(t, listener.OnPipelineEvent(ctx, events.PipelineStarted{Meta: meta}))
	require.NoError(t, listener.OnPipelineEvent(ctx, events.PipelineFinished{
		Meta:     meta,
		Status:   events.RunSucceeded,
		Duration: time.Second,
	}))
	require.NoError(t, listener.OnPipelineEvent(ctx, events.RecordsProgress{
		Meta:    meta,
		StageID: "load",
		Records: 128,
		Bytes:   4096,
	}))
}
