// Package listeners provides the built-in consumers attached to the lifecycle bus.
package listeners

import (
	"context"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/internal/observability"
)

// LoggingListener writes every lifecycle event to the global logger.
type LoggingListener struct {
	logger observability.Logger
}

// NewLoggingListener constructs a listener bound to the supplied logger.
// A nil logger falls back to the process-wide logger.
func NewLoggingListener(logger observability.Logger) *LoggingListener {
	return &LoggingListener{logger: logger}
}

// OnPipelineEvent logs the event kind plus run identification.
func (l *LoggingListener) OnPipelineEvent(_ context.Context, evt events.Event) error {
	logger := l.logger
	if logger == nil {
		logger = observability.Log()
	}
	fields := []observability.Field{
		{Key: "kind", Value: string(evt.EventKind())},
	}
	if carrier, ok := evt.(events.MetaCarrier); ok {
		meta := carrier.EventMeta()
		fields = append(fields,
			observability.Field{Key: "run_id", Value: meta.RunID},
			observability.Field{Key: "pipeline", Value: meta.Pipeline},
		)
	}
	switch e := evt.(type) {
	case events.PipelineFinished:
		fields = append(fields,
			observability.Field{Key: "status", Value: string(e.Status)},
			observability.Field{Key: "duration", Value: e.Duration},
		)
		if e.Error != "" {
			fields = append(fields, observability.Field{Key: "error", Value: e.Error})
			logger.Warn("pipeline finished", fields...)
			return nil
		}
		logger.Info("pipeline finished", fields...)
	case events.StageCompleted:
		fields = append(fields,
			observability.Field{Key: "stage_id", Value: e.StageID},
			observability.Field{Key: "duration", Value: e.Duration},
		)
		if e.Error != "" {
			fields = append(fields, observability.Field{Key: "error", Value: e.Error})
			logger.Warn("stage completed", fields...)
			return nil
		}
		logger.Info("stage completed", fields...)
	case events.RecordsProgress:
		fields = append(fields,
			observability.Field{Key: "stage_id", Value: e.StageID},
			observability.Field{Key: "records", Value: e.Records},
			observability.Field{Key: "bytes", Value: e.Bytes},
		)
		logger.Debug("records progress", fields...)
	default:
		logger.Info("lifecycle event", fields...)
	}
	return nil
}
