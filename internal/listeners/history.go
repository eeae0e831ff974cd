package listeners

import (
	"context"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/internal/history"
)

// HistoryListener persists lifecycle events through the run history store.
type HistoryListener struct {
	store *history.Store
}

// NewHistoryListener wraps the supplied store.
func NewHistoryListener(store *history.Store) *HistoryListener {
	return &HistoryListener{store: store}
}

// OnPipelineEvent writes the event to Postgres. Write failures surface to the
// bus, which logs them without affecting other listeners.
func (h *HistoryListener) OnPipelineEvent(ctx context.Context, evt events.Event) error {
	return h.store.InsertEvent(ctx, evt)
}
