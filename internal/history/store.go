// Package history persists pipeline lifecycle events to Postgres so finished
// runs can be inspected after the fact.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/errs"
)

// insertAttempts bounds retries for one event before the write is given up.
const insertAttempts = 4

const insertEventSQL = `
INSERT INTO run_events (run_id, pipeline, kind, occurred_at, payload)
VALUES ($1, $2, $3, $4, $5)`

const recentEventsSQL = `
SELECT run_id, pipeline, kind, occurred_at, payload
FROM run_events
WHERE run_id = $1
ORDER BY id
LIMIT $2`

// Record is one persisted lifecycle event row.
type Record struct {
	RunID      string
	Pipeline   string
	Kind       events.Kind
	OccurredAt time.Time
	Payload    []byte
}

// Store writes lifecycle events to the run_events table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres and verifies connectivity.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errs.New("history/store", errs.CodeInvalid, errs.WithMessage("dsn required"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect history store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping history store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// InsertEvent writes one event, retrying transient failures with exponential
// backoff. The caller's context bounds the whole attempt sequence.
func (s *Store) InsertEvent(ctx context.Context, evt events.Event) error {
	if evt == nil {
		return nil
	}
	var meta events.Meta
	if carrier, ok := evt.(events.MetaCarrier); ok {
		meta = carrier.EventMeta()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = 50 * time.Millisecond
	wait.MaxInterval = 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < insertAttempts; attempt++ {
		_, lastErr = s.pool.Exec(ctx, insertEventSQL,
			meta.RunID, meta.Pipeline, string(evt.EventKind()), evt.OccurredAt(), payload)
		if lastErr == nil {
			return nil
		}
		sleep := wait.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("insert run event: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("insert run event: %w", lastErr)
}

// RecentEvents returns up to limit rows for one run, in insertion order.
func (s *Store) RecentEvents(ctx context.Context, runID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, recentEventsSQL, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.RunID, &rec.Pipeline, &rec.Kind, &rec.OccurredAt, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return records, nil
}
