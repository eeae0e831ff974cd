package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/weirlabs/weir/internal/observability"
)

// RegisterBuiltins installs the plugins shipped with the engine: the
// "sequence" and "file" sources, the "uppercase" and "filter" transforms,
// and the "null" and "log" sinks.
func RegisterBuiltins(registry *Registry) {
	must := func(err error) {
		if err != nil {
			panic(fmt.Sprintf("engine: register builtin: %v", err))
		}
	}
	must(registry.Register("sequence", newSequenceSource))
	must(registry.Register("file", newFileSource))
	must(registry.Register("uppercase", newUppercaseTransform))
	must(registry.Register("filter", newFilterTransform))
	must(registry.Register("null", newNullSink))
	must(registry.Register("log", newLogSink))
}

// sequenceSource emits a fixed number of generated records.
type sequenceSource struct {
	count  int
	prefix string
}

func newSequenceSource(options map[string]any) (any, error) {
	count := optInt(options, "count", 100)
	if count < 0 {
		return nil, fmt.Errorf("sequence: count must be >=0, got %d", count)
	}
	return &sequenceSource{
		count:  count,
		prefix: optString(options, "prefix", "rec"),
	}, nil
}

func (s *sequenceSource) Read(ctx context.Context, out chan<- Record) error {
	for i := 0; i < s.count; i++ {
		value, err := json.Marshal(map[string]any{"seq": i})
		if err != nil {
			return fmt.Errorf("sequence: encode record %d: %w", i, err)
		}
		rec := Record{
			Key:   fmt.Sprintf("%s-%d", s.prefix, i),
			Value: value,
			Time:  time.Now(),
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- rec:
		}
	}
	return nil
}

// fileSource emits one record per line of a text file.
type fileSource struct {
	path string
}

func newFileSource(options map[string]any) (any, error) {
	path := optString(options, "path", "")
	if path == "" {
		return nil, fmt.Errorf("file: path option required")
	}
	return &fileSource{path: path}, nil
}

func (s *fileSource) Read(ctx context.Context, out chan<- Record) error {
	// #nosec G304 -- path comes from an operator-authored pipeline description.
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("file: open %q: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		rec := Record{
			Key:   fmt.Sprintf("%s:%d", s.path, line),
			Value: append([]byte(nil), scanner.Bytes()...),
			Time:  time.Now(),
		}
		line++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- rec:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("file: scan %q: %w", s.path, err)
	}
	return nil
}

// uppercaseTransform upper-cases record values.
type uppercaseTransform struct{}

func newUppercaseTransform(map[string]any) (any, error) {
	return uppercaseTransform{}, nil
}

func (uppercaseTransform) Apply(_ context.Context, rec Record) (Record, bool, error) {
	rec.Value = bytes.ToUpper(rec.Value)
	return rec, true, nil
}

// filterTransform keeps records whose value contains the configured substring.
type filterTransform struct {
	contains []byte
}

func newFilterTransform(options map[string]any) (any, error) {
	contains := optString(options, "contains", "")
	if contains == "" {
		return nil, fmt.Errorf("filter: contains option required")
	}
	return &filterTransform{contains: []byte(contains)}, nil
}

func (f *filterTransform) Apply(_ context.Context, rec Record) (Record, bool, error) {
	return rec, bytes.Contains(rec.Value, f.contains), nil
}

// nullSink discards all records.
type nullSink struct{}

func newNullSink(map[string]any) (any, error) {
	return nullSink{}, nil
}

func (nullSink) Write(context.Context, Record) error { return nil }

// logSink writes each record to the debug log.
type logSink struct{}

func newLogSink(map[string]any) (any, error) {
	return logSink{}, nil
}

func (logSink) Write(_ context.Context, rec Record) error {
	observability.Log().Debug("record",
		observability.Field{Key: "key", Value: rec.Key},
		observability.Field{Key: "value", Value: string(rec.Value)},
	)
	return nil
}

func optInt(options map[string]any, key string, fallback int) int {
	raw, ok := options[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func optString(options map[string]any, key, fallback string) string {
	if raw, ok := options[key]; ok {
		if v, ok := raw.(string); ok {
			return v
		}
	}
	return fallback
}
