package observability

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/weirlabs/weir/errs"
)

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	SetLogger(NewStdLogger(nil))
	SetLogger(nil)
	// Must not panic.
	Log().Info("ignored")
}

func TestStdLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewStdLogger(log.New(&buf, "", 0)))
	t.Cleanup(func() { SetLogger(nil) })

	Log().Warn("queue full", Field{Key: "capacity", Value: 8}, Field{Key: "dropped", Value: 3})

	got := buf.String()
	for _, want := range []string{"WARN", "queue full", "capacity=8", "dropped=3"} {
		if !strings.Contains(got, want) {
			t.Errorf("log output %q missing %q", got, want)
		}
	}
}

func TestAggregateErrors(t *testing.T) {
	if err := AggregateErrors("noop", []error{nil, nil}); err != nil {
		t.Fatalf("expected nil for all-nil errors, got %v", err)
	}

	first := errors.New("first")
	second := errors.New("second")
	err := AggregateErrors("dispatch", []error{first, nil, second})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Errorf("aggregated error should wrap both causes: %v", err)
	}
	if !errs.HasCode(err, errs.CodeInternal) {
		t.Errorf("uncoded causes should aggregate as %s: %v", errs.CodeInternal, err)
	}
}

func TestAggregateErrorsPropagatesCauseCode(t *testing.T) {
	timeout := errs.New("bus", errs.CodeTimeout, errs.WithMessage("stop wait expired"))
	err := AggregateErrors("runtime shutdown", []error{errors.New("plain"), timeout})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errs.HasCode(err, errs.CodeTimeout) {
		t.Errorf("aggregate should carry the first coded cause's code: %v", err)
	}
	if !errors.Is(err, timeout) {
		t.Errorf("aggregate should wrap the coded cause: %v", err)
	}
}
