package events

import (
	"strings"
	"testing"
	"time"
)

func TestEventKinds(t *testing.T) {
	now := time.Now().UTC()
	meta := Meta{RunID: "run-1", Pipeline: "orders", Time: now}

	cases := []struct {
		evt  Event
		want Kind
	}{
		{PipelineSubmitted{Meta: meta, StageCount: 3}, KindPipelineSubmitted},
		{PipelineStarted{Meta: meta}, KindPipelineStarted},
		{PipelineFinished{Meta: meta, Status: RunSucceeded}, KindPipelineFinished},
		{StageStarted{Meta: meta, StageID: "extract"}, KindStageStarted},
		{StageCompleted{Meta: meta, StageID: "extract"}, KindStageCompleted},
		{RecordsProgress{Meta: meta, StageID: "extract", Records: 10}, KindRecordsProgress},
	}
	for _, tc := range cases {
		if got := tc.evt.EventKind(); got != tc.want {
			t.Errorf("EventKind() = %q, want %q", got, tc.want)
		}
		if !tc.evt.OccurredAt().Equal(now) {
			t.Errorf("OccurredAt() = %v, want %v", tc.evt.OccurredAt(), now)
		}
	}
}

func TestEncodeEnvelope(t *testing.T) {
	evt := StageCompleted{
		Meta:     Meta{RunID: "run-9", Pipeline: "orders", Time: time.Unix(100, 0).UTC()},
		StageID:  "load",
		Duration: 2 * time.Second,
	}
	raw, err := Encode(evt)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	payload := string(raw)
	for _, want := range []string{`"kind":"stage.completed"`, `"run_id":"run-9"`, `"stage_id":"load"`} {
		if !strings.Contains(payload, want) {
			t.Errorf("envelope %s missing %s", payload, want)
		}
	}
}

func TestEncodeNil(t *testing.T) {
	raw, err := Encode(nil)
	if err != nil || raw != nil {
		t.Fatalf("Encode(nil) = %s, %v", raw, err)
	}
}
