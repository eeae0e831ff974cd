// Package events defines the pipeline lifecycle events broadcast through the listener bus.
package events

import "time"

// Kind enumerates lifecycle event categories.
type Kind string

const (
	// KindPipelineSubmitted marks acceptance of a pipeline run.
	KindPipelineSubmitted Kind = "pipeline.submitted"
	// KindPipelineStarted marks the beginning of execution.
	KindPipelineStarted Kind = "pipeline.started"
	// KindPipelineFinished marks completion, successful or not.
	KindPipelineFinished Kind = "pipeline.finished"
	// KindStageStarted marks the start of a single stage.
	KindStageStarted Kind = "stage.started"
	// KindStageCompleted marks the end of a single stage.
	KindStageCompleted Kind = "stage.completed"
	// KindRecordsProgress reports throughput progress for a running stage.
	KindRecordsProgress Kind = "records.progress"
)

// Event is an immutable lifecycle notification. Producers hand ownership to the
// bus on post and must not mutate the value afterwards.
type Event interface {
	EventKind() Kind
	OccurredAt() time.Time
}

// Meta carries the fields shared by every lifecycle event.
type Meta struct {
	RunID    string    `json:"run_id"`
	Pipeline string    `json:"pipeline"`
	Time     time.Time `json:"time"`
}

// OccurredAt returns the event timestamp.
func (m Meta) OccurredAt() time.Time { return m.Time }

// EventMeta exposes the shared fields; every built-in event implements
// MetaCarrier through Meta embedding.
func (m Meta) EventMeta() Meta { return m }

// MetaCarrier is satisfied by events that carry run identification.
type MetaCarrier interface {
	EventMeta() Meta
}

// PipelineSubmitted reports that a pipeline run was accepted by the runtime.
type PipelineSubmitted struct {
	Meta
	StageCount int `json:"stage_count"`
}

// EventKind identifies the event category.
func (PipelineSubmitted) EventKind() Kind { return KindPipelineSubmitted }

// PipelineStarted reports that execution of a run began.
type PipelineStarted struct {
	Meta
}

// EventKind identifies the event category.
func (PipelineStarted) EventKind() Kind { return KindPipelineStarted }

// RunStatus describes the terminal status of a pipeline run.
type RunStatus string

const (
	// RunSucceeded marks a run that completed without error.
	RunSucceeded RunStatus = "succeeded"
	// RunFailed marks a run that terminated with an error.
	RunFailed RunStatus = "failed"
	// RunCanceled marks a run aborted by its context.
	RunCanceled RunStatus = "canceled"
)

// PipelineFinished reports terminal state for a run.
type PipelineFinished struct {
	Meta
	Status   RunStatus     `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// EventKind identifies the event category.
func (PipelineFinished) EventKind() Kind { return KindPipelineFinished }

// StageStarted reports the start of one stage of a run.
type StageStarted struct {
	Meta
	StageID   string `json:"stage_id"`
	StageKind string `json:"stage_kind"`
}

// EventKind identifies the event category.
func (StageStarted) EventKind() Kind { return KindStageStarted }

// StageCompleted reports the end of one stage of a run.
type StageCompleted struct {
	Meta
	StageID  string        `json:"stage_id"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// EventKind identifies the event category.
func (StageCompleted) EventKind() Kind { return KindStageCompleted }

// RecordsProgress reports records moved through a stage since the last report.
type RecordsProgress struct {
	Meta
	StageID string `json:"stage_id"`
	Records uint64 `json:"records"`
	Bytes   uint64 `json:"bytes"`
}

// EventKind identifies the event category.
func (RecordsProgress) EventKind() Kind { return KindRecordsProgress }
