package engine

import "time"

// Event kinds emitted during pipeline execution.
const (
	EventStepStart        = "step:start"
	EventStepComplete     = "step:complete"
	EventStepError        = "step:error"
	EventPipelineComplete = "pipeline:complete"
)

// Event is one entry in a pipeline's event stream. StepID is empty for
// pipeline-level events.
type Event struct {
	Kind      string    `json:"kind"`
	StepID    string    `json:"stepId,omitempty"`
	Task      string    `json:"task,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// ProgressFunc receives a monotonically non-decreasing completion
// percentage. The final 100 is not guaranteed; callers infer completion
// from the returned result or the pipeline:complete event.
type ProgressFunc func(percent int)

// EventFunc receives pipeline events. Calls are serialized per pipeline
// execution.
type EventFunc func(Event)
