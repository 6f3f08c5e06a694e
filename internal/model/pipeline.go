package model

import "time"

// StepStatus records the observed lifecycle of one pipeline step.
// Terminal statuses are completed, failed, and skipped.
type StepStatus struct {
	ID           string     `json:"id"`
	Task         string     `json:"task"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	DurationMS   *int64     `json:"duration,omitempty"`
	Error        string     `json:"error,omitempty"`
	Result       any        `json:"result,omitempty"`
	RetryAttempt int        `json:"retryAttempt,omitempty"`
}

// PipelineResult is what a pipeline execution returns to its caller.
type PipelineResult struct {
	// Steps holds results by declared step index. A slot is the step's
	// result, or a skip marker for skipped and optional-failed steps.
	Steps []any `json:"steps"`

	// StepResults maps step id to result.
	StepResults map[string]any `json:"stepResults"`

	// StepStatus lists one status record per declared step, in order.
	StepStatus []*StepStatus `json:"stepStatus"`

	// FinalResult is the last declared step's result.
	FinalResult any `json:"finalResult"`

	// TotalDurationMS is the pipeline's wall-clock duration.
	TotalDurationMS int64 `json:"totalDuration"`

	// ParallelGroups records the ids dispatched together in each
	// scheduling tick that dispatched more than one step.
	ParallelGroups [][]string `json:"parallelGroups"`
}

// SkipMarker builds the result value recorded for a skipped step.
func SkipMarker(reason string) map[string]any {
	return map[string]any{"skipped": true, "reason": reason}
}

// ErrorSkipMarker builds the result value recorded for an optional step
// whose execution failed.
func ErrorSkipMarker(errMsg string) map[string]any {
	return map[string]any{"skipped": true, "error": errMsg}
}

// IsSkipMarker reports whether a step result is a skip marker.
func IsSkipMarker(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	skipped, ok := m["skipped"].(bool)
	return ok && skipped
}
