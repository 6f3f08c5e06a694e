package engine

import (
	"reflect"
	"time"

	"github.com/Adelost/decl-worker-api/internal/model"
)

// buildSubTask constructs the single task dispatched for one step (or one
// forEach item). Step-level resources and retry override the task-level
// settings; the backend hint is inherited.
func buildSubTask(task *model.Task, step *model.Step, payload map[string]any) *model.Task {
	sub := &model.Task{
		Type:      step.Task,
		Backend:   task.Backend,
		Payload:   payload,
		Resources: task.Resources,
		Retry:     task.Retry,
	}
	if step.Resources != nil {
		sub.Resources = step.Resources
	}
	if step.Retry != nil {
		sub.Retry = step.Retry
	}
	return sub
}

// stepTimeout picks the timeout for a step: the step's own timeout wins
// over the task resource timeout hint; zero means none.
func stepTimeout(task *model.Task, step *model.Step) time.Duration {
	if step.TimeoutS > 0 {
		return time.Duration(step.TimeoutS * float64(time.Second))
	}
	if task.Resources != nil && task.Resources.TimeoutS != nil && *task.Resources.TimeoutS > 0 {
		return time.Duration(*task.Resources.TimeoutS * float64(time.Second))
	}
	return 0
}

// taskTimeout picks the timeout for a stepless task from its resource hint.
func taskTimeout(task *model.Task) time.Duration {
	if task.Resources != nil && task.Resources.TimeoutS != nil && *task.Resources.TimeoutS > 0 {
		return time.Duration(*task.Resources.TimeoutS * float64(time.Second))
	}
	return 0
}

// toSlice normalizes a resolved template value to []any. It accepts any
// slice or array kind so payloads built in Go (not just decoded JSON)
// fan out too.
func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}
