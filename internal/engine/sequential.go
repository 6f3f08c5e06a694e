package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Adelost/decl-worker-api/internal/model"
)

// runSequential executes pipeline steps one at a time, in declared order.
// This is the legacy mode used when no step declares an id or dependency.
// The template context exposes steps as an ordered array, so references
// like {{steps.0.path}} address results by position.
func (e *Engine) runSequential(ctx context.Context, task *model.Task, onProgress ProgressFunc, onEvent EventFunc) (*model.PipelineResult, error) {
	start := time.Now()
	total := len(task.Steps)

	ordered := make([]any, 0, total)
	result := &model.PipelineResult{
		StepResults: make(map[string]any, total),
		StepStatus:  make([]*model.StepStatus, 0, total),
	}

	var eventMu sync.Mutex
	emit := func(ev Event) {
		if onEvent == nil {
			return
		}
		ev.Timestamp = time.Now()
		eventMu.Lock()
		defer eventMu.Unlock()
		onEvent(ev)
	}

	payload := task.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	for i := range task.Steps {
		step := &task.Steps[i]
		id := fmt.Sprintf("step_%d", i)

		status := &model.StepStatus{ID: id, Task: step.Task, Status: model.StatusPending}
		result.StepStatus = append(result.StepStatus, status)

		now := time.Now()
		status.StartedAt = &now
		status.Status = model.StatusRunning
		emit(Event{Kind: EventStepStart, StepID: id, Task: step.Task})

		tctx := map[string]any{
			"payload": payload,
			"steps":   append([]any(nil), ordered...),
		}

		stepResult, skipped, err := e.runSequentialStep(ctx, task, step, id, status, tctx)

		finish := time.Now()
		status.CompletedAt = &finish
		dur := finish.Sub(now).Milliseconds()
		status.DurationMS = &dur

		switch {
		case skipped:
			status.Status = model.StepSkipped
			status.Result = stepResult
			stepsTotal.WithLabelValues(model.StepSkipped).Inc()
			emit(Event{Kind: EventStepComplete, StepID: id, Task: step.Task, Data: stepResult})

		case err != nil && step.Optional:
			marker := model.ErrorSkipMarker(err.Error())
			status.Status = model.StepSkipped
			status.Error = err.Error()
			status.Result = marker
			stepResult = marker
			stepsTotal.WithLabelValues(model.StepSkipped).Inc()
			emit(Event{Kind: EventStepError, StepID: id, Task: step.Task, Data: map[string]any{
				"optional": true,
				"error":    err.Error(),
			}})

		case err != nil:
			status.Status = model.StatusFailed
			status.Error = err.Error()
			stepsTotal.WithLabelValues(model.StatusFailed).Inc()
			emit(Event{Kind: EventStepError, StepID: id, Task: step.Task, Data: map[string]any{
				"error": err.Error(),
			}})
			return nil, err

		default:
			status.Status = model.StatusCompleted
			status.Result = stepResult
			stepsTotal.WithLabelValues(model.StatusCompleted).Inc()
			stepDuration.Observe(float64(dur) / 1000)
			emit(Event{Kind: EventStepComplete, StepID: id, Task: step.Task, Data: stepResult})
		}

		ordered = append(ordered, stepResult)
		result.StepResults[id] = stepResult

		if onProgress != nil && i+1 < total {
			onProgress(int(math.Round(100 * float64(i+1) / float64(total))))
		}
	}

	result.Steps = ordered
	if total > 0 {
		result.FinalResult = ordered[total-1]
	}
	result.TotalDurationMS = time.Since(start).Milliseconds()
	result.ParallelGroups = nil

	emit(Event{Kind: EventPipelineComplete, Data: map[string]any{
		"totalDuration": result.TotalDurationMS,
	}})

	return result, nil
}

// runSequentialStep evaluates one step's condition and executes it.
// The skipped return is true when runWhen gated the step off.
func (e *Engine) runSequentialStep(ctx context.Context, task *model.Task, step *model.Step, id string, status *model.StepStatus, tctx map[string]any) (any, bool, error) {
	switch step.RunWhen {
	case "", "always":
	case "on-demand":
		return model.SkipMarker("on-demand"), true, nil
	default:
		if isFalsy(ResolveString(step.RunWhen, tctx)) {
			marker := model.SkipMarker("condition-false")
			marker["condition"] = step.RunWhen
			return marker, true, nil
		}
	}

	payload := ResolveInputs(step.Input, tctx)
	subTask := buildSubTask(task, step, payload)

	b, err := e.registry.Select(ctx, subTask)
	if err != nil {
		return nil, false, err
	}

	execute := func() (any, error) {
		return retryOp(ctx, subTask.Retry, func(attempt int) {
			status.RetryAttempt = attempt
			if attempt > 1 {
				stepRetriesTotal.Inc()
			}
		}, func() (any, error) {
			return b.Execute(ctx, subTask)
		})
	}

	result, err := withTimeout(ctx, id, stepTimeout(task, step), execute)
	return result, false, err
}
