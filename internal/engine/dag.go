package engine

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/Adelost/decl-worker-api/internal/model"
)

// tickSleep is how long the scheduler waits when every pending step is
// blocked on in-flight work.
const tickSleep = 10 * time.Millisecond

// pipelineStep pairs a declared step with its defaulted id and index.
type pipelineStep struct {
	step  *model.Step
	id    string
	index int
}

// dagRun holds the bookkeeping for one DAG pipeline execution. All set and
// result-map mutations happen on the scheduler goroutine; step goroutines
// write only their own StepStatus record and communicate through the
// outcome channel.
type dagRun struct {
	engine *Engine
	task   *model.Task
	steps  []*pipelineStep
	byID   map[string]*pipelineStep

	statuses  map[string]*model.StepStatus
	results   map[string]any
	running   map[string]bool
	completed map[string]bool
	failed    map[string]bool
	groups    [][]string

	onProgress ProgressFunc
	onEvent    EventFunc
	eventMu    sync.Mutex

	start time.Time
}

// stepOutcome is what a step goroutine reports back to the scheduler.
type stepOutcome struct {
	id      string
	result  any
	err     error
	skipped bool
}

// runDAG executes a pipeline with the DAG scheduler.
func (e *Engine) runDAG(ctx context.Context, task *model.Task, onProgress ProgressFunc, onEvent EventFunc) (*model.PipelineResult, error) {
	r := &dagRun{
		engine:     e,
		task:       task,
		byID:       make(map[string]*pipelineStep),
		statuses:   make(map[string]*model.StepStatus),
		results:    make(map[string]any),
		running:    make(map[string]bool),
		completed:  make(map[string]bool),
		failed:     make(map[string]bool),
		onProgress: onProgress,
		onEvent:    onEvent,
		start:      time.Now(),
	}

	for i := range task.Steps {
		step := &task.Steps[i]
		id := step.ID
		if id == "" {
			id = fmt.Sprintf("step_%d", i)
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate step id %q", id)
		}
		ps := &pipelineStep{step: step, id: id, index: i}
		r.steps = append(r.steps, ps)
		r.byID[id] = ps
		r.statuses[id] = &model.StepStatus{
			ID:     id,
			Task:   step.Task,
			Status: model.StatusPending,
		}
	}

	return r.run(ctx)
}

// run drives scheduling ticks until every step completes or the pipeline
// aborts.
func (r *dagRun) run(ctx context.Context) (*model.PipelineResult, error) {
	total := len(r.steps)

	for len(r.completed) < total {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		runnable := r.runnableSteps()
		if len(runnable) == 0 {
			if len(r.running) == 0 {
				return nil, &DeadlockError{Tasks: r.unresolvedTasks()}
			}
			time.Sleep(tickSleep)
			continue
		}

		if len(runnable) > 1 {
			group := make([]string, len(runnable))
			for i, ps := range runnable {
				group[i] = ps.id
			}
			r.groups = append(r.groups, group)
		}

		// Snapshot the template context before dispatch: step goroutines
		// read it while the scheduler records sibling outcomes.
		tctx := r.templateContext()

		outcomes := make(chan stepOutcome, len(runnable))
		for _, ps := range runnable {
			r.running[ps.id] = true
			go func(ps *pipelineStep) {
				outcomes <- r.executeStep(ctx, ps, tctx)
			}(ps)
		}

		// Await the whole batch. Siblings in flight when a required step
		// fails still finish and are recorded, but the failure aborts the
		// pipeline once the batch drains.
		var abort error
		for range runnable {
			r.applyOutcome(<-outcomes, &abort)
		}

		// The final 100 is never reported; callers infer completion from
		// the returned result or the pipeline:complete event.
		if len(r.completed) < total {
			r.reportProgress()
		}
		if abort != nil {
			return nil, abort
		}
	}

	r.emit(Event{Kind: EventPipelineComplete, Data: map[string]any{
		"totalDuration": time.Since(r.start).Milliseconds(),
	}})

	return r.buildResult(), nil
}

// runnableSteps returns, in declaration order, every step whose
// dependencies are all completed and which is neither terminal nor in
// flight. Optional-step failures count as completed, so dependents of a
// skipped step still run.
func (r *dagRun) runnableSteps() []*pipelineStep {
	var runnable []*pipelineStep
	for _, ps := range r.steps {
		if r.completed[ps.id] || r.running[ps.id] || r.failed[ps.id] {
			continue
		}
		ready := true
		for _, dep := range ps.step.DependsOn {
			if !r.completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, ps)
		}
	}
	return runnable
}

// unresolvedTasks lists the task types of steps that can never run.
func (r *dagRun) unresolvedTasks() []string {
	var tasks []string
	for _, ps := range r.steps {
		if !r.completed[ps.id] {
			tasks = append(tasks, ps.step.Task)
		}
	}
	return tasks
}

// executeStep runs one step to an outcome. It runs on its own goroutine
// and touches only its own StepStatus record plus the snapshot context.
func (r *dagRun) executeStep(ctx context.Context, ps *pipelineStep, tctx map[string]any) stepOutcome {
	status := r.statuses[ps.id]
	now := time.Now()
	status.StartedAt = &now
	status.Status = model.StatusRunning

	r.emit(Event{Kind: EventStepStart, StepID: ps.id, Task: ps.step.Task})

	switch ps.step.RunWhen {
	case "", "always":
		// Unconditional.
	case "on-demand":
		// Eager skip: on-demand steps never run in this engine.
		return stepOutcome{
			id:      ps.id,
			skipped: true,
			result:  model.SkipMarker("on-demand"),
		}
	default:
		resolved := ResolveString(ps.step.RunWhen, tctx)
		if isFalsy(resolved) {
			marker := model.SkipMarker("condition-false")
			marker["condition"] = ps.step.RunWhen
			return stepOutcome{
				id:      ps.id,
				skipped: true,
				result:  marker,
			}
		}
	}

	if ps.step.ForEach != "" {
		result, err := r.runForEach(ctx, ps, tctx)
		return stepOutcome{id: ps.id, result: result, err: err}
	}

	payload := ResolveInputs(ps.step.Input, tctx)
	result, err := r.runStepTask(ctx, ps, payload, ps.id)
	return stepOutcome{id: ps.id, result: result, err: err}
}

// runForEach fans a step out over the elements of its resolved array,
// processing items in sequential batches whose size is the concurrency
// cap. Item results keep input order; each item carries independent retry
// state.
func (r *dagRun) runForEach(ctx context.Context, ps *pipelineStep, tctx map[string]any) (any, error) {
	resolved := ResolveString(ps.step.ForEach, tctx)
	items, ok := toSlice(resolved)
	if !ok {
		return nil, &TemplateTypeError{Expr: ps.step.ForEach, Got: resolved}
	}
	if len(items) == 0 {
		return []any{}, nil
	}

	concurrency := ps.step.ForEachConcurrency
	if concurrency <= 0 || concurrency > len(items) {
		concurrency = len(items)
	}

	results := make([]any, len(items))
	errs := make([]error, len(items))

	for batch := 0; batch < len(items); batch += concurrency {
		end := min(batch+concurrency, len(items))

		var wg sync.WaitGroup
		for i := batch; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				itemCtx := maps.Clone(tctx)
				itemCtx["item"] = items[i]
				itemCtx["index"] = i
				payload := ResolveInputs(ps.step.Input, itemCtx)
				label := fmt.Sprintf("%s[%d]", ps.id, i)
				results[i], errs[i] = r.runStepTask(ctx, ps, payload, label)
			}(i)
		}
		wg.Wait()

		for i := batch; i < end; i++ {
			if errs[i] != nil {
				return nil, errs[i]
			}
		}
	}

	return results, nil
}

// runStepTask builds the step's sub-task, selects a backend, and executes
// it under the step's retry policy and timeout.
func (r *dagRun) runStepTask(ctx context.Context, ps *pipelineStep, payload map[string]any, label string) (any, error) {
	subTask := buildSubTask(r.task, ps.step, payload)

	b, err := r.engine.registry.Select(ctx, subTask)
	if err != nil {
		return nil, err
	}

	status := r.statuses[ps.id]
	retry := subTask.Retry
	execute := func() (any, error) {
		return retryOp(ctx, retry, func(attempt int) {
			status.RetryAttempt = attempt
			if attempt > 1 {
				stepRetriesTotal.Inc()
			}
		}, func() (any, error) {
			return b.Execute(ctx, subTask)
		})
	}

	return withTimeout(ctx, label, stepTimeout(r.task, ps.step), execute)
}

// applyOutcome folds one step outcome into the scheduler's bookkeeping.
// abort keeps the first non-optional failure of the tick.
func (r *dagRun) applyOutcome(o stepOutcome, abort *error) {
	delete(r.running, o.id)

	ps := r.byID[o.id]
	status := r.statuses[o.id]
	now := time.Now()
	status.CompletedAt = &now
	if status.StartedAt != nil {
		dur := now.Sub(*status.StartedAt).Milliseconds()
		status.DurationMS = &dur
	}

	switch {
	case o.skipped:
		status.Status = model.StepSkipped
		status.Result = o.result
		r.results[o.id] = o.result
		r.completed[o.id] = true
		stepsTotal.WithLabelValues(model.StepSkipped).Inc()
		r.emit(Event{Kind: EventStepComplete, StepID: o.id, Task: ps.step.Task, Data: o.result})

	case o.err != nil && ps.step.Optional:
		// Absorb the failure: record it, mark skipped, unblock dependents.
		marker := model.ErrorSkipMarker(o.err.Error())
		status.Status = model.StepSkipped
		status.Error = o.err.Error()
		status.Result = marker
		r.results[o.id] = marker
		r.completed[o.id] = true
		stepsTotal.WithLabelValues(model.StepSkipped).Inc()
		r.emit(Event{Kind: EventStepError, StepID: o.id, Task: ps.step.Task, Data: map[string]any{
			"optional": true,
			"error":    o.err.Error(),
		}})

	case o.err != nil:
		status.Status = model.StatusFailed
		status.Error = o.err.Error()
		r.failed[o.id] = true
		stepsTotal.WithLabelValues(model.StatusFailed).Inc()
		r.emit(Event{Kind: EventStepError, StepID: o.id, Task: ps.step.Task, Data: map[string]any{
			"error": o.err.Error(),
		}})
		if *abort == nil {
			*abort = o.err
		}

	default:
		status.Status = model.StatusCompleted
		status.Result = o.result
		r.results[o.id] = o.result
		r.completed[o.id] = true
		stepsTotal.WithLabelValues(model.StatusCompleted).Inc()
		if status.DurationMS != nil {
			stepDuration.Observe(float64(*status.DurationMS) / 1000)
		}
		r.emit(Event{Kind: EventStepComplete, StepID: o.id, Task: ps.step.Task, Data: o.result})
	}
}

// templateContext snapshots the context steps resolve templates against.
func (r *dagRun) templateContext() map[string]any {
	payload := r.task.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	steps := make(map[string]any, len(r.results))
	maps.Copy(steps, r.results)
	return map[string]any{
		"payload": payload,
		"steps":   steps,
	}
}

func (r *dagRun) reportProgress() {
	if r.onProgress == nil {
		return
	}
	percent := int(math.Round(100 * float64(len(r.completed)) / float64(len(r.steps))))
	r.onProgress(percent)
}

func (r *dagRun) emit(ev Event) {
	if r.onEvent == nil {
		return
	}
	ev.Timestamp = time.Now()
	r.eventMu.Lock()
	defer r.eventMu.Unlock()
	r.onEvent(ev)
}

// buildResult assembles the PipelineResult after a successful run.
func (r *dagRun) buildResult() *model.PipelineResult {
	result := &model.PipelineResult{
		Steps:           make([]any, len(r.steps)),
		StepResults:     make(map[string]any, len(r.steps)),
		StepStatus:      make([]*model.StepStatus, len(r.steps)),
		TotalDurationMS: time.Since(r.start).Milliseconds(),
		ParallelGroups:  r.groups,
	}
	maps.Copy(result.StepResults, r.results)
	for i, ps := range r.steps {
		result.Steps[i] = r.results[ps.id]
		result.StepStatus[i] = r.statuses[ps.id]
	}
	if len(r.steps) > 0 {
		result.FinalResult = r.results[r.steps[len(r.steps)-1].id]
	}
	return result
}
