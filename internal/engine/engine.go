package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adelost/decl-worker-api/internal/backend"
	"github.com/Adelost/decl-worker-api/internal/model"
	"github.com/Adelost/decl-worker-api/internal/store"
)

// Engine routes declarative tasks to execution backends, running pipelines
// through the sequential or DAG runner as their shape requires.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	logger   *slog.Logger
	wg       sync.WaitGroup
	broker   *EventBroker
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, reg *backend.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		broker:   NewEventBroker(),
	}
}

// Registry returns the engine's backend registry.
func (e *Engine) Registry() *backend.Registry {
	return e.registry
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// ProcessOptions carries the optional observers and chunk configuration
// for one ProcessTask call.
type ProcessOptions struct {
	OnProgress ProgressFunc
	OnEvent    EventFunc
	Chunk      *model.ChunkConfig
}

// ProcessTask executes a task to completion and returns its result.
//
// Tasks with steps run as pipelines: the DAG runner when any step declares
// an id or a dependency, the sequential runner otherwise; both return a
// *model.PipelineResult. A stepless task with an applicable chunk config
// runs chunked. Anything else is a single backend call wrapped in retry.
func (e *Engine) ProcessTask(ctx context.Context, task *model.Task, opts *ProcessOptions) (any, error) {
	if opts == nil {
		opts = &ProcessOptions{}
	}

	if task.IsPipeline() {
		if needsDAG(task.Steps) {
			return e.runDAG(ctx, task, opts.OnProgress, opts.OnEvent)
		}
		return e.runSequential(ctx, task, opts.OnProgress, opts.OnEvent)
	}

	if shouldChunk(task, opts.Chunk) {
		return e.runChunked(ctx, task, opts.Chunk, opts.OnProgress)
	}

	return e.executeSingle(ctx, task, task.Type)
}

// needsDAG reports whether any step declares an id or a dependency.
func needsDAG(steps []model.Step) bool {
	for i := range steps {
		if steps[i].ID != "" || len(steps[i].DependsOn) > 0 {
			return true
		}
	}
	return false
}

// executeSingle runs one stepless task: select a backend, wrap in retry,
// execute, honoring the task resource timeout hint when present.
func (e *Engine) executeSingle(ctx context.Context, task *model.Task, label string) (any, error) {
	b, err := e.registry.Select(ctx, task)
	if err != nil {
		return nil, err
	}

	execute := func() (any, error) {
		return retryOp(ctx, task.Retry, nil, func() (any, error) {
			return b.Execute(ctx, task)
		})
	}

	return withTimeout(ctx, label, taskTimeout(task), execute)
}

// Submit records a pending job and launches asynchronous execution in a
// goroutine. Progress is persisted to the store and pipeline events are
// published on the broker under the job id.
func (e *Engine) Submit(ctx context.Context, job *model.Job) error {
	if err := e.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	jobCopy := *job
	e.wg.Go(func() {
		e.executeJob(&jobCopy)
	})

	return nil
}

// Wait blocks until all in-flight job goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// executeJob runs the job lifecycle: pending → running → completed/failed.
func (e *Engine) executeJob(job *model.Job) {
	defer e.broker.Close(job.ID)

	ctx := context.Background()

	if err := e.store.UpdateJobStatus(ctx, job.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "job_id", job.ID, "error", err)
		e.finishFailed(job.ID, nil, fmt.Sprintf("failed to start: %v", err))
		return
	}

	start := time.Now()

	opts := &ProcessOptions{
		OnProgress: func(percent int) {
			if err := e.store.UpdateJobProgress(ctx, job.ID, percent); err != nil {
				e.logger.Error("failed to persist progress", "job_id", job.ID, "error", err)
			}
		},
		OnEvent: func(ev Event) {
			e.broker.Publish(job.ID, ev)
		},
	}

	result, err := e.ProcessTask(ctx, job.Task, opts)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		jobsTotal.WithLabelValues(model.StatusFailed).Inc()
		e.finishFailed(job.ID, &start, err.Error())
		return
	}

	now := time.Now().UTC()
	completed := &model.Job{
		ID:         job.ID,
		Status:     model.StatusCompleted,
		Progress:   100,
		Result:     result,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	jobsTotal.WithLabelValues(model.StatusCompleted).Inc()

	if err := e.store.UpdateJob(ctx, completed); err != nil {
		e.logger.Error("failed to update completed job", "job_id", job.ID, "error", err)
	}
}

// finishFailed marks a job as failed with the given error message.
// startedAt may be nil if execution never started.
func (e *Engine) finishFailed(id string, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int64
	if startedAt != nil {
		durationMS = time.Since(*startedAt).Milliseconds()
	}

	job := &model.Job{
		ID:         id,
		Status:     model.StatusFailed,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := e.store.UpdateJob(context.Background(), job); err != nil {
		e.logger.Error("failed to update failed job", "job_id", id, "error", err)
	}
}
