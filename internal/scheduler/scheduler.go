// Package scheduler defers task submission. Tasks carrying a delay are
// submitted once after the interval elapses; tasks carrying a cron
// expression are submitted on every firing. The engine itself never
// interprets either field.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Adelost/decl-worker-api/internal/engine"
	"github.com/Adelost/decl-worker-api/internal/model"
)

// Scheduler submits deferred and recurring jobs to the engine.
type Scheduler struct {
	engine *engine.Engine
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	timers  map[string]*time.Timer
	entries map[string]cron.EntryID
}

// New creates a scheduler submitting to the given engine.
func New(eng *engine.Engine, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:  eng,
		logger:  logger,
		cron:    cron.New(),
		timers:  make(map[string]*time.Timer),
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts cron firing and cancels pending delay timers. In-flight jobs
// are not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// ValidateCron reports whether expr is a valid standard cron expression.
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Schedule routes a job by its task's deferral fields: cron registers a
// recurring submission (each firing submits a fresh job with its own id),
// delay arms a one-shot timer, and neither submits immediately.
func (s *Scheduler) Schedule(ctx context.Context, job *model.Job) error {
	task := job.Task
	if task == nil {
		return fmt.Errorf("job %s has no task", job.ID)
	}

	switch {
	case task.Cron != "":
		entryID, err := s.cron.AddFunc(task.Cron, func() {
			s.submitRecurrence(job)
		})
		if err != nil {
			return fmt.Errorf("register cron %q: %w", task.Cron, err)
		}
		s.mu.Lock()
		s.entries[job.ID] = entryID
		s.mu.Unlock()
		return nil

	case task.Delay != "":
		d, err := time.ParseDuration(task.Delay)
		if err != nil {
			return fmt.Errorf("parse delay %q: %w", task.Delay, err)
		}
		s.mu.Lock()
		s.timers[job.ID] = time.AfterFunc(d, func() {
			s.mu.Lock()
			delete(s.timers, job.ID)
			s.mu.Unlock()
			s.submit(job)
		})
		s.mu.Unlock()
		return nil

	default:
		return s.engine.Submit(ctx, job)
	}
}

// Cancel removes a pending delay timer or cron entry for the given job id.
// It reports whether anything was cancelled; jobs already submitted are
// unaffected.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[jobID]; ok {
		timer.Stop()
		delete(s.timers, jobID)
		return true
	}
	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
		return true
	}
	return false
}

// submit hands a job to the engine, logging rather than propagating
// failures since the caller is a timer or cron goroutine.
func (s *Scheduler) submit(job *model.Job) {
	if err := s.engine.Submit(context.Background(), job); err != nil {
		s.logger.Error("deferred submit failed", "job_id", job.ID, "error", err)
	}
}

// submitRecurrence submits a fresh job for one cron firing of a template
// job.
func (s *Scheduler) submitRecurrence(template *model.Job) {
	job := &model.Job{
		ID:        model.NewID(),
		Type:      template.Type,
		Backend:   template.Backend,
		Status:    model.StatusPending,
		Task:      template.Task,
		CreatedAt: time.Now().UTC(),
	}
	s.submit(job)
}
