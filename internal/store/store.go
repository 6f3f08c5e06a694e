package store

import (
	"context"
	"errors"

	"github.com/Adelost/decl-worker-api/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate execution statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs. It fulfills the
// queue contract the engine's callers rely on: submit a task, receive an
// id, poll status.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	UpdateJob(ctx context.Context, job *model.Job) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
