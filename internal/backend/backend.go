package backend

import (
	"context"

	"github.com/Adelost/decl-worker-api/internal/model"
)

// Backend is the interface that all execution backends must implement.
// Each backend adapts task types to an out-of-process executor.
type Backend interface {
	// Name returns the backend's registered name.
	Name() string

	// Execute runs a single task and returns its result. The engine wraps
	// calls with retry and timeout; Execute itself should not retry.
	Execute(ctx context.Context, task *model.Task) (any, error)

	// GetStatus reports the state of a previously submitted task. It is
	// consumed by the HTTP surface, not by the engine.
	GetStatus(ctx context.Context, id string) (*TaskStatus, error)

	// Healthcheck returns nil when the backend can accept work. Any error
	// marks the backend unhealthy for selection purposes.
	Healthcheck(ctx context.Context) error
}

// Canceler is implemented by backends that can cancel in-flight tasks.
// The engine never cancels on its own; callers invoke this explicitly.
type Canceler interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// ResourceReporter is implemented by backends that expose their resource
// inventory. The registry consults it during GPU-aware selection.
type ResourceReporter interface {
	Resources(ctx context.Context) (*model.ResourcePool, error)
}

// TaskStatus is the state a backend reports for a submitted task.
type TaskStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Progress int    `json:"progress,omitempty"`
}
