package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError reports that a step (or single task) exceeded its timeout.
// The underlying operation keeps running; only the awaiting side fails.
type TimeoutError struct {
	Label   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%q timed out after %dms", e.Label, e.Timeout.Milliseconds())
}

// DeadlockError reports that no step is runnable and none is in flight.
type DeadlockError struct {
	// Tasks lists the task types of the unresolved steps.
	Tasks []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf(
		"Pipeline deadlock: cannot run remaining steps [%s]. Check for circular dependencies or missing dependency IDs.",
		strings.Join(e.Tasks, ", "),
	)
}

// TemplateTypeError reports a forEach template that did not resolve to an
// array.
type TemplateTypeError struct {
	Expr string
	Got  any
}

func (e *TemplateTypeError) Error() string {
	return fmt.Sprintf("forEach template %q did not resolve to array, got: %s", e.Expr, typeName(e.Got))
}

// typeName names a resolved template value for error messages.
func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}

// IsTimeout reports whether err is (or wraps) a step timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsDeadlock reports whether err is (or wraps) a pipeline deadlock.
func IsDeadlock(err error) bool {
	var de *DeadlockError
	return errors.As(err, &de)
}
