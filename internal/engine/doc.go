// Package engine executes declarative tasks. Single tasks route to one
// backend call wrapped in retry; tasks with steps become pipelines run by
// either the sequential runner (declaration order) or the DAG scheduler
// (topological readiness with parallel dispatch, forEach fan-out, and
// per-step retry, timeout, and conditions). The engine also drives
// asynchronous job execution against the store and streams per-step events
// through the broker.
package engine
