// Package backend defines the common interface that all execution backends
// (remote compute planes, mocks) must implement, along with the registry
// that tracks registered backends and selects one for each task based on
// health and resource requirements.
package backend
