package activity

import (
	"maps"
	"sync"
)

// StatusHandler stores the latest status message of every step, grouped by
// execution. StatusLines write to it and the HTTP API reads from it.
type StatusHandler struct {
	mu       sync.RWMutex
	statuses map[string]map[string]string
}

// NewStatusHandler creates an empty StatusHandler.
func NewStatusHandler() *StatusHandler {
	return &StatusHandler{
		statuses: make(map[string]map[string]string),
	}
}

// Set updates the status of one step.
func (sh *StatusHandler) Set(executionID, step, status string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	steps, ok := sh.statuses[executionID]
	if !ok {
		steps = make(map[string]string)
		sh.statuses[executionID] = steps
	}
	steps[step] = status
}

// Get returns the status of one step.
func (sh *StatusHandler) Get(executionID, step string) string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.statuses[executionID][step]
}

// Execution returns a copy of the step statuses of an execution.
func (sh *StatusHandler) Execution(executionID string) map[string]string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return maps.Clone(sh.statuses[executionID])
}

// Forget drops everything stored for an execution.
func (sh *StatusHandler) Forget(executionID string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.statuses, executionID)
}
