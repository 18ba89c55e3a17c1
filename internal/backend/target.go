package backend

import (
	"sync"

	"github.com/lexia/inference-gateway/internal/domain"
)

// Target is one configured backend endpoint for a capability. Health is
// derived state, never persisted: a target is excluded from selection after
// a run of consecutive transient failures and re-included when a probe
// succeeds.
type Target struct {
	Name       string
	Capability domain.Capability
	BaseURL    string
	APIKey     string

	mu                  sync.Mutex
	consecutiveFailures int
	unhealthy           bool
}

// Healthy reports whether the target is currently eligible for selection.
func (t *Target) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.unhealthy
}

// markFailure records a transient failure and trips the target unhealthy
// once the threshold of consecutive failures is reached.
func (t *Target) markFailure(threshold int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures++
	if t.consecutiveFailures >= threshold {
		t.unhealthy = true
	}
}

// markSuccess resets the failure run and restores the target to rotation.
func (t *Target) markSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures = 0
	t.unhealthy = false
}
