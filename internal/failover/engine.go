// Package failover owns one circuit breaker per provider and the ordered
// fallback chains consulted when picking candidates for a task type.
//
// The breaker prevents hammering a failing backend while allowing automatic
// recovery detection: three consecutive failures open the circuit, a cooldown
// later the next consult lets exactly one trial through, and the trial's
// outcome decides between closing and reopening.
package failover

import (
	"sync"
	"time"
)

// Circuit is the observable state of one provider's breaker.
type Circuit struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// Engine holds the per-provider breakers and the static chains. Chains are
// fixed at construction; breakers are created lazily per provider. Breaker
// state for different providers never shares a lock.
type Engine struct {
	mu       sync.RWMutex // guards the breakers map, not breaker contents
	breakers map[string]*breaker

	chains    map[string][]string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates an Engine for the given per-task-type chains. threshold is the
// consecutive-failure count that opens a circuit; cooldown is how long an
// open circuit waits before permitting a half-open trial.
func New(chains map[string][]string, threshold int, cooldown time.Duration) *Engine {
	copied := make(map[string][]string, len(chains))
	for taskType, chain := range chains {
		copied[taskType] = append([]string(nil), chain...)
	}
	return &Engine{
		breakers:  make(map[string]*breaker),
		chains:    copied,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the engine's clock. For tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Chain returns the configured provider order for a task type, or nil when
// the task type has no chain.
func (e *Engine) Chain(taskType string) []string {
	chain, ok := e.chains[taskType]
	if !ok {
		return nil
	}
	return append([]string(nil), chain...)
}

// Eligible reports whether the provider's circuit currently admits requests:
// Closed, HalfOpen with a free trial slot, or Open with an elapsed cooldown.
// It never changes state.
func (e *Engine) Eligible(providerID string) bool {
	return e.breakerFor(providerID).eligible(e.now(), e.cooldown)
}

// Acquire claims permission to attempt the provider, performing the
// Open -> HalfOpen transition when the cooldown has elapsed. Callers that
// acquire must follow up with ReportSuccess or ReportFailure.
func (e *Engine) Acquire(providerID string) bool {
	return e.breakerFor(providerID).acquire(e.now(), e.cooldown)
}

// ReportSuccess records a successful attempt: the circuit closes and the
// failure count resets.
func (e *Engine) ReportSuccess(providerID string) {
	e.breakerFor(providerID).reportSuccess()
}

// ReportFailure records a failed attempt (timeouts included).
func (e *Engine) ReportFailure(providerID string) {
	e.breakerFor(providerID).reportFailure(e.now(), e.threshold)
}

// State returns the provider's current circuit.
func (e *Engine) State(providerID string) Circuit {
	e.mu.RLock()
	b, ok := e.breakers[providerID]
	e.mu.RUnlock()
	if !ok {
		return Circuit{State: StateClosed}
	}
	return b.snapshot()
}

// Snapshot returns circuits for every provider that has been consulted.
// Providers never consulted are implicitly Closed.
func (e *Engine) Snapshot() map[string]Circuit {
	e.mu.RLock()
	ids := make([]string, 0, len(e.breakers))
	for id := range e.breakers {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	out := make(map[string]Circuit, len(ids))
	for _, id := range ids {
		out[id] = e.State(id)
	}
	return out
}

func (e *Engine) breakerFor(providerID string) *breaker {
	e.mu.RLock()
	b, ok := e.breakers[providerID]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.breakers[providerID]; ok {
		return b
	}
	b = &breaker{}
	e.breakers[providerID] = b
	return b
}
