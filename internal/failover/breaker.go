package failover

import (
	"sync"
	"time"
)

// State is a provider's circuit state.
type State int

const (
	// StateClosed permits requests. Initial state.
	StateClosed State = iota
	// StateOpen suppresses requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen permits exactly one trial attempt.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker is one provider's circuit. All fields are guarded by mu; methods
// take the clock and tuning values so the engine owns configuration.
type breaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool // the half-open slot is claimed
}

// eligible reports whether a request may consult this provider, without
// changing state. Open circuits become eligible once the cooldown elapses
// (the transition itself happens in acquire).
func (b *breaker) eligible(now time.Time, cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.trialInFlight
	case StateOpen:
		return now.Sub(b.openedAt) >= cooldown
	default:
		return false
	}
}

// acquire claims permission to attempt the provider. For an Open circuit
// whose cooldown has elapsed it performs the Open -> HalfOpen transition
// before the attempt and claims the single trial slot; a second caller in
// HalfOpen is refused until the trial reports back.
func (b *breaker) acquire(now time.Time, cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// reportSuccess closes the circuit and resets the failure count.
func (b *breaker) reportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.trialInFlight = false
}

// reportFailure records one failed attempt. A Closed circuit opens when the
// failure count reaches threshold; a HalfOpen trial failure reopens with a
// fresh cooldown; a failure reported while already Open never moves openedAt.
func (b *breaker) reportFailure(now time.Time, threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.trialInFlight = false
	case StateOpen:
		// openedAt unchanged: late failures must not extend the cooldown.
	}
}

func (b *breaker) snapshot() Circuit {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Circuit{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}
