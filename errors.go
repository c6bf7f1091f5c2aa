package sabaki

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/sabaki/internal/config"
)

// Sentinel errors for errors.Is matching. Route failures carry one of these
// plus structured detail through the carrier types below.
var (
	// ErrProviderTimeout marks an attempt that exceeded its per-attempt budget.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderUnavailable marks a failure reported by the provider itself.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrThreatBlocked is returned when the threat classifier rejects a query
	// before any provider is consulted.
	ErrThreatBlocked = errors.New("query blocked by threat classifier")
	// ErrChainExhausted is returned when every eligible provider in the chain
	// has been tried and failed, or the filtered chain was empty.
	ErrChainExhausted = errors.New("provider chain exhausted")
	// ErrConfigurationInvalid aborts New; it is never returned mid-request.
	ErrConfigurationInvalid = config.ErrInvalid
)

// BlockedError reports a query rejected by the threat classifier.
type BlockedError struct {
	Assessment ThreatAssessment
}

func (e *BlockedError) Error() string {
	if len(e.Assessment.TriggeredRules) > 0 {
		return fmt.Sprintf("query blocked: threat score %.2f (%s)",
			e.Assessment.Score, strings.Join(e.Assessment.TriggeredRules, ", "))
	}
	return fmt.Sprintf("query blocked: threat score %.2f", e.Assessment.Score)
}

// Is matches ErrThreatBlocked so callers need not know the carrier type.
func (e *BlockedError) Is(target error) bool {
	return target == ErrThreatBlocked
}

// ExhaustedError reports a chain walk that produced no response. Attempts is
// empty when the filtered chain had no eligible providers to begin with.
type ExhaustedError struct {
	TaskType string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("task type %q: no eligible providers", e.TaskType)
	}
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = a.Provider
	}
	return fmt.Sprintf("task type %q: chain exhausted after %d attempts (%s)",
		e.TaskType, len(e.Attempts), strings.Join(names, ", "))
}

// Is matches ErrChainExhausted so callers need not know the carrier type.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrChainExhausted
}

// Unwrap exposes the last attempt's error for root-cause inspection.
func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// AttemptError wraps one failed provider call. Timeout attempts match
// ErrProviderTimeout; all others match ErrProviderUnavailable.
type AttemptError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *AttemptError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider %s: attempt timed out", e.Provider)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *AttemptError) Is(target error) bool {
	if e.Timeout {
		return target == ErrProviderTimeout
	}
	return target == ErrProviderUnavailable
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}
