package sabaki

import (
	"time"

	"github.com/google/uuid"
)

// ThreatDecision is the admission outcome of the threat classifier.
type ThreatDecision string

const (
	// ThreatAllow admits the query to the full provider chain.
	ThreatAllow ThreatDecision = "allow"
	// ThreatRestrictLocal admits the query to local providers only.
	ThreatRestrictLocal ThreatDecision = "restrict_local"
	// ThreatBlock rejects the query before any provider is consulted.
	ThreatBlock ThreatDecision = "block"
)

// CircuitState is a provider circuit breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ProviderSpec is the routing metadata for one registered provider.
// No internal package imports — safe to use from outside the module.
type ProviderSpec struct {
	// ID is the provider's unique name, referenced by chains.
	ID string
	// TaskTypes lists the task types this provider can serve.
	TaskTypes []string
	// CostPerUnit is the relative cost of one call, used by cost constraints.
	CostPerUnit float64
	// Priority orders providers with equal standing; lower runs first.
	Priority int
	// Local marks providers that keep queries on infrastructure the
	// operator controls. Restricted queries route only to local providers.
	Local bool
}

// Constraints narrows provider selection for a single route call.
type Constraints struct {
	// MaxCostPerUnit filters out providers whose configured cost exceeds it.
	// Zero means no cost ceiling.
	MaxCostPerUnit float64
	// RequireLocal restricts the chain to local providers regardless of the
	// threat assessment.
	RequireLocal bool
	// PreferProvider moves the named provider to the front of the chain when
	// it passes every filter. Unknown or filtered-out IDs are ignored.
	PreferProvider string
}

// Response is a provider's answer to a routed query.
type Response struct {
	Content string
	// Model optionally names the concrete model that answered.
	Model string
	// TokensUsed optionally reports the provider's token accounting.
	TokensUsed int

	// Provider, Latency, and FromCache are set by the orchestrator.
	Provider  string
	Latency   time.Duration
	FromCache bool
}

// Attempt records one provider call made while routing a query.
type Attempt struct {
	Provider string
	Latency  time.Duration
	Err      error
}

// ThreatAssessment is the public view of one classification outcome.
type ThreatAssessment struct {
	Score          float64
	Decision       ThreatDecision
	TriggeredRules []string

	// Per-stage scores, before weighting.
	Pattern    float64
	Behavioral float64
	Semantic   float64
}

// RoutingDecision reports how one query was routed: what answered it, what
// was tried along the way, and why it failed if it did.
type RoutingDecision struct {
	RequestID uuid.UUID

	// SelectedProvider is the provider that answered, or the originating
	// provider recorded with a cache entry on a cache hit. Empty on failure.
	SelectedProvider string
	Response         *Response

	CacheHit bool
	// CacheSimilarity is the cosine similarity of the matched entry on a
	// cache hit.
	CacheSimilarity float64

	Threat ThreatAssessment

	// AttemptedProviders lists providers actually called, in order.
	AttemptedProviders []string
	Attempts           []Attempt

	// FinalError is set when no provider produced a response. The same
	// error is returned by Route.
	FinalError error

	Elapsed time.Duration
}

// PatternRule is one threat pattern rule supplied via WithThreatRules.
type PatternRule struct {
	ID          string
	Description string
	// Pattern is an RE2 regular expression matched against the raw query.
	Pattern string
	// Weight is the rule's contribution to the pattern stage when matched.
	Weight float64
}

// ProviderHealth is a point-in-time health snapshot for one provider.
type ProviderHealth struct {
	// Score is the provider's health in [0, 100]; 50 is the neutral
	// cold-start value.
	Score int
	// Samples is how many observations back the score.
	Samples     int
	SuccessRate float64
	MeanLatency time.Duration
	// Anomalies counts window samples whose latency sits more than three
	// standard deviations above the window mean.
	Anomalies  int
	LastSample time.Time
}

// CircuitStatus is a point-in-time circuit snapshot for one provider.
type CircuitStatus struct {
	State               CircuitState
	ConsecutiveFailures int
	// OpenedAt is when the circuit last opened; zero while closed.
	OpenedAt time.Time
}

// ProviderStatus pairs a provider's health with its circuit state.
type ProviderStatus struct {
	Health  ProviderHealth
	Circuit CircuitStatus
}

// CacheStats reports semantic cache usage and effectiveness.
type CacheStats struct {
	Entries     int
	UsedBytes   int64
	BudgetBytes int64
	Hits        int64
	Misses      int64
	Evictions   int64
}

// AuditStats reports audit trail retention and integrity.
type AuditStats struct {
	// Retained is how many entries the bounded trail currently holds.
	Retained int
	// Appended counts every entry ever written, including rotated-out ones.
	Appended int64
	// Root is the Merkle root over the retained entries' hashes.
	Root string
}

// Stats is a snapshot of orchestrator state across all subsystems.
type Stats struct {
	Providers map[string]ProviderStatus
	Cache     CacheStats
	Audit     AuditStats
}

// AuditEntry is the public view of one audit trail entry.
type AuditEntry struct {
	ID       uuid.UUID
	At       time.Time
	Caller   string
	TaskType string
	// QueryDigest is the SHA-256 hex digest of the full query text.
	QueryDigest string
	// QueryPreview is a bounded prefix of the query for operator triage.
	QueryPreview   string
	Score          float64
	Decision       string
	TriggeredRules []string
	PrevHash       string
	Hash           string
}
