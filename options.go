package sabaki

import (
	"log/slog"
	"time"
)

// Option configures an Orchestrator.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger  *slog.Logger
	version string

	attemptTimeout time.Duration
	routeTimeout   time.Duration
	healthFloor    int
	floorSet       bool

	breakerThreshold int
	breakerCooldown  time.Duration

	cacheBudget int64
	cacheSeeds  []seedEntry

	lowWatermark  float64
	highWatermark float64
	threatRules   []PatternRule
	corpus        []string

	providers []registration
	chains    map[string][]string

	embedder Embedder
	counter  RateCounter

	probeInterval time.Duration
}

type registration struct {
	spec ProviderSpec
	impl Provider
}

type seedEntry struct {
	query    string
	taskType string
	response string
	provider string
}

// WithLogger sets the structured logger for the Orchestrator.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAttemptTimeout overrides the per-provider attempt timeout from config
// (SABAKI_ATTEMPT_TIMEOUT env var). Must stay within [10s, 30s].
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.attemptTimeout = d }
}

// WithRouteTimeout overrides the outer per-request bound from config
// (SABAKI_ROUTE_TIMEOUT env var). It spans every attempt of one Route call.
func WithRouteTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.routeTimeout = d }
}

// WithHealthFloor skips chain providers whose health score sits below floor.
// Zero disables the floor, which is the default.
func WithHealthFloor(floor int) Option {
	return func(o *resolvedOptions) {
		o.healthFloor = floor
		o.floorSet = true
	}
}

// WithBreakerPolicy overrides the circuit breaker tuning from config:
// threshold consecutive failures open a circuit, cooldown is how long it
// stays open before a half-open trial.
func WithBreakerPolicy(threshold int, cooldown time.Duration) Option {
	return func(o *resolvedOptions) {
		o.breakerThreshold = threshold
		o.breakerCooldown = cooldown
	}
}

// WithCacheBudget overrides the semantic cache's byte budget from config
// (SABAKI_CACHE_BUDGET_BYTES env var).
func WithCacheBudget(bytes int64) Option {
	return func(o *resolvedOptions) { o.cacheBudget = bytes }
}

// WithCacheSeed pre-populates the semantic cache with a known response.
// The entry is embedded and inserted during New, before any routing, so an
// equivalent first query is served without a provider call. Multiple seeds
// may be registered.
func WithCacheSeed(query, taskType, response, providerID string) Option {
	return func(o *resolvedOptions) {
		o.cacheSeeds = append(o.cacheSeeds, seedEntry{
			query:    query,
			taskType: taskType,
			response: response,
			provider: providerID,
		})
	}
}

// WithWatermarks overrides the threat decision watermarks from config. Scores
// below low are allowed, scores at or above high are blocked, and the band
// between routes to local providers only.
func WithWatermarks(low, high float64) Option {
	return func(o *resolvedOptions) {
		o.lowWatermark = low
		o.highWatermark = high
	}
}

// WithThreatRules replaces the built-in pattern rule set. Rules are compiled
// during New; an invalid pattern fails construction.
func WithThreatRules(rules []PatternRule) Option {
	return func(o *resolvedOptions) { o.threatRules = append([]PatternRule(nil), rules...) }
}

// WithMaliciousCorpus replaces the built-in known-malicious prompt corpus
// used by the semantic threat stage.
func WithMaliciousCorpus(prompts []string) Option {
	return func(o *resolvedOptions) { o.corpus = append([]string(nil), prompts...) }
}

// WithProvider registers a provider implementation under spec. Multiple
// providers may be registered; chain order, not registration order, decides
// routing precedence.
func WithProvider(spec ProviderSpec, impl Provider) Option {
	return func(o *resolvedOptions) {
		o.providers = append(o.providers, registration{spec: spec, impl: impl})
	}
}

// WithChain sets the failover chain for a task type. Providers are tried in
// the given order. Replaces any chain for the same task type from config.
func WithChain(taskType string, providerIDs ...string) Option {
	return func(o *resolvedOptions) {
		if o.chains == nil {
			o.chains = make(map[string][]string)
		}
		o.chains[taskType] = append([]string(nil), providerIDs...)
	}
}

// WithEmbedder replaces the auto-detected embedding provider
// (Ollama/OpenAI/local).
func WithEmbedder(e Embedder) Option {
	return func(o *resolvedOptions) { o.embedder = e }
}

// WithRateCounter replaces the built-in in-memory request-rate counter used
// by the behavioral threat stage.
func WithRateCounter(c RateCounter) Option {
	return func(o *resolvedOptions) { o.counter = c }
}

// WithProbeInterval enables the background health probe loop with the given
// period (SABAKI_PROBE_INTERVAL env var). Zero leaves probing disabled.
func WithProbeInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.probeInterval = d }
}
