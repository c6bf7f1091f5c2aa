// Package config loads and validates orchestrator configuration from
// environment variables and an optional YAML file.
//
// Scalar settings (timeouts, budgets, watermarks) come from SABAKI_* env vars
// with sensible defaults. Structured settings (the provider registry, failover
// chains, pattern rules, malicious corpus) come from the YAML file referenced
// by SABAKI_CONFIG_FILE; file values take precedence over env for keys present
// in both.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrInvalid is wrapped by every validation failure. It is surfaced at
// startup only; a running orchestrator never returns it.
var ErrInvalid = errors.New("config: invalid configuration")

// ProviderSpec describes one registered backend provider.
type ProviderSpec struct {
	ID          string   `yaml:"id"`
	TaskTypes   []string `yaml:"task_types"`
	CostPerUnit float64  `yaml:"cost_per_unit"`
	Priority    int      `yaml:"priority"`
	Local       bool     `yaml:"local"` // local/sandboxed; admissible under RestrictToLocal
}

// PatternRule is one threat-classifier pattern rule. Pattern is a Go regexp;
// it is compiled (and thus validated) by the classifier at startup.
type PatternRule struct {
	ID          string  `yaml:"id"`
	Description string  `yaml:"description"`
	Pattern     string  `yaml:"pattern"`
	Weight      float64 `yaml:"weight"`
}

// Config holds all orchestrator configuration.
type Config struct {
	// Routing settings.
	AttemptTimeout time.Duration // per provider attempt; must be within [10s, 30s]
	RouteTimeout   time.Duration // outer bound across all attempts of one request
	HealthFloor    int           // skip providers scoring below this; 0 disables

	// Circuit breaker settings.
	BreakerThreshold int           // consecutive failures before opening
	BreakerCooldown  time.Duration // open duration before a half-open trial

	// Health monitor settings.
	HealthWindow     int // ring buffer capacity per provider
	HealthMinSamples int // below this the score decays toward neutral

	// Semantic cache settings.
	CacheBudgetBytes int64              // total memory budget
	CacheThreshold   float64            // similarity hit threshold (default)
	CacheThresholds  map[string]float64 // per-task-type overrides

	// Threat classifier settings.
	ThreatLowWatermark  float64 // below: Allow
	ThreatHighWatermark float64 // at or above: Block
	PatternWeight       float64
	BehaviorWeight      float64
	SemanticWeight      float64
	RateWindow          time.Duration // behavioral stage sliding window
	RateSaturation      int           // requests per window at which the rate sub-score saturates
	ThreatRules         []PatternRule // empty = classifier defaults
	MaliciousCorpus     []string      // known-malicious prompts for the semantic stage

	// Provider registry and per-task-type failover chains (file-sourced).
	Providers []ProviderSpec
	Chains    map[string][]string

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", "local", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string
	OllamaModel         string

	// Health probe settings.
	ProbeInterval time.Duration // 0 disables the background probe loop
	ProbeTimeout  time.Duration

	// Audit trail settings.
	AuditCapacity int // bounded in-memory entries

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults,
// applies the YAML file referenced by SABAKI_CONFIG_FILE when present, and
// validates the result.
func Load() (Config, error) {
	cfg := Config{
		AttemptTimeout:      envDuration("SABAKI_ATTEMPT_TIMEOUT", 20*time.Second),
		RouteTimeout:        envDuration("SABAKI_ROUTE_TIMEOUT", 2*time.Minute),
		HealthFloor:         envInt("SABAKI_HEALTH_FLOOR", 0),
		BreakerThreshold:    envInt("SABAKI_BREAKER_THRESHOLD", 3),
		BreakerCooldown:     envDuration("SABAKI_BREAKER_COOLDOWN", 5*time.Minute),
		HealthWindow:        envInt("SABAKI_HEALTH_WINDOW", 50),
		HealthMinSamples:    envInt("SABAKI_HEALTH_MIN_SAMPLES", 5),
		CacheBudgetBytes:    int64(envInt("SABAKI_CACHE_BUDGET_BYTES", 32*1024*1024)),
		CacheThreshold:      envFloat("SABAKI_CACHE_THRESHOLD", 0.92),
		ThreatLowWatermark:  envFloat("SABAKI_THREAT_LOW_WATERMARK", 0.4),
		ThreatHighWatermark: envFloat("SABAKI_THREAT_HIGH_WATERMARK", 0.8),
		PatternWeight:       envFloat("SABAKI_THREAT_PATTERN_WEIGHT", 0.5),
		BehaviorWeight:      envFloat("SABAKI_THREAT_BEHAVIOR_WEIGHT", 0.2),
		SemanticWeight:      envFloat("SABAKI_THREAT_SEMANTIC_WEIGHT", 0.3),
		RateWindow:          envDuration("SABAKI_THREAT_RATE_WINDOW", time.Minute),
		RateSaturation:      envInt("SABAKI_THREAT_RATE_SATURATION", 30),
		EmbeddingProvider:   envStr("SABAKI_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:      envStr("SABAKI_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: envInt("SABAKI_EMBEDDING_DIMENSIONS", 384),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         envStr("OLLAMA_MODEL", "nomic-embed-text"),
		ProbeInterval:       envDuration("SABAKI_PROBE_INTERVAL", 0),
		ProbeTimeout:        envDuration("SABAKI_PROBE_TIMEOUT", 5*time.Second),
		AuditCapacity:       envInt("SABAKI_AUDIT_CAPACITY", 4096),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "sabaki"),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:            envStr("SABAKI_LOG_LEVEL", "info"),
	}

	if path := envStr("SABAKI_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks scalar range invariants. The provider registry and chains
// are checked separately by ValidateRegistry, because providers may be
// registered programmatically after Load. Regex compilation of ThreatRules is
// the classifier's concern.
func (c Config) Validate() error {
	if c.AttemptTimeout < 10*time.Second || c.AttemptTimeout > 30*time.Second {
		return fmt.Errorf("%w: SABAKI_ATTEMPT_TIMEOUT must be between 10s and 30s, got %s", ErrInvalid, c.AttemptTimeout)
	}
	if c.RouteTimeout < c.AttemptTimeout {
		return fmt.Errorf("%w: SABAKI_ROUTE_TIMEOUT must be at least the attempt timeout", ErrInvalid)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("%w: SABAKI_BREAKER_THRESHOLD must be positive", ErrInvalid)
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("%w: SABAKI_BREAKER_COOLDOWN must be positive", ErrInvalid)
	}
	if c.HealthWindow < 1 {
		return fmt.Errorf("%w: SABAKI_HEALTH_WINDOW must be positive", ErrInvalid)
	}
	if c.HealthMinSamples < 1 || c.HealthMinSamples > c.HealthWindow {
		return fmt.Errorf("%w: SABAKI_HEALTH_MIN_SAMPLES must be in [1, window]", ErrInvalid)
	}
	if c.HealthFloor < 0 || c.HealthFloor > 100 {
		return fmt.Errorf("%w: SABAKI_HEALTH_FLOOR must be in [0, 100]", ErrInvalid)
	}
	if c.CacheBudgetBytes <= 0 {
		return fmt.Errorf("%w: SABAKI_CACHE_BUDGET_BYTES must be positive", ErrInvalid)
	}
	if err := validThreshold("cache threshold", c.CacheThreshold); err != nil {
		return err
	}
	for taskType, th := range c.CacheThresholds {
		if err := validThreshold(fmt.Sprintf("cache threshold for task type %q", taskType), th); err != nil {
			return err
		}
	}
	if c.ThreatLowWatermark <= 0 || c.ThreatLowWatermark >= 1 {
		return fmt.Errorf("%w: SABAKI_THREAT_LOW_WATERMARK must be in (0, 1)", ErrInvalid)
	}
	if c.ThreatHighWatermark <= 0 || c.ThreatHighWatermark > 1 {
		return fmt.Errorf("%w: SABAKI_THREAT_HIGH_WATERMARK must be in (0, 1]", ErrInvalid)
	}
	if c.ThreatLowWatermark >= c.ThreatHighWatermark {
		return fmt.Errorf("%w: threat low watermark %.2f must be below high watermark %.2f",
			ErrInvalid, c.ThreatLowWatermark, c.ThreatHighWatermark)
	}
	if c.PatternWeight < 0 || c.BehaviorWeight < 0 || c.SemanticWeight < 0 {
		return fmt.Errorf("%w: threat stage weights must be non-negative", ErrInvalid)
	}
	if c.PatternWeight+c.BehaviorWeight+c.SemanticWeight == 0 {
		return fmt.Errorf("%w: threat stage weights must not all be zero", ErrInvalid)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("%w: SABAKI_THREAT_RATE_WINDOW must be positive", ErrInvalid)
	}
	if c.RateSaturation < 1 {
		return fmt.Errorf("%w: SABAKI_THREAT_RATE_SATURATION must be positive", ErrInvalid)
	}
	for _, r := range c.ThreatRules {
		if r.ID == "" || r.Pattern == "" {
			return fmt.Errorf("%w: threat rules require id and pattern", ErrInvalid)
		}
		if r.Weight < 0 || r.Weight > 1 {
			return fmt.Errorf("%w: threat rule %q weight must be in [0, 1]", ErrInvalid, r.ID)
		}
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("%w: SABAKI_EMBEDDING_DIMENSIONS must be positive", ErrInvalid)
	}
	if c.AuditCapacity < 1 {
		return fmt.Errorf("%w: SABAKI_AUDIT_CAPACITY must be positive", ErrInvalid)
	}
	return nil
}

// ValidateRegistry checks the provider registry and failover chains: unique
// provider IDs, every chain non-empty, every chain member registered and
// capable of the chain's task type.
func (c Config) ValidateRegistry() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("%w: no providers configured", ErrInvalid)
	}
	byID := make(map[string]ProviderSpec, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("%w: provider with empty id", ErrInvalid)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("%w: duplicate provider id %q", ErrInvalid, p.ID)
		}
		if p.CostPerUnit < 0 {
			return fmt.Errorf("%w: provider %q has negative cost", ErrInvalid, p.ID)
		}
		if len(p.TaskTypes) == 0 {
			return fmt.Errorf("%w: provider %q declares no task types", ErrInvalid, p.ID)
		}
		byID[p.ID] = p
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("%w: no failover chains configured", ErrInvalid)
	}
	for taskType, chain := range c.Chains {
		if taskType == "" {
			return fmt.Errorf("%w: chain with empty task type", ErrInvalid)
		}
		if len(chain) == 0 {
			return fmt.Errorf("%w: empty failover chain for task type %q", ErrInvalid, taskType)
		}
		seen := make(map[string]bool, len(chain))
		for _, id := range chain {
			p, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: chain %q references unknown provider %q", ErrInvalid, taskType, id)
			}
			if seen[id] {
				return fmt.Errorf("%w: chain %q lists provider %q twice", ErrInvalid, taskType, id)
			}
			seen[id] = true
			if !supportsTaskType(p, taskType) {
				return fmt.Errorf("%w: provider %q does not support task type %q", ErrInvalid, id, taskType)
			}
		}
	}
	return nil
}

// ThresholdFor returns the cache similarity threshold for a task type,
// falling back to the default threshold.
func (c Config) ThresholdFor(taskType string) float64 {
	if th, ok := c.CacheThresholds[taskType]; ok {
		return th
	}
	return c.CacheThreshold
}

func supportsTaskType(p ProviderSpec, taskType string) bool {
	for _, t := range p.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

func validThreshold(what string, th float64) error {
	if th <= 0 || th > 1 {
		return fmt.Errorf("%w: %s must be in (0, 1], got %g", ErrInvalid, what, th)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
