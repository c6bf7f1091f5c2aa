package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML document shape. Only the structured sections live in
// the file; scalar fields present in the file override their env counterparts.
type fileConfig struct {
	Providers []ProviderSpec      `yaml:"providers"`
	Chains    map[string][]string `yaml:"chains"`

	Routing struct {
		AttemptTimeout string `yaml:"attempt_timeout"`
		RouteTimeout   string `yaml:"route_timeout"`
		HealthFloor    *int   `yaml:"health_floor"`
	} `yaml:"routing"`

	Breaker struct {
		Threshold *int   `yaml:"threshold"`
		Cooldown  string `yaml:"cooldown"`
	} `yaml:"breaker"`

	Cache struct {
		BudgetBytes *int64             `yaml:"budget_bytes"`
		Threshold   *float64           `yaml:"threshold"`
		Thresholds  map[string]float64 `yaml:"thresholds"`
	} `yaml:"cache"`

	Threat struct {
		LowWatermark   *float64      `yaml:"low_watermark"`
		HighWatermark  *float64      `yaml:"high_watermark"`
		PatternWeight  *float64      `yaml:"pattern_weight"`
		BehaviorWeight *float64      `yaml:"behavior_weight"`
		SemanticWeight *float64      `yaml:"semantic_weight"`
		Rules          []PatternRule `yaml:"rules"`
		Corpus         []string      `yaml:"corpus"`
	} `yaml:"threat"`
}

// applyFile parses the YAML file at path and overlays it onto c.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator's own env
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if len(fc.Providers) > 0 {
		c.Providers = fc.Providers
	}
	if len(fc.Chains) > 0 {
		c.Chains = fc.Chains
	}

	if err := overlayDuration(&c.AttemptTimeout, fc.Routing.AttemptTimeout, "routing.attempt_timeout"); err != nil {
		return err
	}
	if err := overlayDuration(&c.RouteTimeout, fc.Routing.RouteTimeout, "routing.route_timeout"); err != nil {
		return err
	}
	if fc.Routing.HealthFloor != nil {
		c.HealthFloor = *fc.Routing.HealthFloor
	}

	if fc.Breaker.Threshold != nil {
		c.BreakerThreshold = *fc.Breaker.Threshold
	}
	if err := overlayDuration(&c.BreakerCooldown, fc.Breaker.Cooldown, "breaker.cooldown"); err != nil {
		return err
	}

	if fc.Cache.BudgetBytes != nil {
		c.CacheBudgetBytes = *fc.Cache.BudgetBytes
	}
	if fc.Cache.Threshold != nil {
		c.CacheThreshold = *fc.Cache.Threshold
	}
	if len(fc.Cache.Thresholds) > 0 {
		if c.CacheThresholds == nil {
			c.CacheThresholds = make(map[string]float64, len(fc.Cache.Thresholds))
		}
		for taskType, th := range fc.Cache.Thresholds {
			c.CacheThresholds[taskType] = th
		}
	}

	if fc.Threat.LowWatermark != nil {
		c.ThreatLowWatermark = *fc.Threat.LowWatermark
	}
	if fc.Threat.HighWatermark != nil {
		c.ThreatHighWatermark = *fc.Threat.HighWatermark
	}
	if fc.Threat.PatternWeight != nil {
		c.PatternWeight = *fc.Threat.PatternWeight
	}
	if fc.Threat.BehaviorWeight != nil {
		c.BehaviorWeight = *fc.Threat.BehaviorWeight
	}
	if fc.Threat.SemanticWeight != nil {
		c.SemanticWeight = *fc.Threat.SemanticWeight
	}
	if len(fc.Threat.Rules) > 0 {
		c.ThreatRules = fc.Threat.Rules
	}
	if len(fc.Threat.Corpus) > 0 {
		c.MaliciousCorpus = fc.Threat.Corpus
	}

	return nil
}

func overlayDuration(dst *time.Duration, raw, key string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
