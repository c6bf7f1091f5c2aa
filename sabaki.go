// Package sabaki is the public API for embedding the Sabaki provider
// orchestrator: health-aware failover routing across LLM providers with a
// semantic response cache and a pre-routing threat classifier.
//
// Consumers import this package to construct and run the orchestrator:
//
//	orc, err := sabaki.New(
//	    sabaki.WithProvider(spec, impl),
//	    sabaki.WithChain("chat", "ollama", "openai"),
//	)
//	if err != nil { ... }
//	decision, err := orc.Route(ctx, query, "chat", sabaki.Constraints{})
//
// The import graph enforces a strict no-cycle rule: sabaki (root) imports
// internal/*, but internal/* never imports sabaki (root). Public types
// (RoutingDecision, ProviderSpec, etc.) are standalone structs with no
// internal imports; conversion helpers (toPublicHealth, toPublicCircuit)
// live here because this is the only file that sees both sides of the
// boundary.
package sabaki

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/sabaki/internal/audit"
	"github.com/ashita-ai/sabaki/internal/config"
	"github.com/ashita-ai/sabaki/internal/embedding"
	"github.com/ashita-ai/sabaki/internal/failover"
	"github.com/ashita-ai/sabaki/internal/health"
	"github.com/ashita-ai/sabaki/internal/ratelimit"
	"github.com/ashita-ai/sabaki/internal/semcache"
	"github.com/ashita-ai/sabaki/internal/telemetry"
	"github.com/ashita-ai/sabaki/internal/threat"
)

// Orchestrator is the routing core lifecycle. Construct with New(), route
// with Route(). Orchestrator has no public fields — use New() options to
// configure it.
type Orchestrator struct {
	cfg      config.Config
	reg      *registry
	health   *health.Monitor
	failover *failover.Engine
	cache    *semcache.Cache
	threat   *threat.Classifier
	trail    *audit.Trail
	embedder embedding.Provider
	counter  ratelimit.Counter

	// ownCounter marks a counter built by New; externally supplied counters
	// are not closed on Shutdown.
	ownCounter   bool
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the orchestrator. It loads configuration, wires all
// subsystems, primes the threat corpus, and returns a ready-to-use
// Orchestrator. It does NOT start any goroutines — call Run() for the
// background probe loop, or route directly with Route().
func New(opts ...Option) (*Orchestrator, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars + optional file), then apply option
	// overrides and re-validate the result.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.attemptTimeout != 0 {
		cfg.AttemptTimeout = o.attemptTimeout
	}
	if o.routeTimeout != 0 {
		cfg.RouteTimeout = o.routeTimeout
	}
	if o.floorSet {
		cfg.HealthFloor = o.healthFloor
	}
	if o.breakerThreshold != 0 {
		cfg.BreakerThreshold = o.breakerThreshold
	}
	if o.breakerCooldown != 0 {
		cfg.BreakerCooldown = o.breakerCooldown
	}
	if o.cacheBudget != 0 {
		cfg.CacheBudgetBytes = o.cacheBudget
	}
	if o.highWatermark != 0 {
		cfg.ThreatLowWatermark = o.lowWatermark
		cfg.ThreatHighWatermark = o.highWatermark
	}
	if o.threatRules != nil {
		cfg.ThreatRules = toConfigRules(o.threatRules)
	}
	if o.corpus != nil {
		cfg.MaliciousCorpus = append([]string(nil), o.corpus...)
	}
	if o.probeInterval != 0 {
		cfg.ProbeInterval = o.probeInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config overrides: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("sabaki starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx(opts), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Build the provider registry. Implementations come from WithProvider;
	// a registration whose spec declares no task types inherits the file
	// spec for the same ID, so deployments can keep routing metadata in
	// config while code supplies bare implementations.
	reg := newRegistry()
	fileSpecs := make(map[string]config.ProviderSpec, len(cfg.Providers))
	for _, ps := range cfg.Providers {
		fileSpecs[ps.ID] = ps
	}
	for _, r := range o.providers {
		spec := r.spec
		if len(spec.TaskTypes) == 0 {
			if fs, ok := fileSpecs[spec.ID]; ok {
				spec = fromConfigSpec(fs)
			}
		}
		if err := reg.add(spec, r.impl); err != nil {
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}
	for _, ps := range cfg.Providers {
		if _, ok := reg.spec(ps.ID); !ok {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("%w: provider %q configured without implementation", ErrConfigurationInvalid, ps.ID)
		}
	}

	// Failover chains: file chains first, option chains override per task type.
	for taskType, chain := range cfg.Chains {
		reg.setChain(taskType, chain)
	}
	for taskType, chain := range o.chains {
		reg.setChain(taskType, chain)
	}

	cfg.Providers = toConfigSpecs(reg.specList())
	cfg.Chains = reg.chainMap()
	if err := cfg.ValidateRegistry(); err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("registry: %w", err)
	}

	// Embedding provider — external override takes priority over auto-detect.
	// Concurrent identical embeds collapse into one upstream call.
	var embedder embedding.Provider
	if o.embedder != nil {
		embedder = o.embedder
	} else {
		embedder = newEmbedder(cfg, logger)
	}
	embedder = embedding.NewDedup(embedder)

	// Rate counter for the behavioral threat stage.
	var counter ratelimit.Counter
	ownCounter := false
	if o.counter != nil {
		counter = o.counter
	} else {
		counter = ratelimit.NewMemoryCounter(cfg.RateWindow)
		ownCounter = true
	}

	// Audit trail, health monitor, failover engine, semantic cache.
	trail := audit.New(cfg.AuditCapacity)
	monitor := health.NewMonitor(cfg.HealthWindow, cfg.HealthMinSamples)
	engine := failover.New(cfg.Chains, cfg.BreakerThreshold, cfg.BreakerCooldown)
	cache := semcache.New(cfg.CacheBudgetBytes, cfg.CacheThreshold, cfg.CacheThresholds)

	// Threat classifier.
	classifier, err := threat.New(threat.Options{
		Rules:            toThreatRules(cfg.ThreatRules),
		Corpus:           cfg.MaliciousCorpus,
		Embedder:         embedder,
		Counter:          counter,
		Trail:            trail,
		Logger:           logger,
		PatternWeight:    cfg.PatternWeight,
		BehavioralWeight: cfg.BehaviorWeight,
		SemanticWeight:   cfg.SemanticWeight,
		LowWatermark:     cfg.ThreatLowWatermark,
		HighWatermark:    cfg.ThreatHighWatermark,
		RateSaturation:   cfg.RateSaturation,
	})
	if err != nil {
		if ownCounter {
			_ = counter.Close()
		}
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("threat: %w", err)
	}

	// Embed the malicious corpus. Non-fatal: the semantic stage scores zero
	// until a later successful priming.
	primeCtx, primeCancel := context.WithTimeout(ctx(opts), 30*time.Second)
	if err := classifier.Prime(primeCtx); err != nil {
		logger.Warn("threat corpus priming failed, semantic stage disabled", "error", err)
	}
	primeCancel()

	orc := &Orchestrator{
		cfg:          cfg,
		reg:          reg,
		health:       monitor,
		failover:     engine,
		cache:        cache,
		threat:       classifier,
		trail:        trail,
		embedder:     embedder,
		counter:      counter,
		ownCounter:   ownCounter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	// Pre-populate the semantic cache (non-fatal per seed).
	seeded := 0
	for _, s := range o.cacheSeeds {
		if err := orc.PrimeCache(ctx(opts), s.query, s.taskType, s.response, s.provider); err != nil {
			logger.Warn("cache seed failed", "task_type", s.taskType, "error", err)
			continue
		}
		seeded++
	}
	if seeded > 0 {
		logger.Info("semantic cache seeded", "entries", seeded)
	}

	orc.registerMetrics()

	return orc, nil
}

// Run starts the background health probe loop (when configured) and blocks
// until ctx is cancelled. On return, Shutdown is called automatically —
// callers should not call Shutdown separately.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.ProbeInterval > 0 {
		go o.probeLoop(ctx)
		o.logger.Info("health probes enabled", "interval", o.cfg.ProbeInterval)
	}

	<-ctx.Done()
	return o.Shutdown(context.Background())
}

// Shutdown verifies the audit chain and releases resources: the built-in
// rate counter (when owned) and the OTEL provider.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.logger.Info("sabaki shutting down")

	if err := o.trail.VerifyChain(); err != nil {
		o.logger.Error("audit chain verification failed", "error", err)
	}
	if o.ownCounter {
		if err := o.counter.Close(); err != nil {
			o.logger.Error("rate counter close error", "error", err)
		}
	}
	_ = o.otelShutdown(ctx)

	o.logger.Info("sabaki stopped")
	return nil
}

// PrimeCache embeds a known query/response pair and inserts it into the
// semantic cache, so an equivalent query is served without a provider call.
func (o *Orchestrator) PrimeCache(ctx context.Context, query, taskType, response, providerID string) error {
	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	o.cache.Insert(query, taskType, vec, response, providerID)
	return nil
}

// ── Background probe loop ──────────────────────────────────────────────────────

func (o *Orchestrator) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.probeOnce(ctx)
		}
	}
}

// probeOnce health-checks every registered provider. Probe outcomes feed the
// health monitor only; circuit breakers track routed traffic, so a probe can
// never trip or reset one.
func (o *Orchestrator) probeOnce(ctx context.Context) {
	for _, id := range o.reg.ids() {
		p, ok := o.reg.provider(id)
		if !ok {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
		start := time.Now()
		err := p.HealthCheck(opCtx)
		cancel()
		o.health.Record(id, time.Since(start), err == nil)
		if err != nil {
			o.logger.Warn("health probe failed", "provider", id, "error", err)
		}
	}
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicAssessment converts an internal threat.Assessment to the public
// ThreatAssessment. Lives here because this is the only file that imports
// both sides of the boundary.
func toPublicAssessment(a threat.Assessment) ThreatAssessment {
	return ThreatAssessment{
		Score:          a.Score,
		Decision:       toPublicDecision(a.Decision),
		TriggeredRules: a.TriggeredRules,
		Pattern:        a.Pattern,
		Behavioral:     a.Behavioral,
		Semantic:       a.Semantic,
	}
}

func toPublicDecision(d threat.Decision) ThreatDecision {
	switch d {
	case threat.DecisionBlock:
		return ThreatBlock
	case threat.DecisionRestrictLocal:
		return ThreatRestrictLocal
	default:
		return ThreatAllow
	}
}

func toPublicHealth(s health.Snapshot) ProviderHealth {
	return ProviderHealth{
		Score:       s.Score,
		Samples:     s.Samples,
		SuccessRate: s.SuccessRate,
		MeanLatency: s.MeanLatency,
		Anomalies:   s.Anomalies,
		LastSample:  s.LastSample,
	}
}

func toPublicCircuit(c failover.Circuit) CircuitStatus {
	return CircuitStatus{
		State:               CircuitState(c.State.String()),
		ConsecutiveFailures: c.ConsecutiveFailures,
		OpenedAt:            c.OpenedAt,
	}
}

func toPublicAuditEntry(e audit.Entry) AuditEntry {
	return AuditEntry{
		ID:             e.ID,
		At:             e.At,
		Caller:         e.Caller,
		TaskType:       e.TaskType,
		QueryDigest:    e.QueryDigest,
		QueryPreview:   e.QueryPreview,
		Score:          e.Score,
		Decision:       e.Decision,
		TriggeredRules: e.TriggeredRules,
		PrevHash:       e.PrevHash,
		Hash:           e.Hash,
	}
}

func fromConfigSpec(ps config.ProviderSpec) ProviderSpec {
	return ProviderSpec{
		ID:          ps.ID,
		TaskTypes:   append([]string(nil), ps.TaskTypes...),
		CostPerUnit: ps.CostPerUnit,
		Priority:    ps.Priority,
		Local:       ps.Local,
	}
}

func toConfigSpecs(specs []ProviderSpec) []config.ProviderSpec {
	out := make([]config.ProviderSpec, len(specs))
	for i, s := range specs {
		out[i] = config.ProviderSpec{
			ID:          s.ID,
			TaskTypes:   append([]string(nil), s.TaskTypes...),
			CostPerUnit: s.CostPerUnit,
			Priority:    s.Priority,
			Local:       s.Local,
		}
	}
	return out
}

func toConfigRules(rules []PatternRule) []config.PatternRule {
	out := make([]config.PatternRule, len(rules))
	for i, r := range rules {
		out[i] = config.PatternRule{
			ID:          r.ID,
			Description: r.Description,
			Pattern:     r.Pattern,
			Weight:      r.Weight,
		}
	}
	return out
}

func toThreatRules(rules []config.PatternRule) []threat.Rule {
	out := make([]threat.Rule, len(rules))
	for i, r := range rules {
		out[i] = threat.Rule{
			ID:          r.ID,
			Description: r.Description,
			Pattern:     r.Pattern,
			Weight:      r.Weight,
		}
	}
	return out
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func newEmbedder(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when SABAKI_EMBEDDING_PROVIDER=openai")
			return embedding.NewLocalProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewLocalProvider(dims)
		}
		return p
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "local":
		logger.Info("embedding provider: local hash features", "dimensions", dims)
		return embedding.NewLocalProvider(dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic cache and corpus matching disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewLocalProvider(dims)
			}
			return p
		}
		logger.Info("embedding provider: local hash features (no external provider detected)", "dimensions", dims)
		return embedding.NewLocalProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// ctx is a no-op helper so that New(opts ...) can pass a background context
// to init-time work without adding a context parameter to the public API.
// The returned context is never cancelled by this function.
func ctx(_ []Option) context.Context { return context.Background() }
