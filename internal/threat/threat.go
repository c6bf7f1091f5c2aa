// Package threat classifies queries before any provider is consulted.
//
// Classification runs three stages: pattern rules over the raw text,
// behavioral analysis of the caller's recent traffic, and semantic similarity
// to a corpus of known-malicious prompts. Stage scores blend into one score
// in [0,1], and watermarks convert the score into an admission decision.
// Every assessment is appended to the audit trail, allowed ones included.
package threat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/sabaki/internal/audit"
	"github.com/ashita-ai/sabaki/internal/ctxutil"
	"github.com/ashita-ai/sabaki/internal/embedding"
	"github.com/ashita-ai/sabaki/internal/ratelimit"
)

// Decision is the admission outcome for an assessed query.
type Decision int

const (
	// DecisionAllow admits the query to the full provider chain.
	DecisionAllow Decision = iota
	// DecisionRestrictLocal admits the query to local providers only.
	DecisionRestrictLocal
	// DecisionBlock rejects the query without consulting any provider.
	DecisionBlock
)

// String returns the audit-stable name of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionRestrictLocal:
		return "restrict_local"
	case DecisionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Assessment is the outcome of classifying one query.
type Assessment struct {
	Score          float64
	Decision       Decision
	TriggeredRules []string

	// Per-stage scores, before weighting.
	Pattern    float64
	Behavioral float64
	Semantic   float64
}

// Options configures a Classifier. Zero-value collaborators disable their
// stage rather than failing: a nil Counter reports no rate signal and a nil
// Embedder leaves the semantic stage at zero.
type Options struct {
	Rules  []Rule
	Corpus []string

	Embedder embedding.Provider
	Counter  ratelimit.Counter
	Trail    *audit.Trail
	Logger   *slog.Logger

	PatternWeight    float64
	BehavioralWeight float64
	SemanticWeight   float64

	// LowWatermark and HighWatermark split scores into allow, restrict to
	// local, and block bands. A score at or above a watermark falls into
	// the stricter band.
	LowWatermark  float64
	HighWatermark float64

	// RateSaturation is the per-window event count at which the rate signal
	// reaches 1.0.
	RateSaturation int

	// RepetitionWindow is how many recent queries per caller are compared
	// for repetition.
	RepetitionWindow int
}

// Classifier scores queries and decides their admission.
type Classifier struct {
	rules    []compiledRule
	embedder embedding.Provider
	counter  ratelimit.Counter
	trail    *audit.Trail
	logger   *slog.Logger

	wPattern    float64
	wBehavioral float64
	wSemantic   float64
	lowWater    float64
	highWater   float64

	rateSaturation int

	histories *historySet

	corpusTexts []string
	corpusMu    sync.RWMutex
	corpus      []corpusEntry
}

// New creates a Classifier. Rules fall back to DefaultRules and the corpus
// to DefaultCorpus when unset. Stage weights are normalized to sum to one.
func New(opts Options) (*Classifier, error) {
	rules := opts.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}

	sum := opts.PatternWeight + opts.BehavioralWeight + opts.SemanticWeight
	if sum <= 0 {
		return nil, fmt.Errorf("threat: stage weights must not all be zero")
	}

	corpus := opts.Corpus
	if len(corpus) == 0 {
		corpus = DefaultCorpus()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	saturation := opts.RateSaturation
	if saturation < 1 {
		saturation = 30
	}
	window := opts.RepetitionWindow
	if window < 1 {
		window = 16
	}
	low, high := opts.LowWatermark, opts.HighWatermark
	if high <= 0 {
		low, high = 0.4, 0.8
	}

	return &Classifier{
		rules:          compiled,
		embedder:       opts.Embedder,
		counter:        opts.Counter,
		trail:          opts.Trail,
		logger:         logger,
		wPattern:       opts.PatternWeight / sum,
		wBehavioral:    opts.BehavioralWeight / sum,
		wSemantic:      opts.SemanticWeight / sum,
		lowWater:       low,
		highWater:      high,
		rateSaturation: saturation,
		histories:      newHistorySet(window),
		corpusTexts:    corpus,
	}, nil
}

// Assess classifies one query. queryVec is the query's embedding, shared with
// the cache lookup; nil leaves the semantic stage at zero. The caller
// identity is taken from ctx and defaults to "anonymous".
func (c *Classifier) Assess(ctx context.Context, query, taskType string, queryVec []float32) Assessment {
	caller := ctxutil.CallerFromContext(ctx)
	if caller == "" {
		caller = "anonymous"
	}

	patternScore, triggered := c.patternStage(query)

	rate, rateRule := c.rateStage(ctx, caller)
	repetition, repRule := c.histories.observe(caller, queryDigest(query))
	// The behavioral stage reports the stronger of its two signals.
	behavioral := rate
	if repetition > behavioral {
		behavioral = repetition
	}
	if rateRule != "" {
		triggered = append(triggered, rateRule)
	}
	if repRule != "" {
		triggered = append(triggered, repRule)
	}

	semantic, semRule := c.semanticStage(queryVec)
	if semRule != "" {
		triggered = append(triggered, semRule)
	}

	score := c.wPattern*patternScore + c.wBehavioral*behavioral + c.wSemantic*semantic
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	var decision Decision
	switch {
	case score >= c.highWater:
		decision = DecisionBlock
	case score >= c.lowWater:
		decision = DecisionRestrictLocal
	default:
		decision = DecisionAllow
	}

	a := Assessment{
		Score:          score,
		Decision:       decision,
		TriggeredRules: triggered,
		Pattern:        patternScore,
		Behavioral:     behavioral,
		Semantic:       semantic,
	}

	if c.trail != nil {
		c.trail.Append(audit.Record{
			Caller:         caller,
			TaskType:       taskType,
			Query:          query,
			Score:          score,
			Decision:       decision.String(),
			TriggeredRules: triggered,
		})
	}

	if decision == DecisionBlock {
		c.logger.Warn("query blocked",
			"caller", caller,
			"task_type", taskType,
			"score", score,
			"rules", triggered,
		)
	} else {
		c.logger.Debug("query assessed",
			"caller", caller,
			"task_type", taskType,
			"score", score,
			"decision", decision.String(),
		)
	}

	return a
}

// rateStage converts the caller's event rate into a score in [0,1]. Counter
// failures score zero: rate limiting degrades open rather than blocking
// traffic.
func (c *Classifier) rateStage(ctx context.Context, caller string) (float64, string) {
	if c.counter == nil {
		return 0, ""
	}
	n, err := c.counter.Observe(ctx, "caller:"+caller)
	if err != nil {
		c.logger.Warn("rate counter failed, scoring stage zero", "caller", caller, "error", err)
		return 0, ""
	}
	score := float64(n) / float64(c.rateSaturation)
	if score >= 1 {
		return 1, "behavioral.rate_saturated"
	}
	return score, ""
}
