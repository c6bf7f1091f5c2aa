package sabaki

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/sabaki/internal/ctxutil"
	"github.com/ashita-ai/sabaki/internal/telemetry"
	"github.com/ashita-ai/sabaki/internal/threat"
)

var (
	tracer      = telemetry.Tracer("sabaki/router")
	routerMeter = telemetry.Meter("sabaki/router")
)

// WithCaller returns a context carrying the caller identity used for
// behavioral threat scoring and audit attribution. Unattributed requests
// share one anonymous rate bucket.
func WithCaller(ctx context.Context, callerID string) context.Context {
	return ctxutil.WithCaller(ctx, callerID)
}

// Route answers one query for a task type: classify the query, consult the
// semantic cache, then walk the task type's failover chain in order until a
// provider answers. The returned RoutingDecision records the full trail
// regardless of outcome; on failure its FinalError matches the returned
// error.
func (o *Orchestrator) Route(ctx context.Context, query, taskType string, constraints Constraints) (decision RoutingDecision, err error) {
	requestID := uuid.New()
	ctx = ctxutil.WithRequestID(ctx, requestID)
	ctx, cancel := contextWithOptionalTimeout(ctx, o.cfg.RouteTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "sabaki.route",
		trace.WithAttributes(
			attribute.String("task_type", taskType),
			attribute.String("request_id", requestID.String()),
		))
	defer span.End()

	start := time.Now()
	decision.RequestID = requestID
	defer func() {
		decision.Elapsed = time.Since(start)
		o.recordRoute(ctx, taskType, &decision, span)
	}()

	// One embedding serves both the threat classifier and the cache. A
	// failed embed degrades to a cache miss and a zero semantic stage.
	queryVec, embErr := o.embedder.Embed(ctx, query)
	if embErr != nil {
		o.logger.Warn("query embedding failed", "error", embErr)
		queryVec = nil
	}

	assessment := o.threat.Assess(ctx, query, taskType, queryVec)
	decision.Threat = toPublicAssessment(assessment)
	if assessment.Decision == threat.DecisionBlock {
		decision.FinalError = &BlockedError{Assessment: decision.Threat}
		return decision, decision.FinalError
	}

	// Cache consult. A hit never leaves the process, so it is served even
	// when the assessment restricts routing to local providers.
	if match, ok := o.cache.Lookup(taskType, queryVec); ok {
		decision.CacheHit = true
		decision.CacheSimilarity = match.Similarity
		decision.SelectedProvider = match.Entry.ProviderID
		decision.Response = &Response{
			Content:   match.Entry.Response,
			Provider:  match.Entry.ProviderID,
			FromCache: true,
		}
		return decision, nil
	}

	restrictLocal := constraints.RequireLocal || assessment.Decision == threat.DecisionRestrictLocal
	for _, id := range o.eligibleChain(taskType, constraints, restrictLocal) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			decision.FinalError = fmt.Errorf("routing aborted: %w", ctxErr)
			break
		}
		provider, ok := o.reg.provider(id)
		if !ok {
			continue
		}
		// Breaker gate: skips open circuits and claims the half-open trial
		// slot when the cooldown has elapsed.
		if !o.failover.Acquire(id) {
			continue
		}

		resp, attemptErr := o.attempt(ctx, provider, id, query, &decision)
		if attemptErr != nil {
			if ctx.Err() != nil {
				decision.FinalError = fmt.Errorf("routing aborted: %w", ctx.Err())
				break
			}
			continue
		}

		decision.SelectedProvider = id
		decision.Response = resp
		o.cache.Insert(query, taskType, queryVec, resp.Content, id)
		return decision, nil
	}

	if decision.FinalError == nil {
		decision.FinalError = &ExhaustedError{TaskType: taskType, Attempts: decision.Attempts}
	}
	return decision, decision.FinalError
}

// attempt runs one provider call under the per-attempt timeout, reporting
// the outcome to the health monitor and the circuit breaker. A parent
// cancellation is the caller's doing, not the provider's: it is recorded in
// the trail but charged to neither.
func (o *Orchestrator) attempt(ctx context.Context, provider Provider, id, query string, decision *RoutingDecision) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	start := time.Now()
	resp, err := provider.Chat(attemptCtx, query)
	latency := time.Since(start)
	cancel()

	decision.AttemptedProviders = append(decision.AttemptedProviders, id)
	if err != nil {
		if ctx.Err() != nil {
			decision.Attempts = append(decision.Attempts, Attempt{Provider: id, Latency: latency, Err: err})
			return nil, err
		}
		aErr := &AttemptError{
			Provider: id,
			Timeout:  errors.Is(err, context.DeadlineExceeded),
			Err:      err,
		}
		decision.Attempts = append(decision.Attempts, Attempt{Provider: id, Latency: latency, Err: aErr})
		o.health.Record(id, latency, false)
		o.failover.ReportFailure(id)
		o.logger.Warn("provider attempt failed", "provider", id, "latency", latency, "error", err)
		return nil, aErr
	}

	decision.Attempts = append(decision.Attempts, Attempt{Provider: id, Latency: latency})
	o.health.Record(id, latency, true)
	o.failover.ReportSuccess(id)

	resp.Provider = id
	resp.Latency = latency
	resp.FromCache = false
	return &resp, nil
}

// eligibleChain applies the static filters to the task type's chain: cost
// ceiling, locality, and the optional health floor. Task capability is
// guaranteed by registry validation. Circuit state is deliberately not a
// filter here — breakers are consulted per attempt so a half-open trial is
// claimed at the moment of the call.
func (o *Orchestrator) eligibleChain(taskType string, constraints Constraints, restrictLocal bool) []string {
	chain := o.failover.Chain(taskType)
	eligible := make([]string, 0, len(chain))
	for _, id := range chain {
		spec, ok := o.reg.spec(id)
		if !ok {
			continue
		}
		if constraints.MaxCostPerUnit > 0 && spec.CostPerUnit > constraints.MaxCostPerUnit {
			continue
		}
		if restrictLocal && !spec.Local {
			continue
		}
		if o.cfg.HealthFloor > 0 && o.health.Score(id) < o.cfg.HealthFloor {
			continue
		}
		eligible = append(eligible, id)
	}
	if constraints.PreferProvider != "" {
		eligible = moveToFront(eligible, constraints.PreferProvider)
	}
	return eligible
}

// moveToFront promotes id to the head of ids, preserving the relative order
// of the rest. Unknown ids leave the slice untouched.
func moveToFront(ids []string, id string) []string {
	for i, v := range ids {
		if v != id {
			continue
		}
		out := make([]string, 0, len(ids))
		out = append(out, id)
		out = append(out, ids[:i]...)
		out = append(out, ids[i+1:]...)
		return out
	}
	return ids
}

// recordRoute finalizes the request-path telemetry for one Route call.
func (o *Orchestrator) recordRoute(ctx context.Context, taskType string, decision *RoutingDecision, span trace.Span) {
	outcome := routeOutcome(decision)
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Float64("threat_score", decision.Threat.Score),
		attribute.Int("attempts", len(decision.AttemptedProviders)),
	)
	if decision.SelectedProvider != "" {
		span.SetAttributes(attribute.String("provider", decision.SelectedProvider))
	}

	attrs := otelmetric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("outcome", outcome),
	)
	if counter, err := routerMeter.Int64Counter("sabaki.route.request_count"); err == nil {
		counter.Add(ctx, 1, attrs)
	}
	if hist, err := routerMeter.Float64Histogram("sabaki.route.duration",
		otelmetric.WithUnit("ms")); err == nil {
		hist.Record(ctx, float64(decision.Elapsed.Milliseconds()), attrs)
	}
}

func routeOutcome(decision *RoutingDecision) string {
	switch {
	case decision.CacheHit:
		return "cache_hit"
	case decision.Response != nil:
		return "provider"
	case errors.Is(decision.FinalError, ErrThreatBlocked):
		return "blocked"
	case errors.Is(decision.FinalError, ErrChainExhausted):
		return "exhausted"
	default:
		return "aborted"
	}
}
