package sabaki

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sabaki/internal/failover"
	"github.com/ashita-ai/sabaki/internal/telemetry"
)

// Stats returns a point-in-time snapshot of every subsystem: per-provider
// health and circuit state, cache usage, and audit trail retention.
func (o *Orchestrator) Stats() Stats {
	circuits := o.failover.Snapshot()

	providers := make(map[string]ProviderStatus, len(o.reg.ids()))
	for _, id := range o.reg.ids() {
		providers[id] = ProviderStatus{
			Health:  toPublicHealth(o.health.Status(id)),
			Circuit: toPublicCircuit(circuits[id]),
		}
	}

	cs := o.cache.Stats()
	return Stats{
		Providers: providers,
		Cache: CacheStats{
			Entries:     cs.Entries,
			UsedBytes:   cs.UsedBytes,
			BudgetBytes: cs.BudgetBytes,
			Hits:        cs.Hits,
			Misses:      cs.Misses,
			Evictions:   cs.Evictions,
		},
		Audit: AuditStats{
			Retained: o.trail.Len(),
			Appended: o.trail.Appended(),
			Root:     o.trail.Root(),
		},
	}
}

// AuditTrail returns up to n retained audit entries, newest first.
func (o *Orchestrator) AuditTrail(n int) []AuditEntry {
	entries := o.trail.Recent(n)
	out := make([]AuditEntry, len(entries))
	for i, e := range entries {
		out[i] = toPublicAuditEntry(e)
	}
	return out
}

// VerifyAudit recomputes the audit trail's hash chain over the retained
// entries and reports the first break, if any.
func (o *Orchestrator) VerifyAudit() error {
	return o.trail.VerifyChain()
}

// registerMetrics registers observable OTEL gauges for orchestrator health
// monitoring. Called from New() after the global meter provider has been
// initialized.
func (o *Orchestrator) registerMetrics() {
	meter := telemetry.Meter("sabaki/orchestrator")

	_, _ = meter.Int64ObservableGauge("sabaki.cache.entries",
		metric.WithDescription("Current number of entries in the semantic cache"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.cache.Stats().Entries))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sabaki.cache.used_bytes",
		metric.WithDescription("Bytes charged against the semantic cache budget"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(o.cache.Stats().UsedBytes)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sabaki.audit.retained",
		metric.WithDescription("Audit entries currently retained in the bounded trail"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.trail.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sabaki.circuits.open",
		metric.WithDescription("Providers whose circuit breaker is currently open"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			var open int64
			for _, c := range o.failover.Snapshot() {
				if c.State == failover.StateOpen {
					open++
				}
			}
			obs.Observe(open)
			return nil
		}),
	)
}
