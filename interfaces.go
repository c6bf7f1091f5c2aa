package sabaki

import "context"

// Provider executes queries against one upstream model service. Implementations
// are registered with WithProvider and must be safe for concurrent use.
type Provider interface {
	// Chat sends one query and returns the provider's response. The
	// orchestrator applies the per-attempt timeout through ctx; providers
	// should return promptly once it is done.
	Chat(ctx context.Context, query string) (Response, error)

	// HealthCheck probes the provider without performing user work. It is
	// called from the background probe loop; a nil error counts as a healthy
	// observation.
	HealthCheck(ctx context.Context) error
}

// Embedder converts text to vectors for semantic caching and threat corpus
// matching. Implementations must be safe for concurrent use.
//
// When provided via WithEmbedder, replaces the auto-detected
// Ollama/OpenAI/local chain.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embedding vectors for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int
}

// RateCounter observes per-caller request rates for behavioral threat
// scoring. Observe records one event for key and returns how many events the
// key has seen inside the sliding window, including this one.
//
// When provided via WithRateCounter, replaces the built-in in-memory counter.
// Counter errors score the behavioral stage as zero; they never block a query.
type RateCounter interface {
	Observe(ctx context.Context, key string) (int, error)
	Close() error
}
