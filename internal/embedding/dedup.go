package embedding

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Dedup wraps a Provider and collapses concurrent Embed calls for identical
// text into a single upstream call. Routing bursts tend to carry the same
// query many times at once (retries, fan-out clients), and every route embeds
// its query, so deduplication directly cuts embedding backend load.
type Dedup struct {
	provider Provider
	group    singleflight.Group
}

// NewDedup wraps the provider with in-flight call deduplication.
func NewDedup(p Provider) *Dedup {
	return &Dedup{provider: p}
}

// Embed returns the embedding for text, sharing one upstream call among
// concurrent requests for the same text.
func (d *Dedup) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err, _ := d.group.Do(text, func() (any, error) {
		return d.provider.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	vec := v.([]float32)

	// Each caller gets its own copy: shared results must survive callers
	// that normalize or otherwise mutate the vector in place.
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// EmbedBatch passes through to the wrapped provider. Batches are already
// amortized upstream and rarely repeat verbatim.
func (d *Dedup) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return d.provider.EmbedBatch(ctx, texts)
}

// Dimensions returns the wrapped provider's embedding vector size.
func (d *Dedup) Dimensions() int {
	return d.provider.Dimensions()
}
