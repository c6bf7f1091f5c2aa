package sabaki_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	sabaki "github.com/ashita-ai/sabaki"
)

// fakeProvider is a scriptable Provider. Script entries are consumed one per
// Chat call, in order; past the end of the script every call succeeds.
type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	script []error
	reply  string

	healthErr error
}

func newFakeProvider(reply string, script ...error) *fakeProvider {
	return &fakeProvider{reply: reply, script: script}
}

func (p *fakeProvider) Chat(_ context.Context, _ string) (sabaki.Response, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	var err error
	if idx < len(p.script) {
		err = p.script[idx]
	}
	p.mu.Unlock()

	if err != nil {
		return sabaki.Response{}, err
	}
	return sabaki.Response{Content: p.reply}, nil
}

func (p *fakeProvider) HealthCheck(context.Context) error {
	return p.healthErr
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// testEmbedder assigns each distinct text its own orthogonal unit vector:
// repeated texts are perfect cache matches, distinct texts never match
// anything. Supports up to 64 distinct texts per instance.
type testEmbedder struct {
	mu    sync.Mutex
	dims  int
	index map[string]int
}

func newTestEmbedder() *testEmbedder {
	return &testEmbedder{dims: 64, index: make(map[string]int)}
}

func (e *testEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	idx, ok := e.index[text]
	if !ok {
		idx = len(e.index) % e.dims
		e.index[text] = idx
	}
	e.mu.Unlock()

	vec := make([]float32, e.dims)
	vec[idx] = 1
	return vec, nil
}

func (e *testEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *testEmbedder) Dimensions() int { return e.dims }

// chatSpec builds a spec for the "chat" task type.
func chatSpec(id string, local bool, cost float64) sabaki.ProviderSpec {
	return sabaki.ProviderSpec{
		ID:          id,
		TaskTypes:   []string{"chat"},
		CostPerUnit: cost,
		Local:       local,
	}
}

// newOrchestrator builds an orchestrator with quiet logging and the
// deterministic test embedder. Later options override the defaults.
func newOrchestrator(t *testing.T, opts ...sabaki.Option) *sabaki.Orchestrator {
	t.Helper()
	base := []sabaki.Option{
		sabaki.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		sabaki.WithEmbedder(newTestEmbedder()),
	}
	orc, err := sabaki.New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orc.Shutdown(context.Background()) })
	return orc
}
