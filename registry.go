package sabaki

import (
	"fmt"
	"sync"
)

// registry holds registered providers: routing metadata, live
// implementations, and the per-task-type failover chains. Registration
// happens during New; after that the registry is read-only.
type registry struct {
	mu     sync.RWMutex
	specs  map[string]ProviderSpec
	impls  map[string]Provider
	order  []string // registration order, for deterministic listings
	chains map[string][]string
}

func newRegistry() *registry {
	return &registry{
		specs:  make(map[string]ProviderSpec),
		impls:  make(map[string]Provider),
		chains: make(map[string][]string),
	}
}

func (r *registry) add(spec ProviderSpec, impl Provider) error {
	if spec.ID == "" {
		return fmt.Errorf("%w: provider with empty id", ErrConfigurationInvalid)
	}
	if impl == nil {
		return fmt.Errorf("%w: provider %q has no implementation", ErrConfigurationInvalid, spec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.ID]; dup {
		return fmt.Errorf("%w: duplicate provider id %q", ErrConfigurationInvalid, spec.ID)
	}
	r.specs[spec.ID] = spec
	r.impls[spec.ID] = impl
	r.order = append(r.order, spec.ID)
	return nil
}

func (r *registry) setChain(taskType string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[taskType] = append([]string(nil), ids...)
}

func (r *registry) spec(id string) (ProviderSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[id]
	return s, ok
}

func (r *registry) provider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.impls[id]
	return p, ok
}

// ids returns provider IDs in registration order.
func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// chainMap returns a deep copy of the configured chains.
func (r *registry) chainMap() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.chains))
	for taskType, chain := range r.chains {
		out[taskType] = append([]string(nil), chain...)
	}
	return out
}

// specList returns specs in registration order.
func (r *registry) specList() []ProviderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderSpec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.specs[id])
	}
	return out
}
