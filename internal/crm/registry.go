package crm

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry maps provider names to implementations. The local provider is
// always present.
type Registry struct {
	mu        sync.RWMutex
	local     Provider
	providers map[string]Provider
}

// NewRegistry creates a registry with the given local provider.
func NewRegistry(local Provider) *Registry {
	return &Registry{
		local:     local,
		providers: map[string]Provider{LocalName: local},
	}
}

// Register adds or replaces a provider under its Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	log.Info().Str("provider", p.Name()).Msg("CRM provider registered")
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Local returns the local database provider.
func (r *Registry) Local() Provider {
	return r.local
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
