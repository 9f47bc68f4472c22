// Package router resolves the provider named on a request. Selection is a
// pure lookup: an unknown provider is a configuration error, never a
// silent fallback.
package router

import (
	"fmt"
	"sort"

	"github.com/tokengate/tokengate/internal/domain"
	"github.com/tokengate/tokengate/internal/provider"
)

type Router struct {
	providers map[string]provider.Provider
}

func New(providers map[string]provider.Provider) *Router {
	return &Router{providers: providers}
}

// Select returns the provider named on the request.
func (r *Router) Select(providerID string) (provider.Provider, error) {
	p, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, providerID)
	}
	return p, nil
}

func (r *Router) Get(id string) (provider.Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

func (r *Router) List() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
