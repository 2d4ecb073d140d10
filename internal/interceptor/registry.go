package interceptor

import (
	"github.com/safe-chain/proxy/internal/coordinate"
)

// Registry stores enabled interceptors keyed by ecosystem, mirroring the
// shape of the teacher's profile registry (internal/profiles/registry.go)
// but selecting by ecosystem+URL-shape rather than by best-effort request
// matching across every enabled profile.
type Registry struct {
	byEcosystem map[coordinate.Ecosystem]Interceptor
	ordered     []Interceptor
}

// NewRegistry registers the provided interceptor implementations, in order.
func NewRegistry(enabled []Interceptor) Registry {
	reg := Registry{byEcosystem: make(map[coordinate.Ecosystem]Interceptor, len(enabled))}
	for _, i := range enabled {
		if i == nil {
			continue
		}
		reg.byEcosystem[i.Ecosystem()] = i
		reg.ordered = append(reg.ordered, i)
	}
	return reg
}

// For returns the interceptor registered for eco, if any.
func (r Registry) For(eco coordinate.Ecosystem) (Interceptor, bool) {
	i, ok := r.byEcosystem[eco]
	return i, ok
}

// Enabled lists the names of registered interceptors, in registration order.
func (r Registry) Enabled() []string {
	names := make([]string, 0, len(r.ordered))
	for _, i := range r.ordered {
		names = append(names, i.Name())
	}
	return names
}
