// Package interceptorset wires the concrete ecosystem interceptors (npm,
// pypi) into an interceptor.Registry. It exists as a separate package from
// internal/interceptor so that the interceptor package itself (imported by
// npm and pypi for the shared Interceptor/Decision types) never needs to
// import its own concrete implementations.
package interceptorset

import (
	"fmt"
	"time"

	"github.com/safe-chain/proxy/internal/interceptor"
	"github.com/safe-chain/proxy/internal/interceptor/npm"
	"github.com/safe-chain/proxy/internal/interceptor/pypi"
)

// Config carries the per-ecosystem custom registry hostnames from
// spec §4.7.
type Config struct {
	NPMCustomRegistries  []string
	PyPICustomRegistries []string

	NPMMinimumAge        int // hours; 0 disables the check
	NPMMinimumAgeExclude []string

	Names []string // enabled interceptor names; empty means both
}

// Build constructs a Registry from cfg, analogous to the teacher's
// profiles.FromNames factory.
func Build(cfg Config) (interceptor.Registry, error) {
	names := cfg.Names
	if len(names) == 0 {
		names = []string{"npm", "pypi"}
	}

	var enabled []interceptor.Interceptor
	for _, name := range names {
		switch name {
		case "npm":
			n := npm.New(cfg.NPMCustomRegistries...)
			if cfg.NPMMinimumAge > 0 {
				n.MinimumAge = time.Duration(cfg.NPMMinimumAge) * time.Hour
				n.Exclusions = toSet(cfg.NPMMinimumAgeExclude)
			}
			enabled = append(enabled, n)
		case "pypi":
			enabled = append(enabled, pypi.New(cfg.PyPICustomRegistries...))
		default:
			return interceptor.Registry{}, fmt.Errorf("unknown interceptor: %s", name)
		}
	}
	return interceptor.NewRegistry(enabled), nil
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
