// Package classify decides, from a bare host (an optional :port is
// ignored), whether the Connect Dispatcher should route a connection to the
// MITM Handler (known or custom registry) or to the Tunnel Handler
// (everything else). Classification is pure: it never performs I/O.
package classify

import (
	"strings"

	"github.com/safe-chain/proxy/internal/coordinate"
)

// knownRegistries lists the fixed set of hosts the proxy always recognizes,
// independent of user configuration, per spec §3 "known registry".
var knownRegistries = map[string]coordinate.Ecosystem{
	"registry.npmjs.org": coordinate.NPM,
	"registry.npmjs.com": coordinate.NPM,
	"pypi.org":                     coordinate.PyPI,
	"files.pythonhosted.org":       coordinate.PyPI,
	"upload.pypi.org":              coordinate.PyPI,
	"test.pypi.org":                coordinate.PyPI,
	"test-files.pythonhosted.org":  coordinate.PyPI,
}

// Classifier resolves a host to an ecosystem using the fixed known-registry
// set plus user-configured custom registries.
type Classifier struct {
	// custom maps normalized hostname -> ecosystem, in configuration order.
	custom []customEntry
}

type customEntry struct {
	host      string
	ecosystem coordinate.Ecosystem
}

// NewClassifier builds a Classifier from configured custom registry
// hostnames. npmHosts and pypiHosts are expected already normalized
// (stripped of scheme, trimmed) by the config package.
func NewClassifier(npmHosts, pypiHosts []string) *Classifier {
	c := &Classifier{}
	for _, h := range npmHosts {
		c.custom = append(c.custom, customEntry{host: strings.ToLower(h), ecosystem: coordinate.NPM})
	}
	for _, h := range pypiHosts {
		c.custom = append(c.custom, customEntry{host: strings.ToLower(h), ecosystem: coordinate.PyPI})
	}
	return c
}

// Result describes how a host was classified.
type Result struct {
	Ecosystem coordinate.Ecosystem
	IsCustom  bool
	Known     bool
}

// Classify implements the three-way split from spec §3: known registry,
// custom registry, or unknown. Known registries are tried first; custom
// registries are tried in configured order; the first match wins, per
// spec §4.4 "Ordering and tie-breaks".
func (c *Classifier) Classify(host string) Result {
	h := strings.ToLower(stripPort(host))

	if eco, ok := knownRegistries[h]; ok {
		return Result{Ecosystem: eco, Known: true}
	}

	if c != nil {
		for _, entry := range c.custom {
			if entry.host == h {
				return Result{Ecosystem: entry.ecosystem, IsCustom: true, Known: true}
			}
		}
	}

	return Result{Known: false}
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		// Only strip a trailing :port, never touch IPv6 literals such as
		// "::1" without brackets (those aren't valid registry hosts anyway).
		if !strings.Contains(host[i+1:], ":") {
			return host[:i]
		}
	}
	return host
}
