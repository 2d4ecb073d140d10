// Package coordinate defines the package coordinate data model shared by
// interceptors and the malware oracle: an ecosystem, a normalized package
// name, and an optional version.
package coordinate

import "strings"

// Ecosystem identifies which package manager a coordinate belongs to.
type Ecosystem string

const (
	NPM  Ecosystem = "npm"
	PyPI Ecosystem = "pypi"
)

// Coordinate identifies a single package release. Version is empty when the
// originating URL did not encode one (e.g. metadata endpoints), which means
// "any version" for oracle lookup purposes.
type Coordinate struct {
	Ecosystem Ecosystem
	Name      string
	Version   string
}

// String renders the coordinate as ecosystem|name|version, used as a cache
// and single-flight key. It is stable and idempotent: calling it twice on
// equal coordinates always yields the same string.
func (c Coordinate) String() string {
	var b strings.Builder
	b.WriteString(string(c.Ecosystem))
	b.WriteByte('|')
	b.WriteString(c.Name)
	b.WriteByte('|')
	b.WriteString(c.Version)
	return b.String()
}

// HasVersion reports whether the coordinate encodes a specific version.
func (c Coordinate) HasVersion() bool {
	return c.Version != ""
}

// NormalizeNPMName preserves scoped package names (@scope/name) but keeps
// npm's own casing rules, which are a no-op for this spec: npm names are
// already case sensitive and scope-preserving at the registry layer.
func NormalizeNPMName(name string) string {
	return strings.TrimSpace(name)
}

// NormalizePyPIName lowercases, replaces underscores and dots with hyphens,
// and collapses runs of hyphens into one, per PEP 503 normalization as used
// by files.pythonhosted.org. Idempotent:
// NormalizePyPIName(NormalizePyPIName(x)) == NormalizePyPIName(x).
func NormalizePyPIName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	lower = strings.ReplaceAll(lower, "_", "-")
	lower = strings.ReplaceAll(lower, ".", "-")
	for strings.Contains(lower, "--") {
		lower = strings.ReplaceAll(lower, "--", "-")
	}
	return lower
}
