// Package pypi implements the PyPI ecosystem interceptor from spec §4.4: it
// recognizes sdist and wheel download URL shapes on files.pythonhosted.org,
// pypi.org, and any configured custom pip registries.
package pypi

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/safe-chain/proxy/internal/coordinate"
	"github.com/safe-chain/proxy/internal/interceptor"
	"github.com/safe-chain/proxy/internal/oracle"
)

var knownHosts = map[string]struct{}{
	"files.pythonhosted.org":      {},
	"pypi.org":                    {},
	"upload.pypi.org":             {},
	"test.pypi.org":               {},
	"test-files.pythonhosted.org": {},
}

// sdistPattern matches "{dist}-{version}.tar.gz" with an optional
// ".metadata" suffix.
var sdistPattern = regexp.MustCompile(`^(.+)-([0-9][^-/]*)\.tar\.gz(\.metadata)?$`)

// wheelPattern matches "{dist}-{version}-{pytag}-{abitag}-{plattag}.whl"
// with an optional ".metadata" suffix.
var wheelPattern = regexp.MustCompile(`^(.+)-([0-9][^-/]*)-([^-/]+)-([^-/]+)-([^-/]+)\.whl(\.metadata)?$`)

// Interceptor implements interceptor.Interceptor for PyPI.
type Interceptor struct {
	customHosts map[string]struct{}
	Now         func() time.Time
}

// New builds a PyPI interceptor with the given custom registry hostnames.
func New(customHosts ...string) *Interceptor {
	set := make(map[string]struct{}, len(customHosts))
	for _, h := range customHosts {
		h = strings.TrimSpace(h)
		if h != "" {
			set[h] = struct{}{}
		}
	}
	return &Interceptor{customHosts: set, Now: time.Now}
}

func (i *Interceptor) Name() string                   { return "pypi" }
func (i *Interceptor) Ecosystem() coordinate.Ecosystem { return coordinate.PyPI }

func (i *Interceptor) Matches(host, path string) bool {
	h := strings.ToLower(host)
	if _, ok := knownHosts[h]; ok {
		return true
	}
	_, ok := i.customHosts[h]
	return ok
}

func (i *Interceptor) Handle(ctx context.Context, method, rawURL string, header http.Header, ora *oracle.Client) interceptor.Decision {
	path := rawURL
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}

	coord, ok := parseCoordinate(path)
	if !ok {
		return interceptor.Decision{Action: interceptor.Forward}
	}

	if ora != nil && ora.Lookup(ctx, coord) == oracle.Malicious {
		return interceptor.Decision{
			Action:      interceptor.Block,
			Coordinates: []coordinate.Coordinate{coord},
			BlockedOn:   coord,
		}
	}

	return interceptor.Decision{Action: interceptor.Forward, Coordinates: []coordinate.Coordinate{coord}}
}

// parseCoordinate recognizes the sdist and wheel filename shapes from
// spec §4.4, wherever in the path they occur (PyPI file URLs are namespaced
// under a hash-sharded "/packages/xx/yy/.../" prefix that this does not
// otherwise need to interpret).
func parseCoordinate(path string) (coordinate.Coordinate, bool) {
	if !strings.Contains(path, "/packages/") {
		return coordinate.Coordinate{}, false
	}
	filename := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		filename = path[idx+1:]
	}

	if m := sdistPattern.FindStringSubmatch(filename); m != nil {
		return coordinate.Coordinate{
			Ecosystem: coordinate.PyPI,
			Name:      coordinate.NormalizePyPIName(m[1]),
			Version:   m[2],
		}, true
	}

	if m := wheelPattern.FindStringSubmatch(filename); m != nil {
		return coordinate.Coordinate{
			Ecosystem: coordinate.PyPI,
			Name:      coordinate.NormalizePyPIName(m[1]),
			Version:   m[2],
		}, true
	}

	return coordinate.Coordinate{}, false
}
