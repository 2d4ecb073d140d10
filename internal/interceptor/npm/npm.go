// Package npm implements the npm ecosystem interceptor from spec §4.4: it
// recognizes metadata and tarball URL shapes on the npm registry and any
// configured custom npm registries, extracts package coordinates, and
// consults the malware oracle before letting a request reach upstream.
package npm

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/safe-chain/proxy/internal/coordinate"
	"github.com/safe-chain/proxy/internal/interceptor"
	"github.com/safe-chain/proxy/internal/oracle"
)

// knownHosts are the fixed npm registry mirrors recognized without any
// configuration (spec §4.2).
var knownHosts = map[string]struct{}{
	"registry.npmjs.org": {},
	"registry.npmjs.com": {},
}

// tarballSuffix matches the "-<version>.tgz" tail of a tarball path, e.g.
// "/lodash/-/lodash-4.17.21.tgz" or the scoped equivalent.
var tarballSuffix = regexp.MustCompile(`^(.+)/-/[^/]+-([0-9][^/]*)\.tgz$`)

// Interceptor implements interceptor.Interceptor for npm.
type Interceptor struct {
	customHosts map[string]struct{}

	// MinimumAge, when non-zero, rejects any package whose oracle-reported
	// age is younger than this, per spec §4.7's "minimum package age"
	// policy hook. Exclusions lists names exempt from the check.
	MinimumAge time.Duration
	Exclusions map[string]struct{}

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New builds an npm interceptor with the given custom registry hostnames
// (already stripped of scheme, per spec §4.7's normalization rule).
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

func (i *Interceptor) Name() string                        { return "npm" }
func (i *Interceptor) Ecosystem() coordinate.Ecosystem      { return coordinate.NPM }

// Matches reports whether host is a known or configured npm registry; the
// path shape itself is validated lazily in Handle, matching the teacher's
// profile matching style of "host first, then best-effort path parse".
func (i *Interceptor) Matches(host, path string) bool {
	h := strings.ToLower(host)
	if _, ok := knownHosts[h]; ok {
		return true
	}
	_, ok := i.customHosts[h]
	return ok
}

// Handle extracts a coordinate from the request path and consults the
// oracle, returning a forward/block Decision.
func (i *Interceptor) Handle(ctx context.Context, method, rawURL string, header http.Header, ora *oracle.Client) interceptor.Decision {
	path := rawURL
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	path = strings.TrimPrefix(path, "/")

	coord, ok := parseCoordinate(path)
	if !ok {
		return interceptor.Decision{Action: interceptor.Forward}
	}

	if ora == nil {
		return interceptor.Decision{Action: interceptor.Forward, Coordinates: []coordinate.Coordinate{coord}}
	}

	result := ora.LookupResult(ctx, coord)
	if result.Verdict == oracle.Malicious {
		return interceptor.Decision{
			Action:      interceptor.Block,
			Coordinates: []coordinate.Coordinate{coord},
			BlockedOn:   coord,
		}
	}

	if i.violatesMinimumAge(coord, result) {
		return interceptor.Decision{
			Action:      interceptor.Block,
			Coordinates: []coordinate.Coordinate{coord},
			BlockedOn:   coord,
		}
	}

	return interceptor.Decision{Action: interceptor.Forward, Coordinates: []coordinate.Coordinate{coord}}
}

// violatesMinimumAge reports whether coord is younger than the configured
// minimum package age. Best-effort: if the oracle did not attach a
// PublishedAt timestamp, the check is skipped rather than blocking on
// missing data (spec §9 Open Question resolution).
func (i *Interceptor) violatesMinimumAge(coord coordinate.Coordinate, result oracle.Result) bool {
	if i.MinimumAge <= 0 || result.PublishedAt == nil {
		return false
	}
	if _, excluded := i.Exclusions[coord.Name]; excluded {
		return false
	}
	now := time.Now()
	if i.Now != nil {
		now = i.Now()
	}
	return now.Sub(*result.PublishedAt) < i.MinimumAge
}

// parseCoordinate recognizes the two npm URL shapes from spec §4.4:
// metadata ("/{name}" or "/{@scope%2fname}") and tarball
// ("/{name}/-/{name}-{version}.tgz" or scoped equivalent).
func parseCoordinate(path string) (coordinate.Coordinate, bool) {
	decodedPath := strings.ReplaceAll(path, "%2f", "/")
	decodedPath = strings.ReplaceAll(decodedPath, "%2F", "/")

	if m := tarballSuffix.FindStringSubmatch(decodedPath); m != nil {
		name := m[1]
		version := m[2]
		if !looksLikeVersion(version) {
			return coordinate.Coordinate{}, false
		}
		return coordinate.Coordinate{
			Ecosystem: coordinate.NPM,
			Name:      coordinate.NormalizeNPMName(name),
			Version:   version,
		}, true
	}

	// Bare metadata path: a single segment (optionally scoped as
	// "@scope/name"), no further slashes.
	name := decodedPath
	if name == "" || strings.Contains(name, "/-/") {
		return coordinate.Coordinate{}, false
	}
	if strings.HasPrefix(name, "@") {
		if strings.Count(name, "/") != 1 {
			return coordinate.Coordinate{}, false
		}
	} else if strings.Contains(name, "/") {
		return coordinate.Coordinate{}, false
	}

	return coordinate.Coordinate{
		Ecosystem: coordinate.NPM,
		Name:      coordinate.NormalizeNPMName(name),
	}, true
}

// looksLikeVersion reports whether v is a semver-like dash-separated
// remainder, per spec §4.4 ("version is the dash-separated remainder
// matching semver-like shapes"). golang.org/x/mod/semver requires a "v"
// prefix, so one is added for validation purposes only.
func looksLikeVersion(v string) bool {
	if v == "" {
		return false
	}
	return semver.IsValid("v" + v)
}
