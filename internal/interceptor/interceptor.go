// Package interceptor defines the ecosystem interceptor capability from
// spec §4.4/§9: a small set of variants ({npm, pypi}) behind a common
// `{matches, handle}` shape, selected per-host by the classifier and
// consulted by the MITM Handler before any upstream byte reaches the
// client.
package interceptor

import (
	"context"
	"net/http"

	"github.com/safe-chain/proxy/internal/coordinate"
	"github.com/safe-chain/proxy/internal/oracle"
)

// Action is the interceptor's forward/block decision for a request.
type Action int

const (
	// Forward means the request should proceed upstream unmodified.
	Forward Action = iota
	// Block means a synthetic 403 should be returned without contacting
	// upstream.
	Block
)

// Decision is the result of running a request through an interceptor.
type Decision struct {
	Action      Action
	Coordinates []coordinate.Coordinate // coordinates extracted from the URL, for logging
	BlockedOn   coordinate.Coordinate   // the specific coordinate that triggered a block, if any
}

// Interceptor maps a request URL to package coordinates and a forward/block
// decision, per spec §4.4.
type Interceptor interface {
	// Name identifies the interceptor for configuration and logging.
	Name() string
	// Ecosystem is the ecosystem this interceptor serves.
	Ecosystem() coordinate.Ecosystem
	// Matches reports whether this interceptor recognizes the given
	// host/path shape. Classification of the *host* is the dispatcher's
	// job (internal/classify); Matches additionally recognizes the
	// ecosystem's own URL shapes on that host.
	Matches(host, path string) bool
	// Handle extracts coordinates from the request and consults the oracle,
	// returning a Decision. It never performs the upstream request itself.
	Handle(ctx context.Context, method string, url string, header http.Header, ora *oracle.Client) Decision
}

// BlockBody is the fixed 403 body from spec §4.4.
const BlockBody = "Forbidden - blocked by safe-chain"
