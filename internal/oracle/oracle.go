// Package oracle implements the malware oracle client (spec §4.5): a
// read-only HTTPS client of the remote malware database, with per-
// coordinate in-flight coalescing and a permanent, append-only, process-
// lifetime cache of answers.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/safe-chain/proxy/internal/coordinate"
)

// Verdict is the oracle's answer for a coordinate. Unknown is treated as
// safe by callers (fail-open for oracle outages, spec §7); only Malicious
// triggers a block.
type Verdict string

const (
	Safe      Verdict = "safe"
	Malicious Verdict = "malicious"
	Unknown   Verdict = "unknown"
)

// DefaultScanTimeout is the default per-query deadline from spec §4.5/§4.7.
const DefaultScanTimeout = 10 * time.Second

// Client queries the remote malware database over HTTPS.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	scanTimeout time.Duration

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]Result
}

// NewClient builds an oracle client targeting baseURL (e.g.
// "https://oracle.safe-chain.dev/v1/lookup"). A zero scanTimeout uses the
// spec default.
func NewClient(baseURL string, scanTimeout time.Duration) *Client {
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	return &Client{
		httpClient:  &http.Client{},
		baseURL:     baseURL,
		scanTimeout: scanTimeout,
		cache:       make(map[string]Result),
	}
}

// lookupRequest is the wire request body.
type lookupRequest struct {
	Ecosystem string `json:"ecosystem"`
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
}

// lookupResponse tolerates additional unknown fields per spec §6: decoding
// into a struct with named fields silently ignores anything else present.
// PublishedAt is optional metadata some oracle deployments attach; it backs
// the npm interceptor's best-effort minimum-package-age check.
type lookupResponse struct {
	Verdict     string     `json:"verdict"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// Result is the full answer for a coordinate, including any age metadata
// the oracle chose to attach.
type Result struct {
	Verdict     Verdict
	PublishedAt *time.Time
}

// Lookup resolves a coordinate to a Verdict. Network and parse failures are
// mapped to Unknown rather than propagated, per spec §7 — the oracle must
// never crash the proxy or block on a transient outage.
func (c *Client) Lookup(ctx context.Context, coord coordinate.Coordinate) Verdict {
	return c.LookupResult(ctx, coord).Verdict
}

// LookupResult is Lookup plus any age metadata the oracle attached, used by
// the npm interceptor's minimum-package-age check.
func (c *Client) LookupResult(ctx context.Context, coord coordinate.Coordinate) Result {
	key := coord.String()

	c.mu.RLock()
	if r, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return r
	}
	c.mu.RUnlock()

	r, _, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		if r, ok := c.cache[key]; ok {
			c.mu.RUnlock()
			return r, nil
		}
		c.mu.RUnlock()

		result := c.fetch(ctx, coord)

		// Never cache Unknown: an oracle outage should not poison the
		// permanent cache for a coordinate that might resolve cleanly on
		// the next attempt. Safe/Malicious answers are stable and cached
		// for the process lifetime (spec §4.5 "append-only").
		if result.Verdict != Unknown {
			c.mu.Lock()
			c.cache[key] = result
			c.mu.Unlock()
		}
		return result, nil
	})
	return r.(Result)
}

func (c *Client) fetch(ctx context.Context, coord coordinate.Coordinate) Result {
	if c.baseURL == "" {
		return Result{Verdict: Unknown}
	}

	body, err := json.Marshal(lookupRequest{
		Ecosystem: string(coord.Ecosystem),
		Name:      coord.Name,
		Version:   coord.Version,
	})
	if err != nil {
		return Result{Verdict: Unknown}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.scanTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Result{Verdict: Unknown}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Verdict: Unknown}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{Verdict: Unknown}
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{Verdict: Unknown}
	}

	switch Verdict(out.Verdict) {
	case Malicious:
		return Result{Verdict: Malicious, PublishedAt: out.PublishedAt}
	case Safe:
		return Result{Verdict: Safe, PublishedAt: out.PublishedAt}
	default:
		return Result{Verdict: Unknown}
	}
}

// Preload seeds the cache directly, used by tests and by embedding a local
// fixture oracle ahead of a real HTTPS lookup.
func (c *Client) Preload(coord coordinate.Coordinate, v Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[coord.String()] = Result{Verdict: v}
}

// PreloadResult is Preload plus age metadata, for minimum-package-age tests.
func (c *Client) PreloadResult(coord coordinate.Coordinate, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[coord.String()] = r
}
