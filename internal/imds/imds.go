// Package imds implements the connect-timeout policy (spec §4.6): a short
// connect budget and a permanent negative cache for cloud instance-metadata
// endpoints, so that a package manager configured to use this proxy via
// HTTPS_PROXY never hangs trying to reach an IMDS sink.
package imds

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Default connect budgets per spec §4.6.
const (
	DefaultIMDSTimeout    = 3 * time.Second
	DefaultNonIMDSTimeout = 30 * time.Second
)

// fixedHosts is the fixed IMDS hostname set from spec §4.6.
var fixedHosts = map[string]struct{}{
	"169.254.169.254":          {},
	"metadata.google.internal": {},
	"metadata.goog":            {},
}

// linkLocalRanges are the CIDR ranges IMDS endpoints are reachable at.
var linkLocalRanges = []string{
	"169.254.0.0/16",
	"fd00:ec2::254/128",
}

// Classify reports whether host is an instance-metadata endpoint, per the
// fixed set or the link-local ranges in spec §4.6. Classification is pure.
func Classify(host string) bool {
	h := strings.ToLower(stripBrackets(host))
	if _, ok := fixedHosts[h]; ok {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	for _, cidr := range linkLocalRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func stripBrackets(host string) string {
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// Policy dials connections subject to the IMDS-aware timeout split and
// caches IMDS timeouts permanently for the process lifetime (spec §4.6,
// §3 "Connect-timeout cache").
type Policy struct {
	imdsTimeout    time.Duration
	nonIMDSTimeout time.Duration

	mu         sync.RWMutex
	timedOut   map[string]struct{} // "(host, port)" pairs classified as IMDS that have already timed out
}

// NewPolicy builds a Policy with the given timeouts. Pass zero values to use
// the spec defaults.
func NewPolicy(imdsTimeout, nonIMDSTimeout time.Duration) *Policy {
	if imdsTimeout <= 0 {
		imdsTimeout = DefaultIMDSTimeout
	}
	if nonIMDSTimeout <= 0 {
		nonIMDSTimeout = DefaultNonIMDSTimeout
	}
	return &Policy{
		imdsTimeout:    imdsTimeout,
		nonIMDSTimeout: nonIMDSTimeout,
		timedOut:       make(map[string]struct{}),
	}
}

// DialContext connects to addr ("host:port"), applying the IMDS-aware
// timeout split and negative cache. A cached IMDS timeout fails immediately
// without attempting to dial, per spec §4.6/§8.
func (p *Policy) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	isIMDS := Classify(host)

	if isIMDS {
		p.mu.RLock()
		_, cached := p.timedOut[addr]
		p.mu.RUnlock()
		if cached {
			return nil, fmt.Errorf("connect to %s: cached imds timeout", addr)
		}
	}

	timeout := p.nonIMDSTimeout
	if isIMDS {
		timeout = p.imdsTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if isIMDS && isTimeout(err) {
			p.mu.Lock()
			p.timedOut[addr] = struct{}{}
			p.mu.Unlock()
		}
		// Non-IMDS timeouts are never cached: spec §4.6 requires a later
		// attempt to retry from scratch.
		return nil, err
	}
	return conn, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if ok := asTimeoutError(err, &netErr); ok {
		return netErr.Timeout()
	}
	return false
}

func asTimeoutError(err error, target *interface{ Timeout() bool }) bool {
	for err != nil {
		if t, ok := err.(interface{ Timeout() bool }); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
