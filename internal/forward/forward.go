// Package forward builds the *http.Transport used for every upstream
// round trip the proxy makes, whether plain HTTP proxying or the MITM
// handler's re-origination of a TLS-terminated request.
package forward

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/safe-chain/proxy/internal/imds"
)

// DialContextFunc matches the signature http.Transport.DialContext expects.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewTransport builds a transport with the connection-pool tuning the
// teacher used, wired to dial through an imds.Policy so upstream connects
// pick up the §4.6 connect-timeout split rather than a flat timeout. A nil
// tlsConfig uses the system root trust store; callers that need to trust an
// additional upstream CA bundle (e.g. a corporate TLS-inspecting egress
// proxy sitting in front of the real registry) can supply their own.
func NewTransport(policy *imds.Policy, tlsConfig *tls.Config) *http.Transport {
	if policy == nil {
		policy = imds.NewPolicy(0, 0)
	}
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return policy.DialContext(ctx, addr)
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       tlsConfig,
	}
}
