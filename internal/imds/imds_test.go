package imds

import (
	"context"
	"testing"
	"time"
)

func TestClassifyFixedHosts(t *testing.T) {
	cases := map[string]bool{
		"169.254.169.254":          true,
		"metadata.google.internal": true,
		"metadata.goog":            true,
		"pypi.org":                 false,
		"registry.npmjs.org":       false,
	}
	for host, want := range cases {
		if got := Classify(host); got != want {
			t.Fatalf("Classify(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestClassifyLinkLocalRange(t *testing.T) {
	if !Classify("169.254.1.1") {
		t.Fatalf("expected link-local address to classify as imds")
	}
	if Classify("10.0.0.1") {
		t.Fatalf("expected ordinary private address to not classify as imds")
	}
}

func TestDialContextCachesIMDSTimeoutOnly(t *testing.T) {
	p := NewPolicy(20*time.Millisecond, 20*time.Millisecond)

	// 192.0.2.1 (TEST-NET-1) is unroutable and will time out without ever
	// completing a handshake, modeling the boundary behaviors in spec §8.
	const imdsAddr = "169.254.169.254:443"
	const nonIMDSAddr = "192.0.2.1:443"

	ctx := context.Background()

	start := time.Now()
	if _, err := p.DialContext(ctx, imdsAddr); err == nil {
		t.Fatalf("expected first imds dial to fail")
	}
	first := time.Since(start)

	start = time.Now()
	if _, err := p.DialContext(ctx, imdsAddr); err == nil {
		t.Fatalf("expected cached imds dial to fail")
	}
	second := time.Since(start)

	if second >= first {
		t.Fatalf("expected cached imds lookup to be much faster: first=%s second=%s", first, second)
	}

	if _, err := p.DialContext(ctx, nonIMDSAddr); err == nil {
		t.Fatalf("expected non-imds dial to time out in this test environment")
	}
	p.mu.RLock()
	_, cached := p.timedOut[nonIMDSAddr]
	p.mu.RUnlock()
	if cached {
		t.Fatalf("non-imds timeouts must never be cached")
	}
}
