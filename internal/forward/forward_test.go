package forward

import (
	"crypto/tls"
	"testing"

	"github.com/safe-chain/proxy/internal/imds"
)

func TestNewTransportDefaultsPolicyAndTLSConfig(t *testing.T) {
	tr := NewTransport(nil, nil)
	if tr.DialContext == nil {
		t.Fatalf("expected DialContext to be set")
	}
	if tr.TLSClientConfig == nil {
		t.Fatalf("expected a non-nil TLSClientConfig")
	}
}

func TestNewTransportUsesProvidedTLSConfig(t *testing.T) {
	want := &tls.Config{ServerName: "example.invalid"}
	tr := NewTransport(imds.NewPolicy(0, 0), want)
	if tr.TLSClientConfig != want {
		t.Fatalf("expected provided tls.Config to be used as-is")
	}
}
