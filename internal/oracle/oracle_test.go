package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safe-chain/proxy/internal/coordinate"
)

func TestLookupMaliciousAndSafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req lookupRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		verdict := "safe"
		if req.Name == "eslint-js" {
			verdict = "malicious"
		}
		_ = json.NewEncoder(w).Encode(lookupResponse{Verdict: verdict})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	safe := c.Lookup(context.Background(), coordinate.Coordinate{Ecosystem: coordinate.NPM, Name: "axios", Version: "1.0.0"})
	if safe != Safe {
		t.Fatalf("expected safe, got %v", safe)
	}

	bad := c.Lookup(context.Background(), coordinate.Coordinate{Ecosystem: coordinate.NPM, Name: "eslint-js", Version: "1.0.0"})
	if bad != Malicious {
		t.Fatalf("expected malicious, got %v", bad)
	}
}

func TestLookupUnknownOnNetworkFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Millisecond*50)
	v := c.Lookup(context.Background(), coordinate.Coordinate{Ecosystem: coordinate.PyPI, Name: "foo"})
	if v != Unknown {
		t.Fatalf("expected unknown on network failure, got %v", v)
	}
}

func TestLookupEmptyBaseURLIsUnknown(t *testing.T) {
	c := NewClient("", time.Second)
	v := c.Lookup(context.Background(), coordinate.Coordinate{Ecosystem: coordinate.NPM, Name: "foo"})
	if v != Unknown {
		t.Fatalf("expected unknown with no oracle configured, got %v", v)
	}
}

func TestLookupCoalescesConcurrentCallsForSameCoordinate(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(lookupResponse{Verdict: "safe"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	coord := coordinate.Coordinate{Ecosystem: coordinate.NPM, Name: "concurrent-pkg", Version: "1.0.0"}

	done := make(chan Verdict, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- c.Lookup(context.Background(), coord)
		}()
	}
	for i := 0; i < 8; i++ {
		if v := <-done; v != Safe {
			t.Fatalf("expected safe, got %v", v)
		}
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", got)
	}
}

func TestLookupUnknownIsNotCached(t *testing.T) {
	c := NewClient("", time.Second)
	coord := coordinate.Coordinate{Ecosystem: coordinate.NPM, Name: "retry-me"}
	c.Lookup(context.Background(), coord)

	c.Preload(coord, Safe)
	if v := c.Lookup(context.Background(), coord); v != Safe {
		t.Fatalf("expected preloaded safe verdict to take effect after an unknown result, got %v", v)
	}
}
