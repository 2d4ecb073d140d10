package npm

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/safe-chain/proxy/internal/coordinate"
	"github.com/safe-chain/proxy/internal/interceptor"
	"github.com/safe-chain/proxy/internal/oracle"
)

func TestMatchesKnownAndCustomHosts(t *testing.T) {
	i := New("registry.internal.example.com")

	if !i.Matches("registry.npmjs.org", "/axios") {
		t.Fatalf("expected known registry to match")
	}
	if !i.Matches("REGISTRY.internal.example.com", "/axios") {
		t.Fatalf("expected configured custom registry to match case-insensitively")
	}
	if i.Matches("example.com", "/axios") {
		t.Fatalf("expected unrelated host not to match")
	}
}

func TestParseCoordinateMetadataPath(t *testing.T) {
	c, ok := parseCoordinate("axios")
	if !ok || c.Name != "axios" || c.HasVersion() {
		t.Fatalf("unexpected coordinate: %+v ok=%v", c, ok)
	}
}

func TestParseCoordinateScopedMetadataPath(t *testing.T) {
	c, ok := parseCoordinate("@types%2fnode")
	if !ok || c.Name != "@types/node" {
		t.Fatalf("unexpected coordinate: %+v ok=%v", c, ok)
	}
}

func TestParseCoordinateTarballPath(t *testing.T) {
	c, ok := parseCoordinate("lodash/-/lodash-4.17.21.tgz")
	if !ok || c.Name != "lodash" || c.Version != "4.17.21" {
		t.Fatalf("unexpected coordinate: %+v ok=%v", c, ok)
	}
}

func TestParseCoordinateScopedTarballPath(t *testing.T) {
	c, ok := parseCoordinate("@types%2fnode/-/node-20.1.0.tgz")
	if !ok || c.Name != "@types/node" || c.Version != "20.1.0" {
		t.Fatalf("unexpected coordinate: %+v ok=%v", c, ok)
	}
}

func TestParseCoordinateRejectsNonVersionSuffix(t *testing.T) {
	if _, ok := parseCoordinate("lodash/-/lodash-latest.tgz"); ok {
		t.Fatalf("expected non-semver suffix to be rejected")
	}
}

func TestHandleBlocksMaliciousTarball(t *testing.T) {
	ora := oracle.NewClient("", time.Second)
	ora.Preload(coordinate.Coordinate{Ecosystem: coordinate.NPM, Name: "eslint-js", Version: "1.0.0"}, oracle.Malicious)

	i := New()
	req := httptest.NewRequest("GET", "https://registry.npmjs.org/eslint-js/-/eslint-js-1.0.0.tgz", nil)

	d := i.Handle(context.Background(), req.Method, req.URL.Path, req.Header, ora)
	if d.Action != interceptor.Block {
		t.Fatalf("expected block action, got %v", d.Action)
	}
	if d.BlockedOn.Name != "eslint-js" {
		t.Fatalf("expected block decision naming eslint-js, got %+v", d)
	}
}

func TestHandleBlocksPackageYoungerThanMinimumAge(t *testing.T) {
	ora := oracle.NewClient("", time.Second)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	publishedAt := fixedNow.Add(-1 * time.Hour)
	ora.PreloadResult(
		coordinate.Coordinate{Ecosystem: coordinate.NPM, Name: "brand-new-pkg", Version: "0.0.1"},
		oracle.Result{Verdict: oracle.Safe, PublishedAt: &publishedAt},
	)

	i := New()
	i.MinimumAge = 72 * time.Hour
	i.Now = func() time.Time { return fixedNow }

	d := i.Handle(context.Background(), "GET", "brand-new-pkg/-/brand-new-pkg-0.0.1.tgz", nil, ora)
	if d.Action != interceptor.Block {
		t.Fatalf("expected package younger than minimum age to be blocked, got %v", d.Action)
	}
}

func TestHandleAllowsExcludedPackageYoungerThanMinimumAge(t *testing.T) {
	ora := oracle.NewClient("", time.Second)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	publishedAt := fixedNow.Add(-1 * time.Hour)
	ora.PreloadResult(
		coordinate.Coordinate{Ecosystem: coordinate.NPM, Name: "internal-tool", Version: "0.0.1"},
		oracle.Result{Verdict: oracle.Safe, PublishedAt: &publishedAt},
	)

	i := New()
	i.MinimumAge = 72 * time.Hour
	i.Now = func() time.Time { return fixedNow }
	i.Exclusions = map[string]struct{}{"internal-tool": {}}

	d := i.Handle(context.Background(), "GET", "internal-tool/-/internal-tool-0.0.1.tgz", nil, ora)
	if d.Action != interceptor.Forward {
		t.Fatalf("expected excluded package to forward despite minimum age, got %v", d.Action)
	}
}

func TestHandleForwardsUnmatchedPath(t *testing.T) {
	ora := oracle.NewClient("", time.Second)
	i := New()
	d := i.Handle(context.Background(), "GET", "/-/ping", nil, ora)
	if len(d.Coordinates) != 0 {
		t.Fatalf("expected no coordinates extracted from a non-package path, got %+v", d)
	}
}
