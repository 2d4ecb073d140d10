package interceptorset

import (
	"testing"
	"time"

	"github.com/safe-chain/proxy/internal/coordinate"
	"github.com/safe-chain/proxy/internal/interceptor/npm"
)

func TestBuildRegistersBothEcosystemsByDefault(t *testing.T) {
	reg, err := Build(Config{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if _, ok := reg.For(coordinate.NPM); !ok {
		t.Fatalf("expected npm interceptor to be registered")
	}
	if _, ok := reg.For(coordinate.PyPI); !ok {
		t.Fatalf("expected pypi interceptor to be registered")
	}
}

func TestBuildRejectsUnknownName(t *testing.T) {
	_, err := Build(Config{Names: []string{"bun"}})
	if err == nil {
		t.Fatalf("expected error for unrecognized interceptor name")
	}
}

func TestBuildAppliesMinimumAgeOnlyToNPM(t *testing.T) {
	reg, err := Build(Config{
		NPMMinimumAge:        48,
		NPMMinimumAgeExclude: []string{"internal-tool"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ic, ok := reg.For(coordinate.NPM)
	if !ok {
		t.Fatalf("expected npm interceptor to be registered")
	}
	n, ok := ic.(*npm.Interceptor)
	if !ok {
		t.Fatalf("expected *npm.Interceptor, got %T", ic)
	}
	if n.MinimumAge != 48*time.Hour {
		t.Fatalf("expected npm minimum age 48h, got %s", n.MinimumAge)
	}
	if _, ok := n.Exclusions["internal-tool"]; !ok {
		t.Fatalf("expected internal-tool in npm minimum-age exclusions, got %v", n.Exclusions)
	}
}
