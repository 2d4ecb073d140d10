package classify

import (
	"testing"

	"github.com/safe-chain/proxy/internal/coordinate"
)

func TestClassifyKnownRegistry(t *testing.T) {
	c := NewClassifier(nil, nil)
	res := c.Classify("registry.npmjs.org")
	if !res.Known || res.IsCustom || res.Ecosystem != coordinate.NPM {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClassifyCustomRegistry(t *testing.T) {
	c := NewClassifier(nil, []string{"private-pypi.internal.com"})
	res := c.Classify("private-pypi.internal.com")
	if !res.Known || !res.IsCustom || res.Ecosystem != coordinate.PyPI {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClassifyUnknownHost(t *testing.T) {
	c := NewClassifier(nil, nil)
	res := c.Classify("unknown-registry.example.com")
	if res.Known {
		t.Fatalf("expected unknown host, got %+v", res)
	}
}

func TestClassifyStripsPort(t *testing.T) {
	c := NewClassifier(nil, nil)
	res := c.Classify("registry.npmjs.org:443")
	if !res.Known || res.Ecosystem != coordinate.NPM {
		t.Fatalf("expected port to be stripped, got %+v", res)
	}
}
