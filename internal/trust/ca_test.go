package trust

import (
	"testing"
)

func TestLoadOrCreateCAGeneratesThenReuses(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first.Leaf.Subject.CommonName != RootCommonName {
		t.Fatalf("unexpected root CN: %s", first.Leaf.Subject.CommonName)
	}
	if !first.Leaf.IsCA {
		t.Fatalf("expected generated root to be a CA certificate")
	}

	second, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.Leaf.SerialNumber.Cmp(first.Leaf.SerialNumber) != 0 {
		t.Fatalf("expected reload to return the same persisted root CA")
	}
}

func TestNewManagerWritesCombinedBundle(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if mgr.CombinedBundlePath() == "" {
		t.Fatalf("expected non-empty bundle path")
	}
	if mgr.CACertPath() == "" {
		t.Fatalf("expected non-empty ca cert path")
	}
}
