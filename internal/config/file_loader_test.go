package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileYAMLAndMerge(t *testing.T) {
	path := writeTempFile(t, "config.yaml", `addr: 0.0.0.0:9000
log_file: logs/custom.jsonl
interceptors: [npm, pypi]
trust_dir: /var/lib/safe-chain
excerpt_limit: 1024
npm_custom_registries: [registry.internal.example.com]
min_package_age_hours: 48
min_package_age_exclusions: [internal-tool]
log_level: verbose
filters:
  - name: block-header
    type: header-block
    header: X-Test
    values: [block]
`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	base := Config{Addr: "127.0.0.1:8080", AllowHosts: []string{"*"}, ExcerptLimit: 4096, ScanTimeoutMS: 10000, LogLevel: "normal"}
	merged := Merge(base, fc)
	if merged.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr merge failed")
	}
	if merged.ExcerptLimit != 1024 {
		t.Fatalf("excerpt merge failed")
	}
	if merged.TrustDir != "/var/lib/safe-chain" {
		t.Fatalf("trust dir merge failed")
	}
	if len(merged.NPMCustomRegistries) != 1 || merged.NPMCustomRegistries[0] != "registry.internal.example.com" {
		t.Fatalf("npm custom registries merge failed: %#v", merged.NPMCustomRegistries)
	}
	if merged.MinPackageAgeHours != 48 {
		t.Fatalf("minimum package age merge failed")
	}
	if len(merged.MinPackageAgeExclusions) != 1 || merged.MinPackageAgeExclusions[0] != "internal-tool" {
		t.Fatalf("minimum package age exclusions merge failed")
	}
	if merged.LogLevel != "verbose" {
		t.Fatalf("log level merge failed")
	}
	if len(merged.Filters) != 1 || merged.Filters[0].Header != "X-Test" {
		t.Fatalf("filters merge failed")
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := writeTempFile(t, "config.json", `{"addr":"127.0.0.1:7000","interceptors":["npm"]}`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if fc.Addr != "127.0.0.1:7000" {
		t.Fatalf("addr mismatch")
	}
	if len(fc.Interceptors) != 1 || fc.Interceptors[0] != "npm" {
		t.Fatalf("interceptors mismatch: %#v", fc.Interceptors)
	}
}

func TestMergeEnvBeatsConflictingFileValue(t *testing.T) {
	t.Setenv("SAFECHAIN_ADDR", "127.0.0.1:9999")
	t.Setenv("SAFECHAIN_LOG_LEVEL", "verbose")

	base, err := ParseFlags(nil, []string{})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	path := writeTempFile(t, "config.yaml", `addr: 0.0.0.0:1111
log_level: silent
trust_dir: /var/lib/safe-chain
`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}

	merged := Merge(base, fc)
	if merged.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected env addr to win over conflicting file value, got %s", merged.Addr)
	}
	if merged.LogLevel != "verbose" {
		t.Fatalf("expected env log level to win over conflicting file value, got %s", merged.LogLevel)
	}
	if merged.TrustDir != "/var/lib/safe-chain" {
		t.Fatalf("expected file value to still apply to a field left unset by flag/env, got %s", merged.TrustDir)
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
