package config

import "testing"

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := ParseFlags(nil, []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8080" {
		t.Errorf("expected default addr, got %s", cfg.Addr)
	}
	if cfg.ExcerptLimit != 4096 {
		t.Fatalf("expected default excerpt limit 4096, got %d", cfg.ExcerptLimit)
	}
	if cfg.ScanTimeoutMS != 10000 {
		t.Fatalf("expected default scan timeout 10000ms, got %d", cfg.ScanTimeoutMS)
	}
	if cfg.LogLevel != "normal" {
		t.Fatalf("expected default log level normal, got %s", cfg.LogLevel)
	}
	if cfg.MinPackageAgeHours != 0 {
		t.Fatalf("expected minimum package age disabled by default, got %d", cfg.MinPackageAgeHours)
	}
}

func TestParseFlagsAllowHosts(t *testing.T) {
	cfg, err := ParseFlags(nil, []string{"--allow-hosts", "example.com , api.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := len(cfg.AllowHosts), 2; got != want {
		t.Fatalf("expected %d hosts, got %d", want, got)
	}
	if cfg.AllowHosts[0] != "example.com" || cfg.AllowHosts[1] != "api.example.com" {
		t.Fatalf("unexpected allow hosts: %#v", cfg.AllowHosts)
	}
}

func TestParseFlagsCustomRegistriesNormalized(t *testing.T) {
	cfg, err := ParseFlags(nil, []string{
		"--npm-custom-registries", "https://registry.internal.example.com/ , registry.internal.example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.NPMCustomRegistries) != 1 || cfg.NPMCustomRegistries[0] != "registry.internal.example.com" {
		t.Fatalf("expected scheme-stripped deduplicated registry, got %#v", cfg.NPMCustomRegistries)
	}
}

func TestParseFlagsRejectsUnknownLogLevel(t *testing.T) {
	_, err := ParseFlags(nil, []string{"--log-level", "chatty"})
	if err == nil {
		t.Fatalf("expected error for unknown log level")
	}
}

func TestValidateExcerptLimit(t *testing.T) {
	cfg := Config{Addr: "127.0.0.1:8080", ExcerptLimit: -1, ScanTimeoutMS: 1000, LogLevel: "normal"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative excerpt limit")
	}
}

func TestValidateFilters(t *testing.T) {
	cfg := Config{
		Addr:          "127.0.0.1:8080",
		ScanTimeoutMS: 1000,
		LogLevel:      "normal",
		Filters:       []FilterSpec{{Name: "bad", Type: "header-block"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing header")
	}
	cfg.Filters = []FilterSpec{{Type: "path-prefix-allow", Values: []string{"/"}}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateMinimumPackageAge(t *testing.T) {
	cfg := Config{Addr: "127.0.0.1:8080", ScanTimeoutMS: 1000, LogLevel: "normal", MinPackageAgeHours: -1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative minimum package age")
	}
}
