package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config represents the runtime options used to start the proxy.
type Config struct {
	Addr         string
	LogFile      string
	AllowHosts   []string
	ExcerptLimit int
	Filters      []FilterSpec

	// TrustDir holds the root CA cert/key and combined system bundle
	// (spec §4.3/§4.7); generated on first start if empty of a CA.
	TrustDir string

	// Interceptors enabled by name ("npm", "pypi"); empty enables both.
	Interceptors []string

	NPMCustomRegistries  []string
	PyPICustomRegistries []string

	// OracleURL is the malware oracle's HTTPS lookup endpoint (spec §4.5).
	OracleURL     string
	ScanTimeoutMS int

	MinPackageAgeHours      int
	MinPackageAgeExclusions []string

	// LogLevel is one of "silent", "normal", "verbose" (spec §4.7).
	LogLevel string

	// StatePath is where the proxy-state record is published (spec §6/§9).
	StatePath string

	IMDSTimeoutMS    int
	NonIMDSTimeoutMS int

	// explicitlySet records which fields were provided via an explicit CLI
	// flag or SAFECHAIN_* environment variable, as opposed to falling back
	// to a hardcoded default. Merge consults this so a config file can only
	// fill in fields the user left unset, per spec §4.7's "flag/env beats
	// file" precedence.
	explicitlySet map[string]bool
}

// FilterSpec describes filter configuration entries parsed from files.
type FilterSpec struct {
	Name   string   `json:"name" yaml:"name"`
	Type   string   `json:"type" yaml:"type"`
	Header string   `json:"header" yaml:"header"`
	Values []string `json:"values" yaml:"values"`
}

// MustParseFlags reads configuration from CLI flags and terminates the process
// if parsing fails. Prefer ParseFlags when callers want explicit error handling.
func MustParseFlags(baseSet *flag.FlagSet, args []string) Config {
	cfg, err := ParseFlags(baseSet, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// ParseFlags reads supported CLI flags into a Config value. Each flag falls
// back to a SAFECHAIN_* environment variable when unset on the command line,
// per spec §4.7 ("every option expressible via environment variable").
func ParseFlags(baseSet *flag.FlagSet, args []string) (Config, error) {
	fs := flag.NewFlagSet("safe-chain-proxy", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	// Flags the caller registered on baseSet (e.g. -config) are parsed
	// alongside the proxy's own flags and write into the caller's variables.
	if baseSet != nil {
		baseSet.VisitAll(func(f *flag.Flag) { fs.Var(f.Value, f.Name, f.Usage) })
	}

	var (
		addr           = fs.String("addr", envOr("SAFECHAIN_ADDR", "127.0.0.1:8080"), "address the proxy listens on")
		logFile        = fs.String("log-file", envOr("SAFECHAIN_LOG_FILE", "logs/audit.jsonl"), "path to the JSONL audit log file")
		allowHosts     = fs.String("allow-hosts", envOr("SAFECHAIN_ALLOW_HOSTS", "*"), "comma-separated allowlist of upstream hosts (\"*\" allows all)")
		excerpt        = fs.Int("excerpt-limit", envOrInt("SAFECHAIN_EXCERPT_LIMIT", 4096), "maximum bytes captured for request/response excerpts (0 disables)")
		trustDir       = fs.String("trust-dir", envOr("SAFECHAIN_TRUST_DIR", defaultTrustDir()), "directory holding the root CA and combined bundle")
		interceptors   = fs.String("interceptors", envOr("SAFECHAIN_INTERCEPTORS", ""), "comma-separated list of interceptors to enable (npm,pypi); empty enables both")
		npmRegistries  = fs.String("npm-custom-registries", envOr("SAFECHAIN_NPM_CUSTOM_REGISTRIES", ""), "comma-separated additional npm registry hostnames")
		pypiRegistries = fs.String("pip-custom-registries", envOr("SAFECHAIN_PIP_CUSTOM_REGISTRIES", ""), "comma-separated additional pip registry hostnames")
		oracleURL      = fs.String("oracle-url", envOr("SAFECHAIN_ORACLE_URL", ""), "malware oracle HTTPS lookup endpoint")
		scanTimeoutMS  = fs.Int("scan-timeout-ms", envOrInt("SAFECHAIN_SCAN_TIMEOUT_MS", 10000), "oracle per-query deadline in milliseconds")
		minAgeHours    = fs.Int("min-package-age-hours", envOrInt("SAFECHAIN_MIN_PACKAGE_AGE_HOURS", 0), "minimum npm package age in hours (0 disables)")
		minAgeExclude  = fs.String("min-package-age-exclusions", envOr("SAFECHAIN_MIN_PACKAGE_AGE_EXCLUSIONS", ""), "comma-separated npm package names exempt from the age check")
		logLevel       = fs.String("log-level", envOr("SAFECHAIN_LOG_LEVEL", "normal"), "logging level: silent, normal, or verbose")
		statePath      = fs.String("state-path", envOr("SAFECHAIN_STATE_PATH", ""), "path to the proxy-state discovery file (default ~/.safe-chain/proxy-state.json)")
		imdsTimeoutMS  = fs.Int("imds-timeout-ms", envOrInt("SAFECHAIN_IMDS_TIMEOUT_MS", 3000), "connect timeout in milliseconds for cloud instance-metadata hosts")
		nonIMDSMS      = fs.Int("non-imds-timeout-ms", envOrInt("SAFECHAIN_NON_IMDS_TIMEOUT_MS", 30000), "connect timeout in milliseconds for all other hosts")
	)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// flagSetOnCLI holds the flags the caller actually passed on the command
	// line, as opposed to ones that merely carry an env-derived or hardcoded
	// default (flag.Visit only reports flags explicitly set).
	flagSetOnCLI := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { flagSetOnCLI[f.Name] = true })

	explicit := func(flagName, envKey string) bool {
		if flagSetOnCLI[flagName] {
			return true
		}
		_, ok := os.LookupEnv(envKey)
		return ok
	}

	cfg := Config{
		Addr:                    *addr,
		LogFile:                 *logFile,
		AllowHosts:              normaliseList(*allowHosts),
		ExcerptLimit:            *excerpt,
		TrustDir:                *trustDir,
		Interceptors:            normaliseList(*interceptors),
		NPMCustomRegistries:     normaliseRegistryList(*npmRegistries),
		PyPICustomRegistries:    normaliseRegistryList(*pypiRegistries),
		OracleURL:               *oracleURL,
		ScanTimeoutMS:           *scanTimeoutMS,
		MinPackageAgeHours:      *minAgeHours,
		MinPackageAgeExclusions: normaliseList(*minAgeExclude),
		LogLevel:                *logLevel,
		StatePath:               *statePath,
		IMDSTimeoutMS:           *imdsTimeoutMS,
		NonIMDSTimeoutMS:        *nonIMDSMS,
	}

	cfg.explicitlySet = map[string]bool{
		"Addr":                    explicit("addr", "SAFECHAIN_ADDR"),
		"LogFile":                 explicit("log-file", "SAFECHAIN_LOG_FILE"),
		"AllowHosts":              explicit("allow-hosts", "SAFECHAIN_ALLOW_HOSTS"),
		"ExcerptLimit":            explicit("excerpt-limit", "SAFECHAIN_EXCERPT_LIMIT"),
		"TrustDir":                explicit("trust-dir", "SAFECHAIN_TRUST_DIR"),
		"Interceptors":            explicit("interceptors", "SAFECHAIN_INTERCEPTORS"),
		"NPMCustomRegistries":     explicit("npm-custom-registries", "SAFECHAIN_NPM_CUSTOM_REGISTRIES"),
		"PyPICustomRegistries":    explicit("pip-custom-registries", "SAFECHAIN_PIP_CUSTOM_REGISTRIES"),
		"OracleURL":               explicit("oracle-url", "SAFECHAIN_ORACLE_URL"),
		"ScanTimeoutMS":           explicit("scan-timeout-ms", "SAFECHAIN_SCAN_TIMEOUT_MS"),
		"MinPackageAgeHours":      explicit("min-package-age-hours", "SAFECHAIN_MIN_PACKAGE_AGE_HOURS"),
		"MinPackageAgeExclusions": explicit("min-package-age-exclusions", "SAFECHAIN_MIN_PACKAGE_AGE_EXCLUSIONS"),
		"LogLevel":                explicit("log-level", "SAFECHAIN_LOG_LEVEL"),
		"StatePath":               explicit("state-path", "SAFECHAIN_STATE_PATH"),
		"IMDSTimeoutMS":           explicit("imds-timeout-ms", "SAFECHAIN_IMDS_TIMEOUT_MS"),
		"NonIMDSTimeoutMS":        explicit("non-imds-timeout-ms", "SAFECHAIN_NON_IMDS_TIMEOUT_MS"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.ExcerptLimit < 0 {
		return errors.New("excerpt limit must be zero or positive")
	}
	if c.ScanTimeoutMS <= 0 {
		return errors.New("scan timeout must be positive")
	}
	if c.MinPackageAgeHours < 0 {
		return errors.New("minimum package age must be zero or positive")
	}
	switch c.LogLevel {
	case "silent", "normal", "verbose":
	default:
		return fmt.Errorf("unknown log level: %s", c.LogLevel)
	}
	if err := c.validateFilters(); err != nil {
		return err
	}
	return nil
}

func (c Config) validateFilters() error {
	for _, f := range c.Filters {
		switch f.Type {
		case "header-block":
			if f.Header == "" {
				return fmt.Errorf("filter %q missing header", f.Name)
			}
		case "path-prefix-block":
			if len(f.Values) == 0 {
				return fmt.Errorf("filter %q requires at least one prefix value", f.Name)
			}
		case "path-prefix-allow":
			if len(f.Values) == 0 {
				return fmt.Errorf("filter %q requires at least one allow prefix", f.Name)
			}
		default:
			return fmt.Errorf("unknown filter type: %s", f.Type)
		}
	}
	return nil
}

func defaultTrustDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".safe-chain"
	}
	return home + "/.safe-chain"
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// normaliseList splits a comma-separated value, trims whitespace, drops
// empty entries, and preserves order.
func normaliseList(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// normaliseRegistryList is normaliseList plus stripping a leading
// "http://"/"https://" scheme and deduplicating while preserving order, per
// spec §4.7's registry-entry normalization rule.
func normaliseRegistryList(s string) []string {
	items := normaliseList(s)
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimPrefix(item, "https://")
		item = strings.TrimPrefix(item, "http://")
		item = strings.TrimSuffix(item, "/")
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
