package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the subset of configuration that can be provided via file.
type FileConfig struct {
	Addr         string       `json:"addr" yaml:"addr"`
	LogFile      string       `json:"log_file" yaml:"log_file"`
	AllowHosts   []string     `json:"allow_hosts" yaml:"allow_hosts"`
	ExcerptLimit *int         `json:"excerpt_limit" yaml:"excerpt_limit"`
	Filters      []FilterSpec `json:"filters" yaml:"filters"`

	TrustDir string `json:"trust_dir" yaml:"trust_dir"`

	Interceptors         []string `json:"interceptors" yaml:"interceptors"`
	NPMCustomRegistries  []string `json:"npm_custom_registries" yaml:"npm_custom_registries"`
	PyPICustomRegistries []string `json:"pip_custom_registries" yaml:"pip_custom_registries"`

	OracleURL     string `json:"oracle_url" yaml:"oracle_url"`
	ScanTimeoutMS *int   `json:"scan_timeout_ms" yaml:"scan_timeout_ms"`

	MinPackageAgeHours      *int     `json:"min_package_age_hours" yaml:"min_package_age_hours"`
	MinPackageAgeExclusions []string `json:"min_package_age_exclusions" yaml:"min_package_age_exclusions"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	StatePath string `json:"state_path" yaml:"state_path"`

	IMDSTimeoutMS    *int `json:"imds_timeout_ms" yaml:"imds_timeout_ms"`
	NonIMDSTimeoutMS *int `json:"non_imds_timeout_ms" yaml:"non_imds_timeout_ms"`
}

// LoadFile parses configuration from the provided file path.
func LoadFile(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config file: %w", err)
	}

	fc := FileConfig{}
	switch detectFormat(path, data) {
	case "yaml":
		err = yaml.Unmarshal(data, &fc)
	case "json":
		err = json.Unmarshal(data, &fc)
	default:
		err = errors.New("unsupported config format (use .json, .yml, or .yaml)")
	}
	if err != nil {
		return FileConfig{}, err
	}

	return fc, nil
}

// Merge overlays file configuration on top of the base Config parsed from
// flags/env. Per spec §4.7, flag/env wins over file: Merge only fills in a
// field when base.explicitlySet says the caller did not already provide it
// via an explicit flag or SAFECHAIN_* environment variable. Callers pass the
// flag-parsed Config (from ParseFlags) as base so that bookkeeping is
// available; a base with a nil explicitlySet map (e.g. one built directly as
// a Config{} literal) is treated as having nothing explicitly set.
func Merge(base Config, fc FileConfig) Config {
	set := base.explicitlySet

	if !set["Addr"] && fc.Addr != "" {
		base.Addr = fc.Addr
	}
	if !set["LogFile"] && fc.LogFile != "" {
		base.LogFile = fc.LogFile
	}
	if !set["AllowHosts"] && len(fc.AllowHosts) > 0 {
		base.AllowHosts = fc.AllowHosts
	}
	if !set["ExcerptLimit"] && fc.ExcerptLimit != nil {
		base.ExcerptLimit = *fc.ExcerptLimit
	}
	if len(fc.Filters) > 0 {
		base.Filters = fc.Filters
	}
	if !set["TrustDir"] && fc.TrustDir != "" {
		base.TrustDir = fc.TrustDir
	}
	if !set["Interceptors"] && len(fc.Interceptors) > 0 {
		base.Interceptors = fc.Interceptors
	}
	if !set["NPMCustomRegistries"] && len(fc.NPMCustomRegistries) > 0 {
		base.NPMCustomRegistries = dedupeRegistries(append(base.NPMCustomRegistries, fc.NPMCustomRegistries...))
	}
	if !set["PyPICustomRegistries"] && len(fc.PyPICustomRegistries) > 0 {
		base.PyPICustomRegistries = dedupeRegistries(append(base.PyPICustomRegistries, fc.PyPICustomRegistries...))
	}
	if !set["OracleURL"] && fc.OracleURL != "" {
		base.OracleURL = fc.OracleURL
	}
	if !set["ScanTimeoutMS"] && fc.ScanTimeoutMS != nil {
		base.ScanTimeoutMS = *fc.ScanTimeoutMS
	}
	if !set["MinPackageAgeHours"] && fc.MinPackageAgeHours != nil {
		base.MinPackageAgeHours = *fc.MinPackageAgeHours
	}
	if !set["MinPackageAgeExclusions"] && len(fc.MinPackageAgeExclusions) > 0 {
		base.MinPackageAgeExclusions = fc.MinPackageAgeExclusions
	}
	if !set["LogLevel"] && fc.LogLevel != "" {
		base.LogLevel = fc.LogLevel
	}
	if !set["StatePath"] && fc.StatePath != "" {
		base.StatePath = fc.StatePath
	}
	if !set["IMDSTimeoutMS"] && fc.IMDSTimeoutMS != nil {
		base.IMDSTimeoutMS = *fc.IMDSTimeoutMS
	}
	if !set["NonIMDSTimeoutMS"] && fc.NonIMDSTimeoutMS != nil {
		base.NonIMDSTimeoutMS = *fc.NonIMDSTimeoutMS
	}
	return base
}

func dedupeRegistries(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func detectFormat(path string, data []byte) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return "yaml"
	}
	if strings.HasSuffix(lower, ".json") {
		return "json"
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return "json"
	}
	return "yaml"
}
