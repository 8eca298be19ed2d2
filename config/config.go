package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/types"
)

// Config represents the complete host configuration
type Config struct {
	Version  string               `json:"version,omitempty"` // Semantic version (e.g., "1.0.0")
	Runtime  RuntimeConfig        `json:"runtime"`
	Load     []string             `json:"load,omitempty"`     // Entry modules; dependencies are pulled in
	Services types.ServiceConfigs `json:"services,omitempty"` // Adapter selection per service type
	Modules  types.ModuleConfigs  `json:"modules,omitempty"`  // Per-module settings
}

// RuntimeConfig defines host process settings
type RuntimeConfig struct {
	Name        string `json:"name"`
	MetricsPort int    `json:"metrics_port"` // 0 disables the metrics server
	HealthPort  int    `json:"health_port"`  // 0 disables the health endpoint
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"` // json or text
}

// SupportedVersion is the newest configuration format this build reads.
// Files declaring another major version, or a newer one, are rejected.
const SupportedVersion = "1.0.0"

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate checks the configuration structure. Adapter and module settings
// are validated by the engine against their registrations.
func (c *Config) Validate() error {
	if c.Version != "" {
		if err := checkVersion(c.Version); err != nil {
			return err
		}
	}

	if err := c.Runtime.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Load))
	for _, name := range c.Load {
		if strings.TrimSpace(name) == "" {
			return errors.NewConfigurationError("load", "empty module name", nil)
		}
		if seen[name] {
			return errors.NewConfigurationError("load", "module "+name+" listed twice", nil)
		}
		seen[name] = true
	}

	if err := c.Services.Validate(); err != nil {
		return errors.NewConfigurationError("services", "invalid service configuration", err)
	}
	if err := c.Modules.Validate(); err != nil {
		return errors.NewConfigurationError("modules", "invalid module configuration", err)
	}
	return nil
}

func checkVersion(version string) error {
	major, _, _, err := parseSemVer(version)
	if err != nil {
		return errors.NewConfigurationError("version", "invalid version", err)
	}
	supported, _, _, _ := parseSemVer(SupportedVersion)
	cmp, err := CompareVersions(version, SupportedVersion)
	if err != nil {
		return errors.NewConfigurationError("version", "invalid version", err)
	}
	if major != supported || cmp > 0 {
		return errors.NewConfigurationError("version",
			fmt.Sprintf("version %s not supported, this build reads up to %s", version, SupportedVersion), nil)
	}
	return nil
}

func (r RuntimeConfig) validate() error {
	for name, port := range map[string]int{"metrics_port": r.MetricsPort, "health_port": r.HealthPort} {
		if port < 0 || port > 65535 {
			return errors.NewConfigurationError("runtime."+name, fmt.Sprintf("port %d out of range", port), nil)
		}
	}
	if r.MetricsPort != 0 && r.MetricsPort == r.HealthPort {
		return errors.NewConfigurationError("runtime", "metrics_port and health_port must differ", nil)
	}
	if r.LogLevel != "" && !slices.Contains(logLevels, strings.ToLower(r.LogLevel)) {
		return errors.NewConfigurationError("runtime.log_level", "unknown level "+r.LogLevel, nil)
	}
	if r.LogFormat != "" && r.LogFormat != "json" && r.LogFormat != "text" {
		return errors.NewConfigurationError("runtime.log_format", "must be json or text", nil)
	}
	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: "MODKIT",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers over the defaults, then applies environment overrides
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(l.getDefaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged layers")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// getDefaults returns the configuration used when no layer says otherwise.
// Every service type gets an in-process adapter; only the services the loaded
// modules need are ever constructed.
func (l *Loader) getDefaults() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Name:        "modkit",
			MetricsPort: 9090,
			HealthPort:  8080,
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Services: types.ServiceConfigs{
			"bus":     {Adapter: "memory"},
			"kv":      {Adapter: "memory"},
			"cache":   {Adapter: "memory"},
			"workers": {Adapter: "pool"},
		},
	}
}

// loadRaw reads one layer as a generic map, choosing the decoder by extension
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(err, "Loader", "loadRaw", "parse YAML")
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(err, "Loader", "loadRaw", "parse JSON")
		}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// A null override leaves the base value in place.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
		}
		return val, nil
	}

	for adapter, name := range map[string]string{"nats": "NATS_URL", "redis": "REDIS_URL"} {
		url, err := env(name)
		if err != nil {
			return err
		}
		if url != "" {
			if err := setAdapterURL(cfg.Services, adapter, url); err != nil {
				return err
			}
		}
	}

	load, err := env("LOAD")
	if err != nil {
		return err
	}
	if load != "" {
		cfg.Load = cfg.Load[:0]
		for _, name := range strings.Split(load, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Load = append(cfg.Load, name)
			}
		}
	}

	level, err := env("LOG_LEVEL")
	if err != nil {
		return err
	}
	if level != "" {
		cfg.Runtime.LogLevel = strings.ToLower(level)
	}

	port, err := env("METRICS_PORT")
	if err != nil {
		return err
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_METRICS_PORT")
		}
		cfg.Runtime.MetricsPort = n
	}
	return nil
}

// setAdapterURL rewrites the url setting of every service using adapter
func setAdapterURL(services types.ServiceConfigs, adapter, url string) error {
	for name, svc := range services {
		if svc.Adapter != adapter {
			continue
		}
		settings := map[string]any{}
		if len(svc.Config) > 0 {
			if err := json.Unmarshal(svc.Config, &settings); err != nil {
				return errors.NewConfigurationError("services."+name, "config is not a JSON object", err)
			}
		}
		settings["url"] = url
		data, err := json.Marshal(settings)
		if err != nil {
			return errors.WrapFatal(err, "Loader", "setAdapterURL", "encode "+name)
		}
		svc.Config = data
		services[name] = svc
	}
	return nil
}

// SaveToFile writes the configuration as JSON or YAML, by extension
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if m, err = toMap(c); err == nil {
			data, err = yaml.Marshal(m)
		}
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.WrapFatal(err, "Config", "SaveToFile", "encode")
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// CompareVersions compares two semver version strings
// Returns:
//
//	-1 if v1 < v2
//	 0 if v1 == v2
//	 1 if v1 > v2
//	error if either version is invalid
func CompareVersions(v1, v2 string) (int, error) {
	major1, minor1, patch1, err := parseSemVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	major2, minor2, patch2, err := parseSemVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}

	for _, pair := range [][2]int{{major1, major2}, {minor1, minor2}, {patch1, patch2}} {
		switch {
		case pair[0] > pair[1]:
			return 1, nil
		case pair[0] < pair[1]:
			return -1, nil
		}
	}
	return 0, nil
}

// parseSemVer parses a semantic version string (e.g., "1.2.3")
// Returns major, minor, patch, error
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, errors.New("version cannot be empty")
	}

	version = strings.TrimPrefix(version, "v")
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}

	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid version component '%s': %w", part, err)
		}
		if n < 0 {
			return 0, 0, 0, fmt.Errorf("negative version component '%s'", part)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
