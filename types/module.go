package types

import (
	"encoding/json"

	"github.com/c360/modkit/errors"
)

// ModuleConfig holds a module's runtime switch and its own configuration.
type ModuleConfig struct {
	Enabled *bool           `json:"enabled,omitempty"` // nil means enabled
	Config  json.RawMessage `json:"config,omitempty"`  // Validated against the module's schema
}

// IsEnabled reports whether the module may be loaded
func (m ModuleConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ModuleConfigs maps module name to its configuration
type ModuleConfigs map[string]ModuleConfig

// Validate checks module names and that each config, when present, is a JSON object
func (m ModuleConfigs) Validate() error {
	for name, cfg := range m {
		if name == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "ModuleConfigs", "Validate", "empty module name")
		}
		if len(cfg.Config) == 0 {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cfg.Config, &obj); err != nil {
			return errors.WrapInvalid(err, "ModuleConfigs", "Validate", "module "+name+" config must be an object")
		}
	}
	return nil
}
