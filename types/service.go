// Package types contains configuration value types shared by config and engine.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/c360/modkit/errors"
)

// CustomAdapter selects a constructor registered by name instead of a built-in adapter.
const CustomAdapter = "custom"

// ServiceConfig selects and configures the adapter for one service type.
type ServiceConfig struct {
	Adapter     string          `json:"adapter"`               // Built-in adapter name or "custom"
	Constructor string          `json:"constructor,omitempty"` // Registered constructor name for "custom"
	Requires    []string        `json:"requires,omitempty"`    // Additional service types to construct first
	Config      json.RawMessage `json:"config,omitempty"`      // Adapter-specific configuration
}

// Validate checks structure only; adapter-specific settings are validated by the adapter.
func (s ServiceConfig) Validate() error {
	if s.Adapter == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ServiceConfig", "Validate", "adapter cannot be empty")
	}
	if s.Adapter == CustomAdapter && s.Constructor == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ServiceConfig", "Validate",
			"custom adapter requires a constructor name")
	}
	if s.Adapter != CustomAdapter && s.Constructor != "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ServiceConfig", "Validate",
			fmt.Sprintf("constructor is only valid with the custom adapter, not %q", s.Adapter))
	}
	for _, r := range s.Requires {
		if r == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "ServiceConfig", "Validate", "empty requires entry")
		}
	}
	return nil
}

// ServiceConfigs maps service type to its adapter configuration.
// Only service types in a composition's resolved set are ever constructed.
type ServiceConfigs map[string]ServiceConfig

// Validate checks every entry
func (s ServiceConfigs) Validate() error {
	for name, cfg := range s {
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "ServiceConfigs", "Validate", "service "+name)
		}
	}
	return nil
}
