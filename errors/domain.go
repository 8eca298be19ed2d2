package errors

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a composition that cannot be built: an unknown or
// disabled module, a dependency cycle, a missing or invalid service config, or an
// unknown adapter. Load returns it before any module is instantiated.
type ConfigurationError struct {
	Reason  string
	Subject string
	// Cycle holds the dependency path that closes on itself, first element repeated last.
	Cycle []string
	Err   error
}

// NewConfigurationError creates a ConfigurationError for subject.
func NewConfigurationError(subject, reason string, err error) *ConfigurationError {
	return &ConfigurationError{Subject: subject, Reason: reason, Err: err}
}

// NewCycleError creates a ConfigurationError naming the members of a dependency cycle.
func NewCycleError(kind string, cycle []string) *ConfigurationError {
	return &ConfigurationError{
		Reason:  kind + " dependency cycle",
		Subject: strings.Join(cycle, " -> "),
		Cycle:   cycle,
	}
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error: ")
	b.WriteString(e.Reason)
	if e.Subject != "" {
		b.WriteString(" (")
		b.WriteString(e.Subject)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the cause and ErrInvalidConfig to errors.Is.
func (e *ConfigurationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidConfig, e.Err}
	}
	return []error{ErrInvalidConfig}
}

// CapabilityError is returned when a module asks its service handle for a
// service type it did not declare.
type CapabilityError struct {
	Module  string
	Service string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("module %q did not declare service %q", e.Module, e.Service)
}

func (e *CapabilityError) Unwrap() error { return ErrCapabilityDenied }
