// Package moduleregistry registers the modules shipped with modkit.
package moduleregistry

import (
	"errors"

	"github.com/c360/modkit/engine"
	pkgerrors "github.com/c360/modkit/errors"
	"github.com/c360/modkit/modules/heartbeat"
	"github.com/c360/modkit/modules/reporter"
)

// Register registers every bundled module with the provided registry:
//   - heartbeat (leader-elected node heartbeats on the bus)
//   - reporter (node summary over heartbeats, served from the cache)
//
// Applications embedding modkit register their own modules on the same
// registry after calling Register.
func Register(registry *engine.ModuleRegistry) error {
	// Nil registry is a programming error (fatal), not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ModuleRegistry", "Register", "registry validation")
	}

	if err := heartbeat.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ModuleRegistry", "Register", "heartbeat module registration")
	}

	if err := reporter.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ModuleRegistry", "Register", "reporter module registration")
	}

	return nil
}
