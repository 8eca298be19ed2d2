package moduleregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/modkit/engine"
	"github.com/c360/modkit/errors"
)

func TestRegister(t *testing.T) {
	registry := engine.NewModuleRegistry()
	require.NoError(t, Register(registry))
	assert.ElementsMatch(t, []string{"heartbeat", "reporter"}, registry.Names())

	reg, ok := registry.Registration("reporter")
	require.True(t, ok)
	assert.Equal(t, []string{"heartbeat"}, reg.Dependencies.Modules)
}

func TestRegister_Twice(t *testing.T) {
	registry := engine.NewModuleRegistry()
	require.NoError(t, Register(registry))

	err := Register(registry)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegister_NilRegistry(t *testing.T) {
	err := Register(nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
