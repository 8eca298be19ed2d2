package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"no connection", ErrNoConnection, true},
		{"circuit open", ErrCircuitOpen, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"invalid data", ErrInvalidData, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(NewConfigurationError("bus", "missing config", nil)))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrParsingFailed))
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something odd")))
	assert.Equal(t, ErrorInvalid, Classify(WrapInvalid(errors.New("bad"), "bus", "Publish", "validate topic")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "kv", "Get", "read"))

	base := errors.New("boom")
	err := Wrap(base, "kv", "Get", "read entry")
	assert.EqualError(t, err, "kv.Get: read entry failed: boom")
	assert.ErrorIs(t, err, base)

	fatal := WrapFatal(base, "engine", "Load", "construct services")
	var ce *ClassifiedError
	require.True(t, errors.As(fatal, &ce))
	assert.Equal(t, ErrorFatal, ce.Class)
	assert.Equal(t, "engine", ce.Component)
	assert.Equal(t, "Load", ce.Operation)
	assert.ErrorIs(t, fatal, base)
}

func TestConfigurationError(t *testing.T) {
	cause := errors.New("unknown adapter")
	err := NewConfigurationError("kv", "invalid service config", cause)

	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "invalid service config (kv): unknown adapter")

	cycle := NewCycleError("module", []string{"a", "b", "a"})
	assert.Equal(t, []string{"a", "b", "a"}, cycle.Cycle)
	assert.Contains(t, cycle.Error(), "a -> b -> a")
	assert.True(t, IsFatal(fmt.Errorf("load: %w", cycle)))
}

func TestCapabilityError(t *testing.T) {
	err := &CapabilityError{Module: "reporter", Service: "kv"}
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	assert.Equal(t, `module "reporter" did not declare service "kv"`, err.Error())

	var capErr *CapabilityError
	require.True(t, As(fmt.Errorf("lookup: %w", err), &capErr))
	assert.Equal(t, "kv", capErr.Service)
}

func TestNotFoundAlias(t *testing.T) {
	assert.ErrorIs(t, fmt.Errorf("get: %w", ErrNotFound), ErrKeyNotFound)
}
