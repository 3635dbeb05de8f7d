package rpcresilience

import (
	"fmt"

	"github.com/outpostlabs/rpcresilience/internal/orchestrator"
)

// CallError is the single error carrier calls surface, aliasing the
// orchestrator's type so callers never need to import internal/orchestrator
// directly to type-assert on Code/GRPCCode/Message (spec §6 "Error
// surface").
type CallError = orchestrator.CallError

// ConfigError reports a missing or invalid field at construction time (spec
// §4.H "Construction validates ... raises an initialization error").
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rpcresilience: invalid config field %q: %s", e.Field, e.Message)
}

func newConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}
