package crew

import (
	"errors"
	"fmt"
)

// ErrNoUnits is wrapped by the ConfigurationError returned when a crew has
// neither units nor an explicit graph.
var ErrNoUnits = errors.New("no agents, tasks or graph")

// ConfigurationError reports invalid or ambiguous crew wiring. It is raised
// at compile time, before anything runs, and is never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// UnitExecutionError reports that a unit's handler failed. It terminates the
// run; the core does not retry.
type UnitExecutionError struct {
	Node string
	Err  error
}

func (e *UnitExecutionError) Error() string {
	return fmt.Sprintf("unit %s failed: %v", e.Node, e.Err)
}

func (e *UnitExecutionError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsUnitExecutionError reports whether err is or wraps a UnitExecutionError.
func IsUnitExecutionError(err error) bool {
	var ue *UnitExecutionError
	return errors.As(err, &ue)
}
