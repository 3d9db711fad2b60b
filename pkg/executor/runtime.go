package executor

import (
	"context"
	"errors"
)

// Runtime executes one unit format. Implementations enforce Limits and
// return classified *engine.Error values for unit failures.
type Runtime interface {
	// Execute runs unit with input and returns its raw output document.
	Execute(ctx context.Context, unit *Unit, input []byte, router *CapabilityRouter) ([]byte, error)

	// Close releases runtime resources.
	Close(ctx context.Context) error
}

// ErrUnsupportedUnit is returned for unit formats without a runtime.
var ErrUnsupportedUnit = errors.New("unsupported unit format")
