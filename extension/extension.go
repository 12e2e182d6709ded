// Package extension manages the ordered startup and shutdown of the service
// components (stores, limiter, listeners).
package extension

import (
	"context"
	"errors"
)

// Extension is a component with a start/stop lifecycle.
type Extension interface {
	// Name returns the unique name of the extension, used for ordering and logs.
	Name() string

	// Load starts the component. It must not block past its own setup.
	Load(ctx context.Context) error

	// Shutdown stops the component. ctx carries the shutdown deadline.
	Shutdown(ctx context.Context) error
}

// Predefined errors for common scenarios in extension management.
var (
	ErrExtensionAlreadyRegistered = errors.New("extension name is already registered")
	ErrExtensionNotFound          = errors.New("extension not found")
	ErrLoadOrderMismatch          = errors.New("load order list count does not match registered extensions count")
	ErrLoadOrderMissing           = errors.New("extension specified in load order but not registered")
	ErrLoadOrderDuplicate         = errors.New("duplicate extension name found in load order")
	ErrAlreadyLoaded              = errors.New("extensions already loaded")
)

// Func adapts a pair of functions to Extension. Either function may be nil.
type Func struct {
	ExtName    string
	OnLoad     func(ctx context.Context) error
	OnShutdown func(ctx context.Context) error
}

// Name implements Extension.
func (f Func) Name() string { return f.ExtName }

// Load implements Extension.
func (f Func) Load(ctx context.Context) error {
	if f.OnLoad == nil {
		return nil
	}
	return f.OnLoad(ctx)
}

// Shutdown implements Extension.
func (f Func) Shutdown(ctx context.Context) error {
	if f.OnShutdown == nil {
		return nil
	}
	return f.OnShutdown(ctx)
}

var _ Extension = Func{}
