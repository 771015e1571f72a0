package controller

import (
	"context"
	"fmt"
	"sync"
)

var (
	sharedMu     sync.Mutex
	shared       *Controller
	sharedConfig func() (*Config, error)
)

// SetSharedConfig installs the function that builds the configuration of
// the process-wide controller. It takes effect on the next Shared call
// after ResetShared.
func SetSharedConfig(fn func() (*Config, error)) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedConfig = fn
}

// Shared returns the process-wide controller, opening it on first use.
func Shared(ctx context.Context) (*Controller, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return shared, nil
	}
	if sharedConfig == nil {
		return nil, fmt.Errorf("shared controller is not configured")
	}
	cfg, err := sharedConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to configure shared controller: %w", err)
	}
	c, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	shared = c
	return c, nil
}

// ResetShared closes the process-wide controller, if any. The next Shared
// call opens a fresh one.
func ResetShared() error {
	sharedMu.Lock()
	c := shared
	shared = nil
	sharedMu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}
