package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/docshelf/internal/config"
	"github.com/mschirtzinger/docshelf/internal/controller"
	"github.com/mschirtzinger/docshelf/internal/coord"
	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/reference"
	"github.com/mschirtzinger/docshelf/internal/ubiquity"
)

// controllerConfig returns the builder for the shared controller's
// configuration. The remote store is opened only when a command first
// needs the controller.
func controllerConfig(ctx context.Context) func() (*controller.Config, error) {
	return func() (*controller.Config, error) {
		co := coord.New(logger.Logger)

		cc := controller.DefaultConfig(cfg.Documents.Dir)
		cc.Extension = cfg.Documents.Extension
		cc.Coordinator = co
		cc.PreviewWidths = cfg.Preview.Widths
		cc.BulkConcurrency = cfg.Controller.BulkConcurrency
		cc.WatchDebounce = cfg.Controller.WatchDebounce
		cc.Logger = logger.Logger

		if cfg.Cloud.Enabled {
			p, err := openContainer(ctx, cfg, co, logger.Logger)
			if err != nil {
				return nil, err
			}
			cc.Provider = p
		}
		return cc, nil
	}
}

func openMirror(ctx context.Context, mc config.MirrorConfig) (ubiquity.Mirror, error) {
	switch mc.Kind {
	case config.MirrorMinio:
		return ubiquity.NewMinioMirror(ctx, ubiquity.MinioConfig{
			Endpoint:  mc.Endpoint,
			AccessKey: mc.AccessKey,
			SecretKey: mc.SecretKey,
			Bucket:    mc.Bucket,
			Prefix:    mc.Prefix,
			UseSSL:    mc.UseSSL,
		})
	default:
		return ubiquity.NewDirMirror(mc.Dir)
	}
}

func openContainer(ctx context.Context, cfg *config.Config, co *coord.Coordinator, logger *zap.Logger) (*ubiquity.Container, error) {
	mirror, err := openMirror(ctx, cfg.Cloud.Mirror)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s mirror: %w", cfg.Cloud.Mirror.Kind, err)
	}
	ct, err := ubiquity.OpenContainer(ubiquity.ContainerConfig{
		Root:               cfg.Cloud.ContainerDir,
		PollInterval:       cfg.Cloud.PollInterval,
		RemoteSyncInterval: cfg.Cloud.RemoteSyncInterval,
	}, mirror, co, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cloud container: %w", err)
	}
	return ct, nil
}

// open returns the shared controller, loaded.
func open(ctx context.Context) (*controller.Controller, error) {
	return controller.Shared(ctx)
}

// find resolves a document by file name or display name.
func find(c *controller.Controller, name string) (*reference.Reference, error) {
	if r, ok := c.ReferenceForFileName(name); ok {
		return r, nil
	}
	if !strings.HasSuffix(strings.ToLower(name), strings.ToLower(c.Extension())) {
		if r, ok := c.ReferenceForFileName(name + c.Extension()); ok {
			return r, nil
		}
	}
	return nil, docerr.E("find", name, docerr.ErrNotFound, nil)
}

// transferCounter is implemented by providers that track in-flight
// transfers themselves.
type transferCounter interface {
	PendingTransfers() int
}

// waitTransfers blocks until no document is uploading or downloading.
func waitTransfers(ctx context.Context, c *controller.Controller, progress func(pending int)) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := 0
		if tc, ok := c.Provider().(transferCounter); ok {
			pending = tc.PendingTransfers()
		}
		if pending == 0 && !c.PendingDocumentTransfers() {
			return nil
		}
		if progress != nil {
			progress(pending)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
