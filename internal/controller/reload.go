package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/docshelf/internal/coord"
	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/document"
	"github.com/mschirtzinger/docshelf/internal/reference"
	"github.com/mschirtzinger/docshelf/internal/ubiquity"
)

// found is one document seen while enumerating.
type found struct {
	path    string
	status  reference.SyncStatus
	modTime time.Time
}

// ReloadLocalDocuments re-enumerates the local documents directory and,
// when enabled, the remote store, and brings the collection in line with
// what was found. Existing references for unchanged paths are kept.
//
// The controller is Loading for the duration; mutations submitted
// meanwhile wait until it is Normal again.
func (c *Controller) ReloadLocalDocuments(ctx context.Context) error {
	if c.closed() {
		return ErrClosed
	}
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	// Wait for committing operations to finish before switching.
	c.commitMu.Lock()
	c.setState(StateLoading)
	c.commitMu.Unlock()
	defer c.setState(StateNormal)

	start := time.Now()
	docs, err := c.enumerate(ctx)
	if err != nil && docs == nil {
		return docerr.E("reload", "", nil, err)
	}

	inserted, removed := c.merge(docs)
	c.logger.Info("documents loaded",
		zap.Int("documents", len(docs)),
		zap.Int("added", len(inserted)),
		zap.Int("removed", len(removed)),
		zap.Duration("took", time.Since(start)))

	if len(inserted) > 0 || len(removed) > 0 {
		c.publish(Notification{Kind: CollectionChanged, Inserted: inserted, Removed: removed})
	}
	if err != nil {
		return docerr.E("reload", "", nil, err)
	}
	return nil
}

// enumerate lists both stores and resolves documents present in both to a
// single entry. On a remote store failure the local documents are still
// returned together with the error.
func (c *Controller) enumerate(ctx context.Context) ([]found, error) {
	local, err := c.scanLocal()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]found, len(local))
	for _, f := range local {
		byName[strings.ToLower(filepath.Base(f.path))] = f
	}

	var remoteErr error
	if p := c.Provider(); p != nil {
		items, err := p.Enumerate(ctx)
		if err != nil {
			remoteErr = fmt.Errorf("%w: failed to enumerate remote store: %v", docerr.ErrTransfer, err)
		}
		for _, md := range items {
			if md.Removed {
				continue
			}
			if err := md.Validate(); err != nil {
				c.logger.Warn("skipping malformed metadata", zap.String("path", md.Path), zap.Error(err))
				continue
			}
			f := found{
				path:    md.Path,
				status:  reference.StatusFromMetadata(reference.SyncStatus{}, md),
				modTime: md.ModTime,
			}
			key := strings.ToLower(filepath.Base(md.Path))
			if prev, dup := byName[key]; dup {
				// Same document in both stores: the newer copy wins, the
				// remote one on a tie.
				if prev.modTime.After(f.modTime) {
					c.logger.Debug("keeping local copy of duplicate document", zap.String("name", key))
					continue
				}
				c.logger.Debug("keeping remote copy of duplicate document", zap.String("name", key))
			}
			byName[key] = f
		}
	}

	out := make([]found, 0, len(byName))
	for _, f := range byName {
		out = append(out, f)
	}
	return out, remoteErr
}

func (c *Controller) scanLocal() ([]found, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents directory: %w", err)
	}
	var out []found
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !c.isDocumentName(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, found{
			path:    filepath.Join(c.dir, name),
			status:  reference.LocalStatus,
			modTime: info.ModTime(),
		})
	}
	return out, nil
}

func (c *Controller) isDocumentName(name string) bool {
	if strings.HasPrefix(name, ".") || document.IsTempFile(name) {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), c.ext)
}

// merge replaces the collection's contents with docs, keeping references
// whose path is unchanged.
func (c *Controller) merge(docs []found) (inserted, removed []*reference.Reference) {
	c.mu.RLock()
	byPath := make(map[string]*reference.Reference, len(c.refs))
	for _, r := range c.refs {
		byPath[r.Path()] = r
	}
	c.mu.RUnlock()

	seen := make(map[string]bool, len(docs))
	for _, f := range docs {
		seen[f.path] = true
		if r, ok := byPath[f.path]; ok {
			r.SetStatus(f.status)
			r.RefreshMetadata()
			continue
		}
		inserted = append(inserted, reference.New(c.env, f.path, f.status))
	}
	for path, r := range byPath {
		if !seen[path] {
			removed = append(removed, r)
		}
	}

	c.mu.Lock()
	for _, r := range removed {
		delete(c.refs, r.ID())
	}
	for _, r := range inserted {
		c.refs[r.ID()] = r
	}
	c.mu.Unlock()

	for _, r := range removed {
		r.DisablePresenter()
	}
	for _, r := range inserted {
		r.EnablePresenter()
	}
	return inserted, removed
}

// dispatchDiscoveries adds files that appear in a watched directory
// without a reference.
func (c *Controller) dispatchDiscoveries(w *coord.Watcher) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case path, ok := <-w.Discoveries():
			if !ok {
				return
			}
			c.discovered(path)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			c.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (c *Controller) discovered(path string) {
	if !c.isDocumentName(filepath.Base(path)) {
		return
	}
	err := c.run(c.ctx, nameKey(path), func(ctx context.Context) error {
		if _, known := c.ReferenceForPath(path); known || c.isReserved(path) || !fileExists(path) {
			return nil
		}

		status := reference.LocalStatus
		if p := c.Provider(); p != nil && inDir(p.DocumentsDir(), path) {
			md, ok, err := p.Lookup(ctx, path)
			if err != nil {
				return err
			}
			if !ok {
				if err := p.Track(ctx, path); err != nil {
					return err
				}
				if md, ok, err = p.Lookup(ctx, path); err != nil {
					return err
				}
			}
			if ok {
				status = reference.StatusFromMetadata(reference.SyncStatus{}, md)
			}
		} else if !inDir(c.dir, path) {
			return nil
		}

		c.insert(reference.New(c.env, path, status))
		c.logger.Debug("discovered document", zap.String("path", path))
		return nil
	})
	if err != nil && c.ctx.Err() == nil {
		c.logger.Warn("failed to add discovered document", zap.String("path", path), zap.Error(err))
	}
}

// dispatchUpdates routes remote store metadata batches to the references
// they describe.
func (c *Controller) dispatchUpdates(p ubiquity.Provider) {
	defer c.wg.Done()

	updates := p.Updates()
	for {
		select {
		case <-c.ctx.Done():
			return
		case batch, ok := <-updates:
			if !ok {
				return
			}
			for _, md := range batch {
				c.applyUpdate(p, md)
			}
		}
	}
}

func (c *Controller) applyUpdate(p ubiquity.Provider, md ubiquity.Metadata) {
	if err := md.Validate(); err != nil {
		c.logger.Warn("ignoring malformed metadata", zap.String("path", md.Path), zap.Error(err))
		return
	}

	r, known := c.ReferenceForPath(md.Path)
	switch {
	case known && !md.Removed:
		r.UpdateStatus(md)

	case known:
		// The item is gone remotely. Checked on the reference's lane so a
		// rename or migration that moved it away first is not mistaken for a
		// deletion.
		err := c.run(c.ctx, refKey(r), func(ctx context.Context) error {
			if r.Path() != md.Path || fileExists(md.Path) {
				return nil
			}
			if cur, ok, err := p.Lookup(ctx, md.Path); err != nil || (ok && !cur.Removed) {
				return err
			}
			r.MarkTerminal()
			r.DisablePresenter()
			return nil
		})
		if err != nil && c.ctx.Err() == nil {
			c.logger.Warn("failed to apply remote deletion", zap.String("path", md.Path), zap.Error(err))
		}

	case !md.Removed:
		err := c.run(c.ctx, nameKey(md.Path), func(ctx context.Context) error {
			if r, ok := c.ReferenceForPath(md.Path); ok {
				r.UpdateStatus(md)
				return nil
			}
			if c.isReserved(md.Path) {
				return nil
			}
			c.insert(reference.New(c.env, md.Path, reference.StatusFromMetadata(reference.SyncStatus{}, md)))
			c.logger.Debug("tracking new remote document", zap.String("path", md.Path))
			return nil
		})
		if err != nil && c.ctx.Err() == nil {
			c.logger.Warn("failed to add remote document", zap.String("path", md.Path), zap.Error(err))
		}
	}
}
