package controller

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/reference"
	"github.com/mschirtzinger/docshelf/internal/ubiquity"
)

// BulkResult reports the outcome of a bulk migration.
type BulkResult struct {
	Op string

	// Succeeded lists the references that were migrated, in collection
	// order. For copies these are the new references.
	Succeeded []*reference.Reference

	// Failed lists the documents that could not be migrated.
	Failed []docerr.ItemError
}

// Err returns a *docerr.BulkError if any item failed.
func (r BulkResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &docerr.BulkError{Op: r.Op, Total: len(r.Succeeded) + len(r.Failed), Failed: r.Failed}
}

// bulk applies fn to every reference, BulkConcurrency at a time. A failing
// item never stops the others.
func (c *Controller) bulk(ctx context.Context, op string, refs []*reference.Reference,
	fn func(ctx context.Context, ref *reference.Reference) (*reference.Reference, error)) BulkResult {

	out := make([]*reference.Reference, len(refs))
	errs := make([]error, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BulkConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			out[i], errs[i] = fn(gctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	res := BulkResult{Op: op}
	for i, ref := range refs {
		if errs[i] != nil {
			res.Failed = append(res.Failed, docerr.ItemError{ID: ref.ID().String(), Err: errs[i]})
			continue
		}
		if out[i] != nil {
			res.Succeeded = append(res.Succeeded, out[i])
		}
	}

	c.logger.Info("bulk operation finished",
		zap.String("op", op),
		zap.Int("total", len(refs)),
		zap.Int("failed", len(res.Failed)))
	return res
}

func (c *Controller) filter(keep func(*reference.Reference) bool) []*reference.Reference {
	var refs []*reference.Reference
	for _, r := range c.Snapshot() {
		if keep(r) {
			refs = append(refs, r)
		}
	}
	return refs
}

func isLocal(r *reference.Reference) bool { return !r.IsUbiquitous() }

func isCloud(r *reference.Reference) bool { return r.IsUbiquitous() }

// MoveAllLocalDocumentsToCloud moves every local document into the remote
// store's container.
func (c *Controller) MoveAllLocalDocumentsToCloud(ctx context.Context) (BulkResult, error) {
	const op = "move to cloud"
	if c.Provider() == nil {
		return BulkResult{Op: op}, docerr.E(op, "", docerr.ErrDisabled, nil)
	}
	if err := c.waitLoaded(ctx); err != nil {
		return BulkResult{Op: op}, err
	}
	res := c.bulk(ctx, op, c.filter(isLocal), c.moveToCloud)
	return res, res.Err()
}

// MoveAllCloudDocumentsToLocal moves every remote document into the local
// documents directory, downloading it first where needed. The remote
// copies are deleted.
func (c *Controller) MoveAllCloudDocumentsToLocal(ctx context.Context) (BulkResult, error) {
	const op = "move to local"
	if c.Provider() == nil {
		return BulkResult{Op: op}, docerr.E(op, "", docerr.ErrDisabled, nil)
	}
	if err := c.waitLoaded(ctx); err != nil {
		return BulkResult{Op: op}, err
	}
	res := c.bulk(ctx, op, c.filter(isCloud), c.moveToLocal)
	return res, res.Err()
}

func (c *Controller) moveToCloud(ctx context.Context, ref *reference.Reference) (*reference.Reference, error) {
	const op = "move to cloud"
	p := c.Provider()
	if p == nil {
		return nil, docerr.E(op, ref.DisplayName(), docerr.ErrDisabled, nil)
	}

	err := c.run(ctx, refKey(ref), func(ctx context.Context) error {
		src, name := ref.Location()
		if !c.contains(ref) || ref.IsTerminal() {
			return docerr.E(op, name, docerr.ErrNotFound, nil)
		}
		if ref.IsUbiquitous() {
			return nil
		}

		dst, release, err := c.reserve(p.DocumentsDir(), name, "")
		if err != nil {
			return docerr.E(op, name, nil, err)
		}
		defer release()

		err = c.coord.CoordinateMove(ctx, src, dst, func(src, dst string) error {
			if fileExists(dst) {
				return reference.ErrFileExists
			}
			if err := moveFile(src, dst); err != nil {
				return err
			}
			if err := p.Track(ctx, dst); err != nil {
				if rerr := moveFile(dst, src); rerr != nil {
					c.logger.Error("failed to restore document after failed move",
						zap.String("path", src), zap.Error(rerr))
				}
				return fmt.Errorf("%w: %v", docerr.ErrTransfer, err)
			}
			return nil
		})
		if err != nil {
			return docerr.E(op, name, nil, err)
		}

		status := reference.SyncStatus{Ubiquitous: true, Downloaded: true, PercentDownloaded: 100}
		if md, ok, err := p.Lookup(ctx, dst); err == nil && ok {
			status = reference.StatusFromMetadata(reference.SyncStatus{}, md)
		}
		ref.SetStatus(status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (c *Controller) moveToLocal(ctx context.Context, ref *reference.Reference) (*reference.Reference, error) {
	const op = "move to local"
	p := c.Provider()
	if p == nil {
		return nil, docerr.E(op, ref.DisplayName(), docerr.ErrDisabled, nil)
	}

	err := c.run(ctx, refKey(ref), func(ctx context.Context) error {
		_, name := ref.Location()
		if !c.contains(ref) || ref.IsTerminal() {
			return docerr.E(op, name, docerr.ErrNotFound, nil)
		}
		if !ref.IsUbiquitous() {
			return nil
		}
		if err := c.materialize(ctx, ref); err != nil {
			return docerr.E(op, name, nil, err)
		}

		src := ref.Path()
		dst, release, err := c.reserve(c.dir, name, "")
		if err != nil {
			return docerr.E(op, name, nil, err)
		}
		defer release()

		err = c.coord.CoordinateMove(ctx, src, dst, func(src, dst string) error {
			if fileExists(dst) {
				return reference.ErrFileExists
			}
			if err := moveFile(src, dst); err != nil {
				return err
			}
			if err := p.Untrack(ctx, src); err != nil {
				if rerr := moveFile(dst, src); rerr != nil {
					c.logger.Error("failed to restore document after failed move",
						zap.String("path", src), zap.Error(rerr))
				} else if terr := p.Track(ctx, src); terr != nil {
					c.logger.Warn("failed to re-track document", zap.String("path", src), zap.Error(terr))
				}
				return fmt.Errorf("%w: %v", docerr.ErrTransfer, err)
			}
			return nil
		})
		if err != nil {
			return docerr.E(op, name, nil, err)
		}

		ref.SetStatus(reference.LocalStatus)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// DisableRemoteStoreAndCopyAllToLocal copies every remote document into
// the local documents directory, replacing each remote reference with a new
// local one, and then disables the remote store. The remote copies are left
// in place. If any copy fails the store stays enabled and the error lists
// the failed documents.
func (c *Controller) DisableRemoteStoreAndCopyAllToLocal(ctx context.Context) (BulkResult, error) {
	const op = "copy to local"
	p := c.Provider()
	if p == nil {
		return BulkResult{Op: op}, nil
	}
	if err := c.waitLoaded(ctx); err != nil {
		return BulkResult{Op: op}, err
	}

	res := c.bulk(ctx, op, c.filter(isCloud), c.copyToLocal)
	if err := res.Err(); err != nil {
		c.logger.Warn("keeping remote store enabled after failed copies", zap.Int("failed", len(res.Failed)))
		return res, err
	}

	c.mu.Lock()
	if c.provider == p {
		c.provider = nil
	}
	c.mu.Unlock()
	c.env.SetProvider(nil)

	if c.watcher != nil {
		if err := c.watcher.Remove(p.DocumentsDir()); err != nil {
			c.logger.Debug("failed to stop watching container", zap.Error(err))
		}
	}
	if err := p.Close(); err != nil {
		c.logger.Warn("failed to close remote store", zap.Error(err))
	}
	c.logger.Info("remote store disabled", zap.Int("copied", len(res.Succeeded)))
	c.publish(Notification{Kind: CollectionChanged})
	return res, nil
}

// copyToLocal copies a remote document into the local directory and
// supersedes its reference with the new local one.
func (c *Controller) copyToLocal(ctx context.Context, ref *reference.Reference) (*reference.Reference, error) {
	const op = "copy to local"
	name := ref.DisplayName()

	var data []byte
	err := c.run(ctx, refKey(ref), func(ctx context.Context) error {
		if !c.contains(ref) || ref.IsTerminal() {
			return docerr.ErrNotFound
		}
		var err error
		data, err = c.readBytes(ctx, ref)
		return err
	})
	if err != nil {
		return nil, docerr.E(op, name, nil, err)
	}

	local, err := c.create(ctx, op, c.dir, name,
		func(ctx context.Context, path string) (*reference.Reference, error) {
			if err := reference.WriteNew(ctx, c.env, path, data); err != nil {
				return nil, err
			}
			return reference.New(c.env, path, reference.LocalStatus), nil
		})
	if err != nil {
		return nil, err
	}

	err = c.run(ctx, refKey(ref), func(context.Context) error {
		ref.DisablePresenter()
		c.remove(ref)
		return nil
	})
	if err != nil {
		return nil, docerr.E(op, name, nil, err)
	}
	return local, nil
}

// EvictAllCloudDocuments removes the local copies of all remote documents,
// one at a time. progress is called after each document with the fraction
// processed so far, ending at 1.
func (c *Controller) EvictAllCloudDocuments(ctx context.Context, progress func(float64)) (BulkResult, error) {
	const op = "evict"
	p := c.Provider()
	if p == nil {
		return BulkResult{Op: op}, docerr.E(op, "", docerr.ErrDisabled, nil)
	}
	if err := c.waitLoaded(ctx); err != nil {
		return BulkResult{Op: op}, err
	}

	refs := c.filter(isCloud)
	res := BulkResult{Op: op}
	for i, ref := range refs {
		if err := c.evict(ctx, p, ref); err != nil {
			res.Failed = append(res.Failed, docerr.ItemError{ID: ref.ID().String(), Err: err})
		} else {
			res.Succeeded = append(res.Succeeded, ref)
		}
		if progress != nil {
			progress(float64(i+1) / float64(len(refs)))
		}
	}
	return res, res.Err()
}

func (c *Controller) evict(ctx context.Context, p ubiquity.Provider, ref *reference.Reference) error {
	const op = "evict"
	return c.run(ctx, refKey(ref), func(ctx context.Context) error {
		path, name := ref.Location()
		if !c.contains(ref) || ref.IsTerminal() {
			return docerr.E(op, name, docerr.ErrNotFound, nil)
		}
		if !ref.IsUbiquitous() {
			return docerr.E(op, name, docerr.ErrNotUbiquitous, nil)
		}
		err := c.coord.CoordinateWrite(ctx, path, func(path string) error {
			return p.Evict(ctx, path)
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return docerr.E(op, name, nil, err)
		}
		return nil
	})
}
