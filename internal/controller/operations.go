package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/document"
	"github.com/mschirtzinger/docshelf/internal/naming"
	"github.com/mschirtzinger/docshelf/internal/reference"
)

// maxCommitAttempts bounds how often a creation re-resolves its name after
// losing the name to a file that appeared in the meantime.
const maxCommitAttempts = 3

// UniqueFileNameForDisplayName resolves name against the names currently
// used or reserved in the local documents directory.
func (c *Controller) UniqueFileNameForDisplayName(name string) (string, error) {
	used, err := c.usedNames(c.dir, "")
	if err != nil {
		return "", err
	}
	return naming.UniqueFileNameForDisplayName(name, c.ext, used)
}

// usedNames collects the names taken in dir: entries on disk, files of
// live references and names reserved by in-flight operations. Names equal
// to exclude are left out.
func (c *Controller) usedNames(dir, exclude string) (map[string]struct{}, error) {
	used, err := naming.UsedNames(dir)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	for _, r := range c.refs {
		if p := r.Path(); filepath.Dir(p) == dir {
			used[filepath.Base(p)] = struct{}{}
		}
	}
	for p := range c.reserved {
		if filepath.Dir(p) == dir {
			used[filepath.Base(p)] = struct{}{}
		}
	}
	c.mu.RUnlock()

	if exclude != "" {
		for n := range used {
			if naming.SameName(n, exclude) {
				delete(used, n)
			}
		}
	}
	return used, nil
}

// reserve resolves a free path in dir for displayName and holds it until
// release is called, so concurrent operations resolve different names.
func (c *Controller) reserve(dir, displayName, exclude string) (string, func(), error) {
	for {
		used, err := c.usedNames(dir, exclude)
		if err != nil {
			return "", nil, err
		}
		name, err := naming.UniqueFileNameForDisplayName(displayName, c.ext, used)
		if err != nil {
			return "", nil, err
		}
		path := filepath.Join(dir, name)

		c.mu.Lock()
		if c.reservedLocked(path) {
			// Taken between listing and locking.
			c.mu.Unlock()
			continue
		}
		c.reserved[path] = struct{}{}
		c.mu.Unlock()

		return path, func() {
			c.mu.Lock()
			delete(c.reserved, path)
			c.mu.Unlock()
		}, nil
	}
}

func (c *Controller) reservedLocked(path string) bool {
	for p := range c.reserved {
		if naming.SameName(p, path) {
			return true
		}
	}
	return false
}

func (c *Controller) isReserved(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reservedLocked(path)
}

// create reserves a name for displayName in dir and runs write under that
// name's lane. The returned reference is in the collection before create
// returns. If the name was taken on disk by the time write ran, a new name
// is resolved.
func (c *Controller) create(ctx context.Context, op, dir, displayName string,
	write func(ctx context.Context, path string) (*reference.Reference, error)) (*reference.Reference, error) {

	var lastErr error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		path, release, err := c.reserve(dir, displayName, "")
		if err != nil {
			return nil, docerr.E(op, displayName, nil, err)
		}

		var ref *reference.Reference
		err = c.run(ctx, nameKey(path), func(ctx context.Context) error {
			r, err := write(ctx, path)
			if err != nil {
				return err
			}
			c.insert(r)
			ref = r
			return nil
		})
		release()

		if err == nil {
			c.logger.Debug("document created", zap.String("op", op), zap.String("path", path))
			return ref, nil
		}
		if !errors.Is(err, reference.ErrFileExists) {
			return nil, docerr.E(op, displayName, nil, err)
		}
		lastErr = err
		c.logger.Debug("name taken at commit, resolving again", zap.String("path", path))
	}
	return nil, docerr.E(op, displayName, nil, lastErr)
}

// newReference creates a reference for a file just written at path, with
// its status taken from the remote store if the file lives there.
func (c *Controller) newReference(ctx context.Context, path string) *reference.Reference {
	status := reference.LocalStatus
	if p := c.Provider(); p != nil && inDir(p.DocumentsDir(), path) {
		if err := p.Track(ctx, path); err != nil {
			c.logger.Warn("failed to track new document", zap.String("path", path), zap.Error(err))
		}
		if md, ok, err := p.Lookup(ctx, path); err == nil && ok {
			status = reference.StatusFromMetadata(reference.SyncStatus{}, md)
		}
	}
	return reference.New(c.env, path, status)
}

// CreateNewDocument creates an empty document in the local documents
// directory. The new reference is part of the collection by the time this
// returns.
func (c *Controller) CreateNewDocument(ctx context.Context) (*document.Document, *reference.Reference, error) {
	var doc *document.Document
	ref, err := c.create(ctx, "create", c.dir, naming.DefaultDisplayName,
		func(ctx context.Context, path string) (*reference.Reference, error) {
			d, r, err := reference.CreateNew(ctx, c.env, path, naming.DisplayName(path))
			if err != nil {
				return nil, err
			}
			doc = d
			return r, nil
		})
	if err != nil {
		return nil, nil, err
	}
	return doc, ref, nil
}

// ImportDocument copies an external file into the local documents
// directory and adds it to the collection. Natively encoded files are
// copied verbatim; other supported formats are converted.
func (c *Controller) ImportDocument(ctx context.Context, from string) (*reference.Reference, error) {
	base := filepath.Base(from)

	imp, err := document.Import(c.env.Codec, from)
	switch {
	case errors.Is(err, document.ErrUnknownFormat):
		return nil, docerr.E("import", base, docerr.ErrUnsupportedFormat, err)
	case errors.Is(err, os.ErrNotExist):
		return nil, docerr.E("import", base, docerr.ErrNotFound, err)
	case err != nil:
		return nil, docerr.E("import", base, docerr.ErrIO, err)
	}

	data := imp.Raw
	if data == nil {
		if data, err = c.env.Codec.Encode(imp.Doc); err != nil {
			return nil, docerr.E("import", base, docerr.ErrIO, err)
		}
	}

	return c.create(ctx, "import", c.dir, imp.DisplayName,
		func(ctx context.Context, path string) (*reference.Reference, error) {
			if err := reference.WriteNew(ctx, c.env, path, data); err != nil {
				return nil, err
			}
			return c.newReference(ctx, path), nil
		})
}

// DuplicateDocument copies ref's file to a new name next to it. The source
// reference is left untouched.
func (c *Controller) DuplicateDocument(ctx context.Context, ref *reference.Reference) (*reference.Reference, error) {
	name := ref.DisplayName()
	if !c.contains(ref) {
		return nil, docerr.E("duplicate", name, docerr.ErrNotFound, nil)
	}

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
		return nil, docerr.E("duplicate", name, nil, err)
	}

	return c.create(ctx, "duplicate", filepath.Dir(ref.Path()), ref.DisplayName(),
		func(ctx context.Context, path string) (*reference.Reference, error) {
			if err := reference.WriteNew(ctx, c.env, path, data); err != nil {
				return nil, err
			}
			return c.newReference(ctx, path), nil
		})
}

// readBytes returns the raw file content of ref, downloading it first if
// only the remote copy exists.
func (c *Controller) readBytes(ctx context.Context, ref *reference.Reference) ([]byte, error) {
	if err := c.materialize(ctx, ref); err != nil {
		return nil, err
	}
	var data []byte
	err := c.coord.CoordinateRead(ctx, ref.Path(), func(path string) error {
		var err error
		// #nosec G304 - managed document location
		data, err = os.ReadFile(path)
		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", docerr.ErrNotFound, err)
	}
	return data, err
}

func (c *Controller) materialize(ctx context.Context, ref *reference.Reference) error {
	st := ref.Status()
	if !st.Ubiquitous || (st.Downloaded && !st.Downloading) {
		return nil
	}
	p := c.Provider()
	if p == nil {
		return docerr.ErrDisabled
	}
	if err := p.Materialize(ctx, ref.Path()); err != nil {
		return fmt.Errorf("%w: %v", docerr.ErrTransfer, err)
	}
	return nil
}

// DeleteDocument removes ref's file, locally or from the remote store, and
// drops it from the collection. Deleting a document that is already gone
// succeeds.
func (c *Controller) DeleteDocument(ctx context.Context, ref *reference.Reference) error {
	if !c.contains(ref) {
		return nil
	}
	return c.run(ctx, refKey(ref), func(ctx context.Context) error {
		if !c.contains(ref) {
			return nil
		}
		path, name := ref.Location()
		p := c.Provider()
		ubiquitous := ref.IsUbiquitous()

		err := c.coord.CoordinateWrite(ctx, path, func(path string) error {
			if ubiquitous && p != nil {
				return p.Remove(ctx, path)
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		})
		if err != nil {
			return docerr.E("delete", name, nil, err)
		}

		ref.MarkTerminal()
		c.remove(ref)
		ref.DisablePresenter()
		c.logger.Debug("document deleted", zap.String("path", path))
		return nil
	})
}

// RenameDocument renames ref's file after displayName. The reference
// follows the move through its presence subscription. If the resolved name
// is taken on disk by the time the move runs, a new name is resolved.
func (c *Controller) RenameDocument(ctx context.Context, ref *reference.Reference, displayName string) error {
	name := ref.DisplayName()
	if !c.contains(ref) {
		return docerr.E("rename", name, docerr.ErrNotFound, nil)
	}
	return c.run(ctx, refKey(ref), func(ctx context.Context) error {
		src, name := ref.Location()
		if !c.contains(ref) || ref.IsTerminal() {
			return docerr.E("rename", name, docerr.ErrNotFound, nil)
		}

		var err error
		for attempt := 0; attempt < maxCommitAttempts; attempt++ {
			var dst string
			if dst, err = c.rename(ctx, ref, src, displayName); err == nil {
				if dst != src {
					c.logger.Debug("document renamed", zap.String("from", src), zap.String("to", dst))
				}
				return nil
			}
			if !errors.Is(err, reference.ErrFileExists) {
				break
			}
			c.logger.Debug("name taken at commit, resolving again", zap.String("path", dst))
		}
		return docerr.E("rename", name, nil, err)
	})
}

// rename resolves and reserves a name for displayName next to src and
// moves ref's file there. It returns the destination path.
func (c *Controller) rename(ctx context.Context, ref *reference.Reference, src, displayName string) (string, error) {
	dst, release, err := c.reserve(filepath.Dir(src), displayName, filepath.Base(src))
	if err != nil {
		return "", err
	}
	defer release()
	if dst == src {
		return dst, nil
	}

	p := c.Provider()
	ubiquitous := ref.IsUbiquitous()
	err = c.coord.CoordinateMove(ctx, src, dst, func(src, dst string) error {
		if occupied(src, dst) {
			return reference.ErrFileExists
		}
		moved := true
		if err := os.Rename(src, dst); err != nil {
			// A remote document that is not downloaded has no local file.
			if !ubiquitous || !errors.Is(err, os.ErrNotExist) {
				return err
			}
			moved = false
		}
		if ubiquitous && p != nil {
			if err := p.Rename(ctx, src, dst); err != nil {
				if moved {
					_ = os.Rename(dst, src)
				}
				return err
			}
		}
		return nil
	})
	return dst, err
}

// PerformAsynchronousFileAccess runs fn on the shared background
// file-access lane and reports its result to done, if set.
func (c *Controller) PerformAsynchronousFileAccess(fn func(ctx context.Context) error, done func(error)) {
	Async(c.ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.queue.Do(ctx, "file-access", fn)
	}, func(_ struct{}, err error) {
		if done != nil {
			done(err)
		}
	})
}

// occupied reports whether dst exists as a different file than src.
func occupied(src, dst string) bool {
	dfi, err := os.Lstat(dst)
	if err != nil {
		return false
	}
	sfi, err := os.Lstat(src)
	return err != nil || !os.SameFile(sfi, dfi)
}

// moveFile renames src to dst, copying across file systems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !crossDevice(err) {
		return err
	}

	in, err := os.Open(src) // #nosec G304 - managed document location
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// inDir reports whether path is a direct child of dir.
func inDir(dir, path string) bool {
	return filepath.Dir(filepath.Clean(path)) == filepath.Clean(dir)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
