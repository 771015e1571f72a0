// Package reference tracks individual documents independently of where
// their files currently live.
//
// A Reference has a stable identity, a location that follows renames and
// migrations, and the latest SyncStatus reported by the remote store. It
// mediates all access to the document's bytes through the coordinator and
// caches rendered previews.
//
// Location and status are each published as a single atomic pointer, so
// readers always see a path together with its matching display name, and a
// status whose fields belong to the same snapshot.
package reference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/docshelf/internal/coord"
	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/document"
	"github.com/mschirtzinger/docshelf/internal/naming"
	"github.com/mschirtzinger/docshelf/internal/preview"
	"github.com/mschirtzinger/docshelf/internal/ubiquity"
)

// Observer is told about changes to references. Calls happen on the
// reference's presenter goroutine or on the caller's goroutine and must not
// block on that reference's presenter.
type Observer interface {
	// ReferenceChanged is called when a displayable attribute (location,
	// status, modification date, content) changed.
	ReferenceChanged(r *Reference)
	// ReferenceDeleted is called once when the underlying file is gone for
	// good and the reference became terminal.
	ReferenceDeleted(r *Reference)
}

// Env holds the collaborators shared by all references of one controller.
type Env struct {
	Codec    document.Codec
	Coord    *coord.Coordinator
	Render   preview.Renderer
	Widths   []int
	Observer Observer
	Logger   *zap.Logger

	mu       sync.RWMutex
	provider ubiquity.Provider
}

// SetProvider installs the remote store, or removes it when p is nil.
func (e *Env) SetProvider(p ubiquity.Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.provider = p
}

// Provider returns the remote store, or nil when it is disabled.
func (e *Env) Provider() ubiquity.Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.provider
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

type location struct {
	path string
	name string
}

// Reference is the stable handle for one document.
type Reference struct {
	id  uuid.UUID
	env *Env

	loc      atomic.Pointer[location]
	status   atomic.Pointer[SyncStatus]
	modTime  atomic.Int64
	terminal atomic.Bool

	loads    singleflight.Group
	previews *preview.Cache

	mu            sync.Mutex
	cancelPresent func()
	stop          chan struct{}
	wg            sync.WaitGroup
}

// New creates a reference for the document at path.
func New(env *Env, path string, status SyncStatus) *Reference {
	r := &Reference{
		id:       uuid.New(),
		env:      env,
		previews: preview.NewCache(env.Widths),
	}
	r.setLocation(path)
	r.status.Store(&status)
	if fi, err := os.Stat(path); err == nil {
		r.modTime.Store(fi.ModTime().UnixNano())
	}
	return r
}

// ID returns the reference's stable identity.
func (r *Reference) ID() uuid.UUID { return r.id }

func (r *Reference) setLocation(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	r.loc.Store(&location{path: path, name: naming.DisplayName(path)})
}

// Location returns the current path and the display name derived from it
// as one consistent pair.
func (r *Reference) Location() (path, displayName string) {
	l := r.loc.Load()
	return l.path, l.name
}

// Path returns the current file path.
func (r *Reference) Path() string { return r.loc.Load().path }

// FileName returns the base name of the current file.
func (r *Reference) FileName() string { return filepath.Base(r.loc.Load().path) }

// DisplayName returns the name shown to users.
func (r *Reference) DisplayName() string { return r.loc.Load().name }

// Status returns the current sync status snapshot.
func (r *Reference) Status() SyncStatus { return *r.status.Load() }

// IsUbiquitous reports whether the document lives in the remote store.
func (r *Reference) IsUbiquitous() bool { return r.status.Load().Ubiquitous }

// IsTerminal reports whether the document was deleted.
func (r *Reference) IsTerminal() bool { return r.terminal.Load() }

// ModTime returns the last known modification time.
func (r *Reference) ModTime() time.Time {
	ns := r.modTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (r *Reference) String() string {
	return fmt.Sprintf("%s (%s)", r.DisplayName(), r.id)
}

func (r *Reference) changed() {
	if o := r.env.Observer; o != nil {
		o.ReferenceChanged(r)
	}
}

// Load reads and decodes the document. Concurrent calls share one read.
// A remote document that is not downloaded yet is downloaded first.
func (r *Reference) Load(ctx context.Context) (*document.Document, error) {
	ch := r.loads.DoChan("load", func() (any, error) {
		return r.load(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.(*document.Document)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reference) load(ctx context.Context) (*document.Document, error) {
	path, name := r.Location()

	if st := r.Status(); st.Ubiquitous && !st.Downloaded {
		p := r.env.Provider()
		if p == nil {
			return nil, docerr.E("load", name, docerr.ErrDisabled, nil)
		}
		if err := p.Materialize(ctx, path); err != nil {
			return nil, docerr.E("load", name, docerr.ErrTransfer, err)
		}
	}

	var data []byte
	err := r.env.Coord.CoordinateRead(ctx, path, func(path string) error {
		var err error
		// #nosec G304 - managed document location
		data, err = os.ReadFile(path)
		return err
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, docerr.E("load", name, docerr.ErrNotFound, err)
		}
		return nil, docerr.E("load", name, docerr.ErrIO, err)
	}

	doc, err := r.env.Codec.Decode(data)
	if err != nil {
		return nil, docerr.E("load", name, docerr.ErrLoad, err)
	}
	return doc, nil
}

func clone(doc *document.Document) *document.Document {
	c := *doc
	c.Tags = append([]string(nil), doc.Tags...)
	return &c
}

// Save encodes doc and writes it under coordinated access. Remote documents
// are queued for upload afterwards.
func (r *Reference) Save(ctx context.Context, doc *document.Document) error {
	path, name := r.Location()
	if r.IsTerminal() {
		return docerr.E("save", name, docerr.ErrNotFound, nil)
	}
	if err := doc.Validate(); err != nil {
		return docerr.E("save", name, docerr.ErrIO, err)
	}
	data, err := r.env.Codec.Encode(doc)
	if err != nil {
		return docerr.E("save", name, docerr.ErrIO, err)
	}

	if err := r.env.Coord.CoordinateWrite(ctx, path, func(path string) error {
		return document.WriteBytes(path, data)
	}); err != nil {
		return docerr.E("save", name, docerr.ErrIO, err)
	}

	r.previews.Invalidate()
	r.RefreshMetadata()

	if r.IsUbiquitous() {
		if p := r.env.Provider(); p != nil {
			if err := p.Track(ctx, path); err != nil {
				return docerr.E("save", name, docerr.ErrTransfer, err)
			}
		}
	}
	return nil
}

// UpdateStatus derives a new status from md and swaps it in. Subscribers
// are notified only when the status actually changed. Malformed metadata
// is logged and ignored. Returns whether the status changed.
func (r *Reference) UpdateStatus(md ubiquity.Metadata) bool {
	if err := md.Validate(); err != nil {
		r.env.logger().Warn("ignoring malformed metadata",
			zap.String("document", r.DisplayName()), zap.Error(err))
		return false
	}

	changed := false
	for {
		old := r.status.Load()
		next := StatusFromMetadata(*old, md)
		if next == *old {
			break
		}
		if r.status.CompareAndSwap(old, &next) {
			changed = true
			break
		}
	}

	if !md.ModTime.IsZero() {
		if ns := md.ModTime.UnixNano(); r.modTime.Swap(ns) != ns {
			changed = true
		}
	}
	if changed {
		r.changed()
	}
	return changed
}

// SetStatus replaces the status, e.g. after the document moved between
// stores. Returns whether the status changed.
func (r *Reference) SetStatus(s SyncStatus) bool {
	old := r.status.Swap(&s)
	if *old == s {
		return false
	}
	r.changed()
	return true
}

// StartDownloading asks the remote store to materialize the document. It
// is a no-op when the document is downloaded or downloading.
func (r *Reference) StartDownloading(ctx context.Context) error {
	path, name := r.Location()
	st := r.Status()
	if !st.Ubiquitous {
		return docerr.E("download", name, docerr.ErrNotUbiquitous, nil)
	}
	if st.Downloaded || st.Downloading {
		return nil
	}
	p := r.env.Provider()
	if p == nil {
		return docerr.E("download", name, docerr.ErrDisabled, nil)
	}
	if err := p.StartDownloading(ctx, path); err != nil {
		return docerr.E("download", name, nil, err)
	}
	return nil
}

// RefreshMetadata re-reads the modification time from disk.
func (r *Reference) RefreshMetadata() {
	fi, err := os.Stat(r.Path())
	if err != nil {
		return
	}
	if ns := fi.ModTime().UnixNano(); r.modTime.Swap(ns) != ns {
		r.changed()
	}
}

// DisplayModificationDate formats the modification time relative to now.
func (r *Reference) DisplayModificationDate(now time.Time) string {
	t := r.ModTime()
	if t.IsZero() {
		return "unknown"
	}
	t = t.In(now.Location())
	const day = "2006-01-02"
	switch {
	case t.Format(day) == now.Format(day):
		return "Today, " + t.Format("15:04")
	case t.AddDate(0, 0, 1).Format(day) == now.Format(day):
		return "Yesterday, " + t.Format("15:04")
	case t.Year() == now.Year():
		return t.Format("Jan 2, 15:04")
	default:
		return t.Format("Jan 2, 2006")
	}
}

// Preview returns the largest cached preview, or nil.
func (r *Reference) Preview() image.Image {
	return r.previews.Cached()
}

// RequestPreview delivers a preview at most maxWidth wide to done, exactly
// once. Concurrent requests for the same width class share one render.
func (r *Reference) RequestPreview(ctx context.Context, maxWidth int, done func(image.Image, error)) {
	render := r.env.Render
	if render == nil {
		render = preview.DefaultRenderer
	}
	r.previews.Request(ctx, maxWidth, func(ctx context.Context, width int) (image.Image, error) {
		doc, err := r.Load(ctx)
		if err != nil {
			return nil, err
		}
		img, err := render(doc, width)
		if err != nil {
			return nil, docerr.E("preview", r.DisplayName(), docerr.ErrLoad, err)
		}
		return img, nil
	}, done)
}

// PreviewImage is the blocking form of RequestPreview.
func (r *Reference) PreviewImage(ctx context.Context, maxWidth int) (image.Image, error) {
	type result struct {
		img image.Image
		err error
	}
	ch := make(chan result, 1)
	r.RequestPreview(ctx, maxWidth, func(img image.Image, err error) {
		ch <- result{img, err}
	})
	select {
	case res := <-ch:
		return res.img, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
