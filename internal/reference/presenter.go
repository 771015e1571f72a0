package reference

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mschirtzinger/docshelf/internal/coord"
)

// EnablePresenter subscribes the reference to presence events for its file.
// Events are applied one at a time on a dedicated goroutine. Calling it
// again while enabled is a no-op.
func (r *Reference) EnablePresenter() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelPresent != nil || r.IsTerminal() {
		return
	}

	inbox := make(chan coord.Event, 16)
	stop := make(chan struct{})
	r.cancelPresent = r.env.Coord.Present(r.Path(), inbox)
	r.stop = stop

	r.wg.Add(1)
	go r.present(inbox, stop)
}

// DisablePresenter unsubscribes from presence events and waits for the
// presenter goroutine to exit.
func (r *Reference) DisablePresenter() {
	r.mu.Lock()
	cancel, stop := r.cancelPresent, r.stop
	r.cancelPresent, r.stop = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	close(stop)
	r.wg.Wait()
}

// IsPresenting reports whether the presenter is enabled.
func (r *Reference) IsPresenting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelPresent != nil
}

func (r *Reference) present(inbox <-chan coord.Event, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-stop:
			return
		case ev := <-inbox:
			r.apply(ev)
			ev.Ack()
			if r.IsTerminal() {
				r.detach()
				return
			}
		}
	}
}

// detach drops the presence subscription from the presenter goroutine
// itself, without waiting for it.
func (r *Reference) detach() {
	r.mu.Lock()
	cancel := r.cancelPresent
	r.cancelPresent, r.stop = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// apply handles one presence event.
func (r *Reference) apply(ev coord.Event) {
	logger := r.env.logger().With(zap.String("document", r.DisplayName()), zap.String("op", ev.Op.String()))

	switch ev.Op {
	case coord.OpMoved:
		from := r.Path()
		r.setLocation(ev.NewPath)
		r.RefreshMetadata()
		logger.Debug("file moved", zap.String("to", ev.NewPath), zap.Bool("external", ev.External))
		if ev.External {
			r.followStore(from, ev.NewPath)
		}
		r.changed()

	case coord.OpChanged:
		r.previews.Invalidate()
		r.RefreshMetadata()
		if ev.External {
			logger.Debug("file changed externally")
			r.changed()
		}

	case coord.OpDeleted:
		if r.evicted() {
			logger.Debug("local copy evicted")
			r.previews.Invalidate()
			return
		}
		logger.Debug("file deleted")
		r.MarkTerminal()
	}
}

// followStore brings the remote store in line with a move made by another
// actor: moves within the container are renamed there, files moved in are
// tracked and files moved out are untracked.
func (r *Reference) followStore(from, to string) {
	p := r.env.Provider()
	if p == nil {
		return
	}
	ctx := context.Background()
	logger := r.env.logger().With(zap.String("from", from), zap.String("to", to))

	wasIn, isIn := inDir(p.DocumentsDir(), from), inDir(p.DocumentsDir(), to)
	switch {
	case wasIn && isIn:
		if err := p.Rename(ctx, from, to); err != nil {
			logger.Warn("failed to rename moved document in remote store", zap.Error(err))
		}
	case isIn:
		if err := p.Track(ctx, to); err != nil {
			logger.Warn("failed to track document moved into container", zap.Error(err))
			return
		}
		if md, ok, err := p.Lookup(ctx, to); err == nil && ok {
			r.UpdateStatus(md)
		}
	case wasIn:
		if err := p.Untrack(ctx, from); err != nil {
			logger.Warn("failed to untrack document moved out of container", zap.Error(err))
		}
		r.SetStatus(LocalStatus)
	}
}

func inDir(dir, path string) bool {
	return filepath.Dir(filepath.Clean(path)) == filepath.Clean(dir)
}

// evicted reports whether a deleted local file still exists in the remote
// store, and refreshes the status from the store's metadata if so.
func (r *Reference) evicted() bool {
	if !r.IsUbiquitous() {
		return false
	}
	p := r.env.Provider()
	if p == nil {
		return false
	}
	md, ok, err := p.Lookup(context.Background(), r.Path())
	if err != nil || !ok || md.Removed {
		return false
	}
	r.UpdateStatus(md)
	return true
}

// MarkTerminal marks the reference deleted and notifies the observer once.
func (r *Reference) MarkTerminal() {
	if !r.terminal.CompareAndSwap(false, true) {
		return
	}
	if o := r.env.Observer; o != nil {
		o.ReferenceDeleted(r)
	}
}
