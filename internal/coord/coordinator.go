// Package coord mediates access to document files shared between this
// process and the remote-store provider.
//
// # Coordinated access
//
// Every read, write and move of a document file goes through a Coordinator,
// which holds a per-path reader/writer lock for the duration of the access:
//
//	err := c.CoordinateWrite(ctx, path, func(path string) error {
//	    return os.WriteFile(path, data, 0644)
//	})
//
// Acquisition honours ctx. Once the accessor function runs, it runs to
// completion.
//
// # Presenters
//
// A presenter subscribes to one path with an inbox channel and receives an
// Event whenever the file is changed, deleted or moved, whether by this
// process (through the Coordinator) or by another actor (through a Watcher).
// Events caused by coordinated access carry an acknowledgement: the
// coordinated call does not return until the presenter has called Ack, so a
// caller that mutated a file observes the presenter's updated state
// afterwards. When a file is moved the presenter follows it to the new
// path. Moves made by other actors are recognised by file identity, which
// the Coordinator records for every presented path.
package coord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// EventOp represents the kind of presence change.
type EventOp int

const (
	// OpChanged indicates the file contents or attributes changed.
	OpChanged EventOp = iota
	// OpDeleted indicates the file no longer exists.
	OpDeleted
	// OpMoved indicates the file now lives at Event.NewPath.
	OpMoved
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpChanged:
		return "changed"
	case OpDeleted:
		return "deleted"
	case OpMoved:
		return "moved"
	default:
		return "unknown"
	}
}

// Event is a presence change delivered to a presenter.
type Event struct {
	Op EventOp
	// Path is the presented path the event refers to.
	Path string
	// NewPath is set for OpMoved.
	NewPath string
	// External is true when the change was observed on disk rather than
	// performed through the Coordinator.
	External bool

	ack chan struct{}
}

// Ack acknowledges that the presenter has applied the event. It must be
// called exactly once for every received event.
func (e Event) Ack() {
	if e.ack != nil {
		close(e.ack)
	}
}

// maxReaders bounds concurrent readers per path; a writer acquires all of it.
const maxReaders = 1 << 20

type pathLock struct {
	sem  *semaphore.Weighted
	refs int
}

type presenter struct {
	inbox chan<- Event
	done  chan struct{}
	// info identifies the presented file on disk; nil if it did not exist
	// when last looked at.
	info os.FileInfo
}

// Coordinator serializes access to files by path and routes presence events
// to presenters.
type Coordinator struct {
	mu         sync.Mutex
	locks      map[string]*pathLock
	presenters map[string]*presenter

	ackTimeout time.Duration
	logger     *zap.Logger
}

// New creates a Coordinator. If logger is nil, a no-op logger is used.
func New(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		locks:      make(map[string]*pathLock),
		presenters: make(map[string]*presenter),
		ackTimeout: 5 * time.Second,
		logger:     logger,
	}
}

func clean(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// acquire takes the lock for each path (sorted, deduplicated) with weight n.
func (c *Coordinator) acquire(ctx context.Context, n int64, paths ...string) (func(), error) {
	uniq := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)

	c.mu.Lock()
	held := make([]*pathLock, len(uniq))
	for i, p := range uniq {
		l, ok := c.locks[p]
		if !ok {
			l = &pathLock{sem: semaphore.NewWeighted(maxReaders)}
			c.locks[p] = l
		}
		l.refs++
		held[i] = l
	}
	c.mu.Unlock()

	unref := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, p := range uniq {
			held[i].refs--
			if held[i].refs == 0 {
				delete(c.locks, p)
			}
		}
	}

	for i, l := range held {
		if err := l.sem.Acquire(ctx, n); err != nil {
			for j := 0; j < i; j++ {
				held[j].sem.Release(n)
			}
			unref()
			return nil, err
		}
	}

	return func() {
		for _, l := range held {
			l.sem.Release(n)
		}
		unref()
	}, nil
}

// CoordinateRead runs fn while holding shared access to path.
func (c *Coordinator) CoordinateRead(ctx context.Context, path string, fn func(path string) error) error {
	path = clean(path)
	release, err := c.acquire(ctx, 1, path)
	if err != nil {
		return fmt.Errorf("failed to acquire read access to %s: %w", filepath.Base(path), err)
	}
	defer release()
	return fn(path)
}

// CoordinateWrite runs fn while holding exclusive access to path, then
// notifies the path's presenter: OpDeleted if the file existed before and
// is gone afterwards, OpChanged if it exists afterwards.
func (c *Coordinator) CoordinateWrite(ctx context.Context, path string, fn func(path string) error) error {
	path = clean(path)
	release, err := c.acquire(ctx, maxReaders, path)
	if err != nil {
		return fmt.Errorf("failed to acquire write access to %s: %w", filepath.Base(path), err)
	}

	existed := exists(path)
	fnErr := fn(path)
	existsNow := exists(path)
	if existsNow {
		c.identify(path)
	}
	release()

	switch {
	case existed && !existsNow:
		c.deliver(Event{Op: OpDeleted, Path: path}, true)
	case existsNow && fnErr == nil:
		c.deliver(Event{Op: OpChanged, Path: path}, true)
	}
	return fnErr
}

// CoordinateMove runs fn while holding exclusive access to both src and dst.
// On success the presenter of src is moved to dst and notified with
// OpMoved.
func (c *Coordinator) CoordinateMove(ctx context.Context, src, dst string, fn func(src, dst string) error) error {
	src, dst = clean(src), clean(dst)
	release, err := c.acquire(ctx, maxReaders, src, dst)
	if err != nil {
		return fmt.Errorf("failed to acquire move access to %s: %w", filepath.Base(src), err)
	}

	if err := fn(src, dst); err != nil {
		release()
		return err
	}

	c.mu.Lock()
	p, ok := c.presenters[src]
	if ok && src != dst {
		if old, taken := c.presenters[dst]; taken {
			c.logger.Warn("move target already presented; replacing presenter",
				zap.String("path", dst))
			close(old.done)
		}
		delete(c.presenters, src)
		c.presenters[dst] = p
		p.info = stat(dst)
	}
	c.mu.Unlock()
	release()

	if ok {
		c.send(p, Event{Op: OpMoved, Path: src, NewPath: dst}, true)
	}
	return nil
}

// NotifyMoved delivers a move of src to dst performed by another actor.
// The presenter of src follows the file to dst. Returns false if nobody
// presents src.
func (c *Coordinator) NotifyMoved(src, dst string) bool {
	src, dst = clean(src), clean(dst)

	c.mu.Lock()
	p, ok := c.presenters[src]
	if !ok || src == dst {
		c.mu.Unlock()
		return ok
	}
	if old, taken := c.presenters[dst]; taken {
		close(old.done)
	}
	delete(c.presenters, src)
	c.presenters[dst] = p
	p.info = stat(dst)
	c.mu.Unlock()

	c.send(p, Event{Op: OpMoved, Path: src, NewPath: dst, External: true}, false)
	return true
}

// MovedFrom returns the presented path whose file is fi, provided that path
// no longer exists on disk. It is how a file appearing under a new name is
// matched with the presenter it moved away from.
func (c *Coordinator) MovedFrom(fi os.FileInfo) (string, bool) {
	if fi == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, p := range c.presenters {
		if p.info == nil || !os.SameFile(p.info, fi) {
			continue
		}
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, true
		}
	}
	return "", false
}

// Identity returns the file identity recorded for a presented path.
func (c *Coordinator) Identity(path string) (os.FileInfo, bool) {
	path = clean(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.presenters[path]
	if !ok || p.info == nil {
		return nil, false
	}
	return p.info, true
}

// identify re-reads the identity of path's file for its presenter.
func (c *Coordinator) identify(path string) {
	fi := stat(path)
	c.mu.Lock()
	if p, ok := c.presenters[path]; ok {
		p.info = fi
	}
	c.mu.Unlock()
}

// Present subscribes inbox to presence events for path. The returned cancel
// function unsubscribes; it is safe to call more than once. The presenter
// follows moves, so cancel removes it from wherever it currently is.
func (c *Coordinator) Present(path string, inbox chan<- Event) (cancel func()) {
	path = clean(path)
	p := &presenter{inbox: inbox, done: make(chan struct{}), info: stat(path)}

	c.mu.Lock()
	if old, ok := c.presenters[path]; ok {
		close(old.done)
	}
	c.presenters[path] = p
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for k, v := range c.presenters {
				if v == p {
					delete(c.presenters, k)
					close(p.done)
					return
				}
			}
		})
	}
}

// IsPresented reports whether some presenter is subscribed to path.
func (c *Coordinator) IsPresented(path string) bool {
	path = clean(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.presenters[path]
	return ok
}

// Notify delivers an externally observed change for path without waiting
// for acknowledgement. Returns false if nobody presents path.
func (c *Coordinator) Notify(op EventOp, path string) bool {
	path = clean(path)
	if op == OpChanged {
		// An atomic replace leaves a different file at the same path.
		c.identify(path)
	}
	return c.deliver(Event{Op: op, Path: path, External: true}, false)
}

func (c *Coordinator) deliver(ev Event, wait bool) bool {
	c.mu.Lock()
	p, ok := c.presenters[ev.Path]
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.send(p, ev, wait)
	return true
}

func (c *Coordinator) send(p *presenter, ev Event, wait bool) {
	if wait {
		ev.ack = make(chan struct{})
	}

	select {
	case p.inbox <- ev:
	case <-p.done:
		return
	}
	if !wait {
		return
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case <-ev.ack:
	case <-p.done:
	case <-timer.C:
		c.logger.Warn("presenter did not acknowledge event",
			zap.String("op", ev.Op.String()), zap.String("path", ev.Path))
	}
}

func stat(path string) os.FileInfo {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return fi
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
