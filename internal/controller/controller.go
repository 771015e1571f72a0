// Package controller owns the document collection and serializes every
// operation that changes it.
//
// # Collection
//
// The controller holds exactly one reference.Reference per live document,
// across the local documents directory and, when enabled, the remote
// store's container. Readers take snapshots; the map itself is guarded by a
// short critical section that is never held across I/O.
//
// # Serialization
//
// Mutating operations run on a KeyedQueue: operations on the same document
// (or, for creation, the same resolved file name) execute strictly in
// submission order, while unrelated documents progress concurrently. An
// operation queued behind another can be cancelled through its context;
// once it starts, it runs to completion.
//
// # States
//
// The controller is Loading while ReloadLocalDocuments enumerates both
// stores and Normal otherwise. No mutating operation commits while
// Loading; operations submitted meanwhile wait for the reload to finish.
//
// # Background events
//
// A Watcher reports files that other actors change, delete or add, and the
// remote store publishes metadata batches. Both are routed to the owning
// reference by path; unknown files and items become new references.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mschirtzinger/docshelf/internal/coord"
	"github.com/mschirtzinger/docshelf/internal/document"
	"github.com/mschirtzinger/docshelf/internal/preview"
	"github.com/mschirtzinger/docshelf/internal/reference"
	"github.com/mschirtzinger/docshelf/internal/ubiquity"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("controller closed")

// State is the controller-wide consistency state.
type State int

const (
	// StateLoading means the collection is being enumerated.
	StateLoading State = iota
	// StateNormal means the collection is complete and mutations may commit.
	StateNormal
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateNormal:
		return "normal"
	default:
		return "unknown"
	}
}

// Config holds configuration for the controller.
type Config struct {
	// DocumentsDir is the local documents directory.
	DocumentsDir string

	// Extension is the native document extension, with leading dot.
	Extension string

	// Codec encodes documents. Defaults to the CBOR codec for Extension.
	Codec document.Codec

	// Provider is the remote store. Nil disables it. The controller takes
	// ownership and closes it.
	Provider ubiquity.Provider

	// Coordinator mediates file access. A new one is created if nil.
	Coordinator *coord.Coordinator

	// Render draws previews. Defaults to preview.DefaultRenderer.
	Render preview.Renderer

	// PreviewWidths are the preview width classes.
	PreviewWidths []int

	// BulkConcurrency bounds how many documents a bulk move processes at
	// once.
	BulkConcurrency int

	// WatchDebounce is how long a changed file must stay quiet before it is
	// reported. Zero disables file watching.
	WatchDebounce time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults for documents in dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		DocumentsDir:    dir,
		Extension:       document.DefaultExtension,
		PreviewWidths:   preview.DefaultWidths,
		BulkConcurrency: 4,
		WatchDebounce:   coord.DefaultDebounce,
	}
}

// Controller owns the document collection.
type Controller struct {
	cfg    *Config
	dir    string
	ext    string
	env    *reference.Env
	coord  *coord.Coordinator
	queue  *KeyedQueue
	logger *zap.Logger

	watcher *coord.Watcher

	// commitMu is held shared by committing operations and exclusively by
	// a reload while it switches to Loading.
	commitMu sync.RWMutex
	reloadMu sync.Mutex

	mu           sync.RWMutex
	refs         map[uuid.UUID]*reference.Reference
	reserved     map[string]struct{}
	state        State
	loaded       chan struct{}
	loadedClosed bool
	provider     ubiquity.Provider

	subMu   sync.Mutex
	subs    map[int]chan Notification
	nextSub int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a controller. It starts in StateLoading; mutations wait
// until the first ReloadLocalDocuments completes. Use Open to create and
// load in one step.
func New(cfg *Config) (*Controller, error) {
	if cfg == nil || cfg.DocumentsDir == "" {
		return nil, fmt.Errorf("documents directory is required")
	}
	if cfg.Extension == "" {
		cfg.Extension = document.DefaultExtension
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("controller")

	dir, err := filepath.Abs(cfg.DocumentsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve documents directory: %w", err)
	}
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	codec := cfg.Codec
	if codec == nil {
		if codec, err = document.NewCBORCodec(cfg.Extension); err != nil {
			return nil, err
		}
	}
	co := cfg.Coordinator
	if co == nil {
		co = coord.New(logger.Named("coord"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg,
		dir:      dir,
		ext:      strings.ToLower(codec.Extension()),
		coord:    co,
		queue:    NewKeyedQueue(),
		logger:   logger,
		refs:     make(map[uuid.UUID]*reference.Reference),
		reserved: make(map[string]struct{}),
		state:    StateLoading,
		loaded:   make(chan struct{}),
		provider: cfg.Provider,
		subs:     make(map[int]chan Notification),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.env = &reference.Env{
		Codec:    codec,
		Coord:    co,
		Render:   cfg.Render,
		Widths:   cfg.PreviewWidths,
		Observer: (*observer)(c),
		Logger:   logger,
	}
	c.env.SetProvider(cfg.Provider)

	if cfg.WatchDebounce > 0 {
		if err := c.startWatcher(cfg.WatchDebounce); err != nil {
			cancel()
			return nil, err
		}
	}
	if cfg.Provider != nil {
		c.wg.Add(1)
		go c.dispatchUpdates(cfg.Provider)
	}
	return c, nil
}

// Open creates a controller and loads the collection.
func Open(ctx context.Context, cfg *Config) (*Controller, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.ReloadLocalDocuments(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) startWatcher(debounce time.Duration) error {
	w, err := coord.NewWatcher(c.coord, c.ext, c.logger.Named("watcher"))
	if err != nil {
		return err
	}
	w.SetDebounce(debounce)

	dirs := []string{c.dir}
	if p := c.cfg.Provider; p != nil {
		dirs = append(dirs, p.DocumentsDir())
	}
	if err := w.Start(dirs...); err != nil {
		return err
	}
	c.watcher = w

	c.wg.Add(1)
	go c.dispatchDiscoveries(w)
	return nil
}

// Close stops background work, unsubscribes every reference, closes the
// remote store and ends all subscriptions.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.watcher != nil {
			err = c.watcher.Stop()
		}

		for _, r := range c.Snapshot() {
			r.DisablePresenter()
		}

		c.mu.Lock()
		p := c.provider
		c.provider = nil
		c.mu.Unlock()
		c.env.SetProvider(nil)
		if p != nil {
			if perr := p.Close(); perr != nil && err == nil {
				err = perr
			}
		}

		c.wg.Wait()

		c.subMu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.subMu.Unlock()
	})
	return err
}

func (c *Controller) closed() bool {
	return c.ctx.Err() != nil
}

// DocumentsDir returns the local documents directory.
func (c *Controller) DocumentsDir() string { return c.dir }

// Extension returns the native document extension.
func (c *Controller) Extension() string { return c.ext }

// Codec returns the document codec.
func (c *Controller) Codec() document.Codec { return c.env.Codec }

// Provider returns the remote store, or nil when it is disabled.
func (c *Controller) Provider() ubiquity.Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider
}

// DocumentsInCloud reports whether the remote store is enabled.
func (c *Controller) DocumentsInCloud() bool {
	return c.Provider() != nil
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the current references ordered by display name.
func (c *Controller) Snapshot() []*reference.Reference {
	c.mu.RLock()
	refs := make([]*reference.Reference, 0, len(c.refs))
	for _, r := range c.refs {
		refs = append(refs, r)
	}
	c.mu.RUnlock()

	sort.Slice(refs, func(i, j int) bool {
		a, b := strings.ToLower(refs[i].DisplayName()), strings.ToLower(refs[j].DisplayName())
		if a != b {
			return a < b
		}
		return refs[i].Path() < refs[j].Path()
	})
	return refs
}

// Reference returns the reference with the given identity.
func (c *Controller) Reference(id uuid.UUID) (*reference.Reference, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.refs[id]
	return r, ok
}

// ReferenceForPath returns the reference whose file is at path.
func (c *Controller) ReferenceForPath(path string) (*reference.Reference, bool) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupPathLocked(path)
}

func (c *Controller) lookupPathLocked(path string) (*reference.Reference, bool) {
	for _, r := range c.refs {
		if r.Path() == path {
			return r, true
		}
	}
	return nil, false
}

// ReferenceForFileName returns the reference whose file name matches name
// (case-insensitively), looking in the local directory first.
func (c *Controller) ReferenceForFileName(name string) (*reference.Reference, bool) {
	var match *reference.Reference
	for _, r := range c.Snapshot() {
		if !strings.EqualFold(r.FileName(), name) && !strings.EqualFold(r.DisplayName(), name) {
			continue
		}
		if !r.IsUbiquitous() {
			return r, true
		}
		if match == nil {
			match = r
		}
	}
	return match, match != nil
}

func (c *Controller) contains(r *reference.Reference) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.refs[r.ID()]
	return ok
}

// PendingDocumentTransfers reports whether any document is downloading or
// uploading.
func (c *Controller) PendingDocumentTransfers() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.refs {
		if r.Status().Transferring() {
			return true
		}
	}
	return false
}

// insert adds r to the collection and starts its presenter.
func (c *Controller) insert(r *reference.Reference) {
	c.mu.Lock()
	c.refs[r.ID()] = r
	c.mu.Unlock()

	r.EnablePresenter()
	c.publish(Notification{Kind: CollectionChanged, Inserted: []*reference.Reference{r}})
}

// remove drops r from the collection. Returns false if it was not there.
func (c *Controller) remove(r *reference.Reference) bool {
	c.mu.Lock()
	_, ok := c.refs[r.ID()]
	delete(c.refs, r.ID())
	c.mu.Unlock()

	if ok {
		c.publish(Notification{Kind: CollectionChanged, Removed: []*reference.Reference{r}})
	}
	return ok
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	if s == StateNormal && !c.loadedClosed {
		close(c.loaded)
		c.loadedClosed = true
	}
	if s == StateLoading && c.loadedClosed {
		c.loaded = make(chan struct{})
		c.loadedClosed = false
	}
	c.mu.Unlock()

	if changed {
		c.logger.Debug("state changed", zap.Stringer("state", s))
		c.publish(Notification{Kind: StateChanged, State: s})
	}
}

// waitLoaded blocks until the controller is Normal.
func (c *Controller) waitLoaded(ctx context.Context) error {
	for {
		c.mu.RLock()
		st, ch := c.state, c.loaded
		c.mu.RUnlock()
		if st == StateNormal {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		}
	}
}

// enterCommit waits for StateNormal and holds off reloads until the
// returned release is called.
func (c *Controller) enterCommit(ctx context.Context) (func(), error) {
	for {
		c.commitMu.RLock()
		c.mu.RLock()
		st, ch := c.state, c.loaded
		c.mu.RUnlock()
		if st == StateNormal {
			return c.commitMu.RUnlock, nil
		}
		c.commitMu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// run executes fn on key's lane once the controller is Normal. The task
// takes its place in the lane at submission, so same-key operations
// submitted while Loading still run in submission order. Cancelling ctx
// while the task waits for Normal abandons it before fn starts.
func (c *Controller) run(ctx context.Context, key string, fn func(context.Context) error) error {
	if c.closed() {
		return ErrClosed
	}
	return c.queue.Do(ctx, key, func(taskCtx context.Context) error {
		release, err := c.enterCommit(ctx)
		if err != nil {
			return err
		}
		defer release()
		return fn(taskCtx)
	})
}

func refKey(r *reference.Reference) string { return "ref:" + r.ID().String() }

func nameKey(path string) string { return "name:" + strings.ToLower(path) }

// observer adapts the controller to reference.Observer.
type observer Controller

func (o *observer) ReferenceChanged(r *reference.Reference) {
	c := (*Controller)(o)
	if !c.contains(r) {
		return
	}
	c.publish(Notification{Kind: StatusChanged, Reference: r})
}

func (o *observer) ReferenceDeleted(r *reference.Reference) {
	c := (*Controller)(o)
	if c.remove(r) {
		c.logger.Debug("document removed", zap.String("document", r.DisplayName()))
	}
}
