package ubiquity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/docshelf/internal/coord"
	"github.com/mschirtzinger/docshelf/internal/docerr"
)

// ErrConflict is recorded when the remote copy changed since the local copy
// was last synchronized and the local copy has unsent changes.
var ErrConflict = errors.New("remote copy changed since last sync")

// ContainerConfig holds configuration for a Container.
type ContainerConfig struct {
	// Root is the container directory. Documents live in Root/Documents and
	// the sync index in Root/index.db.
	Root string

	// PollInterval is how often committed metadata changes are published.
	PollInterval time.Duration

	// RemoteSyncInterval is how often the mirror is listed for remote
	// changes. Zero disables periodic reconciliation.
	RemoteSyncInterval time.Duration
}

// DefaultContainerConfig returns the default configuration for root.
func DefaultContainerConfig(root string) ContainerConfig {
	return ContainerConfig{
		Root:               root,
		PollInterval:       250 * time.Millisecond,
		RemoteSyncInterval: 30 * time.Second,
	}
}

type transfer struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	again  bool
}

// Container is the Provider implementation: a local documents directory
// whose items are mirrored to a remote byte store.
type Container struct {
	cfg    ContainerConfig
	docs   string
	index  *Index
	mirror Mirror
	coord  *coord.Coordinator
	logger *zap.Logger

	updates chan []Metadata
	lastSeq int64

	mu        sync.Mutex
	downloads map[string]*transfer
	uploads   map[string]*transfer
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Provider = (*Container)(nil)

// OpenContainer opens the container at cfg.Root, resets transfer flags left
// over from a previous run, and starts publishing metadata changes.
//
// The caller MUST call Close() when done.
func OpenContainer(cfg ContainerConfig, mirror Mirror, c *coord.Coordinator, logger *zap.Logger) (*Container, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("container root is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultContainerConfig(cfg.Root).PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve container root: %w", err)
	}
	docs := filepath.Join(root, "Documents")
	if err := os.MkdirAll(docs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	index, err := OpenIndex(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ct := &Container{
		cfg:       cfg,
		docs:      docs,
		index:     index,
		mirror:    mirror,
		coord:     c,
		logger:    logger.Named("ubiquity"),
		updates:   make(chan []Metadata, 64),
		downloads: make(map[string]*transfer),
		uploads:   make(map[string]*transfer),
		ctx:       ctx,
		cancel:    cancel,
	}

	if ct.lastSeq, err = index.LastSeq(ctx); err != nil {
		cancel()
		_ = index.Close()
		return nil, err
	}
	if err := ct.recoverTransfers(ctx); err != nil {
		cancel()
		_ = index.Close()
		return nil, err
	}

	ct.wg.Add(1)
	go ct.loop()
	return ct, nil
}

// DocumentsDir returns the container's documents directory.
func (ct *Container) DocumentsDir() string {
	return ct.docs
}

// Updates returns the channel of metadata change batches.
func (ct *Container) Updates() <-chan []Metadata {
	return ct.updates
}

// Close cancels running transfers, stops publishing and closes the index.
func (ct *Container) Close() error {
	ct.mu.Lock()
	if ct.closed {
		ct.mu.Unlock()
		return nil
	}
	ct.closed = true
	ct.mu.Unlock()

	ct.cancel()
	ct.wg.Wait()
	close(ct.updates)
	return ct.index.Close()
}

func (ct *Container) pathOf(name string) string {
	return filepath.Join(ct.docs, name)
}

// nameOf maps a path inside the documents directory to its item name.
func (ct *Container) nameOf(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if filepath.Dir(abs) != ct.docs {
		return "", fmt.Errorf("%w: %s is outside the container", docerr.ErrNotUbiquitous, filepath.Base(path))
	}
	return filepath.Base(abs), nil
}

func (ct *Container) toMetadata(r *Record) Metadata {
	return Metadata{
		Path:                   ct.pathOf(r.Name),
		Ubiquitous:             !r.Deleted,
		Downloaded:             r.Downloaded,
		Downloading:            r.Downloading,
		Uploaded:               r.Uploaded,
		Uploading:              r.Uploading,
		PercentDownloaded:      r.PercentDownloaded,
		PercentUploaded:        r.PercentUploaded,
		HasUnresolvedConflicts: r.Conflict,
		ModTime:                r.ModTime,
		Removed:                r.Deleted,
	}
}

func (ct *Container) loop() {
	defer ct.wg.Done()

	ticker := time.NewTicker(ct.cfg.PollInterval)
	defer ticker.Stop()

	var remote <-chan time.Time
	if ct.cfg.RemoteSyncInterval > 0 {
		rt := time.NewTicker(ct.cfg.RemoteSyncInterval)
		defer rt.Stop()
		remote = rt.C
	}

	for {
		select {
		case <-ct.ctx.Done():
			return
		case <-ticker.C:
			ct.publish()
		case <-remote:
			if err := ct.Reconcile(ct.ctx); err != nil && ct.ctx.Err() == nil {
				ct.logger.Warn("remote reconcile failed", zap.Error(err))
			}
		}
	}
}

// publish sends the changes committed since the last batch.
func (ct *Container) publish() {
	records, err := ct.index.Changes(ct.ctx, ct.lastSeq)
	if err != nil {
		if ct.ctx.Err() == nil {
			ct.logger.Warn("failed to read index changes", zap.Error(err))
		}
		return
	}
	if len(records) == 0 {
		return
	}

	batch := make([]Metadata, len(records))
	for i, r := range records {
		batch[i] = ct.toMetadata(r)
	}
	select {
	case ct.updates <- batch:
		ct.lastSeq = records[len(records)-1].Seq
	case <-ct.ctx.Done():
	}
}

// recoverTransfers clears in-flight flags from an interrupted run and
// re-queues unsent uploads.
func (ct *Container) recoverTransfers(ctx context.Context) error {
	records, err := ct.index.List(ctx)
	if err != nil {
		return err
	}
	var requeue []string
	for _, r := range records {
		if !r.Downloading && !r.Uploading {
			continue
		}
		wasUploading := r.Uploading
		if _, err := ct.index.Update(ctx, r.Name, func(r *Record) error {
			r.Downloading = false
			r.Uploading = false
			if !r.Downloaded {
				r.PercentDownloaded = 0
			}
			r.PercentUploaded = 0
			return nil
		}); err != nil {
			return err
		}
		if wasUploading {
			requeue = append(requeue, r.Name)
		}
	}
	for _, name := range requeue {
		ct.logger.Info("re-queueing interrupted upload", zap.String("name", name))
		ct.startUpload(name)
	}
	return nil
}

// Enumerate reconciles with the mirror and returns every item.
func (ct *Container) Enumerate(ctx context.Context) ([]Metadata, error) {
	if err := ct.Reconcile(ctx); err != nil {
		// The local index is still authoritative for what we know.
		ct.logger.Warn("reconcile failed, enumerating from index", zap.Error(err))
	}
	records, err := ct.index.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, len(records))
	for i, r := range records {
		out[i] = ct.toMetadata(r)
	}
	return out, nil
}

// Lookup returns the metadata for path.
func (ct *Container) Lookup(ctx context.Context, path string) (Metadata, bool, error) {
	name, err := ct.nameOf(path)
	if err != nil {
		return Metadata{}, false, nil
	}
	r, err := ct.index.Get(ctx, name)
	if errors.Is(err, ErrItemNotFound) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, err
	}
	return ct.toMetadata(r), true, nil
}

// Reconcile compares the mirror listing, the index and the documents
// directory, and brings the index up to date with remote creations,
// modifications and deletions.
func (ct *Container) Reconcile(ctx context.Context) error {
	objects, err := ct.mirror.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", docerr.ErrTransfer, err)
	}
	records, err := ct.index.List(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]*Record, len(records))
	for _, r := range records {
		known[r.Name] = r
	}
	remote := make(map[string]ObjectInfo, len(objects))

	for _, obj := range objects {
		remote[obj.Name] = obj
		r, ok := known[obj.Name]
		if !ok {
			if err := ct.adoptRemote(ctx, obj); err != nil {
				return err
			}
			continue
		}
		if obj.Version == r.BaseVersion || r.Uploading || r.Downloading {
			continue
		}
		switch {
		case r.Downloaded && !r.Uploaded:
			ct.logger.Warn("conflicting remote change", zap.String("name", r.Name))
			if _, err := ct.index.Update(ctx, r.Name, func(r *Record) error {
				r.Conflict = true
				return nil
			}); err != nil {
				return err
			}
		case r.Downloaded:
			ct.startDownload(r.Name)
		default:
			if _, err := ct.index.Update(ctx, r.Name, func(r *Record) error {
				r.BaseVersion = obj.Version
				r.ModTime = obj.ModTime
				return nil
			}); err != nil {
				return err
			}
		}
	}

	for _, r := range records {
		if _, ok := remote[r.Name]; ok || r.Uploading {
			continue
		}
		if !r.Uploaded {
			ct.startUpload(r.Name)
			continue
		}
		ct.logger.Info("item removed remotely", zap.String("name", r.Name))
		if err := ct.dropRemoved(ctx, r.Name); err != nil {
			return err
		}
	}

	// Files dropped into the container by another tool.
	entries, err := os.ReadDir(ct.docs)
	if err != nil {
		return fmt.Errorf("failed to list container: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, ok := known[e.Name()]; ok {
			continue
		}
		if _, ok := remote[e.Name()]; ok {
			continue
		}
		if err := ct.Track(ctx, ct.pathOf(e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (ct *Container) adoptRemote(ctx context.Context, obj ObjectInfo) error {
	r := &Record{
		Name:            obj.Name,
		Uploaded:        true,
		PercentUploaded: 100,
		ModTime:         obj.ModTime,
		BaseVersion:     obj.Version,
	}
	if fi, err := os.Stat(ct.pathOf(obj.Name)); err == nil {
		r.Downloaded = true
		r.PercentDownloaded = 100
		r.Conflict = fi.Size() != obj.Size
	}
	return ct.index.Put(ctx, r)
}

// dropRemoved forgets an item deleted remotely and removes its local copy.
func (ct *Container) dropRemoved(ctx context.Context, name string) error {
	ct.cancelTransfers(name)
	return ct.coord.CoordinateWrite(ctx, ct.pathOf(name), func(path string) error {
		if err := ct.index.Delete(ctx, name); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
		return nil
	})
}

// StartDownloading begins downloading path in the background.
func (ct *Container) StartDownloading(ctx context.Context, path string) error {
	name, err := ct.nameOf(path)
	if err != nil {
		return err
	}
	r, err := ct.index.Get(ctx, name)
	if errors.Is(err, ErrItemNotFound) {
		return fmt.Errorf("%w: %s", docerr.ErrNotUbiquitous, name)
	}
	if err != nil {
		return err
	}
	if r.Downloaded || r.Downloading {
		return nil
	}
	if t := ct.startDownload(name); t == nil {
		return fmt.Errorf("container closed")
	}
	return nil
}

// Materialize downloads path if needed and waits for the download.
func (ct *Container) Materialize(ctx context.Context, path string) error {
	name, err := ct.nameOf(path)
	if err != nil {
		return err
	}
	r, err := ct.index.Get(ctx, name)
	if errors.Is(err, ErrItemNotFound) {
		return fmt.Errorf("%w: %s", docerr.ErrNotUbiquitous, name)
	}
	if err != nil {
		return err
	}
	if r.Downloaded && !r.Downloading {
		return nil
	}

	t := ct.startDownload(name)
	if t == nil {
		return fmt.Errorf("container closed")
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startDownload returns the running download for name, starting one if
// needed. Returns nil once the container is closed.
func (ct *Container) startDownload(name string) *transfer {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.closed {
		return nil
	}
	if t, ok := ct.downloads[name]; ok {
		return t
	}

	ctx, cancel := context.WithCancel(ct.ctx)
	t := &transfer{cancel: cancel, done: make(chan struct{})}
	ct.downloads[name] = t

	ct.wg.Add(1)
	go func() {
		defer ct.wg.Done()
		t.err = ct.download(ctx, name)
		cancel()

		ct.mu.Lock()
		if ct.downloads[name] == t {
			delete(ct.downloads, name)
		}
		ct.mu.Unlock()
		close(t.done)
	}()
	return t
}

func (ct *Container) download(ctx context.Context, name string) error {
	logger := ct.logger.With(zap.String("name", name))

	if _, err := ct.index.Update(ctx, name, func(r *Record) error {
		r.Downloaded = false
		r.Downloading = true
		r.PercentDownloaded = 0
		return nil
	}); err != nil {
		return err
	}

	err := ct.fetch(ctx, name)
	if err == nil {
		logger.Debug("download complete")
		return nil
	}

	logger.Warn("download failed", zap.Error(err))
	_, _ = ct.index.Update(context.WithoutCancel(ctx), name, func(r *Record) error {
		r.Downloading = false
		_, statErr := os.Stat(ct.pathOf(name))
		r.Downloaded = statErr == nil
		if r.Downloaded {
			r.PercentDownloaded = 100
		} else {
			r.PercentDownloaded = 0
		}
		return nil
	})
	if errors.Is(err, docerr.ErrTransfer) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", docerr.ErrTransfer, name, err)
}

func (ct *Container) fetch(ctx context.Context, name string) error {
	rc, info, err := ct.mirror.Get(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(ct.docs, "."+name+".*.download")
	if err != nil {
		return fmt.Errorf("failed to create download file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	pr := newProgressReader(ctx, rc, info.Size, func(pct float64) {
		ct.reportProgress(ctx, name, pct, false)
	})
	if _, err := io.Copy(tmp, pr); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to download %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close download file: %w", err)
	}

	return ct.coord.CoordinateWrite(ctx, ct.pathOf(name), func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			return fmt.Errorf("failed to move %s into place: %w", name, err)
		}
		_, err := ct.index.Update(context.WithoutCancel(ctx), name, func(r *Record) error {
			r.Downloaded = true
			r.Downloading = false
			r.PercentDownloaded = 100
			r.BaseVersion = info.Version
			r.ModTime = info.ModTime
			r.Conflict = false
			return nil
		})
		return err
	})
}

// reportProgress raises the in-flight percentage; it never lowers it.
func (ct *Container) reportProgress(ctx context.Context, name string, pct float64, upload bool) {
	_, err := ct.index.Update(ctx, name, func(r *Record) error {
		if upload {
			if r.Uploading && pct > r.PercentUploaded {
				r.PercentUploaded = pct
			}
			return nil
		}
		if r.Downloading && pct > r.PercentDownloaded {
			r.PercentDownloaded = pct
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		ct.logger.Debug("failed to record progress", zap.String("name", name), zap.Error(err))
	}
}

// startUpload schedules an upload of name. If one is already running,
// another pass runs after it so the latest local bytes are sent.
func (ct *Container) startUpload(name string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.closed {
		return
	}
	if t, ok := ct.uploads[name]; ok {
		t.again = true
		return
	}

	ctx, cancel := context.WithCancel(ct.ctx)
	t := &transfer{cancel: cancel, done: make(chan struct{})}
	ct.uploads[name] = t

	ct.wg.Add(1)
	go func() {
		defer ct.wg.Done()
		defer cancel()
		for {
			t.err = ct.upload(ctx, name)

			ct.mu.Lock()
			if t.again && t.err == nil && ctx.Err() == nil {
				t.again = false
				ct.mu.Unlock()
				continue
			}
			if ct.uploads[name] == t {
				delete(ct.uploads, name)
			}
			ct.mu.Unlock()
			close(t.done)
			return
		}
	}()
}

func (ct *Container) upload(ctx context.Context, name string) error {
	logger := ct.logger.With(zap.String("name", name))

	r, err := ct.index.Update(ctx, name, func(r *Record) error {
		r.Uploaded = false
		r.Uploading = true
		r.PercentUploaded = 0
		return nil
	})
	if err != nil {
		return err
	}

	err = ct.send(ctx, r)
	if err == nil {
		logger.Debug("upload complete")
		return nil
	}

	logger.Warn("upload failed", zap.Error(err))
	_, _ = ct.index.Update(context.WithoutCancel(ctx), name, func(r *Record) error {
		r.Uploading = false
		r.PercentUploaded = 0
		if errors.Is(err, ErrConflict) {
			r.Conflict = true
		}
		return nil
	})
	return fmt.Errorf("%w: %s: %v", docerr.ErrTransfer, name, err)
}

func (ct *Container) send(ctx context.Context, r *Record) error {
	remote, err := ct.mirror.Stat(ctx, r.Name)
	switch {
	case errors.Is(err, ErrObjectNotFound):
	case err != nil:
		return err
	case r.BaseVersion != "" && remote.Version != r.BaseVersion:
		return ErrConflict
	}

	var data []byte
	if err := ct.coord.CoordinateRead(ctx, ct.pathOf(r.Name), func(path string) error {
		var err error
		data, err = os.ReadFile(path)
		return err
	}); err != nil {
		return fmt.Errorf("failed to read %s: %w", r.Name, err)
	}

	size := int64(len(data))
	pr := newProgressReader(ctx, bytes.NewReader(data), size, func(pct float64) {
		ct.reportProgress(ctx, r.Name, pct, true)
	})
	info, err := ct.mirror.Put(ctx, r.Name, pr, size)
	if err != nil {
		return err
	}

	_, err = ct.index.Update(context.WithoutCancel(ctx), r.Name, func(r *Record) error {
		r.Uploaded = true
		r.Uploading = false
		r.PercentUploaded = 100
		r.BaseVersion = info.Version
		return nil
	})
	return err
}

// cancelTransfers stops any download or upload of name.
func (ct *Container) cancelTransfers(name string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if t, ok := ct.downloads[name]; ok {
		t.cancel()
		delete(ct.downloads, name)
	}
	if t, ok := ct.uploads[name]; ok {
		t.again = false
		t.cancel()
		delete(ct.uploads, name)
	}
}

// Track registers a file written into the container and uploads it.
func (ct *Container) Track(ctx context.Context, path string) error {
	name, err := ct.nameOf(path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(ct.pathOf(name))
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", name, err)
	}

	_, err = ct.index.Update(ctx, name, func(r *Record) error {
		r.Downloaded = true
		r.Downloading = false
		r.PercentDownloaded = 100
		r.ModTime = fi.ModTime()
		return nil
	})
	if errors.Is(err, ErrItemNotFound) {
		err = ct.index.Put(ctx, &Record{
			Name:              name,
			Downloaded:        true,
			PercentDownloaded: 100,
			ModTime:           fi.ModTime(),
		})
	}
	if err != nil {
		return err
	}

	ct.startUpload(name)
	return nil
}

// Untrack forgets an item moved out of the container and removes it from
// the mirror.
func (ct *Container) Untrack(ctx context.Context, path string) error {
	name, err := ct.nameOf(path)
	if err != nil {
		return err
	}
	ct.cancelTransfers(name)
	if err := ct.index.Delete(ctx, name); err != nil {
		return err
	}
	if err := ct.mirror.Remove(ctx, name); err != nil {
		return fmt.Errorf("%w: %v", docerr.ErrTransfer, err)
	}
	return nil
}

// Rename renames an item in the index and the mirror, restarting any
// transfer under the new name.
func (ct *Container) Rename(ctx context.Context, src, dst string) error {
	oldName, err := ct.nameOf(src)
	if err != nil {
		return err
	}
	newName, err := ct.nameOf(dst)
	if err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}

	ct.cancelTransfers(oldName)
	if err := ct.index.Rename(ctx, oldName, newName); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return fmt.Errorf("%w: %s", docerr.ErrNotUbiquitous, oldName)
		}
		return err
	}

	r, err := ct.index.Get(ctx, newName)
	if err != nil {
		return err
	}
	if r.Uploaded {
		if err := ct.mirror.Rename(ctx, oldName, newName); err != nil && !errors.Is(err, ErrObjectNotFound) {
			return fmt.Errorf("%w: %v", docerr.ErrTransfer, err)
		}
		if info, err := ct.mirror.Stat(ctx, newName); err == nil {
			_, _ = ct.index.Update(ctx, newName, func(r *Record) error {
				r.BaseVersion = info.Version
				return nil
			})
		}
	} else {
		_ = ct.mirror.Remove(ctx, oldName)
	}

	if r.Downloading {
		_, _ = ct.index.Update(ctx, newName, func(r *Record) error {
			r.Downloading = false
			r.PercentDownloaded = 0
			return nil
		})
		ct.startDownload(newName)
	}
	if !r.Uploaded {
		ct.startUpload(newName)
	}
	return nil
}

// Evict removes the local copy of a fully uploaded item.
func (ct *Container) Evict(ctx context.Context, path string) error {
	name, err := ct.nameOf(path)
	if err != nil {
		return err
	}
	r, err := ct.index.Get(ctx, name)
	if errors.Is(err, ErrItemNotFound) {
		return fmt.Errorf("%w: %s", docerr.ErrNotUbiquitous, name)
	}
	if err != nil {
		return err
	}
	if !r.Downloaded && !r.Downloading {
		return nil
	}
	if r.Uploading || !r.Uploaded {
		return fmt.Errorf("%w: %s has changes that are not uploaded yet", docerr.ErrTransfer, name)
	}

	ct.cancelTransfers(name)
	if _, err := ct.index.Update(ctx, name, func(r *Record) error {
		r.Downloaded = false
		r.Downloading = false
		r.PercentDownloaded = 0
		return nil
	}); err != nil {
		return err
	}
	if err := os.Remove(ct.pathOf(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to evict %s: %w", name, err)
	}
	return nil
}

// Remove deletes an item locally and from the mirror.
func (ct *Container) Remove(ctx context.Context, path string) error {
	name, err := ct.nameOf(path)
	if err != nil {
		return err
	}
	ct.cancelTransfers(name)
	if err := ct.index.Delete(ctx, name); err != nil {
		return err
	}
	if err := os.Remove(ct.pathOf(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	if err := ct.mirror.Remove(ctx, name); err != nil {
		return fmt.Errorf("%w: %v", docerr.ErrTransfer, err)
	}
	return nil
}

// PendingTransfers returns the number of running downloads and uploads.
func (ct *Container) PendingTransfers() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.downloads) + len(ct.uploads)
}
