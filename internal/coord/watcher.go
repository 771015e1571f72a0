package coord

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher observes document directories for changes made by other actors
// and forwards them to the Coordinator's presenters. Files nobody presents
// yet are reported on Discoveries().
//
// Events are debounced per path: a burst of writes, or the remove/create
// pair of an atomic replace, collapses into one notification that reflects
// the file's state once the burst settles.
//
// A presented file that vanishes while the same file appears under another
// name was moved; its presenter is moved along with it instead of being
// told about a deletion.
type Watcher struct {
	watcher *fsnotify.Watcher
	coord   *Coordinator
	ext     string

	debounce time.Duration
	pending  map[string]time.Time
	pendMu   sync.Mutex

	discoveries chan string
	errors      chan error
	done        chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	dirs        map[string]bool

	logger *zap.Logger
}

// DefaultDebounce is how long a path must stay quiet before it is reported.
const DefaultDebounce = 100 * time.Millisecond

// NewWatcher creates a Watcher for files with the given extension.
// The watcher must be started with Start() before it will emit events.
func NewWatcher(c *Coordinator, ext string, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		watcher:     fsw,
		coord:       c,
		ext:         strings.ToLower(ext),
		debounce:    DefaultDebounce,
		pending:     make(map[string]time.Time),
		discoveries: make(chan string, 100),
		errors:      make(chan error, 10),
		done:        make(chan struct{}),
		dirs:        make(map[string]bool),
		logger:      logger,
	}, nil
}

// SetDebounce changes the debounce interval. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching the given directories.
func (w *Watcher) Start(dirs ...string) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Stop()
			return err
		}
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.processPending()
	return nil
}

// Add starts watching another directory. Adding a directory twice is a
// no-op.
func (w *Watcher) Add(dir string) error {
	dir = clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	w.dirs[dir] = true
	return nil
}

// Remove stops watching a directory.
func (w *Watcher) Remove(dir string) error {
	dir = clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		return nil
	}
	delete(w.dirs, dir)
	if err := w.watcher.Remove(dir); err != nil {
		return fmt.Errorf("failed to unwatch directory %s: %w", dir, err)
	}
	return nil
}

// Stop stops watching and closes the Discoveries and Errors channels.
// It blocks until the event loops have exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	close(w.discoveries)
	close(w.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Discoveries returns paths of document files that appeared on disk and are
// not presented by anyone.
func (w *Watcher) Discoveries() <-chan string {
	return w.discoveries
}

// Errors returns the channel that emits watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.pendMu.Lock()
			w.pending[clean(event.Name)] = time.Now()
			w.pendMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			default:
				w.logger.Warn("watcher error dropped", zap.Error(err))
			}
		}
	}
}

// relevant filters to create/write/remove/rename of document files.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(base), w.ext)
}

func (w *Watcher) processPending() {
	defer w.wg.Done()

	interval := w.debounce / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.report(w.settled())
		}
	}
}

// settled removes and returns the paths that have been quiet long enough.
func (w *Watcher) settled() []string {
	w.pendMu.Lock()
	defer w.pendMu.Unlock()

	now := time.Now()
	var ready []string
	for path, at := range w.pending {
		if now.Sub(at) < w.debounce {
			continue
		}
		ready = append(ready, path)
		delete(w.pending, path)
	}
	return ready
}

// report handles settled paths. Files that appeared are handled first so
// that a move is matched before its source is taken for a deletion.
func (w *Watcher) report(paths []string) {
	var gone []string
	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			gone = append(gone, path)
			continue
		}
		w.appeared(path, fi)
	}
	for _, path := range gone {
		w.vanished(path)
	}
}

func (w *Watcher) appeared(path string, fi os.FileInfo) {
	if w.coord.Notify(OpChanged, path) {
		return
	}
	if src, ok := w.coord.MovedFrom(fi); ok && w.coord.NotifyMoved(src, path) {
		w.logger.Debug("external move", zap.String("from", src), zap.String("to", path))
		return
	}
	select {
	case w.discoveries <- path:
	case <-w.done:
	}
}

func (w *Watcher) vanished(path string) {
	if !w.coord.IsPresented(path) {
		return
	}
	if dst, ok := w.pendingMoveTarget(path); ok && w.coord.NotifyMoved(path, dst) {
		w.logger.Debug("external move", zap.String("from", path), zap.String("to", dst))
		return
	}
	if w.coord.Notify(OpDeleted, path) {
		w.logger.Debug("external delete", zap.String("path", path))
	}
}

// pendingMoveTarget looks for src's file among paths that have not settled
// yet and claims it.
func (w *Watcher) pendingMoveTarget(src string) (string, bool) {
	info, ok := w.coord.Identity(src)
	if !ok {
		return "", false
	}

	w.pendMu.Lock()
	defer w.pendMu.Unlock()
	for path := range w.pending {
		if path == src || w.coord.IsPresented(path) {
			continue
		}
		if fi, err := os.Stat(path); err == nil && os.SameFile(info, fi) {
			delete(w.pending, path)
			return path, true
		}
	}
	return "", false
}
