package coord

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// runPresenter applies events to a recorder until stop is closed.
func runPresenter(t *testing.T, inbox <-chan Event, stop <-chan struct{}) *recorder {
	t.Helper()

	r := &recorder{}
	go func() {
		for {
			select {
			case ev := <-inbox:
				r.add(ev)
				ev.Ack()
			case <-stop:
				return
			}
		}
	}()
	return r
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestCoordinateWrite_NotifiesPresenter(t *testing.T) {
	c := New(nil)
	path := filepath.Join(t.TempDir(), "a.shelf")

	inbox := make(chan Event, 4)
	stop := make(chan struct{})
	defer close(stop)
	rec := runPresenter(t, inbox, stop)
	cancel := c.Present(path, inbox)
	defer cancel()

	err := c.CoordinateWrite(context.Background(), path, func(p string) error {
		return os.WriteFile(p, []byte("x"), 0644)
	})
	if err != nil {
		t.Fatalf("CoordinateWrite failed: %v", err)
	}

	// The write does not return before the presenter acknowledged.
	events := rec.snapshot()
	if len(events) != 1 || events[0].Op != OpChanged {
		t.Fatalf("expected one changed event, got %+v", events)
	}

	err = c.CoordinateWrite(context.Background(), path, os.Remove)
	if err != nil {
		t.Fatalf("CoordinateWrite(remove) failed: %v", err)
	}
	events = rec.snapshot()
	if len(events) != 2 || events[1].Op != OpDeleted {
		t.Fatalf("expected deleted event, got %+v", events)
	}
}

func TestCoordinateMove_FollowsPresenter(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.shelf")
	dst := filepath.Join(dir, "b.shelf")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	inbox := make(chan Event, 4)
	stop := make(chan struct{})
	defer close(stop)
	rec := runPresenter(t, inbox, stop)
	cancel := c.Present(src, inbox)

	err := c.CoordinateMove(context.Background(), src, dst, func(s, d string) error {
		return os.Rename(s, d)
	})
	if err != nil {
		t.Fatalf("CoordinateMove failed: %v", err)
	}

	events := rec.snapshot()
	if len(events) != 1 || events[0].Op != OpMoved || events[0].NewPath != dst {
		t.Fatalf("expected moved event to %s, got %+v", dst, events)
	}
	if c.IsPresented(src) {
		t.Error("source should no longer be presented")
	}
	if !c.IsPresented(dst) {
		t.Error("destination should be presented")
	}

	cancel()
	if c.IsPresented(dst) {
		t.Error("cancel should remove the moved presenter")
	}
	cancel()
}

func TestCoordinateMove_FailureKeepsPresenter(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.shelf")

	inbox := make(chan Event, 1)
	cancel := c.Present(src, inbox)
	defer cancel()

	boom := errors.New("boom")
	err := c.CoordinateMove(context.Background(), src, filepath.Join(dir, "b.shelf"), func(s, d string) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !c.IsPresented(src) {
		t.Error("failed move should leave the presenter in place")
	}
	if len(inbox) != 0 {
		t.Error("failed move should not notify")
	}
}

func TestCoordinate_WriterExcludesReaders(t *testing.T) {
	c := New(nil)
	path := filepath.Join(t.TempDir(), "a.shelf")

	var active, maxActive int32
	var writers int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		write := i%4 == 0
		go func() {
			defer wg.Done()
			fn := func(string) error {
				if write {
					if atomic.AddInt32(&writers, 1) != 1 || atomic.LoadInt32(&active) != 0 {
						t.Error("writer overlapped another accessor")
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&writers, -1)
					return nil
				}
				n := atomic.AddInt32(&active, 1)
				if atomic.LoadInt32(&writers) != 0 {
					t.Error("reader overlapped a writer")
				}
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			}
			var err error
			if write {
				err = c.CoordinateWrite(context.Background(), path, fn)
			} else {
				err = c.CoordinateRead(context.Background(), path, fn)
			}
			if err != nil {
				t.Errorf("coordinated access failed: %v", err)
			}
		}()
	}
	wg.Wait()

	c.mu.Lock()
	leaked := len(c.locks)
	c.mu.Unlock()
	if leaked != 0 {
		t.Errorf("expected path locks to be released, %d remain", leaked)
	}
}

func TestCoordinate_ContextCancelledWhileWaiting(t *testing.T) {
	c := New(nil)
	path := filepath.Join(t.TempDir(), "a.shelf")

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = c.CoordinateWrite(context.Background(), path, func(string) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := c.CoordinateRead(ctx, path, func(string) error {
		ran = true
		return nil
	})
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ran {
		t.Error("accessor must not run when acquisition was cancelled")
	}
}

func TestNotify_WithoutPresenter(t *testing.T) {
	c := New(nil)
	if c.Notify(OpChanged, "/nowhere/x.shelf") {
		t.Error("Notify should report no presenter")
	}
}

func TestNotifyMoved_FollowsFileIdentity(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.shelf")
	dst := filepath.Join(dir, "b.shelf")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	inbox := make(chan Event, 4)
	stop := make(chan struct{})
	defer close(stop)
	rec := runPresenter(t, inbox, stop)
	cancel := c.Present(src, inbox)
	defer cancel()

	srcInfo, _ := os.Stat(src)
	if _, ok := c.MovedFrom(srcInfo); ok {
		t.Fatal("MovedFrom() matched a file that still exists at its path")
	}

	if err := os.Rename(src, dst); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	from, ok := c.MovedFrom(fi)
	if !ok || from != src {
		t.Fatalf("MovedFrom() = %q, %v; want %q", from, ok, src)
	}

	if !c.NotifyMoved(src, dst) {
		t.Fatal("NotifyMoved() found no presenter")
	}
	if c.IsPresented(src) || !c.IsPresented(dst) {
		t.Error("presenter not re-keyed to the new path")
	}
	if id, ok := c.Identity(dst); !ok || !os.SameFile(id, fi) {
		t.Error("Identity() at the new path does not match the moved file")
	}

	deadline := time.Now().Add(time.Second)
	for len(rec.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	events := rec.snapshot()
	if len(events) != 1 || events[0].Op != OpMoved || events[0].NewPath != dst || !events[0].External {
		t.Fatalf("expected one external move to %s, got %+v", dst, events)
	}

	if c.NotifyMoved(src, dst) {
		t.Error("NotifyMoved() of an unpresented path reported a presenter")
	}
}

func TestCoordinateWrite_RefreshesIdentity(t *testing.T) {
	c := New(nil)
	path := filepath.Join(t.TempDir(), "a.shelf")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	inbox := make(chan Event, 4)
	stop := make(chan struct{})
	defer close(stop)
	runPresenter(t, inbox, stop)
	cancel := c.Present(path, inbox)
	defer cancel()

	// Replace the file the way an atomic save does.
	err := c.CoordinateWrite(context.Background(), path, func(p string) error {
		tmp := p + ".tmp"
		if err := os.WriteFile(tmp, []byte("y"), 0644); err != nil {
			return err
		}
		return os.Rename(tmp, p)
	})
	if err != nil {
		t.Fatalf("CoordinateWrite failed: %v", err)
	}

	fi, _ := os.Stat(path)
	if id, ok := c.Identity(path); !ok || !os.SameFile(id, fi) {
		t.Error("Identity() still describes the replaced file")
	}
}
