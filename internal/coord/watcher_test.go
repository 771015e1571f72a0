package coord

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T, c *Coordinator, dir string) *Watcher {
	t.Helper()

	w, err := NewWatcher(c, ".shelf", nil)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWatcher_StartStop(t *testing.T) {
	w := startWatcher(t, New(nil), t.TempDir())

	if !w.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := w.Start(); err == nil {
		t.Error("second Start() should fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
	if _, ok := <-w.Discoveries(); ok {
		t.Error("discoveries channel should be closed")
	}
}

func TestWatcher_DiscoversUnpresentedFile(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, New(nil), dir)

	path := filepath.Join(dir, "New.shelf")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	// Ignored: wrong extension and hidden temp file.
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)
	_ = os.WriteFile(filepath.Join(dir, ".New.shelf.1.tmp"), []byte("x"), 0644)

	select {
	case got := <-w.Discoveries():
		if filepath.Base(got) != "New.shelf" {
			t.Errorf("discovered %s, want New.shelf", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for discovery")
	}

	select {
	case got := <-w.Discoveries():
		t.Errorf("unexpected second discovery: %s", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_ExternalChangeAndDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Doc.shelf")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	c := New(nil)
	inbox := make(chan Event, 8)
	cancel := c.Present(path, inbox)
	defer cancel()
	startWatcher(t, c, dir)

	if err := os.WriteFile(path, []byte("changed"), 0644); err != nil {
		t.Fatalf("failed to rewrite: %v", err)
	}
	select {
	case ev := <-inbox:
		if ev.Op != OpChanged || !ev.External {
			t.Errorf("expected external change, got %+v", ev)
		}
		ev.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change event")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	select {
	case ev := <-inbox:
		if ev.Op != OpDeleted {
			t.Errorf("expected delete, got %+v", ev)
		}
		ev.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delete event")
	}
}

func TestWatcher_ExternalMoveFollowsPresenter(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "Doc.shelf")
	dst := filepath.Join(dir, "Moved.shelf")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	c := New(nil)
	inbox := make(chan Event, 8)
	cancel := c.Present(src, inbox)
	defer cancel()
	w := startWatcher(t, c, dir)

	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	select {
	case ev := <-inbox:
		if ev.Op != OpMoved || !ev.External {
			t.Fatalf("expected external move, got %+v", ev)
		}
		if ev.Path != src || ev.NewPath != dst {
			t.Errorf("move %s -> %s, want %s -> %s", ev.Path, ev.NewPath, src, dst)
		}
		ev.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for move event")
	}

	if c.IsPresented(src) || !c.IsPresented(dst) {
		t.Error("presenter did not follow the file to its new path")
	}
	select {
	case got := <-w.Discoveries():
		t.Errorf("moved file reported as discovery: %s", got)
	case ev := <-inbox:
		t.Errorf("unexpected event after move: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}

	// A later change is delivered at the new path.
	if err := os.WriteFile(dst, []byte("changed"), 0644); err != nil {
		t.Fatalf("failed to rewrite: %v", err)
	}
	select {
	case ev := <-inbox:
		if ev.Op != OpChanged || ev.Path != dst {
			t.Errorf("expected change at %s, got %+v", dst, ev)
		}
		ev.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change event")
	}
}

func TestWatcher_MoveToForeignNameIsDeletion(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "Doc.shelf")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	c := New(nil)
	inbox := make(chan Event, 8)
	cancel := c.Present(src, inbox)
	defer cancel()
	startWatcher(t, c, dir)

	if err := os.Rename(src, filepath.Join(dir, "Doc.txt")); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	select {
	case ev := <-inbox:
		if ev.Op != OpDeleted {
			t.Errorf("expected delete, got %+v", ev)
		}
		ev.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delete event")
	}
}
