package reference

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mschirtzinger/docshelf/internal/coord"
	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/document"
	"github.com/mschirtzinger/docshelf/internal/preview"
	"github.com/mschirtzinger/docshelf/internal/ubiquity"
)

type countingObserver struct {
	changed atomic.Int32
	deleted atomic.Int32
}

func (o *countingObserver) ReferenceChanged(*Reference) { o.changed.Add(1) }
func (o *countingObserver) ReferenceDeleted(*Reference) { o.deleted.Add(1) }

// gatedCodec blocks Decode until gate is closed and counts calls.
type gatedCodec struct {
	document.Codec
	gate    chan struct{}
	decodes atomic.Int32
}

func (g *gatedCodec) Decode(data []byte) (*document.Document, error) {
	g.decodes.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	return g.Codec.Decode(data)
}

func newEnv(t *testing.T) (*Env, *countingObserver) {
	t.Helper()

	codec, err := document.NewCBORCodec(".shelf")
	if err != nil {
		t.Fatalf("NewCBORCodec() failed: %v", err)
	}
	obs := &countingObserver{}
	return &Env{
		Codec:    codec,
		Coord:    coord.New(nil),
		Widths:   preview.DefaultWidths,
		Observer: obs,
	}, obs
}

func writeDoc(t *testing.T, env *Env, path, title string) {
	t.Helper()
	if err := document.WriteFile(env.Codec, path, document.New(title)); err != nil {
		t.Fatalf("failed to write document: %v", err)
	}
}

func TestStatusFromMetadata(t *testing.T) {
	tests := []struct {
		name string
		prev SyncStatus
		md   ubiquity.Metadata
		want SyncStatus
	}{
		{
			name: "download completes",
			prev: SyncStatus{Ubiquitous: true, Downloading: true, PercentDownloaded: 80},
			md:   ubiquity.Metadata{Path: "/a", Ubiquitous: true, Downloaded: true, PercentDownloaded: 100},
			want: SyncStatus{Ubiquitous: true, Downloaded: true, PercentDownloaded: 100},
		},
		{
			name: "stale progress keeps the higher value",
			prev: SyncStatus{Ubiquitous: true, Downloading: true, PercentDownloaded: 60},
			md:   ubiquity.Metadata{Path: "/a", Ubiquitous: true, Downloading: true, PercentDownloaded: 40},
			want: SyncStatus{Ubiquitous: true, Downloading: true, PercentDownloaded: 60},
		},
		{
			name: "new transfer starts from zero",
			prev: SyncStatus{Ubiquitous: true, Uploaded: true, PercentUploaded: 100},
			md:   ubiquity.Metadata{Path: "/a", Ubiquitous: true, Uploading: true, PercentUploaded: 0},
			want: SyncStatus{Ubiquitous: true, Uploading: true, PercentDownloaded: 0},
		},
		{
			name: "downloading wins over a stale downloaded flag",
			md:   ubiquity.Metadata{Path: "/a", Ubiquitous: true, Downloaded: true, Downloading: true, PercentDownloaded: 30},
			want: SyncStatus{Ubiquitous: true, Downloading: true, PercentDownloaded: 30},
		},
		{
			name: "conflict flag",
			md:   ubiquity.Metadata{Path: "/a", Ubiquitous: true, Downloaded: true, HasUnresolvedConflicts: true},
			want: SyncStatus{Ubiquitous: true, Downloaded: true, PercentDownloaded: 100, HasUnresolvedConflicts: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFromMetadata(tt.prev, tt.md); got != tt.want {
				t.Errorf("StatusFromMetadata() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUpdateStatus_NotifiesOnlyOnChange(t *testing.T) {
	env, obs := newEnv(t)
	r := New(env, filepath.Join(t.TempDir(), "a.shelf"), SyncStatus{})

	md := ubiquity.Metadata{Path: r.Path(), Ubiquitous: true, Uploading: true, PercentUploaded: 10}
	if !r.UpdateStatus(md) {
		t.Fatal("first update should change the status")
	}
	if r.UpdateStatus(md) {
		t.Error("identical metadata should not change the status")
	}
	if n := obs.changed.Load(); n != 1 {
		t.Errorf("observer notified %d times, want 1", n)
	}

	if r.UpdateStatus(ubiquity.Metadata{Path: r.Path(), PercentUploaded: 140}) {
		t.Error("malformed metadata must be ignored")
	}
	if st := r.Status(); !st.Uploading || st.PercentUploaded != 10 {
		t.Errorf("status changed by malformed metadata: %+v", st)
	}
}

func TestStatus_ReadersNeverSeeTornStatus(t *testing.T) {
	env, _ := newEnv(t)
	r := New(env, filepath.Join(t.TempDir(), "a.shelf"), SyncStatus{Ubiquitous: true})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for ctx.Err() == nil {
				r.UpdateStatus(ubiquity.Metadata{
					Path:              r.Path(),
					Ubiquitous:        true,
					Downloaded:        rng.Intn(2) == 0,
					Downloading:       rng.Intn(2) == 0,
					PercentDownloaded: float64(rng.Intn(101)),
				})
			}
		}(int64(w))
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				st := r.Status()
				if st.Downloaded && st.PercentDownloaded < 100 {
					t.Errorf("downloaded with %v%%", st.PercentDownloaded)
					return
				}
				if st.Downloaded && st.Downloading {
					t.Error("downloaded and downloading at once")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestLoad_CoalescesConcurrentReads(t *testing.T) {
	env, _ := newEnv(t)
	gc := &gatedCodec{Codec: env.Codec, gate: make(chan struct{})}
	path := filepath.Join(t.TempDir(), "a.shelf")
	writeDoc(t, env, path, "Shared")
	env.Codec = gc

	r := New(env, path, LocalStatus)

	var wg sync.WaitGroup
	titles := make([]string, 2)
	for i := range titles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := r.Load(context.Background())
			if err != nil {
				t.Errorf("Load() failed: %v", err)
				return
			}
			titles[i] = doc.Title
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gc.gate)
	wg.Wait()

	if n := gc.decodes.Load(); n != 1 {
		t.Errorf("decoded %d times, want 1", n)
	}
	if titles[0] != "Shared" || titles[1] != "Shared" {
		t.Errorf("titles = %v", titles)
	}
}

func TestLoad_Errors(t *testing.T) {
	env, _ := newEnv(t)
	dir := t.TempDir()

	missing := New(env, filepath.Join(dir, "missing.shelf"), LocalStatus)
	if _, err := missing.Load(context.Background()); !errors.Is(err, docerr.ErrNotFound) {
		t.Errorf("Load(missing) = %v, want ErrNotFound", err)
	}

	garbage := filepath.Join(dir, "garbage.shelf")
	_ = os.WriteFile(garbage, []byte("not cbor"), 0644)
	if _, err := New(env, garbage, LocalStatus).Load(context.Background()); !errors.Is(err, docerr.ErrLoad) {
		t.Errorf("Load(garbage) = %v, want ErrLoad", err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	env, _ := newEnv(t)
	path := filepath.Join(t.TempDir(), "a.shelf")
	writeDoc(t, env, path, "Before")
	r := New(env, path, LocalStatus)

	doc, err := r.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	doc.Title = "After"
	doc.Touch()
	if err := r.Save(context.Background(), doc); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := r.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Title != "After" {
		t.Errorf("Title = %q, want After", got.Title)
	}
}

func TestStartDownloading_Local(t *testing.T) {
	env, _ := newEnv(t)
	r := New(env, filepath.Join(t.TempDir(), "a.shelf"), LocalStatus)
	if err := r.StartDownloading(context.Background()); !errors.Is(err, docerr.ErrNotUbiquitous) {
		t.Errorf("StartDownloading() = %v, want ErrNotUbiquitous", err)
	}
}

func TestPresenter_FollowsMoveAndDelete(t *testing.T) {
	env, obs := newEnv(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "Old Name.shelf")
	dst := filepath.Join(dir, "New Name.shelf")
	writeDoc(t, env, src, "Doc")

	r := New(env, src, LocalStatus)
	r.EnablePresenter()
	defer r.DisablePresenter()

	ctx := context.Background()
	if err := env.Coord.CoordinateMove(ctx, src, dst, func(s, d string) error {
		return os.Rename(s, d)
	}); err != nil {
		t.Fatalf("CoordinateMove() failed: %v", err)
	}

	path, name := r.Location()
	if path != dst || name != "New Name" {
		t.Errorf("Location() = %q, %q after move", path, name)
	}

	if err := env.Coord.CoordinateWrite(ctx, dst, os.Remove); err != nil {
		t.Fatalf("CoordinateWrite(remove) failed: %v", err)
	}
	if !r.IsTerminal() {
		t.Error("reference should be terminal after its file was deleted")
	}
	if n := obs.deleted.Load(); n != 1 {
		t.Errorf("observer saw %d deletions, want 1", n)
	}

	deadline := time.Now().Add(time.Second)
	for r.IsPresenting() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.IsPresenting() {
		t.Error("terminal reference should stop presenting")
	}
}

func TestRequestPreview(t *testing.T) {
	env, _ := newEnv(t)
	path := filepath.Join(t.TempDir(), "a.shelf")
	writeDoc(t, env, path, "Pictured")
	r := New(env, path, LocalStatus)

	if r.Preview() != nil {
		t.Fatal("no preview should be cached initially")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	img, err := r.PreviewImage(ctx, 100)
	if err != nil {
		t.Fatalf("PreviewImage() failed: %v", err)
	}
	if img.Bounds().Dx() != 100 {
		t.Errorf("preview width = %d, want 100", img.Bounds().Dx())
	}
	if cached := r.Preview(); cached == nil || cached.Bounds().Dx() != preview.PhoneWidth {
		t.Errorf("expected cached phone-class preview, got %v", cached)
	}
}

func TestDisplayModificationDate(t *testing.T) {
	env, _ := newEnv(t)
	r := New(env, filepath.Join(t.TempDir(), "a.shelf"), LocalStatus)
	if got := r.DisplayModificationDate(time.Now()); got != "unknown" {
		t.Errorf("no mod time: got %q", got)
	}

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 3, 10, 9, 5, 0, 0, time.UTC), "Today, 09:05"},
		{time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC), "Yesterday, 23:59"},
		{time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC), "Jan 2, 08:00"},
		{time.Date(2024, 7, 4, 8, 0, 0, 0, time.UTC), "Jul 4, 2024"},
	}
	for _, tt := range tests {
		r.modTime.Store(tt.at.UnixNano())
		if got := r.DisplayModificationDate(now); got != tt.want {
			t.Errorf("DisplayModificationDate(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}
