package preview

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mschirtzinger/docshelf/internal/document"
)

func TestWidthClass(t *testing.T) {
	tests := []struct {
		w    int
		want int
	}{
		{1, PhoneWidth},
		{PhoneWidth, PhoneWidth},
		{PhoneWidth + 1, PadWidth},
		{PadWidth, PadWidth},
		{2000, PadWidth},
	}
	for _, tt := range tests {
		if got := WidthClass(DefaultWidths, tt.w); got != tt.want {
			t.Errorf("WidthClass(%d) = %d, want %d", tt.w, got, tt.want)
		}
	}
	if got := WidthClass(nil, 42); got != 42 {
		t.Errorf("WidthClass(nil, 42) = %d", got)
	}
}

func TestDownscale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 320, 400))

	got := Downscale(src, 160)
	if b := got.Bounds(); b.Dx() != 160 || b.Dy() != 200 {
		t.Errorf("Downscale(160) bounds = %v", b)
	}
	if Downscale(src, 640) != image.Image(src) {
		t.Error("Downscale should not upscale")
	}
}

func TestDefaultRenderer(t *testing.T) {
	doc := document.New("Groceries")
	doc.Body = "milk eggs bread butter and a very long word: supercalifragilisticexpialidocious"

	img, err := DefaultRenderer(doc, PhoneWidth)
	if err != nil {
		t.Fatalf("DefaultRenderer() failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != PhoneWidth || b.Dy() != PhoneWidth*4/3 {
		t.Errorf("bounds = %v", b)
	}

	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		t.Fatalf("EncodePNG() failed: %v", err)
	}
	if _, err := png.Decode(&buf); err != nil {
		t.Errorf("output is not a PNG: %v", err)
	}

	if _, err := DefaultRenderer(nil, PhoneWidth); err == nil {
		t.Error("rendering nil document should fail")
	}
}

func TestWrap(t *testing.T) {
	lines := wrap("aaa bbb ccc\n\ndddddddd", 7)
	want := []string{"aaa bbb", "ccc", "", "ddddddd", "d"}
	if len(lines) != len(want) {
		t.Fatalf("wrap() = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func blank(ctx context.Context, width int) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, width, width)), nil
}

func TestCache_CoalescesConcurrentRequests(t *testing.T) {
	c := NewCache(nil)

	var renders int32
	release := make(chan struct{})
	produce := func(ctx context.Context, width int) (image.Image, error) {
		atomic.AddInt32(&renders, 1)
		<-release
		return blank(ctx, width)
	}

	var wg sync.WaitGroup
	widths := make([]int, 3)
	for i, req := range []int{PadWidth, 200, PadWidth} {
		wg.Add(1)
		c.Request(context.Background(), req, produce, func(img image.Image, err error) {
			defer wg.Done()
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			widths[i] = img.Bounds().Dx()
		})
	}
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&renders); n != 1 {
		t.Errorf("rendered %d times, want 1", n)
	}
	if widths[0] != PadWidth || widths[1] != 200 || widths[2] != PadWidth {
		t.Errorf("delivered widths = %v", widths)
	}
	if c.Pending() != 0 {
		t.Error("pending registry should be empty")
	}
}

func TestCache_SmallerRequestUsesLargerPreview(t *testing.T) {
	c := NewCache(nil)

	var renders int32
	produce := func(ctx context.Context, width int) (image.Image, error) {
		atomic.AddInt32(&renders, 1)
		return blank(ctx, width)
	}

	got := make(chan image.Image, 1)
	c.Request(context.Background(), PadWidth, produce, func(img image.Image, err error) { got <- img })
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for render")
	}

	// Served synchronously from the cached pad preview.
	var small image.Image
	c.Request(context.Background(), 100, produce, func(img image.Image, err error) { small = img })
	if small == nil || small.Bounds().Dx() != 100 {
		t.Fatalf("expected a 100px downscale, got %v", small)
	}
	if n := atomic.LoadInt32(&renders); n != 1 {
		t.Errorf("rendered %d times, want 1", n)
	}
	if c.Cached() == nil {
		t.Error("Cached() should return the pad preview")
	}

	c.Invalidate()
	if c.Cached() != nil {
		t.Error("Invalidate() should drop cached previews")
	}
}

func TestCache_ErrorNotCached(t *testing.T) {
	c := NewCache(nil)
	boom := errors.New("malformed")

	errs := make(chan error, 1)
	c.Request(context.Background(), PhoneWidth, func(context.Context, int) (image.Image, error) {
		return nil, boom
	}, func(_ image.Image, err error) { errs <- err })

	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Errorf("got %v, want boom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for failure")
	}
	if c.Cached() != nil {
		t.Error("failed render must not be cached")
	}
}
