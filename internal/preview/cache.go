package preview

import (
	"context"
	"image"
	"sort"
	"sync"
)

// Producer renders a preview at the given class width.
type Producer func(ctx context.Context, width int) (image.Image, error)

type waiter struct {
	maxWidth int
	done     func(image.Image, error)
}

// Cache holds one document's previews keyed by width class and coalesces
// concurrent requests for the same class into a single render.
type Cache struct {
	widths []int

	mu      sync.Mutex
	images  map[int]image.Image
	pending map[int][]waiter
	gen     uint64
}

// NewCache creates a cache for the given width classes.
func NewCache(widths []int) *Cache {
	if len(widths) == 0 {
		widths = DefaultWidths
	}
	sorted := append([]int(nil), widths...)
	sort.Ints(sorted)
	return &Cache{
		widths:  sorted,
		images:  make(map[int]image.Image),
		pending: make(map[int][]waiter),
	}
}

// Cached returns the largest cached preview, or nil.
func (c *Cache) Cached() image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.widths) - 1; i >= 0; i-- {
		if img, ok := c.images[c.widths[i]]; ok {
			return img
		}
	}
	return nil
}

// lookup returns the smallest cached preview at least class wide.
func (c *Cache) lookup(class int) image.Image {
	for _, w := range c.widths {
		if w < class {
			continue
		}
		if img, ok := c.images[w]; ok {
			return img
		}
	}
	return nil
}

// Request delivers a preview at most maxWidth wide to done, exactly once.
//
// A cached preview of the same or a larger class is downscaled and
// delivered synchronously. Otherwise produce is called once per class no
// matter how many requests arrive while it runs; every waiter is notified
// with the shared result. produce runs even if ctx is cancelled later,
// since other waiters may depend on it.
func (c *Cache) Request(ctx context.Context, maxWidth int, produce Producer, done func(image.Image, error)) {
	class := WidthClass(c.widths, maxWidth)

	c.mu.Lock()
	if img := c.lookup(class); img != nil {
		c.mu.Unlock()
		done(Downscale(img, maxWidth), nil)
		return
	}
	w := waiter{maxWidth: maxWidth, done: done}
	if waiters, ok := c.pending[class]; ok {
		c.pending[class] = append(waiters, w)
		c.mu.Unlock()
		return
	}
	c.pending[class] = []waiter{w}
	gen := c.gen
	c.mu.Unlock()

	go func() {
		img, err := produce(context.WithoutCancel(ctx), class)

		c.mu.Lock()
		if err == nil && gen == c.gen {
			c.images[class] = img
		}
		waiters := c.pending[class]
		delete(c.pending, class)
		c.mu.Unlock()

		for _, w := range waiters {
			if err != nil {
				w.done(nil, err)
				continue
			}
			w.done(Downscale(img, w.maxWidth), nil)
		}
	}()
}

// Invalidate drops all cached previews. Renders already running still
// notify their waiters but are not cached.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images = make(map[int]image.Image)
	c.gen++
}

// Pending reports the number of classes currently being rendered.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
