// Package preview renders document thumbnails and caches them per width
// class.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/mschirtzinger/docshelf/internal/document"
)

// Width classes.
const (
	PhoneWidth = 160
	PadWidth   = 320
)

// DefaultWidths are the width classes previews are rendered at.
var DefaultWidths = []int{PhoneWidth, PadWidth}

// Renderer draws a preview of doc that is width pixels wide. It has no side
// effects and fails only on malformed content.
type Renderer func(doc *document.Document, width int) (image.Image, error)

// WidthClass returns the smallest class that is at least w wide, or the
// largest class when w exceeds all of them.
func WidthClass(widths []int, w int) int {
	if len(widths) == 0 {
		return w
	}
	sorted := append([]int(nil), widths...)
	sort.Ints(sorted)
	for _, c := range sorted {
		if c >= w {
			return c
		}
	}
	return sorted[len(sorted)-1]
}

// Downscale returns img scaled to width, keeping the aspect ratio. Images
// that are already at most width wide are returned unchanged.
func Downscale(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || b.Dx() <= width {
		return img
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode preview: %w", err)
	}
	return nil
}

var (
	paper = color.RGBA{R: 0xfb, G: 0xf8, B: 0xf1, A: 0xff}
	ink   = color.RGBA{R: 0x22, G: 0x22, B: 0x22, A: 0xff}
	rule  = color.RGBA{R: 0xc8, G: 0xc2, B: 0xb4, A: 0xff}
)

// DefaultRenderer draws the title and the start of the body as text on a
// page with a 3:4 aspect ratio.
func DefaultRenderer(doc *document.Document, width int) (image.Image, error) {
	if doc == nil {
		return nil, fmt.Errorf("no document to render")
	}
	if width < 16 {
		return nil, fmt.Errorf("preview width %d too small", width)
	}
	height := width * 4 / 3

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(paper), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(ink), Face: face}

	const margin = 6
	lineHeight := face.Metrics().Height.Ceil()
	cols := (width - 2*margin) / face.Advance
	if cols < 1 {
		cols = 1
	}

	y := margin + face.Metrics().Ascent.Ceil()
	for _, line := range wrap(doc.Title, cols) {
		d.Dot = fixed.P(margin, y)
		d.DrawString(line)
		y += lineHeight
	}

	// Rule under the title.
	draw.Draw(img, image.Rect(margin, y-lineHeight/2, width-margin, y-lineHeight/2+1),
		image.NewUniform(rule), image.Point{}, draw.Src)
	y += lineHeight / 2

	for _, line := range wrap(doc.Body, cols) {
		if y > height-margin {
			break
		}
		d.Dot = fixed.P(margin, y)
		d.DrawString(line)
		y += lineHeight
	}
	return img, nil
}

// wrap splits text into lines of at most cols runes, breaking at spaces
// where possible.
func wrap(text string, cols int) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		var cur []rune
		for _, w := range words {
			r := []rune(w)
			for len(r) > cols {
				if len(cur) > 0 {
					lines = append(lines, string(cur))
					cur = nil
				}
				lines = append(lines, string(r[:cols]))
				r = r[cols:]
			}
			switch {
			case len(cur) == 0:
				cur = r
			case len(cur)+1+len(r) <= cols:
				cur = append(append(cur, ' '), r...)
			default:
				lines = append(lines, string(cur))
				cur = r
			}
		}
		if len(cur) > 0 {
			lines = append(lines, string(cur))
		}
	}
	return lines
}
