package document

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// FormatName identifies the native encoding inside the envelope.
	FormatName = "docshelf"

	// FormatVersion is the current envelope version.
	FormatVersion = 1

	// DefaultExtension is the file extension of natively encoded documents.
	DefaultExtension = ".shelf"
)

// ErrUnknownFormat is returned by Decode for data that is not a natively
// encoded document.
var ErrUnknownFormat = errors.New("not a docshelf document")

type envelope struct {
	Format  string    `cbor:"format"`
	Version int       `cbor:"version"`
	Doc     *Document `cbor:"doc"`
}

// CBORCodec is the native Codec.
type CBORCodec struct {
	ext string
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec returns the native codec for files with the given extension.
// An empty extension selects DefaultExtension.
func NewCBORCodec(ext string) (*CBORCodec, error) {
	if ext == "" {
		ext = DefaultExtension
	}
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor decoder: %w", err)
	}
	return &CBORCodec{ext: ext, enc: enc, dec: dec}, nil
}

// Extension implements Codec.
func (c *CBORCodec) Extension() string { return c.ext }

// Encode implements Codec.
func (c *CBORCodec) Encode(doc *Document) ([]byte, error) {
	return c.enc.Marshal(envelope{Format: FormatName, Version: FormatVersion, Doc: doc})
}

// Decode implements Codec.
func (c *CBORCodec) Decode(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file: %w", ErrUnknownFormat)
	}
	var env envelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	if env.Format != FormatName {
		return nil, fmt.Errorf("format %q: %w", env.Format, ErrUnknownFormat)
	}
	if env.Version > FormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", env.Version)
	}
	if env.Doc == nil {
		return nil, fmt.Errorf("missing document body: %w", ErrUnknownFormat)
	}
	if err := env.Doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return env.Doc, nil
}
