// Package document provides the in-memory document model and its on-disk
// encoding.
//
// The rest of the system treats document content as opaque: references load
// and save a *Document through a Codec, and previews are rendered from it.
// The native encoding is CBOR wrapped in a small envelope that identifies
// the format, so foreign files are rejected instead of misread.
package document

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Document is the content of one document.
type Document struct {
	// ===== Content =====
	Title string   `cbor:"title" json:"title" yaml:"title"`
	Body  string   `cbor:"body,omitempty" json:"body,omitempty" yaml:"body,omitempty"`
	Tags  []string `cbor:"tags,omitempty" json:"tags,omitempty" yaml:"tags,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time `cbor:"created_at" json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at" json:"updated_at" yaml:"updated_at"`
}

// New returns an empty document with both timestamps set to now.
func New(title string) *Document {
	now := time.Now().UTC()
	return &Document{
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks if the Document has valid field values.
func (d *Document) Validate() error {
	if len(d.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(d.Title))
	}
	if d.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if d.UpdatedAt.Before(d.CreatedAt) {
		return fmt.Errorf("updated_at precedes created_at")
	}
	return nil
}

// Touch marks the document as modified now.
func (d *Document) Touch() {
	d.UpdatedAt = time.Now().UTC()
}

// Codec encodes and decodes documents.
type Codec interface {
	// Extension is the file extension of the encoding, with leading dot.
	Extension() string
	Encode(doc *Document) ([]byte, error)
	Decode(data []byte) (*Document, error)
}

// ReadFile reads and decodes the document at path.
func ReadFile(codec Codec, path string) (*Document, error) {
	// #nosec G304 - path is a managed document location
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	doc, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

// WriteFile encodes doc and writes it to path. The bytes are written to a
// temporary sibling first and renamed into place so readers never see a
// partial file.
func WriteFile(codec Codec, path string, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	data, err := codec.Encode(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	return WriteBytes(path, data)
}

// WriteBytes atomically replaces path with data.
func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to move document into place: %w", err)
	}
	return nil
}

// IsTempFile reports whether name is a temporary file produced by
// WriteBytes.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, ".tmp")
}
