package document

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Imported is the result of reading an external file.
type Imported struct {
	// Doc is the decoded content.
	Doc *Document
	// Raw holds the source bytes when the file was already natively encoded
	// and can be copied verbatim.
	Raw []byte
	// DisplayName is the name suggested by the source file.
	DisplayName string
}

// Import reads an externally-sourced file. Natively encoded files are kept
// byte-for-byte; JSON, YAML, Markdown and plain text are converted.
// Anything else fails with ErrUnknownFormat.
func Import(codec Codec, path string) (*Imported, error) {
	// #nosec G304 - caller-chosen import source
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read import source: %w", err)
	}

	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	name := strings.TrimSuffix(base, filepath.Ext(base))

	switch ext {
	case strings.ToLower(codec.Extension()):
		doc, err := codec.Decode(data)
		if err != nil {
			return nil, err
		}
		return &Imported{Doc: doc, Raw: data, DisplayName: name}, nil

	case ".json":
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
		}
		return converted(&doc, name)

	case ".yaml", ".yml":
		var doc Document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
		}
		return converted(&doc, name)

	case ".md", ".txt":
		doc := New(name)
		doc.Body = string(data)
		if info, err := os.Stat(path); err == nil {
			doc.UpdatedAt = info.ModTime().UTC()
			if doc.UpdatedAt.Before(doc.CreatedAt) {
				doc.CreatedAt = doc.UpdatedAt
			}
		}
		return converted(doc, name)
	}

	return nil, fmt.Errorf("extension %q: %w", ext, ErrUnknownFormat)
}

func converted(doc *Document, name string) (*Imported, error) {
	if doc.Title == "" {
		doc.Title = name
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	return &Imported{Doc: doc, DisplayName: name}, nil
}
