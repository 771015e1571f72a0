package reference

import (
	"context"
	"fmt"
	"os"

	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/document"
)

// ErrFileExists is returned by WriteNew when the target path is taken.
var ErrFileExists = fmt.Errorf("%w: file already exists", docerr.ErrNameCollision)

// WriteNew writes data to a path that must not exist yet. The existence
// check and the write happen under the same coordinated write.
func WriteNew(ctx context.Context, env *Env, path string, data []byte) error {
	return env.Coord.CoordinateWrite(ctx, path, func(path string) error {
		if _, err := os.Lstat(path); err == nil {
			return ErrFileExists
		}
		return document.WriteBytes(path, data)
	})
}

// CreateNew writes an empty document titled title at path and returns it
// together with a local reference to it. The reference is not presenting
// yet.
func CreateNew(ctx context.Context, env *Env, path, title string) (*document.Document, *Reference, error) {
	doc := document.New(title)
	data, err := env.Codec.Encode(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode new document: %w", err)
	}
	if err := WriteNew(ctx, env, path, data); err != nil {
		return nil, nil, err
	}
	return doc, New(env, path, LocalStatus), nil
}
