// Package ubiquity implements the remote ("ubiquitous") document store.
//
// The store is modelled the way a synchronized-storage provider presents
// itself to an application: a container directory on local disk holds the
// materialized copies of remote documents, and a metadata feed reports, per
// item, whether its bytes are downloaded, being downloaded, uploaded or
// being uploaded, with progress percentages and a conflict flag.
//
// # Architecture
//
//   - Index: per-item sync metadata in an embedded SQLite database with a
//     monotonically increasing change sequence
//   - Mirror: the remote byte store (a directory, or an S3-compatible bucket)
//   - Container: the Provider implementation tying both together; it runs
//     transfers in the background and publishes metadata change batches
//
// Changes are published by polling the index change sequence, so every
// metadata write, whether by a transfer or by an explicit operation,
// reaches subscribers in the order it was committed.
package ubiquity

import (
	"context"
	"fmt"
	"time"
)

// Metadata is one item's sync state as reported by the provider.
type Metadata struct {
	// Path is the item's location inside the container directory.
	Path string

	Ubiquitous  bool
	Downloaded  bool
	Downloading bool
	Uploaded    bool
	Uploading   bool

	// PercentDownloaded and PercentUploaded are in [0, 100].
	PercentDownloaded float64
	PercentUploaded   float64

	HasUnresolvedConflicts bool

	ModTime time.Time

	// Removed marks an item that no longer exists in the store.
	Removed bool
}

// Validate rejects malformed metadata.
func (m Metadata) Validate() error {
	if m.Path == "" {
		return fmt.Errorf("metadata without path")
	}
	if m.PercentDownloaded < 0 || m.PercentDownloaded > 100 {
		return fmt.Errorf("percent downloaded out of range: %v", m.PercentDownloaded)
	}
	if m.PercentUploaded < 0 || m.PercentUploaded > 100 {
		return fmt.Errorf("percent uploaded out of range: %v", m.PercentUploaded)
	}
	return nil
}

// Provider is the remote-store interface consumed by documents and the
// controller.
//
// Methods that take a path operate on files inside DocumentsDir. Callers
// that move or write files hold coordinated access to those paths; the
// provider never coordinates a path passed to it by such a caller.
type Provider interface {
	// DocumentsDir is the directory holding materialized remote documents.
	DocumentsDir() string

	// Enumerate reconciles with the remote side and returns all items.
	Enumerate(ctx context.Context) ([]Metadata, error)

	// Updates delivers incremental metadata batches. The channel is closed
	// by Close.
	Updates() <-chan []Metadata

	// Lookup returns the metadata for path; ok is false if the store does
	// not know the item.
	Lookup(ctx context.Context, path string) (md Metadata, ok bool, err error)

	// StartDownloading begins materializing the item in the background.
	// It is a no-op when the item is downloaded or already downloading.
	StartDownloading(ctx context.Context, path string) error

	// Materialize downloads the item if needed and waits for completion.
	Materialize(ctx context.Context, path string) error

	// Track registers a file written into the container by this process and
	// schedules its upload.
	Track(ctx context.Context, path string) error

	// Untrack forgets an item whose file was moved out of the container and
	// deletes it remotely.
	Untrack(ctx context.Context, path string) error

	// Rename moves an item inside the container. The caller has already
	// renamed the local file if one exists.
	Rename(ctx context.Context, src, dst string) error

	// Evict removes the local copy of a fully uploaded item while keeping
	// it in the store.
	Evict(ctx context.Context, path string) error

	// Remove deletes the item locally and remotely.
	Remove(ctx context.Context, path string) error

	// Close stops background work.
	Close() error
}
