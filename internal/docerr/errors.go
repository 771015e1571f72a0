// Package docerr defines the error kinds surfaced by document operations.
//
// Every structural operation reports failures as an *OpError naming the
// operation, the document it targeted, and one of the kind sentinels below.
// Kinds can be checked using errors.Is():
//
//	if errors.Is(err, docerr.ErrNameCollision) {
//	    // ask the user for a different name
//	}
package docerr

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds.
var (
	// ErrIO is returned when a filesystem or remote-store operation failed.
	ErrIO = errors.New("i/o failure")

	// ErrNameCollision is returned when no usable file name could be
	// produced for a display name. It is not retried automatically.
	ErrNameCollision = errors.New("name collision")

	// ErrNotFound is returned when the target reference vanished before
	// the operation ran.
	ErrNotFound = errors.New("document not found")

	// ErrNotUbiquitous is returned when a remote-store operation is
	// requested for a local-only document.
	ErrNotUbiquitous = errors.New("document is not in the remote store")

	// ErrTransfer is returned when a remote-store transfer failed or was
	// rejected by the provider.
	ErrTransfer = errors.New("transfer failed")

	// ErrUnsupportedFormat is returned when an import source cannot be read
	// as a document.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrLoad is returned when document content could not be decoded.
	ErrLoad = errors.New("document could not be loaded")

	// ErrDisabled is returned when a remote-store operation is requested
	// while the remote store is disabled.
	ErrDisabled = errors.New("remote store disabled")
)

// OpError describes a failed operation on a single document.
type OpError struct {
	// Op is the operation that failed (create, delete, rename, ...).
	Op string
	// Document is the display or file name of the target document.
	Document string
	// Kind is one of the error kind sentinels of this package.
	Kind error
	// Err is the underlying cause, if any.
	Err error
}

// E builds an *OpError. If err already carries a kind from this package and
// kind is nil, the existing kind is kept.
func E(op, document string, kind, err error) *OpError {
	if kind == nil {
		kind = KindOf(err)
	}
	return &OpError{Op: op, Document: document, Kind: kind, Err: err}
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Document != "" {
		fmt.Fprintf(&b, " %q", e.Document)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil && !errors.Is(e.Kind, e.Err) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

var kinds = []error{
	ErrNameCollision,
	ErrNotFound,
	ErrNotUbiquitous,
	ErrTransfer,
	ErrUnsupportedFormat,
	ErrLoad,
	ErrDisabled,
	ErrIO,
}

// KindOf returns the first kind sentinel found in err's chain, or ErrIO when
// err is non-nil but carries no kind.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrIO
}

// ItemError is one failed item of a bulk operation.
type ItemError struct {
	// ID is the identity of the document that failed.
	ID string
	// Err is the failure, normally an *OpError.
	Err error
}

// BulkError aggregates the per-item failures of a bulk operation. The batch
// is never aborted by a single failure; every failed item is listed.
type BulkError struct {
	Op     string
	Total  int
	Failed []ItemError
}

func (e *BulkError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d of %d documents failed", e.Op, len(e.Failed), e.Total)
	for _, f := range e.Failed {
		fmt.Fprintf(&b, "\n  %s: %v", f.ID, f.Err)
	}
	return b.String()
}

// Unwrap returns the individual item errors.
func (e *BulkError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f.Err
	}
	return errs
}

// IsRetryable returns true if the error is likely to succeed on retry.
// Transfers and plain I/O failures are often transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNameCollision) || errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrLoad) {
		return false
	}
	return errors.Is(err, ErrTransfer) || errors.Is(err, ErrIO)
}

// IsUserActionRequired returns true if the error requires user intervention
// to resolve, such as picking a different name.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNameCollision) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrNotUbiquitous)
}
