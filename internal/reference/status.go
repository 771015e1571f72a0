package reference

import (
	"fmt"

	"github.com/mschirtzinger/docshelf/internal/ubiquity"
)

// SyncStatus is an immutable snapshot of one document's remote-sync state.
// References replace their status wholesale; a SyncStatus value is never
// modified after it is published.
type SyncStatus struct {
	Ubiquitous bool

	Downloaded  bool
	Downloading bool
	Uploaded    bool
	Uploading   bool

	PercentDownloaded float64
	PercentUploaded   float64

	HasUnresolvedConflicts bool
}

// LocalStatus is the status of a document that lives only on local disk.
var LocalStatus = SyncStatus{Downloaded: true, PercentDownloaded: 100}

// Transferring reports whether a download or upload is in progress.
func (s SyncStatus) Transferring() bool {
	return s.Downloading || s.Uploading
}

// String returns a short human-readable summary.
func (s SyncStatus) String() string {
	switch {
	case !s.Ubiquitous:
		return "local"
	case s.HasUnresolvedConflicts:
		return "conflict"
	case s.Downloading:
		return fmt.Sprintf("downloading %.0f%%", s.PercentDownloaded)
	case s.Uploading:
		return fmt.Sprintf("uploading %.0f%%", s.PercentUploaded)
	case !s.Downloaded:
		return "in cloud"
	case !s.Uploaded:
		return "waiting to upload"
	default:
		return "synced"
	}
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// StatusFromMetadata derives the status that replaces prev when md arrives.
//
// A completed transfer reports its flag and 100% together; a running
// transfer never reports itself completed. While a transfer that prev
// already knew about is running, its percentage does not go backwards; a
// new transfer starts again from the reported value.
func StatusFromMetadata(prev SyncStatus, md ubiquity.Metadata) SyncStatus {
	s := SyncStatus{
		Ubiquitous:             md.Ubiquitous && !md.Removed,
		HasUnresolvedConflicts: md.HasUnresolvedConflicts,
	}

	switch {
	case md.Downloading:
		s.Downloading = true
		s.PercentDownloaded = clampPercent(md.PercentDownloaded)
		if prev.Downloading && s.PercentDownloaded < prev.PercentDownloaded {
			s.PercentDownloaded = prev.PercentDownloaded
		}
	case md.Downloaded:
		s.Downloaded = true
		s.PercentDownloaded = 100
	default:
		s.PercentDownloaded = clampPercent(md.PercentDownloaded)
		if s.PercentDownloaded == 100 {
			s.PercentDownloaded = 0
		}
	}

	switch {
	case md.Uploading:
		s.Uploading = true
		s.PercentUploaded = clampPercent(md.PercentUploaded)
		if prev.Uploading && s.PercentUploaded < prev.PercentUploaded {
			s.PercentUploaded = prev.PercentUploaded
		}
	case md.Uploaded:
		s.Uploaded = true
		s.PercentUploaded = 100
	default:
		s.PercentUploaded = clampPercent(md.PercentUploaded)
		if s.PercentUploaded == 100 {
			s.PercentUploaded = 0
		}
	}
	return s
}
