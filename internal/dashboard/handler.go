package dashboard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/docshelf/internal/controller"
	"github.com/mschirtzinger/docshelf/internal/reference"
)

// DocumentData describes one document as clients see it.
type DocumentData struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Path              string    `json:"path"`
	Status            string    `json:"status"`
	Ubiquitous        bool      `json:"ubiquitous"`
	Downloaded        bool      `json:"downloaded"`
	Downloading       bool      `json:"downloading"`
	Uploaded          bool      `json:"uploaded"`
	Uploading         bool      `json:"uploading"`
	PercentDownloaded float64   `json:"percent_downloaded"`
	PercentUploaded   float64   `json:"percent_uploaded"`
	Conflict          bool      `json:"conflict"`
	Modified          time.Time `json:"modified,omitempty"`
}

// NewDocumentData captures ref's current location and status.
func NewDocumentData(ref *reference.Reference) DocumentData {
	path, name := ref.Location()
	st := ref.Status()
	return DocumentData{
		ID:                ref.ID().String(),
		Name:              name,
		Path:              path,
		Status:            st.String(),
		Ubiquitous:        st.Ubiquitous,
		Downloaded:        st.Downloaded,
		Downloading:       st.Downloading,
		Uploaded:          st.Uploaded,
		Uploading:         st.Uploading,
		PercentDownloaded: st.PercentDownloaded,
		PercentUploaded:   st.PercentUploaded,
		Conflict:          st.HasUnresolvedConflicts,
		Modified:          ref.ModTime(),
	}
}

// CollectionData lists documents added to and removed from the collection.
// Both are empty after a reload; clients should refetch /documents.
type CollectionData struct {
	Inserted []DocumentData `json:"inserted,omitempty"`
	Removed  []string       `json:"removed,omitempty"`
}

// StatsData contains collection statistics
type StatsData struct {
	Total        int `json:"total"`
	Local        int `json:"local"`
	InCloud      int `json:"in_cloud"`
	NotLocal     int `json:"not_downloaded"`
	Transferring int `json:"transferring"`
	Conflicts    int `json:"conflicts"`
}

// StateData is served on /state and broadcast on state changes.
type StateData struct {
	State            string     `json:"state"`
	PendingTransfers bool       `json:"pending_transfers"`
	Stats            *StatsData `json:"stats,omitempty"`
}

// ComputeStats summarizes docs.
func ComputeStats(docs []DocumentData) *StatsData {
	s := &StatsData{Total: len(docs)}
	for _, d := range docs {
		if !d.Ubiquitous {
			s.Local++
			continue
		}
		s.InCloud++
		if !d.Downloaded {
			s.NotLocal++
		}
		if d.Downloading || d.Uploading {
			s.Transferring++
		}
		if d.Conflict {
			s.Conflicts++
		}
	}
	return s
}

// Source provides the data served over HTTP.
type Source interface {
	Documents() []DocumentData
	StateName() string
	PendingDocumentTransfers() bool
}

// ControllerSource serves a controller's collection.
type ControllerSource struct {
	*controller.Controller
}

// Documents returns the collection snapshot.
func (s ControllerSource) Documents() []DocumentData {
	refs := s.Snapshot()
	docs := make([]DocumentData, len(refs))
	for i, r := range refs {
		docs[i] = NewDocumentData(r)
	}
	return docs
}

// StateName returns the controller state.
func (s ControllerSource) StateName() string {
	return s.State().String()
}

// Handler forwards controller notifications to dashboard clients.
type Handler struct {
	server *Server
	source Source
	logger *zap.Logger
}

// NewHandler creates a handler broadcasting on server.
func NewHandler(server *Server, source Source, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, source: source, logger: logger.Named("dashboard")}
}

// Run forwards notifications until ctx is done or the subscription ends.
func (h *Handler) Run(ctx context.Context, notes <-chan controller.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			h.OnNotification(n)
		}
	}
}

// OnNotification broadcasts one notification.
func (h *Handler) OnNotification(n controller.Notification) {
	switch n.Kind {
	case controller.CollectionChanged:
		data := CollectionData{}
		for _, r := range n.Inserted {
			data.Inserted = append(data.Inserted, NewDocumentData(r))
		}
		for _, r := range n.Removed {
			data.Removed = append(data.Removed, r.ID().String())
		}
		h.logger.Debug("collection changed",
			zap.Int("inserted", len(data.Inserted)), zap.Int("removed", len(data.Removed)))
		h.server.BroadcastData(MessageTypeCollection, data)
		h.broadcastStats()

	case controller.StatusChanged:
		if n.Reference == nil {
			return
		}
		h.server.BroadcastData(MessageTypeStatus, NewDocumentData(n.Reference))

	case controller.StateChanged:
		h.server.BroadcastData(MessageTypeState, StateData{State: n.State.String()})
		if n.State == controller.StateNormal {
			h.broadcastStats()
		}
	}
}

func (h *Handler) broadcastStats() {
	if h.source == nil {
		return
	}
	h.server.BroadcastData(MessageTypeStats, ComputeStats(h.source.Documents()))
}
