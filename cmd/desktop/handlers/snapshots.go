// Package handlers provides REST API handlers for snapshot management.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/yuchia/deckvault/internal/persistence"
)

// SnapshotHandler handles snapshot operations for the bound document.
type SnapshotHandler struct {
	service    *persistence.Service
	documentID string

	// OnDeleted, when set, is invoked after a successful deletion so the
	// caller can fan the event out (the desktop websocket hub does).
	OnDeleted func(snapshotID string)
}

// NewSnapshotHandler creates a new SnapshotHandler.
func NewSnapshotHandler(service *persistence.Service, documentID string) *SnapshotHandler {
	return &SnapshotHandler{service: service, documentID: documentID}
}

// ListSnapshots handles GET /api/snapshots
func (h *SnapshotHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	documentID := r.URL.Query().Get("document_id")
	if documentID == "" {
		documentID = h.documentID
	}

	infos := h.service.ListSnapshots(documentID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

// CreateSnapshot handles POST /api/snapshots
func (h *SnapshotHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info := h.service.CreateSnapshot()
	if info == nil {
		// Unchanged state or a save already in flight; nothing stored.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}

// CreateRecoveryPoint handles POST /api/recovery-points
func (h *SnapshotHandler) CreateRecoveryPoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Name string `json:"name"`
	}
	if r.Body != nil {
		// An empty body means an auto-generated name.
		json.NewDecoder(r.Body).Decode(&request)
	}

	info := h.service.CreateRecoveryPoint(request.Name)
	if info == nil {
		http.Error(w, "Failed to create recovery point", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}

// PreviewSnapshot handles GET /api/snapshots/preview
// Materializes a snapshot into a throwaway document and returns the
// projected deck; the live document is not touched.
func (h *SnapshotHandler) PreviewSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	documentID := r.URL.Query().Get("document_id")
	if documentID == "" {
		documentID = h.documentID
	}
	version := r.URL.Query().Get("version")

	result := h.service.LoadSnapshot(documentID, version)
	if result == nil {
		http.Error(w, "Snapshot not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result.Deck)
}

// ApplySnapshot handles POST /api/snapshots/{id}/apply
func (h *SnapshotHandler) ApplySnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "snapshot id is required", http.StatusBadRequest)
		return
	}

	if !h.service.ApplySnapshot(id) {
		http.Error(w, "Snapshot not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"applied":true}`))
}

// DeleteSnapshot handles DELETE /api/snapshots/{id}
func (h *SnapshotHandler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "snapshot id is required", http.StatusBadRequest)
		return
	}

	if !h.service.DeleteSnapshot(id) {
		http.Error(w, "Snapshot not found", http.StatusNotFound)
		return
	}

	if h.OnDeleted != nil {
		h.OnDeleted(id)
	}
	w.WriteHeader(http.StatusNoContent)
}
