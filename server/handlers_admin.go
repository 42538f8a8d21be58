package server

import (
	"encoding/json"
	"net/http"

	"github.com/onnwee/songbot/commands"
)

// HandleAdminFlags lists flags (GET) or sets one (POST {"name","enabled"}).
func (h *Handlers) HandleAdminFlags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		all, err := h.deps.Flags.All(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flags": all})
	case http.MethodPost:
		var body struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			http.Error(w, "expected {\"name\",\"enabled\"}", http.StatusBadRequest)
			return
		}
		if err := h.deps.Flags.Set(r.Context(), body.Name, body.Enabled); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": body.Name, "enabled": body.Enabled})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAdminCommands lists (GET), upserts (POST), or deletes
// (DELETE ?name=...) chat commands.
func (h *Handlers) HandleAdminCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.deps.Registry.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commands": list})
	case http.MethodPost:
		var cmd commands.Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.Name == "" {
			http.Error(w, "expected a command object with a name", http.StatusBadRequest)
			return
		}
		if err := h.deps.Registry.Upsert(r.Context(), cmd); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, cmd)
	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "name query parameter required", http.StatusBadRequest)
			return
		}
		if err := h.deps.Registry.Delete(r.Context(), name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAdminQueueSkip removes the current head of the queue.
func (h *Handlers) HandleAdminQueueSkip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	removed, err := h.deps.Queue.RemoveHead(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if removed == nil {
		writeJSON(w, http.StatusOK, map[string]any{"skipped": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skipped": queueEntry{
		Position:    removed.Position,
		Track:       removed.DisplayName,
		Artist:      removed.DisplayArtist,
		RequestedBy: removed.RequestedBy,
	}})
}

// HandleAdminQueueClear empties the queue.
func (h *Handlers) HandleAdminQueueClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.deps.Queue.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
