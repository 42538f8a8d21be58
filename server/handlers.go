package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/songbot/cache"
	"github.com/onnwee/songbot/commands"
	"github.com/onnwee/songbot/flags"
	"github.com/onnwee/songbot/queue"
)

// Deps carries the stores the HTTP API serves from.
type Deps struct {
	DB       *sql.DB
	Coord    *cache.Coordinator
	Queue    *queue.Store
	Flags    *flags.Store
	Registry *commands.Registry
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	deps    Deps
	started time.Time
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, started: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", slog.Any("err", err), slog.String("component", "http"))
	}
}

// HandleHealthz reports process liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness: Postgres must answer; the cache layer is
// optional and only reported, since the service runs degraded without it.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.deps.DB.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"cache":  h.deps.Coord.State().String(),
	})
}

// HandleStatus returns an operational summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queueLen, err := h.deps.Queue.Len(ctx)
	if err != nil {
		slog.Warn("status queue count failed", slog.Any("err", err), slog.String("component", "http"))
		queueLen = -1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cache_state":     h.deps.Coord.State().String(),
		"cache_available": h.deps.Coord.Available(),
		"queue_length":    queueLen,
		"uptime_seconds":  int(time.Since(h.started).Seconds()),
	})
}

type queueEntry struct {
	Position    int    `json:"position"`
	Track       string `json:"track"`
	Artist      string `json:"artist"`
	RequestedBy string `json:"requested_by"`
}

// HandleQueue returns the current song queue in play order.
func (h *Handlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	items := h.deps.Queue.ListAll(r.Context())
	out := make([]queueEntry, 0, len(items))
	for _, it := range items {
		out = append(out, queueEntry{
			Position:    it.Position,
			Track:       it.DisplayName,
			Artist:      it.DisplayArtist,
			RequestedBy: it.RequestedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": out})
}
