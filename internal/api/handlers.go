package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"transportsync/internal/catalog"
	"transportsync/internal/hub"
	"transportsync/internal/journal"
	"transportsync/internal/transport"
)

// Handler owns the HTTP surface of the service. Store and Hub are required
// for the transport routes; Catalog, Journal, and Queue enrich the project,
// history, and health endpoints when wired.
type Handler struct {
	Store   *transport.Store
	Hub     *hub.Hub
	Catalog catalog.Catalog
	Journal *journal.History
	Queue   journal.Queue
	Logger  *slog.Logger

	probeMu sync.Mutex
	probes  []healthProbe
}

func NewHandler(store *transport.Store, observers *hub.Hub) *Handler {
	return &Handler{Store: store, Hub: observers}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ExtractToken pulls the bearer token off a request, if any.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}
