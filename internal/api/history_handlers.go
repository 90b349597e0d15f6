package api

import (
	"net/http"
	"strconv"
	"strings"

	"transportsync/internal/journal"
)

// History serves the most recent journal entries, oldest first. A limit query
// parameter trims the window; absent or non-positive means everything the
// ring still holds.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Journal == nil {
		WriteRequestError(w, ServiceUnavailableError("journal history is not enabled"))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			WriteRequestError(w, ValidationError("invalid limit value"))
			return
		}
		limit = parsed
	}
	entries := h.Journal.Recent(limit)
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
