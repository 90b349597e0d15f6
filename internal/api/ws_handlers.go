package api

import "net/http"

// StateSocket hands the connection to the hub, which upgrades it and runs
// the observer lifecycle: register, welcome snapshot, ping/pong, deregister.
func (h *Handler) StateSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Hub == nil {
		WriteRequestError(w, ServiceUnavailableError("state socket is not enabled"))
		return
	}
	h.Hub.HandleConnection(w, r)
}
