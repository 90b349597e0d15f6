package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"transportsync/internal/transport"
)

// maxMutationBytes bounds how much of a mutation body is read. Transport
// updates are a handful of scalar fields; anything past this is garbage.
const maxMutationBytes = 1 << 20

const healthProbeTimeout = 5 * time.Second

type healthResponse struct {
	OK         bool              `json:"ok"`
	Components []componentStatus `json:"components,omitempty"`
}

type mutationResponse struct {
	OK    bool               `json:"ok"`
	State transport.Snapshot `json:"state"`
}

type selectProjectRequest struct {
	ProjectID string `json:"projectId"`
}

type projectSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Artist      string `json:"artist"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	components, ok, status := h.componentHealth(ctx)
	writeJSON(w, status, healthResponse{OK: ok, Components: components})
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.Snapshot())
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxMutationBytes))
		if err != nil {
			body = nil
		}
		update := transport.DecodeUpdate(body)
		snapshot := h.Store.Apply(update)
		writeJSON(w, http.StatusOK, mutationResponse{OK: true, State: snapshot})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (h *Handler) Project(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.activeProject(w)
	case http.MethodPost:
		h.selectProject(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// activeProject serves the active project's source document so overlays see
// every field the author wrote, not just the ones the transport extracts.
func (h *Handler) activeProject(w http.ResponseWriter) {
	id := h.Store.ActiveProjectID()
	if id == "" {
		writeError(w, http.StatusNotFound, errors.New("no active project"))
		return
	}
	project, ok := h.Store.Project(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("active project %q missing from catalog", id))
		return
	}
	if len(project.Document) > 0 {
		writeRawJSON(w, http.StatusOK, project.Document)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) selectProject(w http.ResponseWriter, r *http.Request) {
	var req selectProjectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMutationBytes)).Decode(&req); err != nil {
		WriteRequestError(w, ValidationError("request body must be a JSON object with a projectId"))
		return
	}
	if req.ProjectID == "" {
		WriteRequestError(w, ValidationError("projectId is required"))
		return
	}
	snapshot, err := h.Store.SelectProject(req.ProjectID)
	if err != nil {
		if errors.Is(err, transport.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{OK: true, State: snapshot})
}

func (h *Handler) Projects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	projects := h.Store.Projects()
	summaries := make([]projectSummary, 0, len(projects))
	for _, project := range projects {
		summaries = append(summaries, projectSummary{
			ID:          project.ID,
			DisplayName: project.DisplayName,
			Artist:      project.Artist,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}
