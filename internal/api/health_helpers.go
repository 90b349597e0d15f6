package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthProbe struct {
	component string
	check     func(context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// RegisterProbe adds a named health check to /api/health. The server wires
// probes for dependencies the handler does not hold directly, such as the
// rate limit store.
func (h *Handler) RegisterProbe(component string, check func(context.Context) error) {
	if component == "" || check == nil {
		return
	}
	h.probeMu.Lock()
	h.probes = append(h.probes, healthProbe{component: component, check: check})
	h.probeMu.Unlock()
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, bool, int) {
	ok := true
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			ok = false
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 4)
	if h.Catalog != nil {
		components = append(components, recordComponent("catalog", h.Catalog.Ping(ctx)))
	}
	if probe, probeable := h.Queue.(pinger); probeable {
		components = append(components, recordComponent("journal_queue", probe.Ping(ctx)))
	}

	h.probeMu.Lock()
	probes := make([]healthProbe, len(h.probes))
	copy(probes, h.probes)
	h.probeMu.Unlock()
	for _, probe := range probes {
		components = append(components, recordComponent(probe.component, probe.check(ctx)))
	}

	return components, ok, statusCode
}
