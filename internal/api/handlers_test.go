package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"transportsync/internal/catalog"
	"transportsync/internal/hub"
	"transportsync/internal/transport"
)

type stubCatalog struct {
	projects map[string]catalog.Project
}

func (c *stubCatalog) GetProject(id string) (catalog.Project, bool) {
	project, ok := c.projects[id]
	return project, ok
}

func (c *stubCatalog) ListProjects() []catalog.Project {
	out := make([]catalog.Project, 0, len(c.projects))
	for _, project := range c.projects {
		out = append(out, project)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *stubCatalog) Ping(ctx context.Context) error { return nil }

func (c *stubCatalog) Close(ctx context.Context) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (*Handler, *transport.Store) {
	t.Helper()
	demoTempo := 96.0
	waltzTempo := 90.0
	cat := &stubCatalog{projects: map[string]catalog.Project{
		"demo": {
			ID:            "demo",
			DisplayName:   "Demo Kit",
			Artist:        "House Band",
			Tempo:         &demoTempo,
			TimeSignature: "4/4",
			Document:      json.RawMessage(`{"id":"demo","displayName":"Demo Kit","artist":"House Band","tempo":96,"timeSig":"4/4","sections":[{"name":"Intro","bars":8}]}`),
		},
		"waltz": {
			ID:            "waltz",
			DisplayName:   "Waltz Etude",
			Artist:        "Trio",
			Tempo:         &waltzTempo,
			TimeSignature: "3/4",
		},
	}}
	store, err := transport.NewStore(transport.StoreConfig{
		Catalog:   cat,
		Logger:    discardLogger(),
		ProjectID: "demo",
	})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	observers := hub.New(hub.Config{Store: store, Logger: discardLogger()})
	t.Cleanup(observers.Close)
	store.SetBroadcaster(observers)

	handler := NewHandler(store, observers)
	handler.Catalog = cat
	handler.Logger = discardLogger()
	return handler, store
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{name: "missing header", header: "", want: ""},
		{name: "bearer token", header: "Bearer swordfish", want: "swordfish"},
		{name: "lowercase scheme", header: "bearer swordfish", want: "swordfish"},
		{name: "padded token", header: "Bearer  swordfish ", want: "swordfish"},
		{name: "wrong scheme", header: "Basic swordfish", want: ""},
		{name: "scheme without token", header: "Bearer", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := ExtractToken(req); got != tc.want {
				t.Fatalf("expected token %q, got %q", tc.want, got)
			}
		})
	}
}
