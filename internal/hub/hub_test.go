package hub_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"transportsync/internal/catalog"
	"transportsync/internal/hub"
	"transportsync/internal/transport"
)

type catalogStub struct {
	projects map[string]catalog.Project
	order    []string
}

func (c catalogStub) GetProject(id string) (catalog.Project, bool) {
	project, ok := c.projects[id]
	return project, ok
}

func (c catalogStub) ListProjects() []catalog.Project {
	projects := make([]catalog.Project, 0, len(c.order))
	for _, id := range c.order {
		projects = append(projects, c.projects[id])
	}
	return projects
}

func newTestHub(t *testing.T) (*hub.Hub, *transport.Store, *httptest.Server) {
	t.Helper()
	tempo := 100.0
	store, err := transport.NewStore(transport.StoreConfig{
		Catalog: catalogStub{
			projects: map[string]catalog.Project{
				"demo": {ID: "demo", DisplayName: "Demo", Tempo: &tempo, TimeSignature: "4/4"},
			},
			order: []string{"demo"},
		},
	})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	h := hub.New(hub.Config{Store: store})
	store.SetBroadcaster(h)

	server := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	t.Cleanup(func() {
		h.Close()
		server.Close()
	})
	return h, store, server
}

func mustDial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(server.URL, "http", "ws", 1)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return string(payload)
}

func decodeSnapshot(t *testing.T, payload string) map[string]any {
	t.Helper()
	var snapshot map[string]any
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot %q: %v", payload, err)
	}
	return snapshot
}

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestObserverReceivesWelcomeSnapshot(t *testing.T) {
	h, _, server := newTestHub(t)

	conn := mustDial(t, server)
	welcome := decodeSnapshot(t, readText(t, conn))
	if welcome["activeProjectId"] != "demo" {
		t.Fatalf("welcome active project = %v", welcome["activeProjectId"])
	}
	if welcome["bpm"] != 100.0 {
		t.Fatalf("welcome bpm = %v", welcome["bpm"])
	}
	if welcome["t_host"] == nil {
		t.Fatalf("welcome missing t_host: %v", welcome)
	}

	waitUntil(t, 2*time.Second, func() bool { return h.ObserverCount() == 1 })
}

func TestBroadcastDeliversIdenticalPayloadToAllObservers(t *testing.T) {
	h, store, server := newTestHub(t)

	conns := []*websocket.Conn{mustDial(t, server), mustDial(t, server), mustDial(t, server)}
	for _, conn := range conns {
		readText(t, conn)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.ObserverCount() == 3 })

	store.Apply(transport.DecodeUpdate([]byte(`{"beat":2}`)))

	payloads := make([]string, len(conns))
	for i, conn := range conns {
		payloads[i] = readText(t, conn)
	}
	if payloads[0] != payloads[1] || payloads[1] != payloads[2] {
		t.Fatalf("broadcast payloads differ: %q / %q / %q", payloads[0], payloads[1], payloads[2])
	}
	if snapshot := decodeSnapshot(t, payloads[0]); snapshot["beat"] != 2.0 {
		t.Fatalf("broadcast beat = %v", snapshot["beat"])
	}
}

func TestLivenessProbeElicitsPong(t *testing.T) {
	_, _, server := newTestHub(t)

	conn := mustDial(t, server)
	readText(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("setlist please")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(" PiNg ")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if reply := readText(t, conn); reply != "pong" {
		t.Fatalf("reply = %q, want pong", reply)
	}
}

func TestDisconnectedObserverIsPruned(t *testing.T) {
	h, store, server := newTestHub(t)

	stayer := mustDial(t, server)
	leaver := mustDial(t, server)
	readText(t, stayer)
	readText(t, leaver)
	waitUntil(t, 2*time.Second, func() bool { return h.ObserverCount() == 2 })

	store.Apply(transport.DecodeUpdate([]byte(`{"beat":2}`)))
	if snapshot := decodeSnapshot(t, readText(t, stayer)); snapshot["beat"] != 2.0 {
		t.Fatalf("stayer beat = %v", snapshot["beat"])
	}
	if snapshot := decodeSnapshot(t, readText(t, leaver)); snapshot["beat"] != 2.0 {
		t.Fatalf("leaver beat = %v", snapshot["beat"])
	}

	leaver.Close()
	waitUntil(t, 2*time.Second, func() bool { return h.ObserverCount() == 1 })

	store.Apply(transport.DecodeUpdate([]byte(`{"beat":3}`)))
	if snapshot := decodeSnapshot(t, readText(t, stayer)); snapshot["beat"] != 3.0 {
		t.Fatalf("update after prune did not arrive: %v", snapshot)
	}
	if h.ObserverCount() != 1 {
		t.Fatalf("observer count = %d, want 1", h.ObserverCount())
	}
}

func TestObserverChurnDuringBroadcasts(t *testing.T) {
	h, store, server := newTestHub(t)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				store.Apply(transport.DecodeUpdate([]byte(`{"bar":2}`)))
				time.Sleep(time.Millisecond)
			}
		}
	}()

	for i := 0; i < 20; i++ {
		conn := mustDial(t, server)
		readText(t, conn)
		conn.Close()
	}
	close(stop)

	waitUntil(t, 2*time.Second, func() bool { return h.ObserverCount() == 0 })
}

func TestHubCloseTearsDownObservers(t *testing.T) {
	h, _, server := newTestHub(t)

	conn := mustDial(t, server)
	readText(t, conn)
	waitUntil(t, 2*time.Second, func() bool { return h.ObserverCount() == 1 })

	h.Close()
	waitUntil(t, 2*time.Second, func() bool { return h.ObserverCount() == 0 })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection should be closed after hub shutdown")
	}
}
