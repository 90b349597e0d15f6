// Package hub registers WebSocket observers and fans transport snapshots out
// to all of them.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"transportsync/internal/observability/logging"
	"transportsync/internal/observability/metrics"
	"transportsync/internal/transport"
)

const defaultHeartbeatInterval = 20 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Observers are overlays and control surfaces served from arbitrary
	// origins, including file:// webviews.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Snapshotter supplies the snapshot pushed to an observer right after it
// registers.
type Snapshotter interface {
	Snapshot() transport.Snapshot
}

// Config configures a Hub.
type Config struct {
	Store  Snapshotter
	Logger *slog.Logger
	// HeartbeatInterval controls how often each connection is pinged at the
	// protocol level. Zero picks the default, a negative value disables
	// heartbeats.
	HeartbeatInterval time.Duration
}

// Hub owns the observer registry. Registration and deregistration are safe
// to call concurrently with an in-progress broadcast; a broadcast iterates a
// membership snapshot taken under the lock, never the live map.
type Hub struct {
	store             Snapshotter
	logger            *slog.Logger
	heartbeatInterval time.Duration

	mu        sync.RWMutex
	observers map[string]*observer
}

// New initialises a hub using the provided configuration.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.HeartbeatInterval
	if interval == 0 {
		interval = defaultHeartbeatInterval
	}
	return &Hub{
		store:             cfg.Store,
		logger:            logger,
		heartbeatInterval: interval,
		observers:         make(map[string]*observer),
	}
}

// HandleConnection upgrades the request to a WebSocket, registers the new
// observer and pushes it one current snapshot before the broadcast stream
// takes over.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	// Annotate with the upgrade request's id so observer lines correlate
	// with the HTTP log for the same connection.
	ctx := logging.ContextWithObserverID(r.Context(), id)
	o := &observer{
		hub:    h,
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 16),
		done:   make(chan struct{}),
		logger: logging.WithContext(ctx, h.logger),
	}

	h.mu.Lock()
	h.observers[o.id] = o
	h.mu.Unlock()
	metrics.ObserverConnected()
	o.logger.Info("observer connected", "remote", r.RemoteAddr)

	go o.writeLoop()
	if h.heartbeatInterval > 0 {
		go o.heartbeatLoop(h.heartbeatInterval)
	}

	if h.store != nil {
		if welcome, err := json.Marshal(h.store.Snapshot()); err == nil {
			o.enqueue(welcome)
		}
	}

	go o.readLoop(h.heartbeatInterval)
}

// Broadcast serialises the snapshot once and delivers it to every observer
// registered at call time. A failed delivery never stops the pass; every
// observer that failed is removed from the registry in one step afterwards.
func (h *Hub) Broadcast(snapshot transport.Snapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "error", err)
		return
	}

	h.mu.RLock()
	recipients := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		recipients = append(recipients, o)
	}
	h.mu.RUnlock()

	var dead []*observer
	for _, o := range recipients {
		if !o.enqueue(payload) {
			dead = append(dead, o)
		}
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, o := range dead {
			delete(h.observers, o.id)
		}
		h.mu.Unlock()
		for _, o := range dead {
			o.close()
		}
	}
	metrics.ObserveBroadcast(len(recipients)-len(dead), len(dead))
}

// ObserverCount reports the current registry size.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close tears down every registered observer. New connections arriving after
// Close still register; stopping the listener is the server's job.
func (h *Hub) Close() {
	h.mu.RLock()
	observers := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.RUnlock()
	for _, o := range observers {
		o.close()
	}
}

func (h *Hub) deregister(id string) {
	h.mu.Lock()
	delete(h.observers, id)
	h.mu.Unlock()
}
