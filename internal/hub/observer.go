package hub

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"transportsync/internal/observability/metrics"
)

const writeTimeout = 10 * time.Second

// observer is one connected WebSocket client. Its send channel decouples
// broadcasts from the connection's write speed; the done channel makes
// enqueue safe against a concurrent teardown.
type observer struct {
	hub    *Hub
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed sync.Once
	logger *slog.Logger
}

// enqueue hands a payload to the write loop without blocking. It reports
// false when the observer is closing or its buffer is full; a buffer this
// far behind means the transport is stuck, so the caller retires the
// observer rather than queueing unbounded state.
func (o *observer) enqueue(payload []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.send <- payload:
		return true
	case <-o.done:
		return false
	default:
		return false
	}
}

func (o *observer) writeLoop() {
	defer o.close()
	for {
		select {
		case <-o.done:
			return
		case payload := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := o.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// heartbeatLoop pings the peer at the protocol level. WriteControl is safe
// to call concurrently with the write loop.
func (o *observer) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				o.close()
				return
			}
		}
	}
}

// readLoop waits for inbound messages. A liveness probe, the literal text
// "ping" in any case, gets an immediate "pong"; everything else is ignored.
// Any read error ends the observer.
func (o *observer) readLoop(heartbeatInterval time.Duration) {
	defer o.close()

	var window time.Duration
	if heartbeatInterval > 0 {
		// Allow one missed ping before declaring the peer dead.
		window = 2 * heartbeatInterval
		_ = o.conn.SetReadDeadline(time.Now().Add(window))
		o.conn.SetPongHandler(func(string) error {
			return o.conn.SetReadDeadline(time.Now().Add(window))
		})
	}

	for {
		_, payload, err := o.conn.ReadMessage()
		if err != nil {
			return
		}
		if window > 0 {
			_ = o.conn.SetReadDeadline(time.Now().Add(window))
		}
		if strings.EqualFold(strings.TrimSpace(string(payload)), "ping") {
			if !o.enqueue([]byte("pong")) {
				return
			}
		}
	}
}

// close deregisters the observer and releases the connection, exactly once,
// no matter which loop or broadcast pass got here first.
func (o *observer) close() {
	o.closed.Do(func() {
		close(o.done)
		o.hub.deregister(o.id)
		_ = o.conn.Close()
		metrics.ObserverDisconnected()
		o.logger.Info("observer disconnected")
	})
}
