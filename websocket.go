package cobot_us

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.viam.com/rdk/logging"
)

const wsWriteTimeout = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TransformHub streams transform updates to WebSocket clients. Slow or dead
// clients are dropped on the first failed write.
type TransformHub struct {
	logger logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
}

func NewTransformHub(logger logging.Logger) *TransformHub {
	return &TransformHub{
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// ConnectedCount returns the number of connected clients.
func (h *TransformHub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *TransformHub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debugf("WebSocket client %s connected, %d total", conn.RemoteAddr(), n)
}

func (h *TransformHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		conn.Close()
		h.logger.Debugf("WebSocket client %s disconnected, %d total", conn.RemoteAddr(), n)
	}
}

// PublishTransform implements TransformSink.
func (h *TransformHub) PublishTransform(_ context.Context, u TransformUpdate) error {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return nil
	}
	targets := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for c, m := range h.clients {
		targets[c] = m
	}
	h.mu.Unlock()

	msg, err := NewTransformMessage(u)
	if err != nil {
		return err
	}
	for conn, wmu := range targets {
		wmu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := conn.WriteJSON(msg)
		wmu.Unlock()
		if err != nil {
			h.logger.Debugf("dropping WebSocket client %s: %v", conn.RemoteAddr(), err)
			h.unregister(conn)
		}
	}
	return nil
}

// Serve upgrades the request and keeps the client registered until it
// disconnects. initial, if given, is sent before any live update.
func (h *TransformHub) Serve(w http.ResponseWriter, r *http.Request, initial *TransformUpdate) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	if initial != nil {
		msg, err := NewTransformMessage(*initial)
		if err == nil {
			err = conn.WriteJSON(msg)
		}
		if err != nil {
			conn.Close()
			return err
		}
	}
	h.register(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debugf("WebSocket error: %v", err)
			}
			h.unregister(conn)
			return nil
		}
	}
}

// Close disconnects every client.
func (h *TransformHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
	for conn := range clients {
		conn.Close()
	}
}
