// Package ws implements the WebSocket adapter that streams live task events
// to connected clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// outboxSize is how many events a client may lag behind before it is
	// disconnected.
	outboxSize   = 64
	writeTimeout = 5 * time.Second
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// conn is one client. A non-empty taskID restricts it to events of that task.
// Events are queued on outbox and written by the connection's own goroutine,
// so a slow client never stalls a task pipeline.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	taskID string
	outbox chan []byte
}

func (c *conn) wants(msg *Message) bool {
	return c.taskID == "" || c.taskID == msg.TaskID
}

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*conn]struct{})}
}

// HandleWS upgrades the connection. ?task_id=<id> subscribes to one task only.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		cancel: cancel,
		taskID: r.URL.Query().Get("task_id"),
		outbox: make(chan []byte, outboxSize),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("websocket connected", "remote", r.RemoteAddr, "task_id", c.taskID)

	go h.writeLoop(ctx, c)

	// CloseRead answers pings and ends ctx when the client goes away.
	readCtx := ws.CloseRead(ctx)
	go func() {
		<-readCtx.Done()
		h.remove(c)
	}()
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	defer func() { _ = c.ws.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "task_id", c.taskID, "error", err)
				h.remove(c)
				return
			}
		}
	}
}

// Broadcast queues msg for every connection subscribed to it. Clients whose
// outbox is full are disconnected.
func (h *Hub) Broadcast(_ context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	var slow []*conn
	h.mu.RLock()
	for c := range h.conns {
		if !c.wants(&msg) {
			continue
		}
		select {
		case c.outbox <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("websocket client too slow, disconnecting", "task_id", c.taskID)
		_ = c.ws.Close(websocket.StatusPolicyViolation, "too slow")
		h.remove(c)
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		h.remove(c)
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()

	if ok {
		c.cancel()
		slog.Info("websocket disconnected", "task_id", c.taskID)
	}
}
