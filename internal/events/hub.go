// Package events broadcasts workspace change notifications over WebSocket.
//
// Connected clients (typically the graph frontend) receive task, edge and
// sync events so they can refresh without polling. Delivery is best-effort:
// a full broadcast queue drops messages rather than blocking mutations.
package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/linkdo/linkdo/internal/schema"
)

// Type identifies the kind of broadcast message.
type Type string

const (
	// TypeTaskUpdate indicates a task was created, updated, or deleted.
	TypeTaskUpdate Type = "task_update"

	// TypeEdgeUpdate indicates an edge was created, updated, or deleted.
	TypeEdgeUpdate Type = "edge_update"

	// TypeSyncComplete indicates a sync batch finished.
	TypeSyncComplete Type = "sync_complete"
)

// Message is a broadcast envelope. Every message carries the workspace it
// belongs to so clients can filter.
type Message struct {
	Type        Type            `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// TaskUpdateData describes a task change.
type TaskUpdateData struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"` // created, updated, deleted
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// EdgeUpdateData describes an edge change.
type EdgeUpdateData struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight,omitempty"`
	Action string  `json:"action"` // created, updated, deleted
}

// SyncCompleteData describes a finished sync batch.
type SyncCompleteData struct {
	Stats    schema.SyncStats `json:"stats"`
	SyncedAt time.Time        `json:"synced_at"`
}

// Hub manages WebSocket subscribers and fans out messages to them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a hub and starts its broadcast loop. Call Close when the
// server shuts down. If logger is nil, a default stderr logger is used.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	h.wg.Add(1)
	go h.broadcastLoop()

	return h
}

// Close disconnects all clients and stops the broadcast loop.
func (h *Hub) Close() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// PublishTask broadcasts a task change.
func (h *Hub) PublishTask(workspaceID string, task *schema.Task, action string) {
	data := TaskUpdateData{TaskID: task.ID, Action: action, Title: task.Title, Status: string(task.Status)}
	if action == "deleted" {
		data.Title, data.Status = "", ""
	}
	h.publish(TypeTaskUpdate, workspaceID, data)
}

// PublishEdge broadcasts an edge change.
func (h *Hub) PublishEdge(workspaceID string, edge *schema.Edge, action string) {
	h.publish(TypeEdgeUpdate, workspaceID, EdgeUpdateData{
		Source: edge.Source,
		Target: edge.Target,
		Weight: edge.Weight,
		Action: action,
	})
}

// PublishSync broadcasts a completed sync batch.
func (h *Hub) PublishSync(workspaceID string, stats schema.SyncStats, syncedAt time.Time) {
	h.publish(TypeSyncComplete, workspaceID, SyncCompleteData{Stats: stats, SyncedAt: syncedAt})
}

func (h *Hub) publish(typ Type, workspaceID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s payload: %v", typ, err)
		return
	}

	msg := Message{Type: typ, WorkspaceID: workspaceID, Timestamp: time.Now(), Data: data}

	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			// Write outside the read lock so a slow client can't stall
			// new subscriptions.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.removeClient(conn)
				}
			}
		}
	}
}

// HandleWS upgrades the request to a WebSocket subscription.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Client connected (total: %d)", count)

	go h.readLoop(conn)
}

// readLoop drains client frames so pings are answered and disconnects are
// noticed; client payloads are otherwise ignored.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		count := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Client disconnected (total: %d)", count)
		return
	}
	h.clientsMu.Unlock()
}
