// Package websocket pushes sync events to connected UIs so they can
// invalidate their query caches without polling.
package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client wraps a WebSocket connection.
type Client struct {
	conn *websocket.Conn
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SyncEvent is pushed to every connection of an account when a refresh lands
// new messages.
type SyncEvent struct {
	Type            string    `json:"type"`
	NewMessageCount int       `json:"newMessageCount"`
	SyncedAt        time.Time `json:"syncedAt"`
}

// Hub manages active WebSocket connections per account. It supports multiple
// connections per account (e.g. multiple tabs).
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{} // accountID -> set of clients
	maxPerAcct int
}

// NewHub creates a new Hub with a per-account connection limit.
func NewHub(maxPerAccount int) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxPerAcct: maxPerAccount,
	}
}

// Register adds a WebSocket connection for the given account. If the
// per-account limit is exceeded, the new connection is closed and nil is
// returned.
func (h *Hub) Register(accountID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	acctClients, ok := h.clients[accountID]
	if !ok {
		acctClients = make(map[*Client]struct{})
		h.clients[accountID] = acctClients
	}

	if len(acctClients) >= h.maxPerAcct {
		log.Printf("websocket: account %s exceeded max connections (%d), closing new connection", accountID, h.maxPerAcct)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this account"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	acctClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given account and closes the connection.
func (h *Hub) Unregister(accountID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	acctClients, ok := h.clients[accountID]
	if !ok {
		_ = client.conn.Close()
		return
	}

	delete(acctClients, client)

	if len(acctClients) == 0 {
		delete(h.clients, accountID)
	}

	_ = client.conn.Close()
}

// Send broadcasts a raw message to all active clients for the account.
// The client set is snapshotted under the lock so concurrent register and
// unregister calls cannot race the broadcast.
func (h *Hub) Send(accountID string, msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[accountID]))
	for client := range h.clients[accountID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("websocket: failed to write message for account %s: %v", accountID, err)
			// Best-effort cleanup: unregister this client.
			go h.Unregister(accountID, client)
		}
	}
}

// SyncFinished implements the sync engine's Notifier: it pushes a
// sync_finished event to every connection of the account.
func (h *Hub) SyncFinished(accountID string, newMessageCount int) {
	event := SyncEvent{
		Type:            "sync_finished",
		NewMessageCount: newMessageCount,
		SyncedAt:        time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("websocket: failed to marshal sync event: %v", err)
		return
	}

	h.Send(accountID, payload)
}

// ActiveConnections returns the number of active WebSocket connections for an account.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[accountID])
}
