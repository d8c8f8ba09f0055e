package api

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/auth"
	"github.com/mailroom/backend/internal/db"
	ws "github.com/mailroom/backend/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for sync-event pushes.
type WebSocketHandler struct {
	pool *pgxpool.Pool
	hub  *ws.Hub
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(pool *pgxpool.Pool, hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		pool: pool,
		hub:  hub,
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// This server is expected to run behind a reverse proxy in a trusted
		// environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with
// the Hub. Authentication uses a query parameter (?token=...) because
// browsers cannot set headers on WebSocket connections; an Authorization
// header works as a fallback for test tooling.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		fields := strings.Fields(authHeader)
		if len(fields) >= 2 && strings.EqualFold(fields[0], "Bearer") {
			token = strings.TrimSpace(strings.Join(fields[1:], " "))
		}
	}

	if token == "" {
		log.Printf("WebSocketHandler: No token provided")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accountEmail, err := auth.ValidateToken(token)
	if err != nil {
		log.Printf("WebSocketHandler: Token validation failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accountID, err := db.GetOrCreateAccount(ctx, h.pool, accountEmail)
	if err != nil {
		log.Printf("WebSocketHandler: Failed to get/create account: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocketHandler: failed to upgrade connection for account %s: %v", accountID, err)
		return
	}

	client := h.hub.Register(accountID, conn)
	if client == nil {
		log.Printf("WebSocketHandler: Connection rejected for account %s (max connections exceeded)", accountID)
		return
	}

	// Drain the connection until the client goes away; the server only pushes.
	go func() {
		defer h.hub.Unregister(accountID, client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
