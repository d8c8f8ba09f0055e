package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/api"
	"github.com/mailroom/backend/internal/auth"
	"github.com/mailroom/backend/internal/config"
	"github.com/mailroom/backend/internal/crypto"
	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/provider"
	"github.com/mailroom/backend/internal/syncer"
	ws "github.com/mailroom/backend/internal/websocket"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	wsHub := ws.NewHub(10)
	engine := syncer.NewEngine(pool, imapProviderFactory(pool, encryptor), wsHub)

	if cfg.SyncEnabled {
		scheduler := syncer.NewScheduler(pool, engine, cfg.SyncInterval)
		go scheduler.Run(ctx)
	}

	server := NewServer(pool, engine, wsHub)

	address := ":" + cfg.Port
	log.Printf("Mailroom backend server starting on %s (environment: %s)", address, cfg.Environment)

	if err := http.ListenAndServe(address, server); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// imapProviderFactory builds an IMAP provider from the account's stored
// settings on every refresh, so credential changes apply without a restart.
func imapProviderFactory(pool *pgxpool.Pool, encryptor *crypto.Encryptor) syncer.ProviderFactory {
	return func(ctx context.Context, accountID string) (provider.Provider, string, error) {
		account, err := db.GetAccountByID(ctx, pool, accountID)
		if err != nil {
			return nil, "", err
		}

		settings, err := db.GetAccountSettings(ctx, pool, accountID)
		if err != nil {
			return nil, "", err
		}

		password, err := encryptor.Decrypt(settings.EncryptedIMAPPassword)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decrypt IMAP password: %w", err)
		}

		return provider.NewIMAPProvider(settings.IMAPHost, settings.IMAPUsername, password, true), account.Email, nil
	}
}

// NewServer creates and returns the HTTP handler for the Mailroom API server.
func NewServer(pool *pgxpool.Pool, engine *syncer.Engine, wsHub *ws.Hub) http.Handler {
	mailHandler := api.NewMailHandler(pool, engine)
	linksHandler := api.NewLinksHandler(pool)
	wsHandler := api.NewWebSocketHandler(pool, wsHub)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	mux.Handle("/api/v1/mail/list", auth.RequireAuth(http.HandlerFunc(mailHandler.ListMessages)))
	mux.Handle("/api/v1/mail/threads", auth.RequireAuth(http.HandlerFunc(mailHandler.ListThreads)))
	mux.Handle("/api/v1/mail/refresh", auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		mailHandler.Refresh(w, r)
	})))

	// Handle /api/v1/mail/thread/{thread_id}
	mux.Handle("/api/v1/mail/thread/", auth.RequireAuth(http.HandlerFunc(mailHandler.GetThread)))

	// Handle /api/v1/mail/threads/{thread_id}/link and
	// /api/v1/mail/messages/{message_id}/link
	mux.Handle("/api/v1/mail/threads/", auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		linksHandler.CreateThreadLink(w, r)
	})))
	mux.Handle("/api/v1/mail/messages/", auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		linksHandler.CreateMessageLink(w, r)
	})))

	// Handle /api/v1/mail/links/{link_id}
	mux.Handle("/api/v1/mail/links/", auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		linksHandler.DeleteLink(w, r)
	})))

	// WebSocket handler handles its own authentication via query parameter
	// (since browsers can't set headers on WebSocket connections).
	mux.Handle("/api/v1/ws", http.HandlerFunc(wsHandler.Handle))

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mailroom API is running")
}
