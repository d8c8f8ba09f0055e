package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/auth"
	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/models"
)

// GetAccountIDFromContext extracts the authenticated account's email from the
// context, resolves/creates the DB account, and writes appropriate HTTP errors
// when it fails. Returns (accountID, true) on success. Shared by all handlers
// for consistent error handling.
func GetAccountIDFromContext(ctx context.Context, w http.ResponseWriter, pool *pgxpool.Pool) (string, bool) {
	email, ok := auth.GetAccountEmailFromContext(ctx)
	if !ok {
		log.Println("API: No account email in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	accountID, err := db.GetOrCreateAccount(ctx, pool, email)
	if err != nil {
		log.Printf("API: Failed to get/create account: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return "", false
	}

	return accountID, true
}

// WriteJSONResponse encodes v as JSON. Returns false when encoding fails (the
// response is already partially written at that point; nothing to recover).
func WriteJSONResponse(w http.ResponseWriter, v any) bool {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: Failed to encode JSON response: %v", err)
		return false
	}
	return true
}

// ParseCursorParams parses the keyset cursor (before, beforeId) and limit from
// query parameters. Both cursor halves must be present for the cursor to
// apply; limit falls back to defaultLimit when missing or invalid.
func ParseCursorParams(r *http.Request, defaultLimit int) (models.Cursor, int) {
	var cursor models.Cursor

	before := r.URL.Query().Get("before")
	beforeID := r.URL.Query().Get("beforeId")
	if before != "" && beforeID != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, before); err == nil {
			cursor.Before = parsed
			cursor.BeforeID = beforeID
		}
	}

	limit := defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	return cursor, limit
}

// ParseLinkType parses the optional linkType filter. Returns false and writes
// a 422 when the value is present but not a member of the closed enum.
func ParseLinkType(w http.ResponseWriter, r *http.Request) (models.EntityType, bool) {
	raw := r.URL.Query().Get("linkType")
	if raw == "" {
		return "", true
	}

	linkType := models.EntityType(raw)
	if err := linkType.Validate(); err != nil {
		http.Error(w, "Invalid link type", http.StatusUnprocessableEntity)
		return "", false
	}

	return linkType, true
}
