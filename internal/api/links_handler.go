package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/models"
)

// LinksHandler serves entity-link creation and removal.
type LinksHandler struct {
	pool *pgxpool.Pool
}

// NewLinksHandler creates a new LinksHandler instance.
func NewLinksHandler(pool *pgxpool.Pool) *LinksHandler {
	return &LinksHandler{pool: pool}
}

// linkRequest is the POST body for link creation.
type linkRequest struct {
	Type     string `json:"type"`
	EntityID string `json:"entityId"`
}

// CreateThreadLink links a thread to a business record.
// POST /api/v1/mail/threads/{thread_id}/link
func (h *LinksHandler) CreateThreadLink(w http.ResponseWriter, r *http.Request) {
	targetID, ok := parseLinkTarget(w, r, "/api/v1/mail/threads/")
	if !ok {
		return
	}
	h.createLink(w, r, targetID, "")
}

// CreateMessageLink links a single message to a business record.
// POST /api/v1/mail/messages/{message_id}/link
func (h *LinksHandler) CreateMessageLink(w http.ResponseWriter, r *http.Request) {
	targetID, ok := parseLinkTarget(w, r, "/api/v1/mail/messages/")
	if !ok {
		return
	}
	h.createLink(w, r, "", targetID)
}

// parseLinkTarget extracts the target id from a /{id}/link path.
func parseLinkTarget(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	targetID, found := strings.CutSuffix(rest, "/link")
	if !found || targetID == "" || strings.Contains(targetID, "/") {
		http.Error(w, "target id is required", http.StatusBadRequest)
		return "", false
	}
	return targetID, true
}

func (h *LinksHandler) createLink(w http.ResponseWriter, r *http.Request, threadID, messageID string) {
	ctx := r.Context()

	accountID, ok := GetAccountIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.EntityID == "" {
		http.Error(w, "entityId is required", http.StatusBadRequest)
		return
	}

	link := &models.EntityLink{
		AccountID:  accountID,
		ThreadID:   threadID,
		MessageID:  messageID,
		EntityType: models.EntityType(req.Type),
		EntityID:   req.EntityID,
	}

	err := db.InsertLink(ctx, h.pool, link)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidEntityType):
			http.Error(w, "Invalid entity type", http.StatusUnprocessableEntity)
		case errors.Is(err, db.ErrDuplicateLink):
			// Surfaced as "already linked", not a crash.
			http.Error(w, "Link already exists", http.StatusConflict)
		case errors.Is(err, db.ErrLinkTargetNotFound):
			http.Error(w, "Link target not found", http.StatusNotFound)
		default:
			log.Printf("LinksHandler: Failed to insert link: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(link); err != nil {
		log.Printf("LinksHandler: Failed to encode link: %v", err)
	}
}

// DeleteLink removes a link. Removing an already-removed link is a normal
// case and still returns 200, with removed=false.
// DELETE /api/v1/mail/links/{link_id}
func (h *LinksHandler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := GetAccountIDFromContext(ctx, w, h.pool); !ok {
		return
	}

	linkID := strings.TrimPrefix(r.URL.Path, "/api/v1/mail/links/")
	if linkID == "" || strings.Contains(linkID, "/") {
		http.Error(w, "link_id is required", http.StatusBadRequest)
		return
	}

	removed, err := db.DeleteLink(ctx, h.pool, linkID)
	if err != nil {
		log.Printf("LinksHandler: Failed to delete link: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, map[string]bool{"removed": removed})
}
