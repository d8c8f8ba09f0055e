package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/models"
	"github.com/mailroom/backend/internal/syncer"
)

// MailHandler serves the mail list, thread detail and refresh endpoints.
type MailHandler struct {
	pool   *pgxpool.Pool
	engine *syncer.Engine
}

// NewMailHandler creates a new MailHandler instance.
func NewMailHandler(pool *pgxpool.Pool, engine *syncer.Engine) *MailHandler {
	return &MailHandler{
		pool:   pool,
		engine: engine,
	}
}

// ListResponse is the flat message list page.
type ListResponse struct {
	Emails  []*models.Message `json:"emails"`
	HasMore bool              `json:"hasMore"`
}

// ThreadsResponse is the thread list page.
type ThreadsResponse struct {
	Threads []*models.Thread `json:"threads"`
	HasMore bool             `json:"hasMore"`
}

// ListMessages returns one keyset page of messages.
// GET /api/v1/mail/list?folder=&limit=&before=&beforeId=&search=&linkType=
func (h *MailHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, ok := GetAccountIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	linkType, ok := ParseLinkType(w, r)
	if !ok {
		return
	}

	cursor, limit := ParseCursorParams(r, 50)

	messages, hasMore, err := db.ListMessagePage(ctx, h.pool, accountID, db.MessageQuery{
		Folder:   r.URL.Query().Get("folder"),
		Search:   r.URL.Query().Get("search"),
		LinkType: linkType,
		Cursor:   cursor,
		Limit:    limit,
	})
	if err != nil {
		// A cancelled page fetch (user changed filters) writes nothing.
		if ctx.Err() != nil {
			return
		}
		log.Printf("MailHandler: Failed to list messages: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if messages == nil {
		messages = []*models.Message{}
	}

	WriteJSONResponse(w, &ListResponse{Emails: messages, HasMore: hasMore})
}

// ListThreads returns one keyset page of threads.
// GET /api/v1/mail/threads?folder=&limit=&before=&beforeId=&search=&linkType=
func (h *MailHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, ok := GetAccountIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	linkType, ok := ParseLinkType(w, r)
	if !ok {
		return
	}

	cursor, limit := ParseCursorParams(r, 50)

	threads, hasMore, err := db.ListThreadPage(ctx, h.pool, accountID, db.ThreadQuery{
		Folder:   r.URL.Query().Get("folder"),
		Search:   r.URL.Query().Get("search"),
		LinkType: linkType,
		Cursor:   cursor,
		Limit:    limit,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("MailHandler: Failed to list threads: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if threads == nil {
		threads = []*models.Thread{}
	}

	WriteJSONResponse(w, &ThreadsResponse{Threads: threads, HasMore: hasMore})
}

// GetThread returns a thread with its ordered messages and links.
// GET /api/v1/mail/thread/{thread_id}
func (h *MailHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, ok := GetAccountIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	threadID := strings.TrimPrefix(r.URL.Path, "/api/v1/mail/thread/")
	if threadID == "" || strings.Contains(threadID, "/") {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}

	thread, err := db.GetThreadByID(ctx, h.pool, threadID)
	if err != nil {
		if errors.Is(err, db.ErrThreadNotFound) {
			http.Error(w, "Thread not found", http.StatusNotFound)
			return
		}
		log.Printf("MailHandler: Failed to get thread: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if thread.AccountID != accountID {
		http.Error(w, "Thread not found", http.StatusNotFound)
		return
	}

	messages, err := db.GetMessagesForThread(ctx, h.pool, thread.ID)
	if err != nil {
		log.Printf("MailHandler: Failed to get messages: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Batch-fetch attachments to avoid one query per message.
	messageIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		messageIDs = append(messageIDs, msg.ID)
	}
	attachmentsMap, err := db.GetAttachmentsForMessages(ctx, h.pool, messageIDs)
	if err != nil {
		log.Printf("MailHandler: Failed to get attachments: %v", err)
		attachmentsMap = map[string][]models.Attachment{}
	}
	for _, msg := range messages {
		msg.Attachments = attachmentsMap[msg.ID]
	}

	links, err := db.GetLinksForThread(ctx, h.pool, thread.ID)
	if err != nil {
		log.Printf("MailHandler: Failed to get links: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	thread.Messages = messages
	thread.Links = links
	if thread.Links == nil {
		thread.Links = []*models.EntityLink{}
	}

	WriteJSONResponse(w, thread)
}

// Refresh triggers a sync run for the account.
// POST /api/v1/mail/refresh
func (h *MailHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, ok := GetAccountIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	summary, err := h.engine.Refresh(ctx, accountID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrSyncInProgress):
			// Not an error state for the user: a refresh is already running.
			http.Error(w, "Sync already in progress", http.StatusConflict)
		case errors.Is(err, syncer.ErrProvider):
			log.Printf("MailHandler: Provider failure during refresh: %v", err)
			http.Error(w, "Upstream provider failure", http.StatusBadGateway)
		default:
			log.Printf("MailHandler: Refresh failed: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	WriteJSONResponse(w, summary)
}
