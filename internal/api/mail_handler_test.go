package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/models"
	"github.com/mailroom/backend/internal/provider"
	"github.com/mailroom/backend/internal/syncer"
	"github.com/mailroom/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestListMessagesHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := db.GetOrCreateAccount(ctx, pool, "test@example.com")
	assert.NoError(t, err)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seedThread(t, pool, accountID, "Inbox Stream", 23, base)

	handler := NewMailHandler(pool, nil)

	t.Run("paginates with hasMore and cursor", func(t *testing.T) {
		seen := make(map[string]struct{})
		query := "limit=10"
		pages := 0

		for {
			req := createRequestWithAccount(http.MethodGet, "/api/v1/mail/list?"+query, "test@example.com", nil)
			rr := httptest.NewRecorder()
			handler.ListMessages(rr, req)

			assert.Equal(t, http.StatusOK, rr.Code)
			var resp ListResponse
			assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			pages++

			for _, msg := range resp.Emails {
				_, dup := seen[msg.ID]
				assert.False(t, dup, "message %s returned twice", msg.ID)
				seen[msg.ID] = struct{}{}
			}

			if !resp.HasMore {
				assert.Len(t, resp.Emails, 3)
				break
			}
			assert.Len(t, resp.Emails, 10)
			last := resp.Emails[len(resp.Emails)-1]
			query = "limit=10&before=" + url.QueryEscape(last.SentAt.Format(time.RFC3339Nano)) + "&beforeId=" + last.ID
		}

		assert.Equal(t, 3, pages)
		assert.Len(t, seen, 23)
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		req := createRequestWithAccount(http.MethodGet, "/api/v1/mail/list?search=nothing-matches-this", "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.ListMessages(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"emails":[],"hasMore":false}`, rr.Body.String())
	})

	t.Run("invalid link type filter", func(t *testing.T) {
		req := createRequestWithAccount(http.MethodGet, "/api/v1/mail/list?linkType=invoice", "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.ListMessages(rr, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	VerifyAuthCheck(t, handler.ListMessages, http.MethodGet, "/api/v1/mail/list")
}

func TestListThreadsHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := db.GetOrCreateAccount(ctx, pool, "test@example.com")
	assert.NoError(t, err)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seedThread(t, pool, accountID, "First Topic", 2, base)
	seedThread(t, pool, accountID, "Second Topic", 1, base.Add(time.Hour))

	handler := NewMailHandler(pool, nil)

	req := createRequestWithAccount(http.MethodGet, "/api/v1/mail/threads", "test@example.com", nil)
	rr := httptest.NewRecorder()
	handler.ListThreads(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp ThreadsResponse
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.HasMore)
	if assert.Len(t, resp.Threads, 2) {
		// Most recent activity first.
		assert.Equal(t, "Second Topic", resp.Threads[0].Subject)
		assert.Equal(t, 2, resp.Threads[1].MessageCount)
	}

	VerifyAuthCheck(t, handler.ListThreads, http.MethodGet, "/api/v1/mail/threads")
}

func TestGetThreadHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := db.GetOrCreateAccount(ctx, pool, "test@example.com")
	assert.NoError(t, err)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	thread, messages := seedThread(t, pool, accountID, "Detailed", 3, base)

	err = db.InsertLink(ctx, pool, &models.EntityLink{
		AccountID:  accountID,
		MessageID:  messages[0].ID,
		EntityType: models.EntityTypeOrder,
		EntityID:   "order-1",
	})
	assert.NoError(t, err)

	handler := NewMailHandler(pool, nil)

	t.Run("returns thread with ordered messages and links", func(t *testing.T) {
		req := createRequestWithAccount(http.MethodGet, "/api/v1/mail/thread/"+thread.ID, "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.GetThread(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		var resp models.Thread
		assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, thread.ID, resp.ID)
		if assert.Len(t, resp.Messages, 3) {
			for i := 1; i < len(resp.Messages); i++ {
				assert.False(t, resp.Messages[i].SentAt.Before(resp.Messages[i-1].SentAt))
			}
		}
		if assert.Len(t, resp.Links, 1) {
			assert.Equal(t, "order-1", resp.Links[0].EntityID)
		}
	})

	t.Run("unknown thread id", func(t *testing.T) {
		req := createRequestWithAccount(http.MethodGet, "/api/v1/mail/thread/00000000-0000-0000-0000-000000000000", "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.GetThread(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("another account's thread reads as not found", func(t *testing.T) {
		req := createRequestWithAccount(http.MethodGet, "/api/v1/mail/thread/"+thread.ID, "other@example.com", nil)
		rr := httptest.NewRecorder()
		handler.GetThread(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("missing thread id", func(t *testing.T) {
		req := createRequestWithAccount(http.MethodGet, "/api/v1/mail/thread/", "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.GetThread(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestRefreshHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := db.GetOrCreateAccount(ctx, pool, "test@example.com")
	assert.NoError(t, err)

	fake := testutil.NewFakeProvider()
	engine := syncer.NewEngine(pool, func(_ context.Context, _ string) (provider.Provider, string, error) {
		return fake, "test@example.com", nil
	}, nil)
	handler := NewMailHandler(pool, engine)

	t.Run("returns the sync summary", func(t *testing.T) {
		fake.QueueBatch(testutil.NewRawMessage("<m1@x>", "alice@example.com", "Hello",
			time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)))

		req := createRequestWithAccount(http.MethodPost, "/api/v1/mail/refresh", "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.Refresh(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"newMessageCount":1}`, rr.Body.String())
	})

	t.Run("conflict while a sync is running", func(t *testing.T) {
		lock, err := db.AcquireSyncLock(ctx, pool, accountID)
		if err != nil {
			t.Fatalf("AcquireSyncLock failed: %v", err)
		}
		defer lock.Release(ctx)

		req := createRequestWithAccount(http.MethodPost, "/api/v1/mail/refresh", "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.Refresh(rr, req)

		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("bad gateway on provider failure", func(t *testing.T) {
		fake.QueueError(assert.AnError)

		req := createRequestWithAccount(http.MethodPost, "/api/v1/mail/refresh", "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.Refresh(rr, req)

		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})

	VerifyAuthCheck(t, handler.Refresh, http.MethodPost, "/api/v1/mail/refresh")
}
