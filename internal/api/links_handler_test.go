package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/models"
	"github.com/mailroom/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCreateThreadLinkHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := db.GetOrCreateAccount(ctx, pool, "test@example.com")
	assert.NoError(t, err)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	thread, _ := seedThread(t, pool, accountID, "Linkable", 1, base)
	handler := NewLinksHandler(pool)

	linkURL := "/api/v1/mail/threads/" + thread.ID + "/link"

	t.Run("creates a link", func(t *testing.T) {
		body := strings.NewReader(`{"type": "order", "entityId": "order-1001"}`)
		req := createRequestWithAccount(http.MethodPost, linkURL, "test@example.com", body)
		rr := httptest.NewRecorder()
		handler.CreateThreadLink(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code)
		var link models.EntityLink
		assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &link))
		assert.NotEmpty(t, link.ID)
		assert.Equal(t, thread.ID, link.ThreadID)
		assert.Equal(t, models.EntityTypeOrder, link.EntityType)
	})

	t.Run("duplicate link conflicts", func(t *testing.T) {
		body := strings.NewReader(`{"type": "order", "entityId": "order-1001"}`)
		req := createRequestWithAccount(http.MethodPost, linkURL, "test@example.com", body)
		rr := httptest.NewRecorder()
		handler.CreateThreadLink(rr, req)

		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("unknown entity type", func(t *testing.T) {
		body := strings.NewReader(`{"type": "invoice", "entityId": "x"}`)
		req := createRequestWithAccount(http.MethodPost, linkURL, "test@example.com", body)
		rr := httptest.NewRecorder()
		handler.CreateThreadLink(rr, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("unknown thread", func(t *testing.T) {
		body := strings.NewReader(`{"type": "case", "entityId": "case-1"}`)
		req := createRequestWithAccount(http.MethodPost, "/api/v1/mail/threads/00000000-0000-0000-0000-000000000000/link", "test@example.com", body)
		rr := httptest.NewRecorder()
		handler.CreateThreadLink(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		body := strings.NewReader(`{not json`)
		req := createRequestWithAccount(http.MethodPost, linkURL, "test@example.com", body)
		rr := httptest.NewRecorder()
		handler.CreateThreadLink(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing entity id", func(t *testing.T) {
		body := strings.NewReader(`{"type": "order"}`)
		req := createRequestWithAccount(http.MethodPost, linkURL, "test@example.com", body)
		rr := httptest.NewRecorder()
		handler.CreateThreadLink(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing target id in path", func(t *testing.T) {
		body := strings.NewReader(`{"type": "order", "entityId": "o"}`)
		req := createRequestWithAccount(http.MethodPost, "/api/v1/mail/threads//link", "test@example.com", body)
		rr := httptest.NewRecorder()
		handler.CreateThreadLink(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	VerifyAuthCheck(t, handler.CreateThreadLink, http.MethodPost, linkURL)
}

func TestCreateMessageLinkHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := db.GetOrCreateAccount(ctx, pool, "test@example.com")
	assert.NoError(t, err)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	_, messages := seedThread(t, pool, accountID, "Msg Link", 1, base)
	handler := NewLinksHandler(pool)

	body := strings.NewReader(`{"type": "repair", "entityId": "repair-5"}`)
	req := createRequestWithAccount(http.MethodPost, "/api/v1/mail/messages/"+messages[0].ID+"/link", "test@example.com", body)
	rr := httptest.NewRecorder()
	handler.CreateMessageLink(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	var link models.EntityLink
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &link))
	assert.Equal(t, messages[0].ID, link.MessageID)
	assert.Empty(t, link.ThreadID)

	stored, err := db.GetLinksForMessage(ctx, pool, messages[0].ID)
	assert.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestDeleteLinkHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := db.GetOrCreateAccount(ctx, pool, "test@example.com")
	assert.NoError(t, err)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	thread, _ := seedThread(t, pool, accountID, "Unlink", 1, base)

	link := &models.EntityLink{
		AccountID:  accountID,
		ThreadID:   thread.ID,
		EntityType: models.EntityTypeCase,
		EntityID:   "case-3",
	}
	assert.NoError(t, db.InsertLink(ctx, pool, link))

	handler := NewLinksHandler(pool)

	t.Run("removes the link", func(t *testing.T) {
		req := createRequestWithAccount(http.MethodDelete, "/api/v1/mail/links/"+link.ID, "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.DeleteLink(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"removed": true}`, rr.Body.String())
	})

	t.Run("second delete reports already removed", func(t *testing.T) {
		req := createRequestWithAccount(http.MethodDelete, "/api/v1/mail/links/"+link.ID, "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.DeleteLink(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"removed": false}`, rr.Body.String())
	})

	t.Run("missing link id", func(t *testing.T) {
		req := createRequestWithAccount(http.MethodDelete, "/api/v1/mail/links/", "test@example.com", nil)
		rr := httptest.NewRecorder()
		handler.DeleteLink(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	VerifyAuthCheck(t, handler.DeleteLink, http.MethodDelete, "/api/v1/mail/links/"+link.ID)
}
