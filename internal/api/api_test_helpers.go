package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/auth"
	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

// createRequestWithAccount creates an HTTP request with an account email in context.
func createRequestWithAccount(method, url, email string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, url, body)
	ctx := context.WithValue(req.Context(), auth.AccountEmailKey, email)
	return req.WithContext(ctx)
}

// seedThread creates a thread with n messages spaced a minute apart starting
// at base, with aggregates recomputed. Provider IDs embed the subject so
// multiple seeded threads never collide.
func seedThread(t *testing.T, pool *pgxpool.Pool, accountID, subject string, n int, base time.Time) (*models.Thread, []*models.Message) {
	t.Helper()
	ctx := context.Background()

	thread := &models.Thread{
		AccountID: accountID,
		Subject:   subject,
		Folder:    "inbox",
	}
	if err := db.CreateThread(ctx, pool, thread, subject, "seed@example.com"); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	var messages []*models.Message
	for i := 0; i < n; i++ {
		msg := &models.Message{
			AccountID:         accountID,
			ProviderMessageID: fmt.Sprintf("<%s-%d@example.com>", subject, i),
			ThreadID:          thread.ID,
			FromAddress:       "seed@example.com",
			ToAddresses:       []string{"account@example.com"},
			CCAddresses:       []string{},
			Subject:           subject,
			BodyText:          "seeded body",
			SentAt:            base.Add(time.Duration(i) * time.Minute),
			ReferenceIDs:      []string{},
			Folder:            "inbox",
		}
		if _, err := db.UpsertMessage(ctx, pool, msg); err != nil {
			t.Fatalf("UpsertMessage failed: %v", err)
		}
		messages = append(messages, msg)
	}

	if err := db.RecomputeThreadAggregates(ctx, pool, thread.ID, nil); err != nil {
		t.Fatalf("RecomputeThreadAggregates failed: %v", err)
	}

	return thread, messages
}

// FailingResponseWriter is a ResponseWriter that fails on Write to test error handling.
type FailingResponseWriter struct {
	http.ResponseWriter
	WriteShouldFail bool
}

func (f *FailingResponseWriter) Write(p []byte) (int, error) {
	if f.WriteShouldFail {
		return 0, fmt.Errorf("write failed")
	}
	return f.ResponseWriter.Write(p)
}

// VerifyAuthCheck verifies that the handler returns 401 Unauthorized when no account is in context.
func VerifyAuthCheck(t *testing.T, handlerFunc http.HandlerFunc, method, url string) {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	rr := httptest.NewRecorder()
	handlerFunc(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "Expected status 401 when no account email in context")
}
