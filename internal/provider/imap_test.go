package provider_test

import (
	"context"
	"testing"
	"time"

	"github.com/mailroom/backend/internal/provider"
	"github.com/mailroom/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestProvider(srv *testutil.TestIMAPServer) *provider.IMAPProvider {
	p := provider.NewIMAPProvider(srv.Address, srv.Username(), srv.Password(), false)
	return p
}

func TestIMAPFetchMessagesSince(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)

	sentAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	srv.AddMessage(t, "INBOX", "<fresh@example.com>", "Fresh mail",
		"alice@example.com", "account@example.com", sentAt)

	p := newTestProvider(srv)
	ctx := context.Background()

	t.Run("zero watermark fetches everything", func(t *testing.T) {
		messages, err := p.FetchMessagesSince(ctx, time.Time{})
		assert.NoError(t, err)

		byID := make(map[string]provider.RawMessage)
		for _, msg := range messages {
			byID[msg.ProviderMessageID] = msg
		}

		fresh, ok := byID["<fresh@example.com>"]
		if assert.True(t, ok, "appended message must be fetched") {
			assert.Equal(t, "inbox", fresh.Folder)
			assert.Equal(t, "Fresh mail", fresh.Subject)
			assert.True(t, fresh.Seen)
			assert.True(t, fresh.SentAt.Equal(sentAt))
			assert.NotEmpty(t, fresh.MIME)
		}
	})

	t.Run("watermark filters out older mail", func(t *testing.T) {
		// The memory backend's canned INBOX message is dated years back; only
		// the appended one is newer than the watermark.
		messages, err := p.FetchMessagesSince(ctx, sentAt.Add(-time.Hour))
		assert.NoError(t, err)

		if assert.Len(t, messages, 1) {
			assert.Equal(t, "<fresh@example.com>", messages[0].ProviderMessageID)
		}
	})

	t.Run("nothing newer than the watermark", func(t *testing.T) {
		messages, err := p.FetchMessagesSince(ctx, sentAt.Add(time.Hour))
		assert.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("missing mailbox is skipped", func(t *testing.T) {
		// The memory backend has no Sent mailbox; the fetch must still succeed.
		messages, err := p.FetchMessagesSince(ctx, time.Time{})
		assert.NoError(t, err)
		assert.NotEmpty(t, messages)
	})

	t.Run("bad credentials fail", func(t *testing.T) {
		bad := provider.NewIMAPProvider(srv.Address, srv.Username(), "wrong", false)
		_, err := bad.FetchMessagesSince(ctx, time.Time{})
		assert.Error(t, err)
	})
}
