package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/provider"
	"github.com/mailroom/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
)

type syncEvent struct {
	accountID       string
	newMessageCount int
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []syncEvent
}

func (n *fakeNotifier) SyncFinished(accountID string, newMessageCount int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, syncEvent{accountID, newMessageCount})
}

func (n *fakeNotifier) Events() []syncEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]syncEvent(nil), n.events...)
}

func newTestEngine(t *testing.T, pool *pgxpool.Pool) (*Engine, *testutil.FakeProvider, *fakeNotifier, string) {
	t.Helper()

	accountID, err := db.GetOrCreateAccount(context.Background(), pool, "account@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateAccount failed: %v", err)
	}

	fake := testutil.NewFakeProvider()
	notifier := &fakeNotifier{}
	factory := func(_ context.Context, _ string) (provider.Provider, string, error) {
		return fake, "account@example.com", nil
	}

	return NewEngine(pool, factory, notifier), fake, notifier, accountID
}

func TestRefreshInsertsAndAssembles(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	engine, fake, notifier, accountID := newTestEngine(t, pool)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	fake.QueueBatch(
		testutil.NewRawMessage("<root@x>", "alice@example.com", "Order question", base),
		testutil.NewRawMessage("<reply@x>", "account@example.com", "Re: Order question", base.Add(time.Hour),
			testutil.WithReply("<root@x>", "<root@x>")),
		testutil.NewRawMessage("<other@x>", "bob@example.com", "Unrelated", base.Add(2*time.Hour)),
	)

	summary, err := engine.Refresh(ctx, accountID)

	assert.NoError(t, err)
	assert.Equal(t, 3, summary.NewMessageCount)

	// The reply joined its parent; the unrelated message got its own thread.
	count, err := db.CountThreads(ctx, pool, accountID)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)

	root, err := db.GetMessageByProviderID(ctx, pool, accountID, "<root@x>")
	assert.NoError(t, err)
	reply, err := db.GetMessageByProviderID(ctx, pool, accountID, "<reply@x>")
	assert.NoError(t, err)
	assert.Equal(t, root.ThreadID, reply.ThreadID)
	assert.True(t, reply.IsOutbound)
	assert.False(t, root.IsOutbound)

	// The watermark advanced to the newest processed message.
	watermark, err := db.GetWatermark(ctx, pool, accountID)
	assert.NoError(t, err)
	if assert.NotNil(t, watermark) {
		assert.True(t, watermark.Equal(base.Add(2*time.Hour)))
	}

	assert.Equal(t, []syncEvent{{accountID, 3}}, notifier.Events())
}

func TestRefreshIsIdempotent(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	engine, fake, notifier, accountID := newTestEngine(t, pool)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	batch := []provider.RawMessage{
		testutil.NewRawMessage("<m1@x>", "alice@example.com", "Hello", base),
		testutil.NewRawMessage("<m2@x>", "alice@example.com", "Re: Hello", base.Add(time.Hour)),
	}

	fake.QueueBatch(batch...)
	summary, err := engine.Refresh(ctx, accountID)
	assert.NoError(t, err)
	assert.Equal(t, 2, summary.NewMessageCount)

	// The provider redelivers the exact same batch (day-granular SINCE does
	// this). Nothing new lands and no notification fires.
	fake.QueueBatch(batch...)
	summary, err = engine.Refresh(ctx, accountID)
	assert.NoError(t, err)
	assert.Equal(t, 0, summary.NewMessageCount)

	count, err := db.CountThreads(ctx, pool, accountID)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	thread, err := db.GetMessageByProviderID(ctx, pool, accountID, "<m1@x>")
	assert.NoError(t, err)
	stored, err := db.GetMessagesForThread(ctx, pool, thread.ThreadID)
	assert.NoError(t, err)
	assert.Len(t, stored, 2)

	assert.Len(t, notifier.Events(), 1)

	// The second fetch used the advanced watermark.
	watermarks := fake.Watermarks()
	if assert.Len(t, watermarks, 2) {
		assert.True(t, watermarks[0].IsZero())
		assert.True(t, watermarks[1].Equal(base.Add(time.Hour)))
	}
}

func TestRefreshSortsOutOfOrderBatches(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	engine, fake, _, accountID := newTestEngine(t, pool)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// The reply comes first in provider order; processing still converges to
	// one thread because batches are handled in sent_at order.
	fake.QueueBatch(
		testutil.NewRawMessage("<reply@x>", "alice@example.com", "Re: Delay", base.Add(time.Hour),
			testutil.WithReply("<parent@x>")),
		testutil.NewRawMessage("<parent@x>", "alice@example.com", "Delay", base),
	)

	summary, err := engine.Refresh(ctx, accountID)
	assert.NoError(t, err)
	assert.Equal(t, 2, summary.NewMessageCount)

	count, err := db.CountThreads(ctx, pool, accountID)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRefreshProviderFailure(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	engine, fake, notifier, accountID := newTestEngine(t, pool)

	fake.QueueError(errors.New("connection reset"))

	_, err := engine.Refresh(ctx, accountID)

	assert.True(t, errors.Is(err, ErrProvider))

	// Nothing was processed, so the watermark must not move.
	watermark, err := db.GetWatermark(ctx, pool, accountID)
	assert.NoError(t, err)
	assert.Nil(t, watermark)
	assert.Empty(t, notifier.Events())

	// The next refresh recovers.
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fake.QueueBatch(testutil.NewRawMessage("<m1@x>", "alice@example.com", "Hello", base))

	summary, err := engine.Refresh(ctx, accountID)
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.NewMessageCount)
}

func TestRefreshPartialBatchFailure(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	engine, fake, notifier, accountID := newTestEngine(t, pool)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// The newest message carries no provider id, so its upsert is rejected
	// after the two earlier ones have already been committed.
	fake.QueueBatch(
		testutil.NewRawMessage("<m1@x>", "alice@example.com", "Hello", base),
		testutil.NewRawMessage("<m2@x>", "bob@example.com", "Invoice", base.Add(time.Hour)),
		testutil.NewRawMessage("", "carol@example.com", "Broken", base.Add(2*time.Hour)),
	)

	_, err := engine.Refresh(ctx, accountID)
	assert.Error(t, err)

	// Everything processed before the failure stays committed.
	_, err = db.GetMessageByProviderID(ctx, pool, accountID, "<m1@x>")
	assert.NoError(t, err)
	_, err = db.GetMessageByProviderID(ctx, pool, accountID, "<m2@x>")
	assert.NoError(t, err)

	// The batch did not finish: the watermark must not move and no
	// notification fires.
	watermark, err := db.GetWatermark(ctx, pool, accountID)
	assert.NoError(t, err)
	assert.Nil(t, watermark)
	assert.Empty(t, notifier.Events())

	// A corrected redelivery completes the batch. The committed messages
	// collapse in the upsert; only the repaired one counts as new.
	fake.QueueBatch(
		testutil.NewRawMessage("<m1@x>", "alice@example.com", "Hello", base),
		testutil.NewRawMessage("<m2@x>", "bob@example.com", "Invoice", base.Add(time.Hour)),
		testutil.NewRawMessage("<m3@x>", "carol@example.com", "Broken", base.Add(2*time.Hour)),
	)

	summary, err := engine.Refresh(ctx, accountID)
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.NewMessageCount)

	watermark, err = db.GetWatermark(ctx, pool, accountID)
	assert.NoError(t, err)
	if assert.NotNil(t, watermark) {
		assert.True(t, watermark.Equal(base.Add(2*time.Hour)))
	}

	count, err := db.CountThreads(ctx, pool, accountID)
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRefreshRejectsConcurrentRun(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	engine, _, _, accountID := newTestEngine(t, pool)

	lock, err := db.AcquireSyncLock(ctx, pool, accountID)
	if err != nil {
		t.Fatalf("AcquireSyncLock failed: %v", err)
	}
	defer lock.Release(ctx)

	_, err = engine.Refresh(ctx, accountID)

	assert.True(t, errors.Is(err, db.ErrSyncInProgress))
}

func TestRefreshEmptyBatch(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	engine, _, notifier, accountID := newTestEngine(t, pool)

	summary, err := engine.Refresh(ctx, accountID)

	assert.NoError(t, err)
	assert.Equal(t, 0, summary.NewMessageCount)
	assert.Empty(t, notifier.Events())

	watermark, err := db.GetWatermark(ctx, pool, accountID)
	assert.NoError(t, err)
	assert.Nil(t, watermark)
}
