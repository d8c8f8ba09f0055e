package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSyncInProgress is returned when a refresh is already running for the
// account. Callers should treat it as "try again shortly", not a failure.
var ErrSyncInProgress = errors.New("sync already in progress for account")

// GetWatermark returns the sync watermark for an account, or nil if the
// account has never completed a sync.
func GetWatermark(ctx context.Context, pool *pgxpool.Pool, accountID string) (*time.Time, error) {
	var watermark *time.Time

	err := pool.QueryRow(ctx, `
		SELECT watermark
		FROM sync_state
		WHERE account_id = $1
	`, accountID).Scan(&watermark)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}

	return watermark, nil
}

// AdvanceWatermark records that everything up to the given point has been
// fully processed. Called only after a batch completes, so a crash mid-batch
// re-fetches already-seen messages instead of losing any.
func AdvanceWatermark(ctx context.Context, pool *pgxpool.Pool, accountID string, watermark time.Time) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO sync_state (account_id, watermark, synced_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_id) DO UPDATE SET
			watermark = GREATEST(sync_state.watermark, EXCLUDED.watermark),
			synced_at = now()
	`, accountID, watermark)

	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}

	return nil
}

// syncLockKey derives a stable advisory lock key from the account ID.
func syncLockKey(accountID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("mailroom-sync:" + accountID))
	return int64(h.Sum64())
}

// SyncLock is a held single-writer-per-account guard. Release returns the
// session connection to the pool, dropping the advisory lock with it.
type SyncLock struct {
	conn *pgxpool.Conn
	key  int64
}

// AcquireSyncLock takes the per-account advisory lock that serializes
// concurrent refreshes for the same mailbox. A second concurrent caller gets
// ErrSyncInProgress immediately (rejected, not queued).
func AcquireSyncLock(ctx context.Context, pool *pgxpool.Pool, accountID string) (*SyncLock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for sync lock: %w", err)
	}

	key := syncLockKey(accountID)

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take sync lock: %w", err)
	}

	if !locked {
		conn.Release()
		return nil, ErrSyncInProgress
	}

	return &SyncLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the underlying connection to the pool.
func (l *SyncLock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}

	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		// The lock dies with the session anyway; releasing the connection is enough.
		_ = err
	}
	l.conn.Release()
	l.conn = nil
}
