// Package syncer pulls message deltas from the mailbox provider and feeds
// them through storage and thread assembly.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/assembler"
	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/provider"
)

// ErrProvider wraps transient upstream failures. The scheduler retries these
// with exponential backoff; partial batch progress stays committed.
var ErrProvider = errors.New("provider failure")

// Summary reports the result of one refresh run.
type Summary struct {
	NewMessageCount int `json:"newMessageCount"`
}

// ProviderFactory builds the provider and resolves the mailbox's own email
// address for an account. Kept as a factory so credentials are read fresh on
// every refresh.
type ProviderFactory func(ctx context.Context, accountID string) (provider.Provider, string, error)

// Notifier receives refresh results, e.g. to push them to connected UIs.
type Notifier interface {
	SyncFinished(accountID string, newMessageCount int)
}

// Engine is the mail sync engine. Refresh for a given account is
// single-writer; reads are never blocked by it.
type Engine struct {
	pool        *pgxpool.Pool
	providerFor ProviderFactory
	assembler   *assembler.Assembler
	notifier    Notifier
}

func NewEngine(pool *pgxpool.Pool, providerFor ProviderFactory, notifier Notifier) *Engine {
	return &Engine{
		pool:        pool,
		providerFor: providerFor,
		assembler:   assembler.New(pool),
		notifier:    notifier,
	}
}

// Refresh fetches everything newer than the account's watermark, idempotently
// upserts each message and assembles it into a thread. Re-running is always
// safe: upsert is a no-op for already-stored messages, and the watermark only
// advances after the whole batch has been processed, so a crash mid-batch
// causes a benign re-fetch, never loss.
//
// A concurrent refresh for the same account is rejected with
// db.ErrSyncInProgress.
func (e *Engine) Refresh(ctx context.Context, accountID string) (Summary, error) {
	lock, err := db.AcquireSyncLock(ctx, e.pool, accountID)
	if err != nil {
		return Summary{}, err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	watermark, err := db.GetWatermark(ctx, e.pool, accountID)
	if err != nil {
		return Summary{}, err
	}

	since := time.Time{}
	if watermark != nil {
		since = *watermark
	}

	prov, accountEmail, err := e.providerFor(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}

	raws, err := prov.FetchMessagesSince(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	// Deterministic processing order regardless of provider order: sent_at
	// ascending, ties by provider id. Duplicates within the batch collapse in
	// the upsert.
	sort.Slice(raws, func(i, j int) bool {
		if !raws[i].SentAt.Equal(raws[j].SentAt) {
			return raws[i].SentAt.Before(raws[j].SentAt)
		}
		return raws[i].ProviderMessageID < raws[j].ProviderMessageID
	})

	summary := Summary{}
	var maxSentAt time.Time

	for _, raw := range raws {
		msg := provider.Normalize(raw, accountEmail)
		msg.AccountID = accountID

		threadID, err := e.assembler.Assign(ctx, msg)
		if err != nil {
			return summary, fmt.Errorf("failed to assign thread for %s: %w", msg.ProviderMessageID, err)
		}
		msg.ThreadID = threadID

		inserted, err := db.UpsertMessage(ctx, e.pool, msg)
		if err != nil {
			return summary, fmt.Errorf("failed to store %s: %w", msg.ProviderMessageID, err)
		}

		if inserted {
			summary.NewMessageCount++

			for i := range msg.Attachments {
				msg.Attachments[i].MessageID = msg.ID
				if err := db.SaveAttachment(ctx, e.pool, &msg.Attachments[i]); err != nil {
					log.Printf("Sync: failed to save attachment for %s: %v", msg.ProviderMessageID, err)
				}
			}

			if err := e.assembler.Append(ctx, threadID, msg); err != nil {
				return summary, err
			}
		}

		if msg.SentAt.After(maxSentAt) {
			maxSentAt = msg.SentAt
		}
	}

	// The whole batch processed; only now may the watermark move.
	if !maxSentAt.IsZero() {
		if err := db.AdvanceWatermark(ctx, e.pool, accountID, maxSentAt); err != nil {
			return summary, err
		}
	}

	if e.notifier != nil && summary.NewMessageCount > 0 {
		e.notifier.SyncFinished(accountID, summary.NewMessageCount)
	}

	return summary, nil
}
