package syncer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/db"
)

// Scheduler periodically refreshes every configured account. Transient
// provider failures are retried with exponential backoff within a cycle;
// anything else is logged and left for the next cycle.
type Scheduler struct {
	pool     *pgxpool.Pool
	engine   *Engine
	interval time.Duration
}

func NewScheduler(pool *pgxpool.Pool, engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{
		pool:     pool,
		engine:   engine,
		interval: interval,
	}
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Sync: scheduler running every %s", s.interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Sync: scheduler stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	accountIDs, err := db.ListSyncableAccountIDs(ctx, s.pool)
	if err != nil {
		log.Printf("Sync: failed to list accounts: %v", err)
		return
	}

	for _, accountID := range accountIDs {
		if err := s.refreshWithRetry(ctx, accountID); err != nil {
			log.Printf("Sync: refresh failed for account %s: %v", accountID, err)
		}
	}
}

// refreshWithRetry retries transient provider failures with exponential
// backoff, bounded to stay well inside one scheduler cycle. A refresh already
// in progress is not an error: the running one covers this cycle.
func (s *Scheduler) refreshWithRetry(ctx context.Context, accountID string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxElapsedTime = s.interval / 2

	operation := func() error {
		summary, err := s.engine.Refresh(ctx, accountID)
		if err != nil {
			if errors.Is(err, db.ErrSyncInProgress) {
				return nil
			}
			if errors.Is(err, ErrProvider) {
				return err
			}
			return backoff.Permanent(err)
		}

		if summary.NewMessageCount > 0 {
			log.Printf("Sync: account %s: %d new messages", accountID, summary.NewMessageCount)
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
