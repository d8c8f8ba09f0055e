package assembler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/db"
	"github.com/mailroom/backend/internal/models"
)

// fallbackLookback bounds how far back fallback-subject grouping will adopt an
// existing thread. 60 days: long enough for a dormant conversation to pick
// back up, short enough that unrelated mails sharing a subject years apart
// never collide. The exact width is a policy choice, not a correctness
// requirement.
const fallbackLookback = 60 * 24 * time.Hour

// Assembler groups messages into threads deterministically, independent of
// arrival order. Reply-chain headers are ground truth; the normalized
// subject + participant fallback only applies when no chain ancestor is known.
type Assembler struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Assembler {
	return &Assembler{pool: pool}
}

// Assign resolves the thread for a not-yet-stored message and returns its
// thread ID, creating a new thread when no existing one matches. Grouping
// ambiguity is never an error: the tie-break rules always pick one result.
func (a *Assembler) Assign(ctx context.Context, msg *models.Message) (string, error) {
	// Reply-chain match first: a header match always wins over any
	// fallback-subject match.
	if threadID, err := a.findChainAncestorThread(ctx, msg); err != nil {
		return "", err
	} else if threadID != "" {
		return threadID, nil
	}

	normalizedSubject := NormalizeSubject(msg.Subject)
	participantKey := ParticipantKey(msg)

	thread, err := db.FindThreadByFallbackKey(
		ctx, a.pool,
		msg.AccountID, normalizedSubject, participantKey,
		msg.SentAt.Add(-fallbackLookback),
	)
	if err == nil {
		return thread.ID, nil
	}
	if !errors.Is(err, db.ErrThreadNotFound) {
		return "", fmt.Errorf("fallback thread lookup failed: %w", err)
	}

	newThread := &models.Thread{
		AccountID:    msg.AccountID,
		Subject:      msg.Subject,
		Participants: mergeParticipants(nil, msg),
		Folder:       msg.Folder,
	}
	if err := db.CreateThread(ctx, a.pool, newThread, normalizedSubject, participantKey); err != nil {
		return "", err
	}

	return newThread.ID, nil
}

// findChainAncestorThread walks the In-Reply-To header and then the References
// chain (nearest ancestor last in References, so it is walked back to front)
// looking for an already-stored message. Returns "" when no ancestor is known.
func (a *Assembler) findChainAncestorThread(ctx context.Context, msg *models.Message) (string, error) {
	candidates := make([]string, 0, len(msg.ReferenceIDs)+1)
	if msg.InReplyToID != "" {
		candidates = append(candidates, msg.InReplyToID)
	}
	for i := len(msg.ReferenceIDs) - 1; i >= 0; i-- {
		if msg.ReferenceIDs[i] != "" {
			candidates = append(candidates, msg.ReferenceIDs[i])
		}
	}

	for _, providerID := range candidates {
		ancestor, err := db.GetMessageByProviderID(ctx, a.pool, msg.AccountID, providerID)
		if errors.Is(err, db.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reply-chain lookup failed: %w", err)
		}
		return ancestor.ThreadID, nil
	}

	return "", nil
}

// Append records a newly inserted message on its thread: the deduplicated
// participant set is extended and message_count/last_activity/folder are
// recomputed from the member rows. last_activity is monotonically
// non-decreasing unless a provider correction rewrites a sent_at (a rare
// backfill case handled by recomputing from scratch).
func (a *Assembler) Append(ctx context.Context, threadID string, msg *models.Message) error {
	thread, err := db.GetThreadByID(ctx, a.pool, threadID)
	if err != nil {
		return err
	}

	participants := mergeParticipants(thread.Participants, msg)

	if err := db.RecomputeThreadAggregates(ctx, a.pool, threadID, participants); err != nil {
		return fmt.Errorf("failed to update thread %s: %w", threadID, err)
	}

	return nil
}
