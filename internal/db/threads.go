package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

const threadColumns = `
	id,
	account_id,
	subject,
	participants,
	message_count,
	last_activity,
	folder,
	starred,
	archived
`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var thread models.Thread
	err := row.Scan(
		&thread.ID,
		&thread.AccountID,
		&thread.Subject,
		&thread.Participants,
		&thread.MessageCount,
		&thread.LastActivity,
		&thread.Folder,
		&thread.Starred,
		&thread.Archived,
	)
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// CreateThread inserts a new thread row. The normalized subject and
// participant key feed fallback grouping lookups; the aggregate fields start
// empty and are recomputed when messages are appended.
func CreateThread(ctx context.Context, pool *pgxpool.Pool, thread *models.Thread, normalizedSubject, participantKey string) error {
	if thread.Participants == nil {
		thread.Participants = []models.Participant{}
	}

	var threadID string

	err := pool.QueryRow(ctx, `
		INSERT INTO threads (account_id, subject, normalized_subject, participant_key, participants, folder)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, thread.AccountID, thread.Subject, normalizedSubject, participantKey, thread.Participants, thread.Folder).Scan(&threadID)

	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}

	thread.ID = threadID
	return nil
}

// GetThreadByID returns a thread by its database ID.
func GetThreadByID(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Thread, error) {
	thread, err := scanThread(pool.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE id = $1
	`, threadID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	return thread, nil
}

// FindThreadByFallbackKey returns the most recently active thread matching the
// fallback grouping key (normalized subject + participant set) whose
// last_activity falls within the lookback window ending at `until`.
// Returns ErrThreadNotFound when no such thread exists, so unrelated
// conversations that share a subject years apart never collide.
//
// Threads with no messages yet (NULL last_activity, left behind when a crash
// interrupted ingestion between thread creation and the first message) are
// adopted regardless of the window, so they heal on redelivery instead of
// accumulating. An active thread is always preferred over an empty one.
func FindThreadByFallbackKey(ctx context.Context, pool *pgxpool.Pool, accountID, normalizedSubject, participantKey string, activeSince time.Time) (*models.Thread, error) {
	thread, err := scanThread(pool.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE account_id = $1
		  AND normalized_subject = $2
		  AND participant_key = $3
		  AND (last_activity >= $4 OR last_activity IS NULL)
		ORDER BY last_activity DESC NULLS LAST, id DESC
		LIMIT 1
	`, accountID, normalizedSubject, participantKey, activeSince))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to find thread by fallback key: %w", err)
	}

	return thread, nil
}

// RecomputeThreadAggregates recalculates message_count, last_activity, folder
// and the deduplicated participant set from the thread's member messages.
// The assembler calls this on every append; nothing else writes these fields.
func RecomputeThreadAggregates(ctx context.Context, pool *pgxpool.Pool, threadID string, participants []models.Participant) error {
	if participants == nil {
		participants = []models.Participant{}
	}

	tag, err := pool.Exec(ctx, `
		UPDATE threads t
		SET message_count = stats.count,
			last_activity = stats.latest,
			folder = COALESCE(stats.latest_folder, t.folder),
			participants = $2
		FROM (
			SELECT COUNT(*) AS count,
				MAX(sent_at) AS latest,
				(SELECT folder FROM messages
				 WHERE thread_id = $1
				 ORDER BY sent_at DESC, id DESC
				 LIMIT 1) AS latest_folder
			FROM messages
			WHERE thread_id = $1
		) stats
		WHERE t.id = $1
	`, threadID, participants)

	if err != nil {
		return fmt.Errorf("failed to recompute thread aggregates: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}

	return nil
}

// SetThreadFlags updates the starred/archived flags of a thread.
func SetThreadFlags(ctx context.Context, pool *pgxpool.Pool, threadID string, starred, archived bool) error {
	tag, err := pool.Exec(ctx, `
		UPDATE threads
		SET starred = $2, archived = $3
		WHERE id = $1
	`, threadID, starred, archived)

	if err != nil {
		return fmt.Errorf("failed to set thread flags: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}

	return nil
}

// ThreadQuery describes a thread list page request.
type ThreadQuery struct {
	Folder   string
	Search   string
	LinkType models.EntityType
	Cursor   models.Cursor
	Limit    int
}

// ListThreadPage returns one keyset page of threads ordered by
// (last_activity DESC, id DESC). The cursor selects rows strictly less than
// the boundary pair, so no thread is skipped or duplicated across pages even
// when new messages arrive between fetches. Filters are applied before the
// keyset comparison.
func ListThreadPage(ctx context.Context, pool *pgxpool.Pool, accountID string, q ThreadQuery) ([]*models.Thread, bool, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `
		SELECT ` + threadColumns + `
		FROM threads t
		WHERE t.account_id = $1 AND t.message_count > 0
	`
	args := []any{accountID}

	if q.Folder != "" {
		args = append(args, q.Folder)
		query += fmt.Sprintf(" AND t.folder = $%d", len(args))
	}

	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		n := len(args)
		query += fmt.Sprintf(` AND (t.subject ILIKE $%d OR EXISTS (
			SELECT 1 FROM messages m
			WHERE m.thread_id = t.id AND (m.from_address ILIKE $%d OR m.body_text ILIKE $%d)
		))`, n, n, n)
	}

	if q.LinkType != "" {
		args = append(args, string(q.LinkType))
		query += fmt.Sprintf(` AND EXISTS (
			SELECT 1 FROM entity_links l
			WHERE l.thread_id = t.id AND l.entity_type = $%d
		)`, len(args))
	}

	if !q.Cursor.IsZero() {
		args = append(args, q.Cursor.Before, q.Cursor.BeforeID)
		query += fmt.Sprintf(" AND (t.last_activity, t.id) < ($%d, $%d::uuid)", len(args)-1, len(args))
	}

	args = append(args, q.Limit+1)
	query += fmt.Sprintf(" ORDER BY t.last_activity DESC, t.id DESC LIMIT $%d", len(args))

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, false, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}

	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating threads: %w", err)
	}

	hasMore := len(threads) > q.Limit
	if hasMore {
		threads = threads[:q.Limit]
	}

	return threads, hasMore, nil
}

// CountThreads returns the number of threads with at least one message for an
// account, mainly for tests and diagnostics.
func CountThreads(ctx context.Context, pool *pgxpool.Pool, accountID string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM threads WHERE account_id = $1 AND message_count > 0
	`, accountID).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}

	return count, nil
}
