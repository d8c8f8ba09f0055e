package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/models"
)

// ErrDuplicateLink is returned when the (target, entity_type, entity_id)
// triple already exists. Surfaced to the user as "already linked", not a crash.
var ErrDuplicateLink = errors.New("link already exists")

// ErrLinkTargetNotFound is returned when the linked thread or message does not exist.
var ErrLinkTargetNotFound = errors.New("link target not found")

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// InsertLink creates an entity link row for a thread or a message (exactly one
// of link.ThreadID / link.MessageID must be set). Duplicate triples are
// rejected by the partial unique indexes and mapped to ErrDuplicateLink.
func InsertLink(ctx context.Context, pool *pgxpool.Pool, link *models.EntityLink) error {
	if err := link.EntityType.Validate(); err != nil {
		return err
	}

	if (link.ThreadID == "") == (link.MessageID == "") {
		return fmt.Errorf("failed to insert link: exactly one of thread_id and message_id must be set")
	}

	var threadID, messageID *string
	if link.ThreadID != "" {
		threadID = &link.ThreadID
	}
	if link.MessageID != "" {
		messageID = &link.MessageID
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO entity_links (account_id, thread_id, message_id, entity_type, entity_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, link.AccountID, threadID, messageID, string(link.EntityType), link.EntityID).Scan(&link.ID, &link.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return ErrDuplicateLink
			case pgErrForeignKeyViolation:
				return ErrLinkTargetNotFound
			}
		}
		return fmt.Errorf("failed to insert link: %w", err)
	}

	return nil
}

// DeleteLink removes a link unconditionally. Removing an id that no longer
// exists is the normal "link already removed" case, reported as
// (removed=false, nil) rather than an error.
func DeleteLink(ctx context.Context, pool *pgxpool.Pool, linkID string) (bool, error) {
	tag, err := pool.Exec(ctx, `
		DELETE FROM entity_links WHERE id = $1
	`, linkID)

	if err != nil {
		return false, fmt.Errorf("failed to delete link: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func scanLinks(rows pgx.Rows) ([]*models.EntityLink, error) {
	defer rows.Close()

	var links []*models.EntityLink
	for rows.Next() {
		var link models.EntityLink
		var threadID, messageID *string
		var entityType string
		if err := rows.Scan(
			&link.ID,
			&link.AccountID,
			&threadID,
			&messageID,
			&entityType,
			&link.EntityID,
			&link.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		if threadID != nil {
			link.ThreadID = *threadID
		}
		if messageID != nil {
			link.MessageID = *messageID
		}
		link.EntityType = models.EntityType(entityType)
		links = append(links, &link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}

	return links, nil
}

// GetLinksForThread returns all links attached to a thread, plus links on its
// member messages, oldest first.
func GetLinksForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]*models.EntityLink, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, account_id, thread_id, message_id, entity_type, entity_id, created_at
		FROM entity_links
		WHERE thread_id = $1
		   OR message_id IN (SELECT id FROM messages WHERE thread_id = $1)
		ORDER BY created_at ASC, id ASC
	`, threadID)

	if err != nil {
		return nil, fmt.Errorf("failed to get links: %w", err)
	}

	return scanLinks(rows)
}

// GetLinksForMessage returns all links attached directly to a message.
func GetLinksForMessage(ctx context.Context, pool *pgxpool.Pool, messageID string) ([]*models.EntityLink, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, account_id, thread_id, message_id, entity_type, entity_id, created_at
		FROM entity_links
		WHERE message_id = $1
		ORDER BY created_at ASC, id ASC
	`, messageID)

	if err != nil {
		return nil, fmt.Errorf("failed to get links: %w", err)
	}

	return scanLinks(rows)
}
