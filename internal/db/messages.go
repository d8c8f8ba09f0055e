package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	id,
	account_id,
	provider_message_id,
	thread_id,
	from_address,
	to_addresses,
	cc_addresses,
	subject,
	body_html,
	body_text,
	is_html,
	sent_at,
	is_outbound,
	in_reply_to_id,
	reference_ids,
	folder,
	is_read,
	starred,
	archived
`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.ProviderMessageID,
		&msg.ThreadID,
		&msg.FromAddress,
		&msg.ToAddresses,
		&msg.CCAddresses,
		&msg.Subject,
		&msg.BodyHTML,
		&msg.BodyText,
		&msg.IsHTML,
		&msg.SentAt,
		&msg.IsOutbound,
		&msg.InReplyToID,
		&msg.ReferenceIDs,
		&msg.Folder,
		&msg.IsRead,
		&msg.Starred,
		&msg.Archived,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpsertMessage stores a message, idempotently keyed on
// (account_id, provider_message_id). Re-delivering an already-stored message
// is a no-op except for the flag fields (is_read, starred, archived), which
// take the latest value; all other columns are immutable once synced.
// Returns whether a new row was inserted.
func UpsertMessage(ctx context.Context, pool *pgxpool.Pool, message *models.Message) (bool, error) {
	if message.ProviderMessageID == "" {
		return false, fmt.Errorf("failed to save message: provider message id is empty")
	}

	var id string
	var inserted bool
	err := pool.QueryRow(ctx, `
		INSERT INTO messages (
			account_id,
			provider_message_id,
			thread_id,
			from_address,
			to_addresses,
			cc_addresses,
			subject,
			body_html,
			body_text,
			is_html,
			sent_at,
			is_outbound,
			in_reply_to_id,
			reference_ids,
			folder,
			is_read,
			starred,
			archived
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (account_id, provider_message_id) DO UPDATE SET
			is_read = EXCLUDED.is_read,
			starred = EXCLUDED.starred,
			archived = EXCLUDED.archived
		RETURNING id, (xmax = 0) AS inserted
	`,
		message.AccountID,
		message.ProviderMessageID,
		message.ThreadID,
		message.FromAddress,
		message.ToAddresses,
		message.CCAddresses,
		message.Subject,
		message.BodyHTML,
		message.BodyText,
		message.IsHTML,
		message.SentAt,
		message.IsOutbound,
		message.InReplyToID,
		message.ReferenceIDs,
		message.Folder,
		message.IsRead,
		message.Starred,
		message.Archived,
	).Scan(&id, &inserted)

	if err != nil {
		return false, fmt.Errorf("failed to save message: %w", err)
	}

	message.ID = id
	return inserted, nil
}

// GetMessagesForThread returns all messages for a thread, ordered by sent_at
// ascending with ties broken by id ascending (a total order).
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = $1
		ORDER BY sent_at ASC, id ASC
	`, threadID)

	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// GetMessageByID returns a message by its database ID.
func GetMessageByID(ctx context.Context, pool *pgxpool.Pool, messageID string) (*models.Message, error) {
	msg, err := scanMessage(pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, messageID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return msg, nil
}

// GetMessageByProviderID returns the account's message with the given
// provider Message-ID header, used for reply-chain ancestor lookups.
func GetMessageByProviderID(ctx context.Context, pool *pgxpool.Pool, accountID, providerMessageID string) (*models.Message, error) {
	msg, err := scanMessage(pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account_id = $1 AND provider_message_id = $2
	`, accountID, providerMessageID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return msg, nil
}

// MessageQuery describes a flat message list page request.
type MessageQuery struct {
	Folder   string
	Search   string
	LinkType models.EntityType
	Cursor   models.Cursor
	Limit    int
}

// ListMessagePage returns one keyset page of messages ordered by
// (sent_at DESC, id DESC). Filter predicates are applied before the keyset
// comparison so pagination stays consistent under filtering. hasMore is true
// exactly when more items exist past this page.
func ListMessagePage(ctx context.Context, pool *pgxpool.Pool, accountID string, q MessageQuery) ([]*models.Message, bool, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.account_id = $1
	`
	args := []any{accountID}

	if q.Folder != "" {
		args = append(args, q.Folder)
		query += fmt.Sprintf(" AND m.folder = $%d", len(args))
	}

	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		n := len(args)
		query += fmt.Sprintf(" AND (m.subject ILIKE $%d OR m.from_address ILIKE $%d OR m.body_text ILIKE $%d)", n, n, n)
	}

	if q.LinkType != "" {
		args = append(args, string(q.LinkType))
		query += fmt.Sprintf(` AND EXISTS (
			SELECT 1 FROM entity_links l
			WHERE (l.message_id = m.id OR l.thread_id = m.thread_id) AND l.entity_type = $%d
		)`, len(args))
	}

	if !q.Cursor.IsZero() {
		args = append(args, q.Cursor.Before, q.Cursor.BeforeID)
		query += fmt.Sprintf(" AND (m.sent_at, m.id) < ($%d, $%d::uuid)", len(args)-1, len(args))
	}

	// Fetch one extra row to compute hasMore without a count query.
	args = append(args, q.Limit+1)
	query += fmt.Sprintf(" ORDER BY m.sent_at DESC, m.id DESC LIMIT $%d", len(args))

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating messages: %w", err)
	}

	hasMore := len(messages) > q.Limit
	if hasMore {
		messages = messages[:q.Limit]
	}

	return messages, hasMore, nil
}

// SetMessageFlags updates the mutable flag fields of a message.
func SetMessageFlags(ctx context.Context, pool *pgxpool.Pool, messageID string, isRead, starred, archived bool) error {
	tag, err := pool.Exec(ctx, `
		UPDATE messages
		SET is_read = $2, starred = $3, archived = $4
		WHERE id = $1
	`, messageID, isRead, starred, archived)

	if err != nil {
		return fmt.Errorf("failed to set message flags: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	return nil
}

// SaveAttachment saves an attachment to the database.
func SaveAttachment(ctx context.Context, pool *pgxpool.Pool, attachment *models.Attachment) error {
	var attachmentID string

	err := pool.QueryRow(ctx, `
		INSERT INTO attachments (message_id, filename, mime_type, size_bytes, storage_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, attachment.MessageID, attachment.Filename, attachment.MimeType, attachment.SizeBytes, attachment.StorageRef).Scan(&attachmentID)

	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}

	attachment.ID = attachmentID
	return nil
}

// GetAttachmentsForMessages returns all attachments for multiple messages in a
// single query, as a map from message ID to attachments.
func GetAttachmentsForMessages(ctx context.Context, pool *pgxpool.Pool, messageIDs []string) (map[string][]models.Attachment, error) {
	attachmentsMap := make(map[string][]models.Attachment)
	if len(messageIDs) == 0 {
		return attachmentsMap, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT id, message_id, filename, mime_type, size_bytes, storage_ref
		FROM attachments
		WHERE message_id = ANY($1)
		ORDER BY message_id, id
	`, messageIDs)

	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(
			&att.ID,
			&att.MessageID,
			&att.Filename,
			&att.MimeType,
			&att.SizeBytes,
			&att.StorageRef,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachmentsMap[att.MessageID] = append(attachmentsMap[att.MessageID], att)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return attachmentsMap, nil
}
