package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailroom/backend/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

// ErrAccountSettingsNotFound is returned when an account has no provider settings.
var ErrAccountSettingsNotFound = errors.New("account settings not found")

// GetOrCreateAccount returns the account ID for the given email, creating the
// account row if it does not exist yet.
func GetOrCreateAccount(ctx context.Context, pool *pgxpool.Pool, email string) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (email)
		VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, email).Scan(&id)

	if err != nil {
		return "", fmt.Errorf("failed to get or create account: %w", err)
	}

	return id, nil
}

// GetAccountByID returns the account with the given ID.
func GetAccountByID(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	var account models.Account

	err := pool.QueryRow(ctx, `
		SELECT id, email, display_name, created_at
		FROM accounts
		WHERE id = $1
	`, accountID).Scan(&account.ID, &account.Email, &account.DisplayName, &account.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// ListSyncableAccountIDs returns the IDs of all accounts that have provider
// settings, i.e. the accounts the background scheduler should refresh.
func ListSyncableAccountIDs(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT account_id FROM account_settings ORDER BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list syncable accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return ids, nil
}

// SaveAccountSettings stores the provider credentials for an account.
// The IMAP password must already be encrypted by the caller.
func SaveAccountSettings(ctx context.Context, pool *pgxpool.Pool, settings *models.AccountSettings) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO account_settings (account_id, imap_host, imap_username, encrypted_imap_password, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (account_id) DO UPDATE SET
			imap_host = EXCLUDED.imap_host,
			imap_username = EXCLUDED.imap_username,
			encrypted_imap_password = EXCLUDED.encrypted_imap_password,
			updated_at = now()
	`, settings.AccountID, settings.IMAPHost, settings.IMAPUsername, settings.EncryptedIMAPPassword)

	if err != nil {
		return fmt.Errorf("failed to save account settings: %w", err)
	}

	return nil
}

// GetAccountSettings returns the provider credentials for an account.
func GetAccountSettings(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.AccountSettings, error) {
	var settings models.AccountSettings

	err := pool.QueryRow(ctx, `
		SELECT account_id, imap_host, imap_username, encrypted_imap_password
		FROM account_settings
		WHERE account_id = $1
	`, accountID).Scan(
		&settings.AccountID,
		&settings.IMAPHost,
		&settings.IMAPUsername,
		&settings.EncryptedIMAPPassword,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountSettingsNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get account settings: %w", err)
	}

	return &settings, nil
}
