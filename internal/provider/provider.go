// Package provider defines the mailbox provider contract the sync engine
// consumes, plus the IMAP implementation of it.
package provider

import (
	"context"
	"time"
)

// RawMessage is a pre-normalization message as returned by the provider.
// The sync engine assumes no ordering and possible duplicates.
type RawMessage struct {
	// ProviderMessageID is the stable provider-side identity (the Message-ID
	// header for IMAP).
	ProviderMessageID string
	Folder            string
	From              string
	To                []string
	CC                []string
	Subject           string
	SentAt            time.Time
	InReplyTo         string
	References        []string
	Seen              bool
	Flagged           bool
	// MIME holds the raw RFC 822 message for body/attachment extraction.
	// May be empty when the provider only returned headers.
	MIME []byte
}

// Provider fetches message deltas from the upstream mailbox.
type Provider interface {
	// FetchMessagesSince returns all messages newer than the watermark, in no
	// guaranteed order and possibly containing duplicates. A zero watermark
	// means "everything".
	FetchMessagesSince(ctx context.Context, watermark time.Time) ([]RawMessage, error)
}
