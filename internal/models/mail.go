package models

import "time"

// Account is a synced mailbox identity.
type Account struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// AccountSettings holds the provider credentials for an account.
// The IMAP password is encrypted at rest.
type AccountSettings struct {
	AccountID             string `json:"account_id"`
	IMAPHost              string `json:"imap_host"`
	IMAPUsername          string `json:"imap_username"`
	EncryptedIMAPPassword []byte `json:"-"`
}

// Participant is a deduplicated address+name pair on a thread.
type Participant struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Thread is a reconstructed conversation grouping one or more messages.
// MessageCount, LastActivity, Folder and Participants are aggregates derived
// from member messages; the assembler is their only writer.
type Thread struct {
	ID           string        `json:"id"`
	AccountID    string        `json:"account_id"`
	Subject      string        `json:"subject"`
	Participants []Participant `json:"participants"`
	MessageCount int           `json:"message_count"`
	LastActivity *time.Time    `json:"last_activity"`
	Folder       string        `json:"folder"`
	Starred      bool          `json:"starred"`
	Archived     bool          `json:"archived"`
	Messages     []*Message    `json:"messages,omitempty"`
	Links        []*EntityLink `json:"links,omitempty"`
}

// Message is a normalized email message. Immutable once synced except for the
// flag fields (IsRead, Starred, Archived).
type Message struct {
	ID                string       `json:"id"`
	AccountID         string       `json:"account_id"`
	ProviderMessageID string       `json:"provider_message_id"`
	ThreadID          string       `json:"thread_id"`
	FromAddress       string       `json:"from_address"`
	ToAddresses       []string     `json:"to_addresses"`
	CCAddresses       []string     `json:"cc_addresses"`
	Subject           string       `json:"subject"`
	BodyHTML          string       `json:"body_html"`
	BodyText          string       `json:"body_text"`
	IsHTML            bool         `json:"is_html"`
	SentAt            time.Time    `json:"sent_at"`
	IsOutbound        bool         `json:"is_outbound"`
	InReplyToID       string       `json:"in_reply_to_id,omitempty"`
	ReferenceIDs      []string     `json:"reference_ids,omitempty"`
	Folder            string       `json:"folder"`
	IsRead            bool         `json:"is_read"`
	Starred           bool         `json:"starred"`
	Archived          bool         `json:"archived"`
	Attachments       []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	ID         string `json:"id"`
	MessageID  string `json:"message_id"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	SizeBytes  int64  `json:"size_bytes"`
	StorageRef string `json:"storage_ref,omitempty"`
}

// Cursor is the keyset pagination boundary: the (sort key, id) pair of the
// last item of the previous page. Derived per request, never persisted.
type Cursor struct {
	Before   time.Time
	BeforeID string
}

// IsZero reports whether the cursor is unset (first page).
func (c Cursor) IsZero() bool {
	return c.Before.IsZero() && c.BeforeID == ""
}
