package provider

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/mailroom/backend/internal/models"
)

// Normalize converts a raw provider message into the stored message model.
// accountEmail determines the outbound flag (mail sent from the account's own
// address). Body parsing is best-effort: a malformed MIME part degrades to
// empty bodies rather than dropping the message.
func Normalize(raw RawMessage, accountEmail string) *models.Message {
	msg := &models.Message{
		ProviderMessageID: raw.ProviderMessageID,
		FromAddress:       raw.From,
		ToAddresses:       raw.To,
		CCAddresses:       raw.CC,
		Subject:           raw.Subject,
		SentAt:            raw.SentAt,
		InReplyToID:       raw.InReplyTo,
		ReferenceIDs:      raw.References,
		Folder:            raw.Folder,
		IsRead:            raw.Seen,
		Starred:           raw.Flagged,
		IsOutbound:        isOutbound(raw.From, accountEmail),
	}
	if msg.ToAddresses == nil {
		msg.ToAddresses = []string{}
	}
	if msg.CCAddresses == nil {
		msg.CCAddresses = []string{}
	}
	if msg.ReferenceIDs == nil {
		msg.ReferenceIDs = []string{}
	}

	if len(raw.MIME) > 0 {
		parseMIME(raw.MIME, msg)
	}

	return msg
}

// parseMIME extracts bodies, attachments and any reference headers the
// provider envelope did not carry.
func parseMIME(mime []byte, msg *models.Message) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(mime))
	if err != nil {
		// Headers already populated from the provider envelope; keep them.
		return
	}

	msg.BodyText = envelope.Text
	if envelope.HTML != "" {
		msg.BodyHTML = envelope.HTML
		msg.IsHTML = true
	}

	if msg.InReplyToID == "" {
		msg.InReplyToID = firstMessageID(envelope.GetHeader("In-Reply-To"))
	}
	if len(msg.ReferenceIDs) == 0 {
		msg.ReferenceIDs = SplitReferences(envelope.GetHeader("References"))
	}

	for i, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Filename:   part.FileName,
			MimeType:   part.ContentType,
			SizeBytes:  int64(len(part.Content)),
			StorageRef: attachmentRef(msg.Folder, msg.ProviderMessageID, i),
		})
	}
}

// attachmentRef builds the provider-side reference for an attachment part.
// Folder, provider message id and part position are enough to re-fetch the
// content from the mailbox on demand; bodies are not stored locally.
func attachmentRef(folder, providerMessageID string, part int) string {
	return fmt.Sprintf("imap://%s/%s#%d", folder, providerMessageID, part)
}

// SplitReferences parses a References header into individual message IDs,
// oldest first (the header's own order).
func SplitReferences(header string) []string {
	fields := strings.Fields(header)
	refs := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, "<") && strings.HasSuffix(f, ">") {
			refs = append(refs, f)
		}
	}
	return refs
}

func firstMessageID(header string) string {
	refs := SplitReferences(header)
	if len(refs) == 0 {
		return ""
	}
	return refs[0]
}

// isOutbound reports whether the message was sent from the account's own address.
func isOutbound(from, accountEmail string) bool {
	if accountEmail == "" {
		return false
	}
	addr := from
	if open := strings.LastIndex(from, "<"); open >= 0 {
		if close := strings.LastIndex(from, ">"); close > open {
			addr = from[open+1 : close]
		}
	}
	return strings.EqualFold(strings.TrimSpace(addr), strings.TrimSpace(accountEmail))
}
