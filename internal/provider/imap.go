package provider

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// defaultFolders maps the IMAP mailboxes we sync to their normalized folder
// names. Mailboxes missing on the server are skipped.
var defaultFolders = map[string]string{
	"INBOX": "inbox",
	"Sent":  "sent",
}

// IMAPProvider implements Provider against an IMAP server. One provider per
// account; connections are dialed per fetch and closed when it completes
// (refresh is pull-based, there is no long-lived session to keep).
type IMAPProvider struct {
	Host     string
	Username string
	Password string
	// UseTLS is true in production; tests run against a plain listener.
	UseTLS  bool
	Folders map[string]string
}

// NewIMAPProvider creates a provider for one account's mailbox.
func NewIMAPProvider(host, username, password string, useTLS bool) *IMAPProvider {
	return &IMAPProvider{
		Host:     host,
		Username: username,
		Password: password,
		UseTLS:   useTLS,
		Folders:  defaultFolders,
	}
}

// FetchMessagesSince fetches all messages dated after the watermark across the
// configured mailboxes. IMAP SINCE has day granularity, so the result may
// include already-seen messages; the engine's idempotent upsert absorbs them.
func (p *IMAPProvider) FetchMessagesSince(ctx context.Context, watermark time.Time) ([]RawMessage, error) {
	c, err := p.connect()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = c.Logout()
	}()

	var all []RawMessage
	for mailbox, folder := range p.Folders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		messages, err := p.fetchFolder(c, mailbox, folder, watermark)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch mailbox %s: %w", mailbox, err)
		}
		all = append(all, messages...)
	}

	return all, nil
}

// connect dials and authenticates with a 5-second dial timeout.
func (p *IMAPProvider) connect() (*client.Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	var c *client.Client
	var err error
	if p.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, p.Host, nil)
	} else {
		c, err = client.DialWithDialer(dialer, p.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial IMAP server: %w", err)
	}

	if err := c.Login(p.Username, p.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	return c, nil
}

func (p *IMAPProvider) fetchFolder(c *client.Client, mailbox, folder string, watermark time.Time) ([]RawMessage, error) {
	if _, err := c.Select(mailbox, true); err != nil {
		// A server without the mailbox (no Sent folder, say) is not an error.
		log.Printf("IMAP: skipping mailbox %s: %v", mailbox, err)
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	if !watermark.IsZero() {
		criteria.Since = watermark
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var result []RawMessage
	for msg := range messages {
		raw, ok := toRawMessage(msg, folder, section)
		if !ok {
			log.Printf("IMAP: skipping UID %d in %s: no Message-ID", msg.Uid, mailbox)
			continue
		}
		// The day-granular SINCE search over-fetches; drop anything at or
		// before the watermark here.
		if !watermark.IsZero() && !raw.SentAt.After(watermark) {
			continue
		}
		result = append(result, raw)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	return result, nil
}

// toRawMessage converts a fetched IMAP message. Messages without a Message-ID
// header have no stable identity and are skipped.
func toRawMessage(msg *imap.Message, folder string, section *imap.BodySectionName) (RawMessage, bool) {
	if msg == nil || msg.Envelope == nil || msg.Envelope.MessageId == "" {
		return RawMessage{}, false
	}

	raw := RawMessage{
		ProviderMessageID: msg.Envelope.MessageId,
		Folder:            folder,
		Subject:           msg.Envelope.Subject,
		SentAt:            msg.Envelope.Date,
		InReplyTo:         msg.Envelope.InReplyTo,
		To:                formatAddressList(msg.Envelope.To),
		CC:                formatAddressList(msg.Envelope.Cc),
	}

	if len(msg.Envelope.From) > 0 {
		raw.From = formatAddress(msg.Envelope.From[0])
	}

	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			raw.Seen = true
		case imap.FlaggedFlag:
			raw.Flagged = true
		}
	}

	if body := msg.GetBody(section); body != nil {
		if data, err := io.ReadAll(body); err == nil {
			raw.MIME = data
		}
	}

	return raw, true
}

// formatAddress formats an IMAP address as "Name <mailbox@host>".
func formatAddress(address *imap.Address) string {
	if address == nil || (address.MailboxName == "" && address.HostName == "") {
		return ""
	}

	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

func formatAddressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if formatted := formatAddress(address); formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}
