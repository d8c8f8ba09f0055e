package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/mailroom/backend/internal/provider"
)

// FakeProvider is a scripted mail provider for sync engine tests. Each call to
// FetchMessagesSince pops the next scripted batch (or error). When the script
// runs out, it returns an empty batch.
type FakeProvider struct {
	mu      sync.Mutex
	batches []fakeBatch
	calls   []time.Time
}

type fakeBatch struct {
	messages []provider.RawMessage
	err      error
}

// NewFakeProvider creates an empty FakeProvider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// QueueBatch appends a batch of messages to return on a future fetch.
func (p *FakeProvider) QueueBatch(messages ...provider.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, fakeBatch{messages: messages})
}

// QueueError appends a failing fetch to the script.
func (p *FakeProvider) QueueError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, fakeBatch{err: err})
}

// FetchMessagesSince implements provider.Provider. It records the watermark it
// was called with so tests can assert watermark advancement.
func (p *FakeProvider) FetchMessagesSince(_ context.Context, watermark time.Time) ([]provider.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, watermark)

	if len(p.batches) == 0 {
		return nil, nil
	}

	batch := p.batches[0]
	p.batches = p.batches[1:]
	if batch.err != nil {
		return nil, batch.err
	}
	return batch.messages, nil
}

// Watermarks returns the watermark passed to each fetch, in call order.
func (p *FakeProvider) Watermarks() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.calls...)
}

// RawMessageOption mutates a scripted message.
type RawMessageOption func(*provider.RawMessage)

// WithReply sets the In-Reply-To and References headers.
func WithReply(inReplyTo string, references ...string) RawMessageOption {
	return func(m *provider.RawMessage) {
		m.InReplyTo = inReplyTo
		m.References = references
	}
}

// WithFolder overrides the default inbox folder.
func WithFolder(folder string) RawMessageOption {
	return func(m *provider.RawMessage) {
		m.Folder = folder
	}
}

// WithFlags sets the seen/flagged flags.
func WithFlags(seen, flagged bool) RawMessageOption {
	return func(m *provider.RawMessage) {
		m.Seen = seen
		m.Flagged = flagged
	}
}

// NewRawMessage builds a plausible inbox message for engine tests.
func NewRawMessage(providerMessageID, from, subject string, sentAt time.Time, opts ...RawMessageOption) provider.RawMessage {
	msg := provider.RawMessage{
		ProviderMessageID: providerMessageID,
		Folder:            "inbox",
		From:              from,
		To:                []string{"account@example.com"},
		Subject:           subject,
		SentAt:            sentAt,
	}
	for _, opt := range opts {
		opt(&msg)
	}
	return msg
}
