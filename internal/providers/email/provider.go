package email

import (
	"context"
	"sync"
)

// Message is one outbound email. MessageID becomes the RFC 5322 Message-ID
// header and is what delivery webhooks refer back to.
type Message struct {
	To        string
	Subject   string
	HTMLBody  string
	MessageID string
	Headers   map[string]string
}

type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// NoOpProvider keeps messages in memory instead of sending them.
type NoOpProvider struct {
	mu   sync.Mutex
	sent []Message
}

func (p *NoOpProvider) Send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *NoOpProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}
