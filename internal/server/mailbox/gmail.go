package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailSearcher queries the Gmail REST API with the mailbox's OAuth client.
type GmailSearcher struct {
	clients  ClientProvider
	endpoint string
}

// GmailOption configures a GmailSearcher.
type GmailOption func(*GmailSearcher)

// WithGmailEndpoint points the searcher at another API root (tests).
func WithGmailEndpoint(endpoint string) GmailOption {
	return func(g *GmailSearcher) { g.endpoint = endpoint }
}

// NewGmailSearcher builds a searcher that gets each mailbox's HTTP client
// from clients.
func NewGmailSearcher(clients ClientProvider, opts ...GmailOption) *GmailSearcher {
	g := &GmailSearcher{clients: clients}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Search lists the messages matching q and fetches each in full, keeping
// Gmail's newest-first order.
func (g *GmailSearcher) Search(ctx context.Context, m *models.Mailbox, q Query) ([]Message, error) {
	hc, err := g.clients.Client(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}

	list, err := svc.Users.Messages.List("me").Q(q.Gmail()).MaxResults(q.Max).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail list: %w", err)
	}

	out := make([]Message, 0, len(list.Messages))
	for _, ref := range list.Messages {
		full, err := svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("gmail get %s: %w", ref.Id, err)
		}
		out = append(out, gmailMessage(full))
	}
	return out, nil
}

func gmailMessage(msg *gmail.Message) Message {
	out := Message{
		ID:       msg.Id,
		Received: time.UnixMilli(msg.InternalDate),
	}
	if msg.Payload == nil {
		return out
	}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, "Subject") {
			out.Subject = h.Value
		}
	}
	out.HTML = findPart(msg.Payload, "text/html")
	if out.HTML == "" {
		out.Text = findPart(msg.Payload, "text/plain")
	}
	return out
}

// findPart walks the MIME tree depth-first and returns the first decodable
// part of the given type.
func findPart(p *gmail.MessagePart, mimeType string) string {
	if p == nil {
		return ""
	}
	if strings.EqualFold(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" {
		if b, err := decodeBody(p.Body.Data); err == nil {
			return string(b)
		}
	}
	for _, child := range p.Parts {
		if s := findPart(child, mimeType); s != "" {
			return s
		}
	}
	return ""
}

// Gmail bodies are base64url, with or without padding.
func decodeBody(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
