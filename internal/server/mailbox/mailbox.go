// Package mailbox searches linked inboxes for verification mails. Searches
// never change message state: the Gmail provider only holds a read-only
// scope, and the IMAP provider selects read-only and fetches with BODY.PEEK.
package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"golang.org/x/oauth2"
)

// Message is the part of a mail the OTP extractors look at.
type Message struct {
	ID       string
	Received time.Time
	Subject  string
	HTML     string
	Text     string
}

// Body returns the HTML part when present, else the plain text part.
func (m Message) Body() string {
	if m.HTML != "" {
		return m.HTML
	}
	return m.Text
}

// Query selects unread messages from Sender whose subject contains Subject,
// newest first, at most Max of them.
type Query struct {
	Sender  string
	Subject string
	Max     int64
}

// Gmail renders q in Gmail search syntax.
func (q Query) Gmail() string {
	return fmt.Sprintf("from:%s subject:%q is:unread", q.Sender, q.Subject)
}

// Searcher runs a Query against one linked mailbox.
type Searcher interface {
	Search(ctx context.Context, m *models.Mailbox, q Query) ([]Message, error)
}

// ClientProvider hands out authorized HTTP clients. *tokens.ClientCache
// satisfies it.
type ClientProvider interface {
	Client(ctx context.Context, mailboxID string) (*http.Client, error)
}

// TokenProvider hands out access tokens. *tokens.ClientCache satisfies it.
type TokenProvider interface {
	Token(ctx context.Context, mailboxID string) (*oauth2.Token, error)
}
