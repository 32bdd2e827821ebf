package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
)

// IMAPScope is the only Google scope IMAP accepts for OAuth logins.
const IMAPScope = "https://mail.google.com/"

// imapSession is the subset of *client.Client the searcher drives.
type imapSession interface {
	Authenticate(auth sasl.Client) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
	Terminate() error
}

// dialTimeout bounds connect plus TLS handshake when the caller set no
// deadline.
const dialTimeout = 30 * time.Second

// IMAPSearcher logs in with SASL OAUTHBEARER using the mailbox's access token.
type IMAPSearcher struct {
	addr   string
	tokens TokenProvider
	dial   func(ctx context.Context, addr string) (imapSession, error)
}

// NewIMAPSearcher returns a searcher for the IMAPS server at addr.
func NewIMAPSearcher(addr string, tokens TokenProvider) *IMAPSearcher {
	return &IMAPSearcher{
		addr:   addr,
		tokens: tokens,
		dial:   dialTLS,
	}
}

// dialTLS connects and reads the server greeting, both bounded by ctx.
func dialTLS(ctx context.Context, addr string) (imapSession, error) {
	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: dialTimeout}}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// client.New blocks on the greeting without a context.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, err := client.New(conn)
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Search logs in, runs the query against INBOX read-only and fetches the
// matching messages without marking them seen. Every network step is bounded
// by ctx.
func (s *IMAPSearcher) Search(ctx context.Context, m *models.Mailbox, q Query) ([]Message, error) {
	tok, err := s.tokens.Token(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	c, err := s.dial(ctx, s.addr)
	if err != nil {
		return nil, fmt.Errorf("imap dial: %w", err)
	}

	// go-imap has no context support; tear the connection down on cancel.
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	msgs, err := s.search(c, m.EmailAddress, tok.AccessToken, q)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	_ = c.Logout()
	return msgs, err
}

func (s *IMAPSearcher) search(c imapSession, username, token string, q Query) ([]Message, error) {
	host, port := splitHostPort(s.addr)
	auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: username,
		Token:    token,
		Host:     host,
		Port:     port,
	})
	if err := c.Authenticate(auth); err != nil {
		return nil, fmt.Errorf("imap authenticate: %w", err)
	}

	if _, err := c.Select("INBOX", true); err != nil {
		return nil, fmt.Errorf("imap select: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if q.Sender != "" {
		criteria.Header.Add("From", q.Sender)
	}
	if q.Subject != "" {
		criteria.Header.Add("Subject", q.Subject)
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	// higher uid means delivered later
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if q.Max > 0 && int64(len(uids)) > q.Max {
		uids = uids[:q.Max]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var out []Message
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		parsed, err := parseMIME(body)
		if err != nil {
			continue
		}
		parsed.ID = fmt.Sprint(msg.Uid)
		if parsed.Received.IsZero() {
			parsed.Received = msg.InternalDate
		}
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Received.After(out[j].Received) })
	return out, nil
}

// parseMIME extracts the first HTML and plain text parts of a raw message.
func parseMIME(r io.Reader) (Message, error) {
	var out Message

	mr, err := mail.CreateReader(r)
	if err != nil {
		return out, err
	}
	if d, err := mr.Header.Date(); err == nil {
		out.Received = d
	}
	out.Subject, _ = mr.Header.Subject()

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return out, err
		}
		switch strings.ToLower(ct) {
		case "text/html":
			if out.HTML == "" {
				out.HTML = string(b)
			}
		case "text/plain":
			if out.Text == "" {
				out.Text = string(b)
			}
		}
	}
	return out, nil
}

func splitHostPort(addr string) (string, int) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port int
	_, _ = fmt.Sscan(p, &port)
	return host, port
}
