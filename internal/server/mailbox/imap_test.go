package mailbox

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const rawMail = "From: Battle.net <noreply@battle.net>\r\n" +
	"Subject: Battle.net Account Verification\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=BOUND\r\n" +
	"\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Your code is QWE987\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Your code is <em>QWE987</em></p>\r\n" +
	"--BOUND--\r\n"

type staticTokens struct {
	err error
}

func (s staticTokens) Token(context.Context, string) (*oauth2.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: "at"}, nil
}

type fakeSession struct {
	uids       []uint32
	mails      map[uint32]string
	readOnly   bool
	criteria   *imap.SearchCriteria
	fetchItems []imap.FetchItem
	fetched    []uint32
	authErr    error
	loggedOut  bool
}

func (f *fakeSession) Authenticate(sasl.Client) error { return f.authErr }

func (f *fakeSession) Select(_ string, readOnly bool) (*imap.MailboxStatus, error) {
	f.readOnly = readOnly
	return &imap.MailboxStatus{}, nil
}

func (f *fakeSession) UidSearch(c *imap.SearchCriteria) ([]uint32, error) {
	f.criteria = c
	return f.uids, nil
}

func (f *fakeSession) UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	f.fetchItems = items
	for _, uid := range f.uids {
		if !seqset.Contains(uid) {
			continue
		}
		f.fetched = append(f.fetched, uid)
		msg := imap.NewMessage(uid, items)
		msg.Uid = uid
		msg.InternalDate = time.Unix(int64(uid), 0)
		msg.Body = map[*imap.BodySectionName]imap.Literal{
			{}: bytes.NewBufferString(f.mails[uid]),
		}
		ch <- msg
	}
	return nil
}

func (f *fakeSession) Logout() error {
	f.loggedOut = true
	return nil
}

func (f *fakeSession) Terminate() error { return nil }

func TestIMAPSearcher_Search(t *testing.T) {
	sess := &fakeSession{
		uids:  []uint32{3, 7, 5},
		mails: map[uint32]string{3: rawMail, 5: rawMail, 7: strings.Replace(rawMail, "02 Jan 2006", "03 Jan 2006", 1)},
	}
	s := NewIMAPSearcher("imap.example.com:993", staticTokens{})
	s.dial = func(context.Context, string) (imapSession, error) { return sess, nil }

	msgs, err := s.Search(context.Background(), &models.Mailbox{ID: "mb", EmailAddress: "me@example.com"},
		Query{Sender: "noreply@battle.net", Subject: "Verification", Max: 2})
	require.NoError(t, err)

	assert.True(t, sess.readOnly)
	assert.Equal(t, []string{imap.SeenFlag}, sess.criteria.WithoutFlags)
	assert.Equal(t, "noreply@battle.net", sess.criteria.Header.Get("From"))
	assert.ElementsMatch(t, []uint32{7, 5}, sess.fetched)
	assert.True(t, sess.loggedOut)

	var peek bool
	for _, it := range sess.fetchItems {
		if strings.Contains(string(it), "PEEK") {
			peek = true
		}
	}
	assert.True(t, peek, "body must be fetched with BODY.PEEK")

	require.Len(t, msgs, 2)
	assert.Equal(t, "7", msgs[0].ID)
	assert.Contains(t, msgs[0].HTML, "<em>QWE987</em>")
	assert.Equal(t, "Battle.net Account Verification", msgs[0].Subject)
}

func TestIMAPSearcher_NoMatches(t *testing.T) {
	s := NewIMAPSearcher("imap.example.com:993", staticTokens{})
	s.dial = func(context.Context, string) (imapSession, error) { return &fakeSession{}, nil }

	msgs, err := s.Search(context.Background(), &models.Mailbox{ID: "mb"}, Query{Max: 5})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIMAPSearcher_AuthFailure(t *testing.T) {
	s := NewIMAPSearcher("imap.example.com:993", staticTokens{})
	s.dial = func(context.Context, string) (imapSession, error) { return &fakeSession{authErr: errors.New("NO auth")}, nil }

	_, err := s.Search(context.Background(), &models.Mailbox{ID: "mb"}, Query{})
	assert.ErrorContains(t, err, "imap authenticate")
}

func TestIMAPSearcher_TokenError(t *testing.T) {
	boom := errors.New("no token")
	s := NewIMAPSearcher("imap.example.com:993", staticTokens{err: boom})

	_, err := s.Search(context.Background(), &models.Mailbox{ID: "mb"}, Query{})
	assert.ErrorIs(t, err, boom)
}

// stuckSession blocks in Authenticate until Terminate is called.
type stuckSession struct {
	fakeSession
	released chan struct{}
}

func (s *stuckSession) Authenticate(sasl.Client) error {
	<-s.released
	return errors.New("connection closed")
}

func (s *stuckSession) Terminate() error {
	close(s.released)
	return nil
}

func TestIMAPSearcher_SilentServerHonorsDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	// accept and never speak: the TLS handshake never completes
	conns := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			conns <- c
		}
	}()
	t.Cleanup(func() {
		select {
		case c := <-conns:
			c.Close()
		default:
		}
	})

	s := NewIMAPSearcher(ln.Addr().String(), staticTokens{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = s.Search(ctx, &models.Mailbox{ID: "mb"}, Query{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIMAPSearcher_CancelTerminatesSession(t *testing.T) {
	sess := &stuckSession{released: make(chan struct{})}
	s := NewIMAPSearcher("imap.example.com:993", staticTokens{})
	s.dial = func(context.Context, string) (imapSession, error) { return sess, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Search(ctx, &models.Mailbox{ID: "mb"}, Query{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseMIME(t *testing.T) {
	m, err := parseMIME(strings.NewReader(rawMail))
	require.NoError(t, err)

	assert.Equal(t, "<p>Your code is <em>QWE987</em></p>", strings.TrimSpace(m.HTML))
	assert.Equal(t, "Your code is QWE987", strings.TrimSpace(m.Text))
	assert.Equal(t, 2006, m.Received.Year())
}

func TestSplitHostPort(t *testing.T) {
	h, p := splitHostPort("imap.gmail.com:993")
	assert.Equal(t, "imap.gmail.com", h)
	assert.Equal(t, 993, p)

	h, p = splitHostPort("bare")
	assert.Equal(t, "bare", h)
	assert.Zero(t, p)
}
