// Package tokens hands out OAuth2-authorized clients for linked mailboxes.
//
// Entries live in a bounded, TTL-limited LRU keyed by mailbox id. Each entry
// holds the mailbox token primed with the decrypted refresh token. Refreshes
// run under the caller's context, so a search deadline bounds them too; fresh
// access tokens are written back to storage encrypted. A mailbox whose grant
// was revoked upstream is evicted and flagged inactive so it is not retried.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// TokenStore is the persistence the cache needs. mailboxes.Repository
// satisfies it.
type TokenStore interface {
	GetByID(ctx context.Context, id string) (*models.Mailbox, error)
	SaveToken(ctx context.Context, id string, accessToken string, expiry time.Time) error
	Deactivate(ctx context.Context, id string) error
}

// Cipher encrypts token material at rest. *cryptox.Vault satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

const (
	storeTimeout = 5 * time.Second
	// refreshTimeout caps a refresh whose caller set no deadline.
	refreshTimeout = 15 * time.Second
)

type entry struct {
	source *persistingSource
	client *http.Client
}

// ClientCache is the bounded per-mailbox cache of authorized clients.
type ClientCache struct {
	// base outlives single requests: persistence after a refresh runs on it,
	// and an oauth2.HTTPClient stored in it is used for provider calls.
	base      context.Context
	oauth     *oauth2.Config
	store     TokenStore
	cipher    Cipher
	logger    logging.Logger
	transport http.RoundTripper

	lru   *expirable.LRU[string, *entry]
	group singleflight.Group
}

// NewClientCache builds a cache of at most size entries, each kept for ttl.
func NewClientCache(base context.Context, oauth *oauth2.Config, store TokenStore, cipher Cipher,
	size int, ttl time.Duration, logger logging.Logger) *ClientCache {
	if size <= 0 {
		size = 1
	}
	transport := http.DefaultTransport
	if hc, ok := base.Value(oauth2.HTTPClient).(*http.Client); ok && hc.Transport != nil {
		transport = hc.Transport
	}
	return &ClientCache{
		base:      base,
		oauth:     oauth,
		store:     store,
		cipher:    cipher,
		logger:    logger.With("module", "tokens"),
		transport: transport,
		lru:       expirable.NewLRU[string, *entry](size, nil, ttl),
	}
}

// Client returns an *http.Client that authorizes requests for the mailbox.
// A token refresh triggered by a request is bounded by that request's
// context. Fails with common.ErrAuthExpired when the mailbox is inactive or
// its refresh token was rejected.
func (c *ClientCache) Client(ctx context.Context, mailboxID string) (*http.Client, error) {
	e, err := c.get(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

// Token returns a valid access token for the mailbox, refreshing it under ctx
// if needed.
func (c *ClientCache) Token(ctx context.Context, mailboxID string) (*oauth2.Token, error) {
	e, err := c.get(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	return e.source.Token(ctx)
}

// Evict drops the cached entry, e.g. after the mailbox was unlinked.
func (c *ClientCache) Evict(mailboxID string) {
	c.lru.Remove(mailboxID)
}

// Len returns the number of cached entries.
func (c *ClientCache) Len() int {
	return c.lru.Len()
}

func (c *ClientCache) get(ctx context.Context, mailboxID string) (*entry, error) {
	if e, ok := c.lru.Get(mailboxID); ok {
		return e, nil
	}

	v, err, _ := c.group.Do(mailboxID, func() (any, error) {
		if e, ok := c.lru.Get(mailboxID); ok {
			return e, nil
		}
		e, err := c.load(ctx, mailboxID)
		if err != nil {
			return nil, err
		}
		c.lru.Add(mailboxID, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (c *ClientCache) load(ctx context.Context, mailboxID string) (*entry, error) {
	m, err := c.store.GetByID(ctx, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("load mailbox %s: %w", mailboxID, err)
	}
	if !m.IsActive {
		return nil, fmt.Errorf("mailbox %s is inactive: %w", mailboxID, common.ErrAuthExpired)
	}

	refresh, err := c.cipher.Decrypt(m.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	tok := &oauth2.Token{RefreshToken: refresh, Expiry: m.TokenExpiry}
	// without an expiry the cached access token would be trusted forever
	if m.AccessToken != "" && !m.TokenExpiry.IsZero() {
		if access, err := c.cipher.Decrypt(m.AccessToken); err == nil {
			tok.AccessToken = access
		}
	}

	src := &persistingSource{
		cache:     c,
		mailboxID: mailboxID,
		sem:       make(chan struct{}, 1),
		tok:       tok,
	}
	return &entry{
		source: src,
		client: &http.Client{Transport: &transport{source: src, base: c.transport}},
	}, nil
}

// refreshContext bounds ctx and carries the configured provider client.
func (c *ClientCache) refreshContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); !ok {
		if hc, ok := c.base.Value(oauth2.HTTPClient).(*http.Client); ok {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
		}
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, refreshTimeout)
}

// revoke runs once per entry when the provider answers invalid_grant.
func (c *ClientCache) revoke(mailboxID string) {
	c.Evict(mailboxID)

	ctx, cancel := context.WithTimeout(c.base, storeTimeout)
	defer cancel()
	if err := c.store.Deactivate(ctx, mailboxID); err != nil {
		c.logger.Error(ctx, "failed to deactivate revoked mailbox", "mailbox", mailboxID, "error", err)
		return
	}
	c.logger.Warn(ctx, "mailbox authorization revoked, mailbox deactivated", "mailbox", mailboxID)
}

func (c *ClientCache) persist(mailboxID string, tok *oauth2.Token) {
	ctx, cancel := context.WithTimeout(c.base, storeTimeout)
	defer cancel()

	enc, err := c.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		c.logger.Error(ctx, "failed to encrypt access token", "mailbox", mailboxID, "error", err)
		return
	}
	if err := c.store.SaveToken(ctx, mailboxID, enc, tok.Expiry); err != nil {
		c.logger.Warn(ctx, "failed to persist refreshed token", "mailbox", mailboxID, "error", err)
	}
}

// persistingSource owns the mailbox token: new access tokens are saved, and
// after an invalid_grant it fails fast without contacting the provider. sem
// serializes refreshes; waiting for it respects the waiter's context.
type persistingSource struct {
	cache     *ClientCache
	mailboxID string
	sem       chan struct{}

	tok     *oauth2.Token
	revoked bool
}

func (s *persistingSource) Token(ctx context.Context) (*oauth2.Token, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	if s.revoked {
		return nil, fmt.Errorf("mailbox %s: %w", s.mailboxID, common.ErrAuthExpired)
	}
	if s.tok.Valid() {
		return s.tok, nil
	}

	rctx, cancel := s.cache.refreshContext(ctx)
	defer cancel()
	tok, err := s.cache.oauth.TokenSource(rctx, s.tok).Token()
	if err != nil {
		if IsInvalidGrant(err) {
			s.revoked = true
			s.cache.revoke(s.mailboxID)
			return nil, fmt.Errorf("mailbox %s: %w: %v", s.mailboxID, common.ErrAuthExpired, err)
		}
		return nil, err
	}

	if tok.AccessToken != s.tok.AccessToken {
		s.cache.persist(s.mailboxID, tok)
	}
	s.tok = tok
	return tok, nil
}

// transport authorizes each request with the mailbox token, refreshing it
// under the request's context.
type transport struct {
	source *persistingSource
	base   http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.source.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	r := req.Clone(req.Context())
	tok.SetAuthHeader(r)
	return t.base.RoundTrip(r)
}

// IsInvalidGrant reports whether err is the provider rejecting the refresh
// token (expired, revoked, or issued to another client).
func IsInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return true
		}
		return strings.Contains(string(re.Body), "invalid_grant")
	}
	return false
}
