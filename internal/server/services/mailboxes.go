package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/dbx"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/repomanager"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

const (
	// DefaultRedirectPath is where the browser lands after linking when the
	// client did not ask for a specific page.
	DefaultRedirectPath = "/dashboard"

	stateMaxAge = 10 * time.Minute
)

// StateCodec seals the OAuth state parameter. *cryptox.StateSealer
// satisfies it.
type StateCodec interface {
	Seal(data []byte) string
	Open(state string) ([]byte, error)
}

// ProfileFetcher resolves the identity behind a freshly issued token.
type ProfileFetcher interface {
	Profile(ctx context.Context, tok *oauth2.Token) (email, name string, err error)
}

// ClientEvicter drops cached mailbox clients. *tokens.ClientCache satisfies it.
type ClientEvicter interface {
	Evict(mailboxID string)
}

// GoogleProfileFetcher reads the userinfo endpoint of the Google OAuth2 API.
type GoogleProfileFetcher struct {
	oauth *oauth2.Config
	opts  []option.ClientOption
}

// NewGoogleProfileFetcher reads the userinfo endpoint with tokens from cfg.
func NewGoogleProfileFetcher(cfg *oauth2.Config, opts ...option.ClientOption) *GoogleProfileFetcher {
	return &GoogleProfileFetcher{oauth: cfg, opts: opts}
}

// Profile returns the email and display name of the token's owner.
func (g *GoogleProfileFetcher) Profile(ctx context.Context, tok *oauth2.Token) (string, string, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(g.oauth.TokenSource(ctx, tok))}, g.opts...)
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return "", "", fmt.Errorf("userinfo client: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", "", fmt.Errorf("userinfo: %w", err)
	}
	if info.Email == "" {
		return "", "", fmt.Errorf("userinfo: empty email")
	}
	return info.Email, info.Name, nil
}

type linkState struct {
	UserID   string `json:"u"`
	Redirect string `json:"r"`
	Issued   int64  `json:"t"`
	Nonce    string `json:"n"`
}

// MailboxService links, lists and unlinks the inboxes a user authorized for
// OTP retrieval.
type MailboxService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	oauth       *oauth2.Config
	state       StateCodec
	cipher      Cipher
	profiles    ProfileFetcher
	clients     ClientEvicter
	logger      logging.Logger
	now         func() time.Time
}

// NewMailboxService wires the link flow. clients is evicted whenever a
// mailbox is unlinked or relinked.
func NewMailboxService(db *sql.DB, m repomanager.RepositoryManager, oauth *oauth2.Config, state StateCodec,
	cipher Cipher, profiles ProfileFetcher, clients ClientEvicter, logger logging.Logger) *MailboxService {
	return &MailboxService{
		db:          db,
		repomanager: m,
		oauth:       oauth,
		state:       state,
		cipher:      cipher,
		profiles:    profiles,
		clients:     clients,
		logger:      logger.With("module", "mailboxes"),
		now:         time.Now,
	}
}

// AuthURL builds the consent URL. Offline access and a forced consent prompt
// make the provider issue a refresh token on every link.
func (s *MailboxService) AuthURL(userID, redirectPath string) (string, error) {
	if redirectPath == "" {
		redirectPath = DefaultRedirectPath
	}
	if !isLocalPath(redirectPath) {
		return "", fmt.Errorf("%w: redirect must be a path on this site", common.ErrValidation)
	}

	nonce, err := common.MakeRandHexString(16)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(linkState{
		UserID:   userID,
		Redirect: redirectPath,
		Issued:   s.now().UnixMilli(),
		Nonce:    nonce,
	})
	if err != nil {
		return "", err
	}

	return s.oauth.AuthCodeURL(s.state.Seal(data),
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// Callback completes the link. The returned redirect path is set whenever the
// state was valid, also on error, so the browser can be sent back to the page
// that started the flow. providerErr is the provider's "error" parameter.
func (s *MailboxService) Callback(ctx context.Context, code, state, providerErr string) (string, *models.MailboxView, error) {
	st, err := s.openState(state)
	if err != nil {
		return "", nil, err
	}
	if providerErr != "" {
		return st.Redirect, nil, fmt.Errorf("%w: provider returned %s", common.ErrorUnauthorized, providerErr)
	}

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return st.Redirect, nil, fmt.Errorf("exchange code: %w", err)
	}
	if tok.RefreshToken == "" {
		return st.Redirect, nil, common.ErrNoRefreshToken
	}

	email, name, err := s.profiles.Profile(ctx, tok)
	if err != nil {
		return st.Redirect, nil, err
	}

	m := &models.Mailbox{
		UserID:       st.UserID,
		EmailAddress: strings.ToLower(email),
		DisplayName:  name,
		TokenExpiry:  tok.Expiry,
		Scopes:       grantedScopes(tok, s.oauth.Scopes),
	}
	if m.RefreshToken, err = s.cipher.Encrypt(tok.RefreshToken); err != nil {
		return st.Redirect, nil, fmt.Errorf("encrypt: %w", err)
	}
	if tok.AccessToken != "" {
		if m.AccessToken, err = s.cipher.Encrypt(tok.AccessToken); err != nil {
			return st.Redirect, nil, fmt.Errorf("encrypt: %w", err)
		}
	}

	var saved *models.Mailbox
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Mailboxes(tx)

		hasPrimary, err := repo.HasPrimary(ctx, st.UserID)
		if err != nil {
			return err
		}
		saved, err = repo.Upsert(ctx, m)
		if err != nil {
			return err
		}
		if !hasPrimary {
			if err := repo.SetPrimary(ctx, saved.ID, st.UserID); err != nil {
				return err
			}
			saved.IsPrimary = true
		}
		return nil
	})
	if err != nil {
		return st.Redirect, nil, err
	}

	// A relink replaces the tokens behind any cached client.
	s.clients.Evict(saved.ID)
	s.logger.Info(ctx, "mailbox linked", "user", st.UserID, "mailbox", saved.ID, "primary", saved.IsPrimary)

	v := saved.View()
	return st.Redirect, &v, nil
}

func (s *MailboxService) openState(state string) (*linkState, error) {
	data, err := s.state.Open(state)
	if err != nil {
		return nil, common.ErrInvalidState
	}
	var st linkState
	if err := json.Unmarshal(data, &st); err != nil || st.UserID == "" {
		return nil, common.ErrInvalidState
	}
	age := s.now().Sub(time.UnixMilli(st.Issued))
	if age > stateMaxAge || age < -time.Minute {
		return nil, fmt.Errorf("%w: expired", common.ErrInvalidState)
	}
	if !isLocalPath(st.Redirect) {
		st.Redirect = DefaultRedirectPath
	}
	return &st, nil
}

// List returns the user's mailboxes without token material.
func (s *MailboxService) List(ctx context.Context, userID string) ([]models.MailboxView, error) {
	list, err := s.repomanager.Mailboxes(s.db).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.MailboxView, 0, len(list))
	for _, m := range list {
		out = append(out, m.View())
	}
	return out, nil
}

// Unlink removes a mailbox. When it was the primary one, the next active
// mailbox of the user is promoted.
func (s *MailboxService) Unlink(ctx context.Context, userID, mailboxID string) error {
	m, err := s.owned(ctx, userID, mailboxID)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Mailboxes(tx)
		if err := repo.Delete(ctx, mailboxID, userID); err != nil {
			return err
		}
		if !m.IsPrimary {
			return nil
		}
		rest, err := repo.ListByUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, next := range rest {
			if next.IsActive {
				return repo.SetPrimary(ctx, next.ID, userID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.clients.Evict(mailboxID)
	return nil
}

// SetPrimary makes mailboxID the user's OTP source. Inactive mailboxes have
// to be relinked first.
func (s *MailboxService) SetPrimary(ctx context.Context, userID, mailboxID string) error {
	m, err := s.owned(ctx, userID, mailboxID)
	if err != nil {
		return err
	}
	if !m.IsActive {
		return fmt.Errorf("%w: mailbox authorization expired, link it again", common.ErrValidation)
	}
	if m.IsPrimary {
		return nil
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Mailboxes(tx)
		if err := repo.ClearPrimary(ctx, userID); err != nil {
			return err
		}
		return repo.SetPrimary(ctx, mailboxID, userID)
	})
}

func (s *MailboxService) owned(ctx context.Context, userID, mailboxID string) (*models.Mailbox, error) {
	if _, err := uuid.Parse(mailboxID); err != nil {
		return nil, common.ErrorNotFound
	}
	m, err := s.repomanager.Mailboxes(s.db).GetByID(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, common.ErrForbidden
	}
	return m, nil
}

func grantedScopes(tok *oauth2.Token, requested []string) []string {
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		return strings.Fields(s)
	}
	return requested
}

// isLocalPath accepts absolute paths on the client site only.
func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, `\`)
}
