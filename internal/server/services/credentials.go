// Package services contains server-side business logic. This file implements
// CredentialService: tier-dependent credential reads, grant replacement and
// owner-side account management.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/cryptox"
	"github.com/dmitrijs2005/otpkeeper/internal/dbx"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/access"
	"github.com/dmitrijs2005/otpkeeper/internal/server/audit"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// LegacyPasswordPlaceholder is returned instead of a password stored under
// the retired one-way scheme.
const LegacyPasswordPlaceholder = "[legacy password: cannot be decrypted, must be rotated]"

// Cipher is the vault surface used by services. *cryptox.Vault satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	DecryptOrPlain(s string) (string, bool)
}

// TierResolver classifies a caller. *access.Resolver satisfies it.
type TierResolver interface {
	Resolve(ctx context.Context, account *models.Account, callerID string) (access.Tier, error)
}

// ShareInvalidator drops cached grant lookups. *sharecache.Cache satisfies it.
type ShareInvalidator interface {
	Invalidate(ctx context.Context, userIDs ...string) error
}

// Credentials is the credential read response. Field names do not depend on
// the tier; values do.
type Credentials struct {
	AccountTag      string      `json:"accountTag"`
	AccountEmail    string      `json:"accountEmail"`
	AccountPassword string      `json:"accountPassword"`
	OTP             string      `json:"otp"`
	HasAccess       bool        `json:"hasAccess"`
	AccessType      access.Tier `json:"accessType"`
}

// AccountInput carries owner-supplied account fields. On update, empty
// fields are left unchanged.
type AccountInput struct {
	Tag       string `json:"accountTag"`
	Email     string `json:"accountEmail"`
	Password  string `json:"accountPassword"`
	MailboxID string `json:"linkedMailboxId"`
}

// CredentialService implements the account operations and the tiered
// credential read.
type CredentialService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	cipher      Cipher
	resolver    TierResolver
	shares      ShareInvalidator
	audit       audit.Recorder
	logger      logging.Logger
	now         func() time.Time
}

// NewCredentialService wires the service. resolver decides tiers and shares
// is invalidated after every grant change.
func NewCredentialService(db *sql.DB, m repomanager.RepositoryManager, cipher Cipher, resolver TierResolver,
	shares ShareInvalidator, recorder audit.Recorder, logger logging.Logger) *CredentialService {
	return &CredentialService{
		db:          db,
		repomanager: m,
		cipher:      cipher,
		resolver:    resolver,
		shares:      shares,
		audit:       recorder,
		logger:      logger.With("module", "credentials"),
		now:         time.Now,
	}
}

// GetCredentials returns the account's credentials as seen by callerID.
// Callers without access get HasAccess=false and fresh placeholders, never an
// error. Every call leaves an audit record.
func (s *CredentialService) GetCredentials(ctx context.Context, accountID, callerID string) (*Credentials, error) {
	rec := audit.Record{
		Time:      s.now().UTC(),
		Action:    audit.ActionReadCredentials,
		CallerID:  callerID,
		AccountID: accountID,
	}

	acc, err := s.getAccount(ctx, accountID)
	if err != nil {
		rec.Outcome = outcomeFor(err)
		rec.Detail = err.Error()
		s.audit.Record(ctx, rec)
		return nil, err
	}

	tier, err := s.resolver.Resolve(ctx, acc, callerID)
	if err != nil {
		// The grant lookup failed: deny rather than guess.
		s.logger.Error(ctx, "grant lookup failed", "account", accountID, "caller", callerID, "error", err)
		rec.Detail = err.Error()
		tier = access.TierNone
	}
	rec.Tier = string(tier)

	tag, _ := s.cipher.DecryptOrPlain(acc.Tag)
	out := &Credentials{
		AccountTag: tag,
		HasAccess:  tier.CanRead(),
		AccessType: tier,
	}

	if !tier.CanRead() {
		out.AccountEmail = cryptox.Obfuscate(cryptox.FieldEmail)
		out.AccountPassword = cryptox.Obfuscate(cryptox.FieldPassword)
		out.OTP = cryptox.Obfuscate(cryptox.FieldOTP)
		rec.Outcome = audit.OutcomeForbidden
		s.audit.Record(ctx, rec)
		return out, nil
	}

	out.AccountEmail, _ = s.cipher.DecryptOrPlain(acc.LoginEmail)
	out.AccountPassword = s.password(acc.LoginPassword)
	out.OTP = s.liveOTP(acc)

	rec.Outcome = audit.OutcomeOK
	s.audit.Record(ctx, rec)
	return out, nil
}

func (s *CredentialService) password(p models.StoredPassword) string {
	switch p.Scheme {
	case models.PasswordSchemeLegacy:
		return LegacyPasswordPlaceholder
	default:
		v, _ := s.cipher.DecryptOrPlain(p.Ciphertext)
		return v
	}
}

// liveOTP returns the stored passcode unless it has expired.
func (s *CredentialService) liveOTP(acc *models.Account) string {
	if acc.LastOTP == "" {
		return ""
	}
	if !acc.OTPExpiry.IsZero() && !s.now().Before(acc.OTPExpiry) {
		return ""
	}
	v, _ := s.cipher.DecryptOrPlain(acc.LastOTP)
	return v
}

// SetAllowedUsers replaces the account's whole grant set. Only the owner may
// call it. Cached grant lookups for every user whose access may have changed
// are dropped before it returns; a failed invalidation is logged only.
func (s *CredentialService) SetAllowedUsers(ctx context.Context, accountID, requesterID string, userIDs []string) error {
	if _, err := uuid.Parse(accountID); err != nil {
		return fmt.Errorf("%w: invalid account id", common.ErrValidation)
	}
	next, err := normalizeUserIDs(userIDs)
	if err != nil {
		return err
	}

	acc, err := s.ownedAccount(ctx, accountID, requesterID)
	if err != nil {
		s.recordMutation(ctx, audit.ActionSetAllowedUsers, accountID, requesterID, err)
		return err
	}

	// The owner never needs a grant row.
	next = remove(next, acc.OwnerID)

	var prev []string
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Grants(tx)

		var err error
		prev, err = repo.ListUsers(ctx, accountID)
		if err != nil {
			return fmt.Errorf("error listing grants: %w", err)
		}
		if err := repo.Replace(ctx, accountID, next); err != nil {
			return fmt.Errorf("error replacing grants: %w", err)
		}
		return nil
	})
	if err != nil {
		s.recordMutation(ctx, audit.ActionSetAllowedUsers, accountID, requesterID, err)
		return err
	}

	s.invalidate(ctx, accountID, union(prev, next, []string{acc.OwnerID}))
	s.recordMutation(ctx, audit.ActionSetAllowedUsers, accountID, requesterID, nil)
	return nil
}

// ListAccessible returns the accounts userID owns or was granted, with the
// tag decrypted.
func (s *CredentialService) ListAccessible(ctx context.Context, userID string) ([]models.AccountSummary, error) {
	list, err := s.repomanager.Accounts(s.db).ListAccessible(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]models.AccountSummary, 0, len(list))
	for _, a := range list {
		tag, _ := s.cipher.DecryptOrPlain(a.Tag)
		out = append(out, models.AccountSummary{
			ID:      a.ID,
			Tag:     tag,
			OwnerID: a.OwnerID,
			IsOwner: a.OwnerID == userID,
		})
	}
	return out, nil
}

// CreateAccount stores a new account owned by ownerID. All fields are
// required.
func (s *CredentialService) CreateAccount(ctx context.Context, ownerID string, in AccountInput) (*models.AccountSummary, error) {
	if in.Tag == "" || in.Email == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: accountTag, accountEmail and accountPassword are required", common.ErrValidation)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	acc := &models.Account{OwnerID: ownerID, LinkedMailboxID: in.MailboxID}
	if err := s.apply(acc, in); err != nil {
		return nil, err
	}

	created, err := s.repomanager.Accounts(s.db).Create(ctx, acc)
	if err != nil {
		return nil, err
	}
	return &models.AccountSummary{ID: created.ID, Tag: in.Tag, OwnerID: ownerID, IsOwner: true}, nil
}

// UpdateAccount changes the non-empty fields of in. Only the owner may call
// it. A new password is always stored under the current scheme.
func (s *CredentialService) UpdateAccount(ctx context.Context, accountID, requesterID string, in AccountInput) (*models.AccountSummary, error) {
	if in == (AccountInput{}) {
		return nil, fmt.Errorf("%w: no fields to update", common.ErrValidation)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	acc, err := s.ownedAccount(ctx, accountID, requesterID)
	if err != nil {
		return nil, err
	}
	if in.MailboxID != "" {
		acc.LinkedMailboxID = in.MailboxID
	}
	if err := s.apply(acc, in); err != nil {
		return nil, err
	}
	if err := s.repomanager.Accounts(s.db).Update(ctx, acc); err != nil {
		return nil, err
	}

	tag, _ := s.cipher.DecryptOrPlain(acc.Tag)
	return &models.AccountSummary{ID: acc.ID, Tag: tag, OwnerID: acc.OwnerID, IsOwner: true}, nil
}

// DeleteAccount removes the account and its grants. Only the owner may call
// it; former grantees lose their cached access.
func (s *CredentialService) DeleteAccount(ctx context.Context, accountID, requesterID string) error {
	acc, err := s.ownedAccount(ctx, accountID, requesterID)
	if err != nil {
		s.recordMutation(ctx, audit.ActionDeleteAccount, accountID, requesterID, err)
		return err
	}

	var grantees []string
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		grantees, err = s.repomanager.Grants(tx).ListUsers(ctx, accountID)
		if err != nil {
			return fmt.Errorf("error listing grants: %w", err)
		}
		return s.repomanager.Accounts(tx).Delete(ctx, accountID)
	})
	if err != nil {
		s.recordMutation(ctx, audit.ActionDeleteAccount, accountID, requesterID, err)
		return err
	}

	s.invalidate(ctx, accountID, union(grantees, []string{acc.OwnerID}))
	s.recordMutation(ctx, audit.ActionDeleteAccount, accountID, requesterID, nil)
	return nil
}

// getAccount treats ids that are not UUIDs as unknown accounts.
func (s *CredentialService) getAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, common.ErrorNotFound
	}
	return s.repomanager.Accounts(s.db).GetByID(ctx, accountID)
}

func (s *CredentialService) ownedAccount(ctx context.Context, accountID, requesterID string) (*models.Account, error) {
	acc, err := s.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || acc.OwnerID != requesterID {
		return nil, common.ErrForbidden
	}
	return acc, nil
}

// apply encrypts the non-empty fields of in into acc.
func (s *CredentialService) apply(acc *models.Account, in AccountInput) error {
	fields := []struct {
		plain string
		dst   *string
	}{
		{in.Tag, &acc.Tag},
		{in.Email, &acc.LoginEmail},
		{in.Password, &acc.LoginPassword.Ciphertext},
	}
	for _, f := range fields {
		if f.plain == "" {
			continue
		}
		enc, err := s.cipher.Encrypt(f.plain)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		*f.dst = enc
	}
	if in.Password != "" || acc.LoginPassword.Scheme == "" {
		acc.LoginPassword.Scheme = models.PasswordSchemeAES
	}
	return nil
}

func (s *CredentialService) invalidate(ctx context.Context, accountID string, userIDs []string) {
	if err := s.shares.Invalidate(ctx, userIDs...); err != nil {
		s.logger.Warn(ctx, "share cache invalidation failed", "account", accountID, "users", len(userIDs), "error", err)
	}
}

func (s *CredentialService) recordMutation(ctx context.Context, action, accountID, callerID string, err error) {
	rec := audit.Record{
		Time:      s.now().UTC(),
		Action:    action,
		CallerID:  callerID,
		AccountID: accountID,
		Outcome:   audit.OutcomeOK,
	}
	if err != nil {
		rec.Outcome = outcomeFor(err)
		rec.Detail = err.Error()
	}
	s.audit.Record(ctx, rec)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, common.ErrorNotFound):
		return audit.OutcomeNotFound
	case errors.Is(err, common.ErrForbidden):
		return audit.OutcomeForbidden
	default:
		return audit.OutcomeError
	}
}

func (in AccountInput) validate() error {
	if in.Tag != "" && len(in.Tag) < 3 {
		return fmt.Errorf("%w: accountTag must be at least 3 characters", common.ErrValidation)
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return fmt.Errorf("%w: accountEmail is not a valid address", common.ErrValidation)
		}
	}
	if in.Password != "" && len(in.Password) < 6 {
		return fmt.Errorf("%w: accountPassword must be at least 6 characters", common.ErrValidation)
	}
	if in.MailboxID != "" {
		if _, err := uuid.Parse(in.MailboxID); err != nil {
			return fmt.Errorf("%w: invalid linkedMailboxId", common.ErrValidation)
		}
	}
	return nil
}

// normalizeUserIDs parses every id as a UUID and returns the canonical,
// de-duplicated set in input order.
func normalizeUserIDs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid user id %q", common.ErrValidation, id)
		}
		s := u.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

func remove(ids []string, drop string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func union(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, id := range set {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
