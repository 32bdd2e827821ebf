// Package accounts provides the PostgreSQL-backed repository for protected
// accounts (the shared credential records).
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/dbx"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
)

const columns = `id, owner_id, tag, login_email, login_password, password_scheme,
		last_otp, otp_expiry, linked_mailbox_id, created_at, updated_at`

// PostgresRepository implements Repository over dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a         models.Account
		scheme    string
		otpExpiry sql.NullTime
		mailboxID sql.NullString
	)
	err := row.Scan(&a.ID, &a.OwnerID, &a.Tag, &a.LoginEmail, &a.LoginPassword.Ciphertext, &scheme,
		&a.LastOTP, &otpExpiry, &mailboxID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.LoginPassword.Scheme = models.PasswordScheme(scheme)
	if a.LoginPassword.Scheme == models.PasswordSchemeLegacy {
		a.LoginPassword.Ciphertext = ""
	}
	a.OTPExpiry = otpExpiry.Time
	a.LinkedMailboxID = mailboxID.String
	return &a, nil
}

// Create inserts a new account and fills in the generated id and timestamps.
func (r *PostgresRepository) Create(ctx context.Context, a *models.Account) (*models.Account, error) {
	query := `
		INSERT INTO accounts (owner_id, tag, login_email, login_password, password_scheme, linked_mailbox_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		a.OwnerID, a.Tag, a.LoginEmail, a.LoginPassword.Ciphertext, string(a.LoginPassword.Scheme), nullable(a.LinkedMailboxID),
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

// GetByID returns common.ErrorNotFound when no row matches.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + columns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

// ListAll returns every account; the OTP poller walks this list each cycle.
func (r *PostgresRepository) ListAll(ctx context.Context) ([]*models.Account, error) {
	query := `SELECT ` + columns + ` FROM accounts ORDER BY created_at`
	return r.list(ctx, query)
}

// ListAccessible returns accounts owned by userID followed by accounts
// shared with userID through a grant row.
func (r *PostgresRepository) ListAccessible(ctx context.Context, userID string) ([]*models.Account, error) {
	query := `
		SELECT ` + columns + ` FROM accounts WHERE owner_id = $1
		UNION ALL
		SELECT ` + columns + ` FROM accounts
		 WHERE id IN (SELECT account_id FROM account_grants WHERE user_id = $1)
		   AND owner_id <> $1
	`
	return r.list(ctx, query, userID)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return result, nil
}

// Update overwrites the owner-editable fields.
func (r *PostgresRepository) Update(ctx context.Context, a *models.Account) error {
	query := `
		UPDATE accounts
		   SET tag = $2, login_email = $3, login_password = $4, password_scheme = $5,
		       linked_mailbox_id = $6, updated_at = now()
		 WHERE id = $1
	`
	return r.exec(ctx, query, a.ID, a.Tag, a.LoginEmail, a.LoginPassword.Ciphertext,
		string(a.LoginPassword.Scheme), nullable(a.LinkedMailboxID))
}

// Delete removes the account; grant rows cascade.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	return r.exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
}

// UpdateOTP stores the latest extracted passcode. Last write wins.
func (r *PostgresRepository) UpdateOTP(ctx context.Context, id string, otp string, expiry time.Time) error {
	query := `UPDATE accounts SET last_otp = $2, otp_expiry = $3 WHERE id = $1`
	return r.exec(ctx, query, id, otp, expiry)
}

// UpdateTag rewrites the stored tag (used when encrypting legacy plaintext tags).
func (r *PostgresRepository) UpdateTag(ctx context.Context, id string, tag string) error {
	return r.exec(ctx, `UPDATE accounts SET tag = $2, updated_at = now() WHERE id = $1`, id, tag)
}

// MarkPasswordLegacy flags a password that cannot be decrypted by the vault.
func (r *PostgresRepository) MarkPasswordLegacy(ctx context.Context, id string) error {
	query := `UPDATE accounts SET password_scheme = 'legacy', updated_at = now() WHERE id = $1`
	return r.exec(ctx, query, id)
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
