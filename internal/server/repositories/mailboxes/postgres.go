// Package mailboxes persists the OAuth-linked inboxes used for OTP retrieval.
package mailboxes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/dbx"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
)

const columns = `id, user_id, email_address, display_name, is_primary, is_active,
		refresh_token, access_token, token_expiry, scopes, last_otp_fetch, otp_fetch_count,
		created_at, updated_at`

// PostgresRepository implements Repository over dbx.DBTX.
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

func scanMailbox(row rowScanner) (*models.Mailbox, error) {
	var (
		m         models.Mailbox
		expiry    sql.NullTime
		lastFetch sql.NullTime
		scopes    string
	)
	err := row.Scan(&m.ID, &m.UserID, &m.EmailAddress, &m.DisplayName, &m.IsPrimary, &m.IsActive,
		&m.RefreshToken, &m.AccessToken, &expiry, &scopes, &lastFetch, &m.OTPFetchCount,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.TokenExpiry = expiry.Time
	m.LastOTPFetch = lastFetch.Time
	m.Scopes = strings.Fields(scopes)
	return &m, nil
}

// Upsert links a mailbox, or refreshes the stored tokens when the same user
// links the same address again. Relinking reactivates the mailbox.
func (r *PostgresRepository) Upsert(ctx context.Context, m *models.Mailbox) (*models.Mailbox, error) {
	query := `
		INSERT INTO linked_mailboxes
			(user_id, email_address, display_name, refresh_token, access_token, token_expiry, scopes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, email_address) DO UPDATE
		   SET display_name = EXCLUDED.display_name,
		       refresh_token = EXCLUDED.refresh_token,
		       access_token = EXCLUDED.access_token,
		       token_expiry = EXCLUDED.token_expiry,
		       scopes = EXCLUDED.scopes,
		       is_active = true,
		       updated_at = now()
		RETURNING id, is_primary, is_active, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		m.UserID, m.EmailAddress, m.DisplayName, m.RefreshToken, m.AccessToken,
		nullTime(m.TokenExpiry), strings.Join(m.Scopes, " "),
	).Scan(&m.ID, &m.IsPrimary, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

// GetByID returns common.ErrorNotFound when no row matches.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Mailbox, error) {
	query := `SELECT ` + columns + ` FROM linked_mailboxes WHERE id = $1`
	return r.get(ctx, query, id)
}

// GetPrimary returns the active primary mailbox of a user.
func (r *PostgresRepository) GetPrimary(ctx context.Context, userID string) (*models.Mailbox, error) {
	query := `SELECT ` + columns + ` FROM linked_mailboxes WHERE user_id = $1 AND is_primary AND is_active`
	return r.get(ctx, query, userID)
}

func (r *PostgresRepository) get(ctx context.Context, query string, args ...any) (*models.Mailbox, error) {
	m, err := scanMailbox(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*models.Mailbox, error) {
	query := `SELECT ` + columns + ` FROM linked_mailboxes WHERE user_id = $1 ORDER BY is_primary DESC, created_at`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return result, nil
}

// Delete only removes a mailbox owned by userID.
func (r *PostgresRepository) Delete(ctx context.Context, id, userID string) error {
	return r.exec(ctx, `DELETE FROM linked_mailboxes WHERE id = $1 AND user_id = $2`, id, userID)
}

func (r *PostgresRepository) HasPrimary(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM linked_mailboxes WHERE user_id = $1 AND is_primary)`

	var ok bool
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}

// ClearPrimary drops the primary flag from every mailbox of the user.
// It is not an error when the user has none.
func (r *PostgresRepository) ClearPrimary(ctx context.Context, userID string) error {
	query := `UPDATE linked_mailboxes SET is_primary = false, updated_at = now() WHERE user_id = $1 AND is_primary`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// SetPrimary flags id as primary when it belongs to userID.
func (r *PostgresRepository) SetPrimary(ctx context.Context, id, userID string) error {
	query := `UPDATE linked_mailboxes SET is_primary = true, updated_at = now() WHERE id = $1 AND user_id = $2`
	return r.exec(ctx, query, id, userID)
}

// Deactivate marks a mailbox whose grant was revoked upstream.
func (r *PostgresRepository) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE linked_mailboxes SET is_active = false, access_token = '', updated_at = now() WHERE id = $1`
	return r.exec(ctx, query, id)
}

// SaveToken persists a refreshed access token.
func (r *PostgresRepository) SaveToken(ctx context.Context, id string, accessToken string, expiry time.Time) error {
	query := `UPDATE linked_mailboxes SET access_token = $2, token_expiry = $3, updated_at = now() WHERE id = $1`
	return r.exec(ctx, query, id, accessToken, nullTime(expiry))
}

func (r *PostgresRepository) RecordFetch(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE linked_mailboxes SET last_otp_fetch = $2, otp_fetch_count = otp_fetch_count + 1 WHERE id = $1`
	return r.exec(ctx, query, id, at)
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

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
