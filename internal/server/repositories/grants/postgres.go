package grants

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/otpkeeper/internal/dbx"
)

// PostgresRepository implements Repository over dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListUsers returns the grantees of accountID.
func (r *PostgresRepository) ListUsers(ctx context.Context, accountID string) ([]string, error) {
	query := `SELECT user_id FROM account_grants WHERE account_id = $1 ORDER BY user_id`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	result := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return result, nil
}

// Exists reports whether userID holds a grant on accountID.
func (r *PostgresRepository) Exists(ctx context.Context, accountID, userID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM account_grants WHERE account_id = $1 AND user_id = $2)`

	var ok bool
	if err := r.db.QueryRowContext(ctx, query, accountID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}

// Replace swaps the whole grant list. Callers run it inside dbx.WithTx so a
// reader never observes a half-written list.
func (r *PostgresRepository) Replace(ctx context.Context, accountID string, userIDs []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM account_grants WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	query := `INSERT INTO account_grants (account_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	for _, userID := range userIDs {
		if _, err := r.db.ExecContext(ctx, query, accountID, userID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}
