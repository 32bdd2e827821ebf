package grants

import "context"

// Repository stores which users, besides the owner, may read an account.
type Repository interface {
	ListUsers(ctx context.Context, accountID string) ([]string, error)
	Exists(ctx context.Context, accountID, userID string) (bool, error)
	Replace(ctx context.Context, accountID string, userIDs []string) error
}
