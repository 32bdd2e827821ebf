package mailboxes

import (
	"context"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
)

// Repository stores the mailboxes users linked through OAuth. Tokens are
// kept encrypted.
type Repository interface {
	Upsert(ctx context.Context, m *models.Mailbox) (*models.Mailbox, error)
	GetByID(ctx context.Context, id string) (*models.Mailbox, error)
	GetPrimary(ctx context.Context, userID string) (*models.Mailbox, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Mailbox, error)
	Delete(ctx context.Context, id, userID string) error
	HasPrimary(ctx context.Context, userID string) (bool, error)
	ClearPrimary(ctx context.Context, userID string) error
	SetPrimary(ctx context.Context, id, userID string) error
	Deactivate(ctx context.Context, id string) error
	SaveToken(ctx context.Context, id string, accessToken string, expiry time.Time) error
	RecordFetch(ctx context.Context, id string, at time.Time) error
}
