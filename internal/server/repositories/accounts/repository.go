package accounts

import (
	"context"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
)

// Repository stores protected accounts with their encrypted credentials
// and last OTP.
type Repository interface {
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
	ListAll(ctx context.Context) ([]*models.Account, error)
	ListAccessible(ctx context.Context, userID string) ([]*models.Account, error)
	Update(ctx context.Context, account *models.Account) error
	Delete(ctx context.Context, id string) error
	UpdateOTP(ctx context.Context, id string, otp string, expiry time.Time) error
	UpdateTag(ctx context.Context, id string, tag string) error
	MarkPasswordLegacy(ctx context.Context, id string) error
}
