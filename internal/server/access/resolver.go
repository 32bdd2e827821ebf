// Package access classifies a caller against a protected account.
package access

import (
	"context"

	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
)

// Tier is the access level a caller has to an account's credentials.
type Tier string

const (
	TierOwner  Tier = "owner"
	TierShared Tier = "shared"
	TierNone   Tier = "none"
)

// CanRead reports whether the tier may see decrypted credentials.
func (t Tier) CanRead() bool {
	return t == TierOwner || t == TierShared
}

// GrantChecker answers whether a grant row exists. *sharecache.Cache
// satisfies it.
type GrantChecker interface {
	IsShared(ctx context.Context, accountID, userID string) (bool, error)
}

// Resolver computes the Tier of a caller for an account.
type Resolver struct {
	grants GrantChecker
}

// NewResolver returns a Resolver that looks grants up through grants.
func NewResolver(grants GrantChecker) *Resolver {
	return &Resolver{grants: grants}
}

// Resolve is evaluated on every read; the tier itself is never cached.
// An empty callerID is anonymous and always resolves to TierNone.
// When the grant lookup fails the caller gets TierNone along with the error.
func (r *Resolver) Resolve(ctx context.Context, account *models.Account, callerID string) (Tier, error) {
	if callerID == "" || account == nil {
		return TierNone, nil
	}
	if callerID == account.OwnerID {
		return TierOwner, nil
	}
	ok, err := r.grants.IsShared(ctx, account.ID, callerID)
	if err != nil {
		return TierNone, err
	}
	if ok {
		return TierShared, nil
	}
	return TierNone, nil
}
