// Package models defines server-side data models persisted in the database.
package models

import "time"

// PasswordScheme tags how Account.LoginPassword was protected.
type PasswordScheme string

const (
	// PasswordSchemeAES values were produced by the credential vault.
	PasswordSchemeAES PasswordScheme = "aes"
	// PasswordSchemeLegacy values came from a retired one-way scheme and can
	// never be decrypted; the owner has to rotate them.
	PasswordSchemeLegacy PasswordScheme = "legacy"
)

// StoredPassword is the tagged variant persisted for a login password.
type StoredPassword struct {
	Scheme PasswordScheme
	// Ciphertext is meaningful only for PasswordSchemeAES.
	Ciphertext string
}

// Account is a shared credential record. Tag, LoginEmail and LastOTP hold
// vault ciphertext (or legacy plaintext written before encryption was added).
type Account struct {
	ID              string
	OwnerID         string
	Tag             string
	LoginEmail      string
	LoginPassword   StoredPassword
	LastOTP         string
	OTPExpiry       time.Time
	LinkedMailboxID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AccountSummary is a list view row for a caller: decrypted tag plus ownership.
type AccountSummary struct {
	ID      string `json:"id"`
	Tag     string `json:"accountTag"`
	OwnerID string `json:"ownerId"`
	IsOwner bool   `json:"isOwner"`
}
