package models

import "time"

// Mailbox is an external inbox a user authorized for OTP retrieval.
// RefreshToken and AccessToken are vault ciphertext.
type Mailbox struct {
	ID            string
	UserID        string
	EmailAddress  string
	DisplayName   string
	IsPrimary     bool
	IsActive      bool
	RefreshToken  string
	AccessToken   string
	TokenExpiry   time.Time
	Scopes        []string
	LastOTPFetch  time.Time
	OTPFetchCount int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MailboxView is what the owner sees when listing linked mailboxes.
type MailboxView struct {
	ID            string     `json:"id"`
	EmailAddress  string     `json:"email"`
	DisplayName   string     `json:"displayName"`
	IsPrimary     bool       `json:"isPrimary"`
	IsActive      bool       `json:"isActive"`
	LastOTPFetch  *time.Time `json:"lastOtpFetch,omitempty"`
	OTPFetchCount int64      `json:"otpFetchCount"`
}

// View strips token material.
func (m *Mailbox) View() MailboxView {
	v := MailboxView{
		ID:            m.ID,
		EmailAddress:  m.EmailAddress,
		DisplayName:   m.DisplayName,
		IsPrimary:     m.IsPrimary,
		IsActive:      m.IsActive,
		OTPFetchCount: m.OTPFetchCount,
	}
	if !m.LastOTPFetch.IsZero() {
		t := m.LastOTPFetch
		v.LastOTPFetch = &t
	}
	return v
}
