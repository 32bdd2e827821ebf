// Package audit records who read which credentials and with what result.
package audit

import (
	"context"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/logging"
)

const (
	ActionReadCredentials = "credentials.read"
	ActionSetAllowedUsers = "access.set"
	ActionDeleteAccount   = "account.delete"
)

const (
	OutcomeOK        = "ok"
	OutcomeNotFound  = "not_found"
	OutcomeForbidden = "forbidden"
	OutcomeError     = "error"
)

// Record is one audited operation.
type Record struct {
	Time      time.Time `json:"time"`
	Action    string    `json:"action"`
	CallerID  string    `json:"callerId"`
	AccountID string    `json:"accountId"`
	Tier      string    `json:"tier,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Recorder must not block the request path for long and never fails it.
type Recorder interface {
	Record(ctx context.Context, r Record)
}

// LogRecorder writes each record as a structured log line.
type LogRecorder struct {
	logger logging.Logger
}

// NewLogRecorder writes through logger.
func NewLogRecorder(logger logging.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With("module", "audit")}
}

func (l *LogRecorder) Record(ctx context.Context, r Record) {
	l.logger.Info(ctx, "audit",
		"action", r.Action,
		"caller", r.CallerID,
		"account", r.AccountID,
		"tier", r.Tier,
		"outcome", r.Outcome,
		"detail", r.Detail,
	)
}

// Multi fans a record out to several recorders.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, r Record) {
	for _, rec := range m {
		rec.Record(ctx, r)
	}
}
