package otp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/mailbox"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/dmitrijs2005/otpkeeper/internal/server/realtime"
	"golang.org/x/sync/errgroup"
)

// AccountStore lists the accounts to poll and stores the passcodes found.
// accounts.Repository satisfies it.
type AccountStore interface {
	ListAll(ctx context.Context) ([]*models.Account, error)
	UpdateOTP(ctx context.Context, id string, otp string, expiry time.Time) error
}

// MailboxStore resolves an owner's primary mailbox and records fetches.
type MailboxStore interface {
	GetPrimary(ctx context.Context, userID string) (*models.Mailbox, error)
	RecordFetch(ctx context.Context, id string, at time.Time) error
}

// Emitter pushes a fresh passcode to the owner and returns how many live
// sessions received it.
type Emitter interface {
	Emit(ownerID string, ev realtime.OTPEvent) int
}

// Cipher is the subset of *cryptox.Vault the poller needs.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	DecryptOrPlain(s string) (string, bool)
}

const (
	DefaultInterval      = 30 * time.Second
	DefaultSearchTimeout = 20 * time.Second
)

// Config tunes the poller. Zero Interval, Concurrency and SearchTimeout
// fall back to the defaults.
type Config struct {
	Interval      time.Duration
	Concurrency   int
	SearchTimeout time.Duration
	OTPTTL        time.Duration
	Query         mailbox.Query
}

// Outcome is where one account ended up in a cycle.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeFound
	OutcomeNotFound
	OutcomeFailed
)

// CycleStats counts per-account outcomes of one polling cycle.
type CycleStats struct {
	Accounts int
	Found    int
	NotFound int
	Skipped  int
	Failed   int
}

func (s *CycleStats) add(o Outcome) {
	switch o {
	case OutcomeFound:
		s.Found++
	case OutcomeNotFound:
		s.NotFound++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// Poller periodically searches each account owner's primary mailbox for
// a new passcode.
type Poller struct {
	accounts  AccountStore
	mailboxes MailboxStore
	searcher  mailbox.Searcher
	extractor Extractor
	cipher    Cipher
	emitter   Emitter
	cfg       Config
	logger    logging.Logger

	// OnCycle, when set, observes every finished cycle.
	OnCycle func(CycleStats, error)

	now func() time.Time
}

// NewPoller builds a poller; cfg gaps are filled with defaults.
func NewPoller(accounts AccountStore, mailboxes MailboxStore, searcher mailbox.Searcher, extractor Extractor,
	cipher Cipher, emitter Emitter, cfg Config, logger logging.Logger) *Poller {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultSearchTimeout
	}
	return &Poller{
		accounts:  accounts,
		mailboxes: mailboxes,
		searcher:  searcher,
		extractor: extractor,
		cipher:    cipher,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger.With("module", "otp"),
		now:       time.Now,
	}
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info(ctx, "otp poller started", "interval", p.cfg.Interval.String(), "concurrency", p.cfg.Concurrency)
	for {
		stats, err := p.RunCycle(ctx)
		if p.OnCycle != nil {
			p.OnCycle(stats, err)
		}
		if err != nil && ctx.Err() == nil {
			p.logger.Error(ctx, "otp poll cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info(context.Background(), "otp poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle polls every account once. Per-account failures are logged and
// counted, never returned; only failing to list the accounts is an error.
func (p *Poller) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	accounts, err := p.accounts.ListAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("list accounts: %w", err)
	}
	stats.Accounts = len(accounts)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)

	for _, acc := range accounts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o := p.pollAccount(ctx, acc)
			mu.Lock()
			stats.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug(ctx, "otp poll cycle finished",
		"accounts", stats.Accounts, "found", stats.Found, "not_found", stats.NotFound,
		"skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

func (p *Poller) pollAccount(ctx context.Context, acc *models.Account) Outcome {
	log := p.logger.With("account", acc.ID, "owner", acc.OwnerID)

	mb, err := p.mailboxes.GetPrimary(ctx, acc.OwnerID)
	if errors.Is(err, common.ErrorNotFound) {
		return OutcomeSkipped
	}
	if err != nil {
		log.Error(ctx, "failed to load primary mailbox", "error", err)
		return OutcomeFailed
	}

	code, err := p.fetch(ctx, mb)
	switch {
	case errors.Is(err, common.ErrOTPNotFound):
		return OutcomeNotFound
	case errors.Is(err, common.ErrAuthExpired):
		log.Warn(ctx, "mailbox authorization expired", "mailbox", mb.ID, "error", err)
		return OutcomeFailed
	case err != nil:
		log.Error(ctx, "mailbox search failed", "mailbox", mb.ID, "error", err)
		return OutcomeFailed
	}

	if err := p.store(ctx, acc, mb, code); err != nil {
		log.Error(ctx, "failed to store otp", "error", err)
		return OutcomeFailed
	}
	return OutcomeFound
}

// fetch searches the mailbox under SearchTimeout and returns the first code
// any message yields, newest message first.
func (p *Poller) fetch(ctx context.Context, mb *models.Mailbox) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SearchTimeout)
	defer cancel()

	msgs, err := p.searcher.Search(ctx, mb, p.cfg.Query)
	if err != nil {
		return "", err
	}
	for _, m := range msgs {
		if code, ok := p.extractor.Extract(m.Body()); ok {
			return code, nil
		}
	}
	return "", common.ErrOTPNotFound
}

func (p *Poller) store(ctx context.Context, acc *models.Account, mb *models.Mailbox, code string) error {
	now := p.now()

	enc, err := p.cipher.Encrypt(code)
	if err != nil {
		return fmt.Errorf("encrypt otp: %w", err)
	}
	if err := p.accounts.UpdateOTP(ctx, acc.ID, enc, now.Add(p.cfg.OTPTTL)); err != nil {
		return err
	}
	if err := p.mailboxes.RecordFetch(ctx, mb.ID, now); err != nil {
		p.logger.Warn(ctx, "failed to record mailbox fetch", "mailbox", mb.ID, "error", err)
	}

	tag, _ := p.cipher.DecryptOrPlain(acc.Tag)
	delivered := p.emitter.Emit(acc.OwnerID, realtime.OTPEvent{AccountTag: tag, OTP: code, Timestamp: now})
	p.logger.Info(ctx, "otp retrieved", "account", acc.ID, "delivered", delivered)
	return nil
}
