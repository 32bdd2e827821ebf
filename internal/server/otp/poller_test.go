package otp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/cryptox"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/mailbox"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/dmitrijs2005/otpkeeper/internal/server/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type otpUpdate struct {
	otp    string
	expiry time.Time
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts []*models.Account
	listErr  error
	updates  map[string]otpUpdate
}

func (f *fakeAccounts) ListAll(context.Context) ([]*models.Account, error) {
	return f.accounts, f.listErr
}

func (f *fakeAccounts) UpdateOTP(_ context.Context, id, otp string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = otpUpdate{otp, expiry}
	return nil
}

type fakeMailboxes struct {
	mu      sync.Mutex
	primary map[string]*models.Mailbox
	fetches []string
}

func (f *fakeMailboxes) GetPrimary(_ context.Context, userID string) (*models.Mailbox, error) {
	if m, ok := f.primary[userID]; ok {
		return m, nil
	}
	return nil, common.ErrorNotFound
}

func (f *fakeMailboxes) RecordFetch(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, id)
	return nil
}

type fakeSearcher struct {
	results  map[string][]mailbox.Message
	errs     map[string]error
	block    bool
	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeSearcher) Search(ctx context.Context, m *models.Mailbox, _ mailbox.Query) ([]mailbox.Message, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := f.errs[m.ID]; err != nil {
		return nil, err
	}
	return f.results[m.ID], nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events map[string][]realtime.OTPEvent
}

func (f *fakeEmitter) Emit(ownerID string, ev realtime.OTPEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ownerID] = append(f.events[ownerID], ev)
	return 1
}

type fixture struct {
	poller    *Poller
	accounts  *fakeAccounts
	mailboxes *fakeMailboxes
	searcher  *fakeSearcher
	emitter   *fakeEmitter
	vault     *cryptox.Vault
	now       time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	v, err := cryptox.NewVault("poller-secret")
	require.NoError(t, err)

	encTag, err := v.Encrypt("Main#1234")
	require.NoError(t, err)

	f := &fixture{
		accounts: &fakeAccounts{
			accounts: []*models.Account{
				{ID: "acc-1", OwnerID: "u-1", Tag: encTag},
				{ID: "acc-2", OwnerID: "u-2", Tag: "LegacyTag#1"},
				{ID: "acc-3", OwnerID: "u-3", Tag: "NoMailbox#1"},
			},
			updates: map[string]otpUpdate{},
		},
		mailboxes: &fakeMailboxes{primary: map[string]*models.Mailbox{
			"u-1": {ID: "mb-1", UserID: "u-1"},
			"u-2": {ID: "mb-2", UserID: "u-2"},
		}},
		searcher: &fakeSearcher{
			results: map[string][]mailbox.Message{
				"mb-1": {
					{ID: "new", HTML: "<p>nothing here</p>"},
					{ID: "old", HTML: `<em>AB12CD</em>`},
				},
			},
			errs: map[string]error{},
		},
		emitter: &fakeEmitter{events: map[string][]realtime.OTPEvent{}},
		vault:   v,
		now:     time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	if cfg.SearchTimeout == 0 {
		cfg.SearchTimeout = time.Second
	}
	if cfg.OTPTTL == 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	f.poller = NewPoller(f.accounts, f.mailboxes, f.searcher, DefaultChain(), v, f.emitter, cfg, logging.Nop{})
	f.poller.now = func() time.Time { return f.now }
	return f
}

func TestRunCycle_FoundStoresAndEmitsToOwner(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2})

	stats, err := f.poller.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleStats{Accounts: 3, Found: 1, NotFound: 1, Skipped: 1}, stats)

	upd, ok := f.accounts.updates["acc-1"]
	require.True(t, ok)
	plain, err := f.vault.Decrypt(upd.otp)
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", plain)
	assert.Equal(t, f.now.Add(10*time.Minute), upd.expiry)

	assert.Equal(t, []string{"mb-1"}, f.mailboxes.fetches)

	require.Len(t, f.emitter.events["u-1"], 1)
	ev := f.emitter.events["u-1"][0]
	assert.Equal(t, "Main#1234", ev.AccountTag)
	assert.Equal(t, "AB12CD", ev.OTP)
	assert.Equal(t, f.now, ev.Timestamp)
	assert.Empty(t, f.emitter.events["u-2"])
}

func TestRunCycle_FailureIsIsolated(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1})
	f.searcher.errs["mb-2"] = common.ErrAuthExpired
	f.accounts.accounts[1], f.accounts.accounts[0] = f.accounts.accounts[0], f.accounts.accounts[1]

	stats, err := f.poller.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Found)
	assert.Len(t, f.emitter.events["u-1"], 1)
}

func TestRunCycle_SearchTimeout(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 3, SearchTimeout: 20 * time.Millisecond})
	f.searcher.block = true

	start := time.Now()
	stats, err := f.poller.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, f.accounts.updates)
}

func TestRunCycle_ConcurrencyBound(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2})
	f.searcher.delay = 20 * time.Millisecond
	var accs []*models.Account
	for i := 0; i < 8; i++ {
		owner := "u-" + string(rune('a'+i))
		accs = append(accs, &models.Account{ID: "acc-" + owner, OwnerID: owner})
		f.mailboxes.primary[owner] = &models.Mailbox{ID: "mb-" + owner}
	}
	f.accounts.accounts = accs

	stats, err := f.poller.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, stats.NotFound)
	assert.Equal(t, int32(8), f.searcher.calls.Load())
	assert.LessOrEqual(t, f.searcher.maxSeen.Load(), int32(2))
}

func TestRunCycle_ListError(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1})
	f.accounts.listErr = errors.New("db down")

	_, err := f.poller.RunCycle(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1, Interval: 10 * time.Millisecond})

	var cycles atomic.Int32
	f.poller.OnCycle = func(CycleStats, error) { cycles.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.poller.Run(ctx) }()

	require.Eventually(t, func() bool { return cycles.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
