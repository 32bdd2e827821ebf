package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/cryptox"
	"github.com/dmitrijs2005/otpkeeper/internal/dbx"
	"github.com/dmitrijs2005/otpkeeper/internal/server/audit"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/grants"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/mailboxes"
)

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func newTestVault(t *testing.T) *cryptox.Vault {
	t.Helper()
	v, err := cryptox.NewVault("services-test-secret")
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

func mustEncrypt(t *testing.T, v *cryptox.Vault, s string) string {
	t.Helper()
	out, err := v.Encrypt(s)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return out
}

// --- repository manager ---

type fakeRepoManager struct {
	accounts  *fakeAccounts
	grants    *fakeGrants
	mailboxes *fakeMailboxes
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		accounts:  &fakeAccounts{rows: map[string]*models.Account{}},
		grants:    &fakeGrants{rows: map[string]map[string]struct{}{}},
		mailboxes: &fakeMailboxes{rows: map[string]*models.Mailbox{}},
	}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Accounts(dbx.DBTX) accounts.Repository        { return m.accounts }
func (m *fakeRepoManager) Grants(dbx.DBTX) grants.Repository            { return m.grants }
func (m *fakeRepoManager) Mailboxes(dbx.DBTX) mailboxes.Repository      { return m.mailboxes }

// --- accounts ---

type fakeAccounts struct {
	mu      sync.Mutex
	rows    map[string]*models.Account
	getErr  error
	updated []*models.Account
	deleted []string
}

func (f *fakeAccounts) put(a *models.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[a.ID] = a
}

func (f *fakeAccounts) Create(_ context.Context, a *models.Account) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = "00000000-0000-0000-0000-0000000000c1"
	f.rows[a.ID] = a
	return a, nil
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.rows[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) ListAll(context.Context) ([]*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Account
	for _, a := range f.rows {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAccounts) ListAccessible(ctx context.Context, userID string) ([]*models.Account, error) {
	all, _ := f.ListAll(ctx)
	var out []*models.Account
	for _, a := range all {
		if a.OwnerID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) Update(_ context.Context, a *models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[a.ID]; !ok {
		return common.ErrorNotFound
	}
	f.rows[a.ID] = a
	f.updated = append(f.updated, a)
	return nil
}

func (f *fakeAccounts) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return common.ErrorNotFound
	}
	delete(f.rows, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAccounts) UpdateOTP(context.Context, string, string, time.Time) error { return nil }
func (f *fakeAccounts) UpdateTag(context.Context, string, string) error            { return nil }
func (f *fakeAccounts) MarkPasswordLegacy(context.Context, string) error           { return nil }

// --- grants ---

type fakeGrants struct {
	mu         sync.Mutex
	rows       map[string]map[string]struct{}
	existsHits int
	replaceErr error
}

func (f *fakeGrants) ListUsers(_ context.Context, accountID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for u := range f.rows[accountID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeGrants) Exists(_ context.Context, accountID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsHits++
	_, ok := f.rows[accountID][userID]
	return ok, nil
}

func (f *fakeGrants) Replace(_ context.Context, accountID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	set := make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		set[u] = struct{}{}
	}
	f.rows[accountID] = set
	return nil
}

// --- mailboxes ---

type fakeMailboxes struct {
	mu          sync.Mutex
	rows        map[string]*models.Mailbox
	seq         int
	deactivated []string
}

func (f *fakeMailboxes) Upsert(_ context.Context, m *models.Mailbox) (*models.Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.UserID == m.UserID && row.EmailAddress == m.EmailAddress {
			m.ID, m.IsPrimary = row.ID, row.IsPrimary
			m.IsActive = true
			f.rows[m.ID] = m
			return m, nil
		}
	}
	f.seq++
	m.ID = "00000000-0000-0000-0000-00000000000" + string(rune('0'+f.seq))
	m.IsActive = true
	f.rows[m.ID] = m
	return m, nil
}

func (f *fakeMailboxes) GetByID(_ context.Context, id string) (*models.Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMailboxes) GetPrimary(_ context.Context, userID string) (*models.Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.UserID == userID && m.IsPrimary && m.IsActive {
			cp := *m
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeMailboxes) ListByUser(_ context.Context, userID string) ([]*models.Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Mailbox
	for _, m := range f.rows {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeMailboxes) Delete(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok || m.UserID != userID {
		return common.ErrorNotFound
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeMailboxes) HasPrimary(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.UserID == userID && m.IsPrimary {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMailboxes) ClearPrimary(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.UserID == userID {
			m.IsPrimary = false
		}
	}
	return nil
}

func (f *fakeMailboxes) SetPrimary(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok || m.UserID != userID {
		return common.ErrorNotFound
	}
	m.IsPrimary = true
	return nil
}

func (f *fakeMailboxes) Deactivate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, id)
	if m, ok := f.rows[id]; ok {
		m.IsActive = false
	}
	return nil
}

func (f *fakeMailboxes) SaveToken(context.Context, string, string, time.Time) error { return nil }
func (f *fakeMailboxes) RecordFetch(context.Context, string, time.Time) error       { return nil }

// --- audit ---

type captureAudit struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *captureAudit) Record(_ context.Context, r audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, r)
}

func (c *captureAudit) last() audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recs[len(c.recs)-1]
}
