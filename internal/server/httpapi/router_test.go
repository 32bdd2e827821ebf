package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/access"
	"github.com/dmitrijs2005/otpkeeper/internal/server/auth"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/dmitrijs2005/otpkeeper/internal/server/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("http-test-secret")

const (
	user1 = "0b6f1f7e-5c1e-4f43-9a51-6a7d8c1e2f01"
	user2 = "0b6f1f7e-5c1e-4f43-9a51-6a7d8c1e2f02"
	user3 = "0b6f1f7e-5c1e-4f43-9a51-6a7d8c1e2f03"
)

type fakeCredentials struct {
	creds     *services.Credentials
	err       error
	gotIDs    []string
	gotCaller string
	calls     int
	created   services.AccountInput
}

func (f *fakeCredentials) GetCredentials(_ context.Context, _, callerID string) (*services.Credentials, error) {
	f.calls++
	f.gotCaller = callerID
	return f.creds, f.err
}

func (f *fakeCredentials) SetAllowedUsers(_ context.Context, _, _ string, ids []string) error {
	f.gotIDs = ids
	return f.err
}

func (f *fakeCredentials) ListAccessible(_ context.Context, userID string) ([]models.AccountSummary, error) {
	return []models.AccountSummary{{ID: "a1", Tag: "Hero#1", OwnerID: userID, IsOwner: true}}, f.err
}

func (f *fakeCredentials) CreateAccount(_ context.Context, ownerID string, in services.AccountInput) (*models.AccountSummary, error) {
	f.created = in
	if f.err != nil {
		return nil, f.err
	}
	return &models.AccountSummary{ID: "new", Tag: in.Tag, OwnerID: ownerID, IsOwner: true}, nil
}

func (f *fakeCredentials) UpdateAccount(_ context.Context, id, _ string, in services.AccountInput) (*models.AccountSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.AccountSummary{ID: id, Tag: in.Tag, IsOwner: true}, nil
}

func (f *fakeCredentials) DeleteAccount(context.Context, string, string) error { return f.err }

type fakeMailboxes struct {
	redirect string
	view     *models.MailboxView
	err      error
}

func (f *fakeMailboxes) AuthURL(userID, redirectPath string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://accounts.example.com/auth?state=" + userID + redirectPath, nil
}

func (f *fakeMailboxes) Callback(context.Context, string, string, string) (string, *models.MailboxView, error) {
	return f.redirect, f.view, f.err
}

func (f *fakeMailboxes) List(context.Context, string) ([]models.MailboxView, error) {
	return []models.MailboxView{{ID: "m1", EmailAddress: "a@gmail.com", IsPrimary: true}}, f.err
}

func (f *fakeMailboxes) Unlink(context.Context, string, string) error     { return f.err }
func (f *fakeMailboxes) SetPrimary(context.Context, string, string) error { return f.err }

func newTestRouter(creds *fakeCredentials, mb *fakeMailboxes) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(Deps{
		Credentials: creds,
		Mailboxes:   mb,
		JWTSecret:   testSecret,
		ClientURL:   "https://app.example.com/",
		Logger:      logging.Nop{},
	})
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func do(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&fakeCredentials{}, &fakeMailboxes{})
	w := do(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	r := newTestRouter(&fakeCredentials{}, &fakeMailboxes{})

	for _, tok := range []string{"", "Token abc", "Bearer not-a-jwt"} {
		w := do(t, r, http.MethodGet, "/api/accounts", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tok)
	}
}

func TestAPI_NormalizesTokenUserID(t *testing.T) {
	creds := &fakeCredentials{creds: &services.Credentials{HasAccess: true, AccessType: access.TierOwner}}
	r := newTestRouter(creds, &fakeMailboxes{})

	w := do(t, r, http.MethodGet, "/api/accounts/a1/credentials", bearer(t, strings.ToUpper(user1)), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, user1, creds.gotCaller)

	w = do(t, r, http.MethodGet, "/api/accounts/a1/credentials", bearer(t, "not-a-uuid"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 1, creds.calls)
}

func TestCredentials_OK(t *testing.T) {
	creds := &fakeCredentials{creds: &services.Credentials{
		AccountTag: "Hero#1", AccountEmail: "e", AccountPassword: "p", OTP: "AB3D5F",
		HasAccess: true, AccessType: access.TierOwner,
	}}
	r := newTestRouter(creds, &fakeMailboxes{})

	w := do(t, r, http.MethodGet, "/api/accounts/a1/credentials", bearer(t, user1), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "Hero#1", data["accountTag"])
	assert.Equal(t, "AB3D5F", data["otp"])
	assert.Equal(t, true, data["hasAccess"])
	assert.Equal(t, "owner", data["accessType"])
}

func TestCredentials_DeniedIsStill200(t *testing.T) {
	creds := &fakeCredentials{creds: &services.Credentials{
		AccountTag: "Hero#1", AccountEmail: "ENCRYPTED::0123456789ABCDEF::░▒▓█",
		HasAccess: false, AccessType: access.TierNone,
	}}
	r := newTestRouter(creds, &fakeMailboxes{})

	w := do(t, r, http.MethodGet, "/api/accounts/a1/credentials", bearer(t, user3), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["data"].(map[string]any)["hasAccess"])
}

func TestCredentials_RateLimited(t *testing.T) {
	creds := &fakeCredentials{creds: &services.Credentials{}}
	r := newTestRouter(creds, &fakeMailboxes{})
	tok := bearer(t, user1)

	for i := 0; i < credentialLimit; i++ {
		w := do(t, r, http.MethodGet, "/api/accounts/a1/credentials", tok, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(t, r, http.MethodGet, "/api/accounts/a1/credentials", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, credentialLimit, creds.calls)

	// Another user has its own budget.
	w = do(t, r, http.MethodGet, "/api/accounts/a1/credentials", bearer(t, user2), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{common.ErrorNotFound, http.StatusNotFound, "Not found"},
		{common.ErrForbidden, http.StatusForbidden, "not authorized"},
		{fmt.Errorf("%w: invalid user id", common.ErrValidation), http.StatusBadRequest, "validation error: invalid user id"},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tc := range cases {
		r := newTestRouter(&fakeCredentials{err: tc.err}, &fakeMailboxes{})
		w := do(t, r, http.MethodPut, "/api/accounts/a1/access", bearer(t, user1), map[string]any{"userIds": []string{"x"}})

		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		body := decode(t, w)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, tc.msg, body["error"])
	}
}

func TestSetAccess_PassesUserIDs(t *testing.T) {
	creds := &fakeCredentials{}
	r := newTestRouter(creds, &fakeMailboxes{})

	w := do(t, r, http.MethodPut, "/api/accounts/a1/access", bearer(t, user1), map[string]any{"userIds": []string{"u2", "u3"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"u2", "u3"}, creds.gotIDs)
}

func TestAccounts_CRUD(t *testing.T) {
	creds := &fakeCredentials{}
	r := newTestRouter(creds, &fakeMailboxes{})
	tok := bearer(t, user1)

	w := do(t, r, http.MethodGet, "/api/accounts", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["data"].([]any)
	assert.Equal(t, user1, list[0].(map[string]any)["ownerId"])

	w = do(t, r, http.MethodPost, "/api/accounts", tok, map[string]string{
		"accountTag": "Hero#1", "accountEmail": "a@example.com", "accountPassword": "secret1",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "secret1", creds.created.Password)

	w = do(t, r, http.MethodPut, "/api/accounts/a1", tok, map[string]string{"accountTag": "Hero#2"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodDelete, "/api/accounts/a1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/accounts", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMailboxes_LinkAndList(t *testing.T) {
	r := newTestRouter(&fakeCredentials{}, &fakeMailboxes{})
	tok := bearer(t, user1)

	w := do(t, r, http.MethodPost, "/api/mailboxes/link", tok, map[string]string{"redirectUrl": "/accounts"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://accounts.example.com/auth?state="+user1+"/accounts", decode(t, w)["authUrl"])

	w = do(t, r, http.MethodGet, "/api/mailboxes", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["accounts"], 1)

	w = do(t, r, http.MethodPut, "/api/mailboxes/m1/primary", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodDelete, "/api/mailboxes/m1", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMailboxes_Callback(t *testing.T) {
	cases := []struct {
		name     string
		svc      *fakeMailboxes
		query    string
		location string
	}{
		{
			name:     "success",
			svc:      &fakeMailboxes{redirect: "/accounts", view: &models.MailboxView{ID: "m1"}},
			query:    "code=c&state=s",
			location: "https://app.example.com/accounts?oauth_success=true",
		},
		{
			name:     "invalid state",
			svc:      &fakeMailboxes{err: common.ErrInvalidState},
			query:    "code=c&state=bad",
			location: "https://app.example.com/dashboard?oauth_error=invalid_state",
		},
		{
			name:     "no refresh token",
			svc:      &fakeMailboxes{redirect: "/settings", err: common.ErrNoRefreshToken},
			query:    "code=c&state=s",
			location: "https://app.example.com/settings?oauth_error=no_refresh_token",
		},
		{
			name:     "provider denied",
			svc:      &fakeMailboxes{redirect: "/settings", err: common.ErrorUnauthorized},
			query:    "error=access_denied&state=s",
			location: "https://app.example.com/settings?oauth_error=access_denied",
		},
		{
			name:     "exchange failure",
			svc:      &fakeMailboxes{redirect: "/settings", err: errors.New("boom")},
			query:    "code=c&state=s",
			location: "https://app.example.com/settings?oauth_error=authentication_failed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(&fakeCredentials{}, tc.svc)
			w := do(t, r, http.MethodGet, "/api/mailboxes/callback?"+tc.query, "", nil)

			require.Equal(t, http.StatusFound, w.Code)
			loc, err := url.Parse(w.Header().Get("Location"))
			require.NoError(t, err)
			want, _ := url.Parse(tc.location)
			assert.Equal(t, want.Path, loc.Path)
			assert.Equal(t, want.Query(), loc.Query())
			assert.Equal(t, want.Host, loc.Host)
		})
	}
}

func TestRateLimiter_Window(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("k"))
	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))
	assert.True(t, rl.Allow("other"))

	clock = clock.Add(time.Minute + time.Second)
	assert.True(t, rl.Allow("k"))
	assert.Len(t, rl.requests, 1, "expired windows are swept")
}
