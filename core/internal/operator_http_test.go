package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xKoRx/guard/sdk/domain"
)

const testJWTSecret = "operator-secret"

type operatorFixture struct {
	*lockoutFixture
	api     *OperatorAPI
	auth    *OperatorAuth
	handler http.Handler
	token   string
}

func newOperatorFixture(t *testing.T, secret string, status func() Status) *operatorFixture {
	t.Helper()
	lf := newLockoutFixture(t, nil)
	queue, _, _ := newTestQueue(t, newStubEnforcer(), 1, 1)
	tel, _ := newTestTelemetry(t)

	auth := NewOperatorAuth(secret, time.Hour, lf.clock)
	api := NewOperatorAPI(lf.lm, nil, queue, status, auth, lf.clock, tel)

	f := &operatorFixture{lockoutFixture: lf, api: api, auth: auth, handler: api.Router()}
	if auth.Enabled() {
		token, err := auth.IssueToken("alice")
		require.NoError(t, err)
		f.token = token
	}
	return f
}

func (f *operatorFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestOperatorAPI_HealthIsPublic(t *testing.T) {
	f := newOperatorFixture(t, testJWTSecret, nil)
	f.token = ""

	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOperatorAPI_RequiresValidToken(t *testing.T) {
	f := newOperatorFixture(t, testJWTSecret, nil)
	valid := f.token

	f.token = ""
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/lockouts", "").Code)

	f.token = "not-a-jwt"
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/lockouts", "").Code)

	other := NewOperatorAuth("another-secret", time.Hour, f.clock)
	forged, err := other.IssueToken("mallory")
	require.NoError(t, err)
	f.token = forged
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/lockouts", "").Code)

	f.token = valid
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/lockouts", "").Code)

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/lockouts", "").Code)
}

func TestOperatorAuth_DisabledWithoutSecret(t *testing.T) {
	f := newOperatorFixture(t, "", nil)

	_, err := f.auth.IssueToken("alice")
	assert.True(t, domain.HasCode(err, domain.ErrInvalidConfig))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/lockouts", "").Code)
}

func TestOperatorAPI_ListAndGetLockouts(t *testing.T) {
	f := newOperatorFixture(t, testJWTSecret, nil)
	ctx := context.Background()

	require.NoError(t, f.lm.SetCooldown(ctx, "ACC-2", "frequency", 30*time.Second))
	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC-1", "daily loss", domain.ExpiryUntilReset()))

	rec := f.do(t, http.MethodGet, "/api/lockouts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := decodeBody[[]LockoutView](t, rec)
	require.Len(t, views, 2)
	assert.Equal(t, "ACC-1", views[0].AccountID)
	assert.Nil(t, views[0].RemainingSeconds)
	require.NotNil(t, views[1].RemainingSeconds)
	assert.Equal(t, int64(30), *views[1].RemainingSeconds)

	rec = f.do(t, http.MethodGet, "/api/lockouts/ACC-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.LockoutKindHard, decodeBody[LockoutView](t, rec).Kind)

	rec = f.do(t, http.MethodGet, "/api/lockouts/ACC-9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.ErrNotFound, decodeBody[ErrorResponse](t, rec).Code)
}

func TestOperatorAPI_ClearRespectsPermissions(t *testing.T) {
	f := newOperatorFixture(t, testJWTSecret, nil)
	ctx := context.Background()

	require.NoError(t, f.lm.SetCooldown(ctx, "ACC-C", "frequency", time.Minute))
	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC-H", "daily loss", domain.ExpiryUntilReset()))
	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC-P", "breach", domain.ExpiryPermanent()))

	rec := f.do(t, http.MethodPost, "/api/lockouts/ACC-C/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[ClearResponse](t, rec)
	assert.True(t, resp.Cleared)
	assert.Equal(t, "alice", resp.Operator)
	assert.False(t, f.lm.IsLockedOut("ACC-C"))

	rec = f.do(t, http.MethodPost, "/api/lockouts/ACC-H/clear", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.ErrManualClearForbidden, decodeBody[ErrorResponse](t, rec).Code)
	assert.True(t, f.lm.IsLockedOut("ACC-H"))

	rec = f.do(t, http.MethodPost, "/api/lockouts/ACC-P/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.lm.IsLockedOut("ACC-P"))

	stored, err := f.store.GetLockout(ctx, "ACC-P")
	require.NoError(t, err)
	assert.Equal(t, domain.ClearOriginOperator, stored.ClearedBy)

	rec = f.do(t, http.MethodPost, "/api/lockouts/ACC-P/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[ClearResponse](t, rec).Cleared)
}

func TestOperatorAPI_SetLockout(t *testing.T) {
	f := newOperatorFixture(t, testJWTSecret, nil)

	rec := f.do(t, http.MethodPost, "/api/lockouts/ACC-1", `{"policy":"cooldown:15m","reason":"manual pause"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	view := decodeBody[LockoutView](t, rec)
	assert.Equal(t, domain.LockoutKindCooldown, view.Kind)
	assert.Equal(t, "operator:alice", view.RuleID)
	assert.True(t, f.lm.IsLockedOut("ACC-1"))

	rec = f.do(t, http.MethodPost, "/api/lockouts/ACC-2", `{"policy":"hard:sometimes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/lockouts/ACC-2", `{"policy":"none"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/lockouts/ACC-2", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, f.lm.IsLockedOut("ACC-2"))
}

func TestOperatorAPI_StatusResetAndFailedActions(t *testing.T) {
	f := newOperatorFixture(t, testJWTSecret, func() Status {
		return Status{Environment: "test", ActiveLockouts: 3}
	})

	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeBody[Status](t, rec).ActiveLockouts)

	rec = f.do(t, http.MethodGet, "/api/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[ResetView](t, rec).Enabled)

	rec = f.do(t, http.MethodGet, "/api/failed-actions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestOperatorAPI_StatusUnavailableWithoutProvider(t *testing.T) {
	f := newOperatorFixture(t, testJWTSecret, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/status", "").Code)
}
