package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/voicegate/internal/statestore"
	"github.com/rcourtman/voicegate/pkg/entitlement"
)

var errLedgerDown = errors.New("ledger down")

type testServer struct {
	handler http.Handler
	dir     *entitlement.Directory
	clock   clockwork.FakeClock
}

func offlineProvider() entitlement.Provider {
	return entitlement.ProviderFunc(func(context.Context, string) (entitlement.RemoteEntitlement, error) {
		return entitlement.RemoteEntitlement{}, errLedgerDown
	})
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	dir := entitlement.NewDirectory(entitlement.DirectoryConfig{
		Store:    statestore.NewMemory(),
		Provider: offlineProvider(),
		Policy:   entitlement.Policy{Location: time.UTC, RemoteTimeout: time.Second},
		Clock:    clock,
	})
	return &testServer{
		handler: NewRouter(RouterConfig{Directory: dir, StripeWebhookSecret: secret, Version: "test"}),
		dir:     dir,
		clock:   clock,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealthzSetsRequestID(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestInvalidUserID(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/users/bad!id/status", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decode[APIError](t, rec)
	assert.Equal(t, "invalid_user_id", apiErr.Code)
	assert.NotEmpty(t, apiErr.RequestID)
}

func TestTrialLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, "")

	res := decode[entitlement.Resolution](t, s.do(t, http.MethodGet, "/api/users/u1/status", ""))
	assert.Equal(t, entitlement.StatusFree, res.Status)
	assert.Equal(t, entitlement.RemoteUnknown, res.Remote)

	rec := s.do(t, http.MethodPost, "/api/users/u1/trial", "")
	require.Equal(t, http.StatusOK, rec.Code)
	trial := decode[trialResponse](t, rec)
	assert.True(t, trial.Started)
	require.NotNil(t, trial.DaysRemaining)
	assert.Equal(t, 3, *trial.DaysRemaining)
	require.NotNil(t, trial.EndsAt)
	assert.True(t, trial.EndsAt.Equal(s.clock.Now().Add(72*time.Hour)))

	res = decode[entitlement.Resolution](t, s.do(t, http.MethodGet, "/api/users/u1/status", ""))
	assert.Equal(t, entitlement.StatusTrialLocal, res.Status)

	usage := decode[usageResponse](t, s.do(t, http.MethodPost, "/api/users/u1/usage", ""))
	assert.True(t, usage.Recorded)
	assert.Equal(t, 1, usage.Usage.SessionsToday)
	assert.Equal(t, 10, usage.Usage.MaxSessions)

	// replay four days later: trial elapsed
	later := s.clock.Now().Add(4 * 24 * time.Hour).Format(time.RFC3339)
	decision := decode[entitlement.PaywallDecision](t, s.do(t, http.MethodGet, "/api/users/u1/paywall?at="+later, ""))
	assert.True(t, decision.Show)
	assert.Equal(t, entitlement.TriggerTrialExpired, decision.Trigger)
	assert.Equal(t, entitlement.StatusExpired, decision.Status)

	trial = decode[trialResponse](t, s.do(t, http.MethodGet, "/api/users/u1/trial?at="+later, ""))
	require.NotNil(t, trial.DaysRemaining)
	assert.Equal(t, 0, *trial.DaysRemaining)
}

func TestFreeUserHitsDailyLimit(t *testing.T) {
	s := newTestServer(t, "")

	quota := decode[entitlement.UsageResult](t, s.do(t, http.MethodGet, "/api/users/u2/quota", ""))
	assert.True(t, quota.WithinQuota)
	assert.Equal(t, 1, quota.MaxSessions)

	s.do(t, http.MethodPost, "/api/users/u2/usage", "")

	snap := decode[entitlement.Snapshot](t, s.do(t, http.MethodGet, "/api/users/u2/snapshot", ""))
	assert.False(t, snap.Usage.WithinQuota)
	assert.True(t, snap.Paywall.Show)
	assert.Equal(t, entitlement.TriggerNeverSubscribed, snap.Paywall.Trigger)
	assert.Nil(t, snap.TrialDaysRemaining)
}

func TestPurchaseRestoreAndReset(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/users/u3/purchase", `{"product_id":"voice_annual"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[entitlement.CachedEntitlement](t, rec).IsPremium)

	res := decode[entitlement.Resolution](t, s.do(t, http.MethodGet, "/api/users/u3/status", ""))
	assert.Equal(t, entitlement.StatusPremiumMonthly, res.Status, "offline premium falls back to the cached monthly tier")
	assert.Equal(t, entitlement.SourceCache, res.Source)

	rec = s.do(t, http.MethodPost, "/api/users/u3/restore", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cached := decode[entitlement.CachedEntitlement](t, rec)
	assert.False(t, cached.IsPremium)
	assert.True(t, cached.RemoteEverActive)

	s.do(t, http.MethodPost, "/api/users/u3/trial", "")
	rec = s.do(t, http.MethodDelete, "/api/users/u3/state", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	trial := decode[trialResponse](t, s.do(t, http.MethodGet, "/api/users/u3/trial", ""))
	assert.False(t, trial.Started)
	assert.Nil(t, trial.DaysRemaining)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   string
	}{
		{name: "purchase without body", method: http.MethodPost, path: "/api/users/u4/purchase", code: "invalid_body"},
		{name: "purchase without product", method: http.MethodPost, path: "/api/users/u4/purchase", body: `{"product_id":"  "}`, code: "invalid_body"},
		{name: "unknown field", method: http.MethodPost, path: "/api/users/u4/restore", body: `{"active":true,"extra":1}`, code: "invalid_body"},
		{name: "bad at", method: http.MethodGet, path: "/api/users/u4/status?at=yesterday", code: "invalid_time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decode[APIError](t, rec).Code)
		})
	}

	rec := s.do(t, http.MethodPut, "/api/users/u4/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestErrorHandlerRecoversPanics(t *testing.T) {
	h := ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/explode", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	apiErr := decode[APIError](t, rec)
	assert.Equal(t, "internal_error", apiErr.Code)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), apiErr.RequestID)
}

func TestRouteLabel(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/users/u1/status", nil)
	assert.Equal(t, "unmatched", routeLabel(req))

	req.Pattern = "GET /api/users/{id}/status"
	assert.Equal(t, "/api/users/{id}/status", routeLabel(req))

	req.Pattern = "/healthz"
	assert.Equal(t, "/healthz", routeLabel(req))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, "server_error", classifyStatus(503))
	assert.Equal(t, "client_error", classifyStatus(404))
	assert.Equal(t, "none", classifyStatus(204))
}

func TestWriteErrorResponseWithoutRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErrorResponse(rec, nil, http.StatusTeapot, "teapot", "short and stout", map[string]string{"k": "v"})
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`"details":{"k":"v"}`)))
}
