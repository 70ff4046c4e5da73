package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/fincore/framework/breaker"
	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serverFixture struct {
	server  *Server
	breaker *breaker.CircuitBreaker
	calls   *int32
	now     time.Time
}

func newServerFixture(t *testing.T, upstreamStatus int, minuteLimit int64) *serverFixture {
	t.Helper()
	var calls int32
	upstream := countingUpstream(t, upstreamStatus, &calls)

	table, err := NewRouteTable([]Route{
		{PathPrefix: "/api", Service: "money-in", BaseURL: upstream.URL, Timeout: time.Second},
	})
	require.NoError(t, err)
	cb, err := breaker.New(breaker.Config{FailureThreshold: 3, CoolDown: time.Minute}, nil)
	require.NoError(t, err)
	proxy, err := NewProxy(DefaultProxyConfig(), table, cb, nil, nil)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 15, 0, time.UTC)
	clock := func() time.Time { return now }
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		DefaultPlan: "free",
		Plans: map[string]ratelimit.Limits{
			"free": {ratelimit.WindowMinute: minuteLimit},
		},
	}, ratelimit.NewMemoryStore().WithClock(clock), nil)
	require.NoError(t, err)
	limiter.WithClock(clock)

	cfg := DefaultServerConfig()
	cfg.EnableMetrics = false
	srv, err := NewServer(cfg, proxy, limiter, cb, nil, WithServerClock(clock))
	require.NoError(t, err)

	return &serverFixture{server: srv, breaker: cb, calls: &calls, now: now}
}

func (f *serverFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestServer_ProxiesAndEchoesRequestID(t *testing.T) {
	f := newServerFixture(t, http.StatusOK, 10)

	rec := f.do(http.MethodGet, "/api/invoices", "", map[string]string{
		HeaderRequestID:      "req-42",
		HeaderOrganizationID: "org-1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, `{"ok":false}`, rec.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(f.calls))
}

func TestServer_RateLimitedEnvelope(t *testing.T) {
	f := newServerFixture(t, http.StatusOK, 2)
	headers := map[string]string{HeaderOrganizationID: "org-1", HeaderRequestID: "req-1"}

	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodGet, "/api/invoices", "", headers)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(http.MethodGet, "/api/invoices", "", headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	// окно минуты заканчивается через 45 секунд
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(f.now.Add(45*time.Second).Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))

	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, core.ErrRateLimited, env.Error.Code)
	assert.NotEmpty(t, env.Error.Message)
	assert.Equal(t, "req-1", env.Meta.RequestID)
	assert.True(t, f.now.Equal(env.Meta.Timestamp))
	assert.Equal(t, int32(2), atomic.LoadInt32(f.calls))

	// другой тенант не затронут
	other := f.do(http.MethodGet, "/api/invoices", "", map[string]string{HeaderOrganizationID: "org-2"})
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestServer_ValidationErrorEnvelope(t *testing.T) {
	f := newServerFixture(t, http.StatusOK, 10)

	rec := f.do(http.MethodPost, "/api/invoices", `{"amount_cents": "12.50"}`, map[string]string{
		HeaderOrganizationID: "org-1",
		"Content-Type":       "application/json",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, core.ErrValidation, env.Error.Code)
	assert.NotEmpty(t, env.Meta.RequestID)
	assert.Equal(t, int32(0), atomic.LoadInt32(f.calls))
}

func TestServer_OversizedBodyRejectedBeforeUpstream(t *testing.T) {
	f := newServerFixture(t, http.StatusOK, 10)
	headers := map[string]string{HeaderOrganizationID: "org-1", "Content-Type": "application/json"}

	body := `{"amount_cents": "12.50", "pad": "` + strings.Repeat("x", DefaultMaxRequestBody) + `"}`
	rec := f.do(http.MethodPost, "/api/invoices", body, headers)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, core.ErrPayloadTooLarge, env.Error.Code)
	assert.EqualValues(t, DefaultMaxRequestBody, env.Error.Details["max_bytes"])
	assert.Equal(t, int32(0), atomic.LoadInt32(f.calls))

	// тело ровно в лимит проходит
	prefix, suffix := `{"amount_cents": 1250, "pad": "`, `"}`
	exact := prefix + strings.Repeat("x", DefaultMaxRequestBody-len(prefix)-len(suffix)) + suffix
	require.Len(t, exact, DefaultMaxRequestBody)
	rec = f.do(http.MethodPost, "/api/invoices", exact, headers)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.calls))
}

func TestServer_MalformedJSONWithMonetaryFieldRejected(t *testing.T) {
	f := newServerFixture(t, http.StatusOK, 10)

	rec := f.do(http.MethodPost, "/api/invoices", `{"amount_cents": "12.50",}`, map[string]string{
		HeaderOrganizationID: "org-1",
		"Content-Type":       "application/json",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.ErrValidation, decodeEnvelope(t, rec).Error.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(f.calls))
}

func TestServer_OpenCircuitReturns503(t *testing.T) {
	f := newServerFixture(t, http.StatusOK, 10)
	for i := 0; i < 3; i++ {
		f.breaker.RecordFailure("money-in")
	}

	rec := f.do(http.MethodGet, "/api/invoices", "", map[string]string{HeaderOrganizationID: "org-1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, core.ErrServiceUnavailable, env.Error.Code)
	assert.Equal(t, "money-in", env.Error.Details["upstream"])
	assert.Equal(t, int32(0), atomic.LoadInt32(f.calls))
}

func TestServer_UnknownRouteReturns404(t *testing.T) {
	f := newServerFixture(t, http.StatusOK, 10)

	rec := f.do(http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.ErrNotFound, decodeEnvelope(t, rec).Error.Code)
}

func TestServer_HealthzReportsCircuitsAndLimiter(t *testing.T) {
	f := newServerFixture(t, http.StatusOK, 10)
	f.breaker.RecordFailure("money-in")

	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string `json:"status"`
		Details struct {
			Circuits    []breaker.CircuitState `json:"circuits"`
			RateLimiter struct {
				Degraded bool `json:"degraded"`
			} `json:"rate_limiter"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	require.Len(t, body.Details.Circuits, 1)
	assert.Equal(t, "money-in", body.Details.Circuits[0].Service)
	assert.Equal(t, 1, body.Details.Circuits[0].ConsecutiveFailures)
	assert.True(t, body.Details.RateLimiter.Degraded)
}

func TestHeaderIdentityResolver(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderOrganizationID, "org-9")
	req.Header.Set(HeaderUserID, "u-1")
	req.Header.Set(HeaderUserRole, "accountant")
	req.Header.Set(HeaderUserPermissions, "ledger:read, ledger:write,")

	id, err := HeaderIdentityResolver{}.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "org-9", id.OrganizationID)
	assert.Equal(t, "accountant", id.Role)
	assert.Equal(t, []string{"ledger:read", "ledger:write"}, id.Permissions)
}

func TestStaticPlanResolver(t *testing.T) {
	r := StaticPlanResolver{Plans: map[string]string{"org-1": "enterprise"}}
	assert.Equal(t, "enterprise", r.PlanFor(context.Background(), "org-1"))
	assert.Equal(t, ratelimit.DefaultPlan, r.PlanFor(context.Background(), "org-2"))
}
