package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/ratewindow/limiter"
	"github.com/toolink/ratewindow/meta"
)

const testToken = "s3cret"

func newTestLimiter(t *testing.T, window time.Duration, maxRequests int, rules ...limiter.Rule) *limiter.RateLimiter {
	t.Helper()
	cfg := limiter.DefaultConfig()
	cfg.Default = limiter.Limit{Window: window, MaxRequests: maxRequests}
	cfg.Rules = rules
	rl, err := limiter.NewRateLimiter(cfg, nil)
	require.NoError(t, err)
	return rl
}

func newTestServer(t *testing.T, rl Limiter, cfg Config) *Server {
	t.Helper()
	srv, err := New(rl, cfg)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var auth = map[string]string{"Authorization": "Bearer " + testToken}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newTestLimiter(t, time.Minute, 2)

	var seenEndpoint string
	h := Identify("", nil)(RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenEndpoint = meta.FromContext(r.Context()).String(meta.KeyEndpoint)
		w.WriteHeader(http.StatusOK)
	})))

	for _, remaining := range []string{"1", "0"} {
		rec := do(t, h, http.MethodGet, "/api/items", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get(HeaderLimit))
		assert.Equal(t, remaining, rec.Header().Get(HeaderRemaining))
		assert.Equal(t, "60", rec.Header().Get(HeaderReset))
		assert.Equal(t, "2;w=60", rec.Header().Get(HeaderPolicy))
		assert.Empty(t, rec.Header().Get(HeaderRetryAfter))
	}
	assert.Equal(t, "/api/items", seenEndpoint)

	rec := do(t, h, http.MethodGet, "/api/items", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "0", rec.Header().Get(HeaderRemaining))
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Equal(t, 60, body.RetryAfter)

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "another client has its own quota")
}

func TestRateLimitCustomIdentity(t *testing.T) {
	rl := newTestLimiter(t, time.Minute, 1)
	h := RateLimit(rl,
		WithClientFunc(func(r *http.Request) string { return r.Header.Get("X-API-Key") }),
		WithEndpointFunc(func(*http.Request) string { return "global" }),
	)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodGet, "/a", nil, map[string]string{"X-API-Key": "k1"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/b", nil, map[string]string{"X-API-Key": "k1"}).Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodGet, "/a", nil, map[string]string{"X-API-Key": "k2"}).Code)

	st := rl.Status(context.Background(), "k1", "global")
	assert.Equal(t, int64(2), st.Count)
}

func TestIdentify(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "192.0.2.1:5555", "ip:192.0.2.1"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:443", "ip:2001:db8::1"},
		{"forwarded via trusted proxy", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "10.0.0.1:1", "ip:203.0.113.7"},
		{"nearest untrusted hop wins", map[string]string{"X-Forwarded-For": "198.51.100.1, 203.0.113.7, 10.0.0.2"}, "10.0.0.1:1", "ip:203.0.113.7"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.0.0.3, 10.0.0.2"}, "10.0.0.1:1", "ip:10.0.0.3"},
		{"single trusted host", map[string]string{"X-Forwarded-For": "203.0.113.8"}, "192.168.1.10:1", "ip:203.0.113.8"},
		{"real ip via trusted proxy", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.1:1", "ip:198.51.100.4"},
		{"forwarded ignored from untrusted peer", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "192.0.2.1:5555", "ip:192.0.2.1"},
		{"real ip ignored from untrusted peer", map[string]string{"X-Real-IP": "198.51.100.4"}, "192.0.2.1:5555", "ip:192.0.2.1"},
		{"garbage forwarded value", map[string]string{"X-Forwarded-For": "not-an-ip"}, "10.0.0.1:1", "ip:10.0.0.1"},
		{"unspecified forwarded value", map[string]string{"X-Forwarded-For": "0.0.0.0"}, "10.0.0.1:1", "ip:10.0.0.1"},
		{"unparsable remote addr", nil, "somewhere", meta.Anonymous},
		{"trusted user header", map[string]string{"X-User-ID": "42"}, "10.0.0.1:1", "user:42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Identify("X-User-ID", proxies)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = meta.ClientID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{" 10.1.2.3/8 ", "", "::1", "::ffff:172.16.0.0/108"})
	require.NoError(t, err)
	require.Len(t, proxies, 3)
	assert.Equal(t, "10.0.0.0/8", proxies[0].String())
	assert.Equal(t, "::1/128", proxies[1].String())
	assert.Equal(t, "172.16.0.0/12", proxies[2].String())

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)

	_, err = New(newTestLimiter(t, time.Minute, 5), Config{TrustedProxies: []string{"nope"}})
	assert.Error(t, err)
}

func TestProxyRotatingForwardedForSharesQuota(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	send := func(h http.Handler, remote, forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/orders", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("untrusted peer", func(t *testing.T) {
		srv := newTestServer(t, newTestLimiter(t, time.Minute, 2), Config{Upstream: upstream.URL})
		allowed := 0
		for i := range 50 {
			if send(srv.Handler(), "203.0.113.7:4000", fmt.Sprintf("10.0.0.%d", i)) == http.StatusOK {
				allowed++
			}
		}
		assert.Equal(t, 2, allowed)
	})

	t.Run("trusted proxy", func(t *testing.T) {
		srv := newTestServer(t, newTestLimiter(t, time.Minute, 2), Config{
			Upstream:       upstream.URL,
			TrustedProxies: []string{"10.0.0.0/8"},
		})
		h := srv.Handler()
		assert.Equal(t, http.StatusOK, send(h, "10.0.0.1:4000", "198.51.100.1"))
		assert.Equal(t, http.StatusOK, send(h, "10.0.0.1:4000", "198.51.100.1"))
		assert.Equal(t, http.StatusTooManyRequests, send(h, "10.0.0.1:4000", "198.51.100.1"))
		assert.Equal(t, http.StatusOK, send(h, "10.0.0.1:4000", "198.51.100.2"), "distinct client behind the proxy")
	})
}

func TestIdentifyKeepsIncomingRequestID(t *testing.T) {
	h := Identify("", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := do(t, h, http.MethodGet, "/", nil, map[string]string{RequestIDHeader: "abc-123"})
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestHealth(t *testing.T) {
	rl := newTestLimiter(t, time.Minute, 1)
	rl.CheckAndRecord(context.Background(), "c", "e")
	rl.CheckAndRecord(context.Background(), "c", "e")
	srv := newTestServer(t, rl, Config{})

	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, int64(2), body.Decisions)
	assert.Equal(t, int64(1), body.Denied)
}

func TestCheckEndpoint(t *testing.T) {
	rl := newTestLimiter(t, time.Minute, 1)
	srv := newTestServer(t, rl, Config{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/check", strings.NewReader(`{"client":"c","endpoint":"/login"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ok := decode[decisionResponse](t, rec)
	assert.True(t, ok.Allowed)
	assert.Equal(t, 0, ok.Remaining)
	assert.Equal(t, "1", rec.Header().Get(HeaderLimit))

	rec = do(t, h, http.MethodPost, "/v1/check", strings.NewReader(`{"client":"c","endpoint":"/login"}`), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	denied := decode[decisionResponse](t, rec)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 60, denied.RetryAfter)

	rec = do(t, h, http.MethodPost, "/v1/check", strings.NewReader(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decode[errorResponse](t, rec).Error)

	rec = do(t, h, http.MethodPost, "/v1/check", strings.NewReader(`{"client":"c"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_parameter", decode[errorResponse](t, rec).Error)
}

func TestCheckEndpointRequiresTokenWhenConfigured(t *testing.T) {
	rl := newTestLimiter(t, time.Minute, 5)
	srv := newTestServer(t, rl, Config{AdminToken: testToken})
	body := `{"client":"c","endpoint":"e"}`

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/check", strings.NewReader(body), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv.Handler(), http.MethodPost, "/v1/check", strings.NewReader(body), auth)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAPI(t *testing.T) {
	ctx := context.Background()
	rl := newTestLimiter(t, time.Minute, 3, limiter.Rule{Endpoint: "/login", Window: 10 * time.Second, MaxRequests: 1})
	srv := newTestServer(t, rl, Config{AdminToken: testToken})
	h := srv.Handler()

	for i := 0; i < 4; i++ {
		rl.CheckAndRecord(ctx, "c", "/feed")
	}

	rec := do(t, h, http.MethodGet, "/admin/ratelimit/status?client=c&endpoint=/feed", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodGet, "/admin/ratelimit/status?client=c&endpoint=/feed", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/admin/ratelimit/status?client=c&endpoint=/feed", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statusResponse](t, rec)
	assert.Equal(t, int64(4), st.Count)
	assert.Equal(t, 0, st.Remaining)
	assert.True(t, st.Exceeded)

	rec = do(t, h, http.MethodGet, "/admin/ratelimit/status?client=c", nil, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/admin/ratelimit?client=c&endpoint=/feed", nil, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(0), rl.Status(ctx, "c", "/feed").Count)

	rec = do(t, h, http.MethodDelete, "/admin/ratelimit?client=c", nil, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/admin/ratelimit/limits?endpoint=/login", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, limitResponse{Endpoint: "/login", Window: "10s", MaxRequests: 1}, decode[limitResponse](t, rec))

	rec = do(t, h, http.MethodGet, "/admin/ratelimit/limits", nil, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAPIDisabledWithoutToken(t *testing.T) {
	srv := newTestServer(t, newTestLimiter(t, time.Minute, 3), Config{})
	rec := do(t, srv.Handler(), http.MethodGet, "/admin/ratelimit/status?client=c&endpoint=e", nil, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// failingLimiter wraps a limiter whose store cannot be reached for resets.
type failingLimiter struct {
	*limiter.RateLimiter
}

func (failingLimiter) Reset(context.Context, string, string) error {
	return limiter.ErrStoreUnavailable
}

func TestAdminResetStoreUnavailable(t *testing.T) {
	rl := failingLimiter{newTestLimiter(t, time.Minute, 3)}
	srv := newTestServer(t, rl, Config{AdminToken: testToken})

	rec := do(t, srv.Handler(), http.MethodDelete, "/admin/ratelimit?client=c&endpoint=e", nil, auth)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store_unavailable", decode[errorResponse](t, rec).Error)
}

func TestReverseProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)

	rl := newTestLimiter(t, time.Minute, 1)
	srv := newTestServer(t, rl, Config{Upstream: upstream.URL})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/orders/7", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello /orders/7", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "0", rec.Header().Get(HeaderRemaining))

	rec = do(t, h, http.MethodGet, "/orders/7", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is never rate limited")
}

func TestReverseProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	srv := newTestServer(t, newTestLimiter(t, time.Minute, 5), Config{Upstream: addr})
	rec := do(t, srv.Handler(), http.MethodGet, "/x", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "bad_gateway", decode[errorResponse](t, rec).Error)
}

func TestNewRejectsBadUpstream(t *testing.T) {
	_, err := New(newTestLimiter(t, time.Minute, 5), Config{Upstream: "not a url"})
	assert.Error(t, err)
}

func TestServerLifecycle(t *testing.T) {
	srv := newTestServer(t, newTestLimiter(t, time.Minute, 5), Config{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Listen())
	addr := srv.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	resp, err := http.Post("http://"+addr+"/v1/check", "application/json", bytes.NewBufferString(`{"client":"c","endpoint":"e"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-errCh)
}

func TestSetRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	setRateLimitHeaders(h, limiter.Decision{Limit: 10, Remaining: 3, ResetSeconds: 12}, 60)
	assert.Equal(t, "10", h.Get(HeaderLimit))
	assert.Equal(t, "3", h.Get(HeaderRemaining))
	assert.Equal(t, "12", h.Get(HeaderReset))
	assert.Equal(t, "10;w=60", h.Get(HeaderPolicy))
}
