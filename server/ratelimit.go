package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/ratewindow/limiter"
	"github.com/toolink/ratewindow/meta"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderPolicy     = "RateLimit-Policy"
	HeaderRetryAfter = "Retry-After"
)

// Limiter is the part of limiter.RateLimiter the HTTP layer uses.
type Limiter interface {
	CheckAndRecord(ctx context.Context, clientID, endpointID string) limiter.Decision
	Status(ctx context.Context, clientID, endpointID string) limiter.Status
	Reset(ctx context.Context, clientID, endpointID string) error
	Stats() limiter.Stats
	Config() *limiter.Config
}

var _ Limiter = (*limiter.RateLimiter)(nil)

// EndpointFunc maps a request to the endpoint identifier it is counted against.
type EndpointFunc func(r *http.Request) string

// ClientFunc maps a request to the client identifier it is counted against.
type ClientFunc func(r *http.Request) string

type rateLimitOptions struct {
	endpoint EndpointFunc
	client   ClientFunc
}

// RateLimitOption configures the RateLimit middleware.
type RateLimitOption func(*rateLimitOptions)

// WithEndpointFunc overrides the endpoint identifier. Defaults to the URL path.
func WithEndpointFunc(fn EndpointFunc) RateLimitOption {
	return func(o *rateLimitOptions) {
		if fn != nil {
			o.endpoint = fn
		}
	}
}

// WithClientFunc overrides the client identifier. Defaults to meta.ClientID.
func WithClientFunc(fn ClientFunc) RateLimitOption {
	return func(o *rateLimitOptions) {
		if fn != nil {
			o.client = fn
		}
	}
}

// RateLimit counts every request and rejects those over quota with 429.
// Rate limit headers are set on every response.
func RateLimit(rl Limiter, opts ...RateLimitOption) func(http.Handler) http.Handler {
	o := rateLimitOptions{
		endpoint: func(r *http.Request) string { return r.URL.Path },
		client:   func(r *http.Request) string { return meta.ClientID(r.Context()) },
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := o.client(r)
			endpointID := o.endpoint(r)

			d := rl.CheckAndRecord(r.Context(), clientID, endpointID)
			window := rl.Config().LimitFor(endpointID).Window
			setRateLimitHeaders(w.Header(), d, int((window+time.Second-1)/time.Second))

			if !d.Allowed {
				w.Header().Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfterSeconds))
				log.Info().
					Str("client", clientID).
					Str("endpoint", endpointID).
					Int("retry_after", d.RetryAfterSeconds).
					Msg("request rejected by rate limit")
				writeJSON(w, http.StatusTooManyRequests, errorResponse{
					Error:      "rate_limit_exceeded",
					Message:    "Too many requests, please try again later.",
					RetryAfter: d.RetryAfterSeconds,
				})
				return
			}

			md := meta.FromContext(r.Context())
			md.Set(meta.KeyEndpoint, endpointID)
			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(h http.Header, d limiter.Decision, windowSeconds int) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.Itoa(d.ResetSeconds))
	h.Set(HeaderPolicy, strconv.Itoa(d.Limit)+";w="+strconv.Itoa(windowSeconds))
}
