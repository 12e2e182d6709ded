package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/toolink/ratewindow/limiter"
)

type statusResponse struct {
	Client       string    `json:"client"`
	Endpoint     string    `json:"endpoint"`
	Count        int64     `json:"count"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at,omitzero"`
	ResetSeconds int       `json:"reset_seconds"`
	Exceeded     bool      `json:"exceeded"`
	Degraded     bool      `json:"degraded,omitempty"`
}

type decisionResponse struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
}

type limitResponse struct {
	Endpoint    string `json:"endpoint"`
	Window      string `json:"window"`
	MaxRequests int    `json:"max_requests"`
}

type checkRequest struct {
	Client   string `json:"client"`
	Endpoint string `json:"endpoint"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Decisions int64  `json:"decisions"`
	Denied    int64  `json:"denied"`
	Degraded  int64  `json:"degraded"`
	Sweeping  bool   `json:"sweeping"`
}

// adminHandlers serves the health, decision and admin endpoints.
type adminHandlers struct {
	rl Limiter
}

// bearerAuth rejects requests without "Authorization: Bearer <token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *adminHandlers) health(w http.ResponseWriter, r *http.Request) {
	st := h.rl.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Decisions: st.Decisions,
		Denied:    st.Denied,
		Degraded:  st.Degraded,
		Sweeping:  st.SweepRunning,
	})
}

// check is the decision API: it counts one request for the given pair.
func (h *adminHandlers) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON with client and endpoint")
		return
	}
	if req.Client == "" || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "missing_parameter", "client and endpoint are required")
		return
	}

	d := h.rl.CheckAndRecord(r.Context(), req.Client, req.Endpoint)
	window := h.rl.Config().LimitFor(req.Endpoint).Window
	setRateLimitHeaders(w.Header(), d, int((window+time.Second-1)/time.Second))

	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, decisionResponse{
		Allowed:    d.Allowed,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfterSeconds,
		Degraded:   d.Degraded,
	})
}

func (h *adminHandlers) status(w http.ResponseWriter, r *http.Request) {
	client, endpoint, ok := pairFromQuery(w, r)
	if !ok {
		return
	}
	st := h.rl.Status(r.Context(), client, endpoint)
	writeJSON(w, http.StatusOK, newStatusResponse(client, endpoint, st))
}

func (h *adminHandlers) reset(w http.ResponseWriter, r *http.Request) {
	client, endpoint, ok := pairFromQuery(w, r)
	if !ok {
		return
	}
	if err := h.rl.Reset(r.Context(), client, endpoint); err != nil {
		log.Error().Err(err).Str("client", client).Str("endpoint", endpoint).Msg("admin reset failed")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "rate limit store unavailable")
		return
	}
	log.Info().Str("client", client).Str("endpoint", endpoint).Msg("rate limit reset via admin api")
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandlers) limits(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "missing_parameter", "endpoint is required")
		return
	}
	l := h.rl.Config().LimitFor(endpoint)
	writeJSON(w, http.StatusOK, limitResponse{
		Endpoint:    endpoint,
		Window:      l.Window.String(),
		MaxRequests: l.MaxRequests,
	})
}

func pairFromQuery(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	client, endpoint := q.Get("client"), q.Get("endpoint")
	if client == "" || endpoint == "" {
		writeError(w, http.StatusBadRequest, "missing_parameter", "client and endpoint query parameters are required")
		return "", "", false
	}
	return client, endpoint, true
}

func newStatusResponse(client, endpoint string, st limiter.Status) statusResponse {
	return statusResponse{
		Client:       client,
		Endpoint:     endpoint,
		Count:        st.Count,
		Limit:        st.Limit,
		Remaining:    st.Remaining,
		ResetAt:      st.ResetAt,
		ResetSeconds: st.ResetSeconds,
		Exceeded:     st.Exceeded,
		Degraded:     st.Degraded,
	}
}

// mountAdmin registers the admin routes under /admin/ratelimit.
func (h *adminHandlers) mountAdmin(r chi.Router, token string) {
	r.Route("/admin/ratelimit", func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Get("/status", h.status)
		r.Get("/limits", h.limits)
		r.Delete("/", h.reset)
	})
}
