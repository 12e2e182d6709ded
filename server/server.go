// Package server exposes the rate limiter over HTTP: a middleware for
// existing handlers, a decision API, an admin API, and an optional
// rate-limited reverse proxy.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Config configures the HTTP server.
type Config struct {
	Addr              string        `mapstructure:"addr"`
	AdminToken        string        `mapstructure:"admin_token"`     // empty disables the admin API
	UserHeader        string        `mapstructure:"user_header"`     // trusted user id header, empty disables
	TrustedProxies    []string      `mapstructure:"trusted_proxies"` // CIDRs whose X-Forwarded-For / X-Real-IP are honoured
	Upstream          string        `mapstructure:"upstream"`        // proxied application, empty disables
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    Config

	listener net.Listener
}

// New creates the HTTP server and registers its routes.
func New(rl Limiter, cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	trusted, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Identify(cfg.UserHeader, trusted))

	h := &adminHandlers{rl: rl}
	r.Get("/healthz", h.health)

	// the decision API shares the admin token when one is configured
	check := http.Handler(http.HandlerFunc(h.check))
	if cfg.AdminToken != "" {
		check = bearerAuth(cfg.AdminToken)(check)
	}
	r.Method(http.MethodPost, "/v1/check", check)

	if cfg.AdminToken != "" {
		h.mountAdmin(r, cfg.AdminToken)
		log.Info().Str("path", "/admin/ratelimit").Msg("admin api enabled")
	} else {
		log.Debug().Msg("admin api disabled (no admin token set)")
	}

	if cfg.Upstream != "" {
		target, err := url.Parse(cfg.Upstream)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("invalid upstream url %q", cfg.Upstream)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
			log.Error().Err(err).Str("upstream", target.Host).Str("path", req.URL.Path).Msg("upstream request failed")
			writeError(w, http.StatusBadGateway, "bad_gateway", "upstream unavailable")
		}
		r.With(RateLimit(rl)).Handle("/*", proxy)
		log.Info().Str("upstream", target.String()).Msg("rate-limited reverse proxy enabled")
	}

	return &Server{
		router: r,
		cfg:    cfg,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadTimeout:       orDefault(cfg.ReadTimeout, 30*time.Second),
			WriteTimeout:      orDefault(cfg.WriteTimeout, 30*time.Second),
			IdleTimeout:       orDefault(cfg.IdleTimeout, 120*time.Second),
			ReadHeaderTimeout: orDefault(cfg.ReadHeaderTimeout, 10*time.Second),
		},
	}, nil
}

// Listen binds the server address. Calling it before Serve lets callers
// learn the bound address (useful with ":0").
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	return nil
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	log.Info().Str("addr", s.listener.Addr().String()).Msg("starting http server")

	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down http server")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
