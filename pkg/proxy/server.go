package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/credentials"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
	"golang.org/x/crypto/acme/autocert"
)

const drainTimeout = 30 * time.Second

type Server struct {
	cfg        *config.ServerConfig
	logger     *slog.Logger
	cookies    *credentials.CookieStore
	client     *upstream.Client
	coord      *upstream.Coordinator
	convs      *upstream.Conversations
	metrics    *Metrics
	upgrader   websocket.Upgrader
	streamIdle time.Duration
	router     chi.Router
	httpServer *http.Server

	activeRequests atomic.Int64
	draining       atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStreamIdleTimeout overrides upstream.stream_idle_timeout_seconds.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamIdle = d
		}
	}
}

func NewServer(cfg *config.ServerConfig, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	resolver, err := upstream.NewResolver(cfg.Upstream.BaseURL, cfg.Upstream.APIPrefix)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	upOpts := upstream.OptionsFromConfig(cfg.Upstream)
	client := upstream.NewClient(resolver, upstream.NewTransport(upOpts), upOpts)

	s := &Server{
		cfg:        cfg,
		logger:     slog.Default(),
		cookies:    credentials.NewCookieStore(cfg.Cookies, cfg.SecureCookies()),
		client:     client,
		convs:      upstream.NewConversations(cfg.CoalesceBootstrap),
		metrics:    NewMetrics(),
		streamIdle: client.Options().StreamIdleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.coord = upstream.NewCoordinator(client, s.logger)
	s.coord.HeaderTimeout = s.streamIdle
	s.coord.OnRefresh = s.metrics.RecordRefresh
	s.coord.OnAttempt = s.metrics.RecordAttempt
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     sameOrigin,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycle)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, s.metrics.Handler())
	}

	r.Route(cfg.ProxyPrefix, func(pr chi.Router) {
		for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			pr.MethodFunc(m, "/*", s.handleForward)
		}
	})
	r.Post(cfg.StreamPath, s.handleChatStream)
	r.Get(cfg.StreamPath+"/ws", s.handleChatWebSocket)

	r.Post("/api/auth/login", s.handleAuth(upstream.AuthLogin))
	r.Post("/api/auth/register", s.handleAuth(upstream.AuthRegister))
	r.Post("/api/auth/google", s.handleAuth(upstream.AuthGoogle))
	r.Post("/api/auth/refresh", s.handleRefresh)
	r.Post("/api/logout", s.handleLogout)
	r.Get("/api/me", s.handleMe)
	r.Post("/api/conversations/bootstrap", s.handleBootstrap)
	s.router = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) StreamIdleTimeout() time.Duration { return s.streamIdle }

func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg
	errCh := make(chan error, 2)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := s.httpServer
		httpsSrv.Addr = ":443"
		httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			s.logger.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.logger.Info("https listening", "addr", ":443", "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		err := s.waitForShutdown(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return err
	}

	go func() {
		s.logger.Info("relay listening", "addr", cfg.ListenAddr, "upstream", s.client.Resolver().Base(), "stream_idle_timeout", s.streamIdle)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	err := s.waitForShutdown(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return err
}

// waitForShutdown blocks until ctx ends or a listener fails, then drains
// in-flight relay requests.
func (s *Server) waitForShutdown(ctx context.Context, errCh <-chan error) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.draining.Store(true)
	s.waitForIdle(drainTimeout)
	if err == nil {
		err = firstErr(errCh)
	}
	return err
}

func (s *Server) waitForIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			s.logger.Info("shutdown: relay idle")
			return
		}
		if time.Now().After(deadline) {
			s.logger.Warn("shutdown: giving up on active requests", "active", active)
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.logger.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		<-t.C
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func sameOrigin(req *http.Request) bool {
	origin := strings.TrimSpace(req.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}

// writeRotated stores refreshed credentials, if the call produced any.
func (s *Server) writeRotated(w http.ResponseWriter, out *upstream.Outcome) {
	if out != nil && out.Rotated != nil {
		s.cookies.Write(w, *out.Rotated)
	}
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
