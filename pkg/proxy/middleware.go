package proxy

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs one line per request through slog. The wrapped writer
// keeps Flusher and Hijacker so streams and upgrades still work.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				level := slog.LevelInfo
				switch {
				case status >= 500:
					level = slog.LevelError
				case status >= 400:
					level = slog.LevelWarn
				case r.URL.Path == "/healthz":
					level = slog.LevelDebug
				}
				logger.Log(r.Context(), level, "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr,
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// lifecycle counts in-flight relay requests and turns new ones away while
// the server drains.
func (s *Server) lifecycle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracked := s.isRelayPath(r.URL.Path)
		if tracked && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeDetail(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		if tracked {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isRelayPath(p string) bool {
	switch {
	case strings.HasPrefix(p, "/api/"):
		return true
	case strings.HasPrefix(p, s.cfg.ProxyPrefix+"/"):
		return true
	case p == s.cfg.StreamPath || strings.HasPrefix(p, s.cfg.StreamPath+"/"):
		return true
	}
	return false
}
