package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
)

// handleForward relays any REST call under the proxy prefix to the same
// logical path upstream, with the session's bearer credential attached.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	logical := chi.URLParam(r, "*")
	req, err := upstream.CaptureRequest(r, logical, s.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, upstream.ErrBodyTooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	out, err := s.coord.Execute(r.Context(), req, s.cookies.Read(r))
	s.writeRotated(w, out)
	if err != nil {
		s.upstreamFailed(w, r, "forward", err)
		return
	}
	resp := out.Response
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			w.Header().Set("Location", loc)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warn("forward: copy response failed", "path", logical, "error", err)
	}
}

func (s *Server) upstreamFailed(w http.ResponseWriter, r *http.Request, route string, err error) {
	s.metrics.RecordUpstreamError(route)
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		s.logger.Debug("upstream call abandoned by client", "route", route, "path", r.URL.Path)
		return
	}
	s.logger.Warn("upstream unavailable", "route", route, "path", r.URL.Path, "error", err)
	writeDetail(w, http.StatusBadGateway, "upstream unavailable")
}
