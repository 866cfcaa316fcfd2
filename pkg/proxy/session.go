package proxy

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/credentials"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

var authFailureDetail = map[upstream.AuthKind]string{
	upstream.AuthLogin:    "Login failed",
	upstream.AuthRegister: "Registration failed",
	upstream.AuthGoogle:   "Google login failed",
}

// handleAuth passes a login style call to the upstream and moves the issued
// pair into cookies. The tokens never reach the response body.
func (s *Server) handleAuth(kind upstream.AuthKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readJSONBody(w, r, false)
		if !ok {
			return
		}
		res, err := s.client.Authenticate(r.Context(), kind, body)
		if err != nil {
			s.upstreamFailed(w, r, "auth_"+string(kind), err)
			return
		}
		if !res.OK() {
			writeDetail(w, res.Status, res.Detail(authFailureDetail[kind]))
			return
		}
		s.cookies.Write(w, res.Pair)
		s.logger.Info("session established", "kind", kind, "has_refresh", res.Pair.HasRefresh())

		out := stripTokens(res.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.Status)
		_, _ = w.Write(out)
	}
}

// handleRefresh rotates the access cookie on explicit request.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	creds := s.cookies.Read(r)
	if !creds.HasRefresh() {
		writeDetail(w, http.StatusUnauthorized, "Refresh failed")
		return
	}
	pair, err := s.client.Refresh(r.Context(), creds.Refresh)
	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrRefreshRejected):
		s.metrics.RecordRefresh(upstream.RefreshRejected)
		writeDetail(w, http.StatusUnauthorized, "Refresh failed")
		return
	case errors.Is(err, upstream.ErrNoAccessToken):
		s.metrics.RecordRefresh(upstream.RefreshEmpty)
		writeDetail(w, http.StatusBadGateway, "Refresh failed")
		return
	default:
		s.metrics.RecordRefresh(upstream.RefreshFailed)
		s.upstreamFailed(w, r, "refresh", err)
		return
	}
	s.metrics.RecordRefresh(upstream.RefreshOK)
	s.cookies.Write(w, pair)
	writeJSON(w, http.StatusOK, map[string]bool{"refreshed": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.cookies.Clear(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type meUser struct {
	Sub   string `json:"sub,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// handleMe reports the unverified identity in the access cookie.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	access := s.cookies.Read(r).Access
	claims, ok := credentials.SessionClaims(access)
	if !ok || credentials.AccessExpired(access, nowUTC(), 0) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": meUser{
		Sub:   claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
		Role:  claims.Role,
	}})
}

// handleBootstrap returns the conversation for a character, creating it on
// first use.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readJSONBody(w, r, true)
	if !ok {
		return
	}
	character := s.cfg.DefaultCharacter
	if c := strings.TrimSpace(gjson.GetBytes(body, "character").String()); c != "" {
		character = c
	}

	sess := upstream.NewSession(s.coord, s.cookies.Read(r))
	h, err := s.convs.GetOrCreate(r.Context(), sess, character)
	if rotated, ok := sess.Rotated(); ok {
		s.cookies.Write(w, rotated)
	}
	if err != nil {
		var se *upstream.StatusError
		switch {
		case errors.As(err, &se):
			detail := se.Detail
			if detail == "" {
				detail = http.StatusText(se.Status)
			}
			writeDetail(w, se.Status, detail)
		case errors.Is(err, upstream.ErrCharacterRequired):
			writeDetail(w, http.StatusBadRequest, err.Error())
		default:
			s.upstreamFailed(w, r, "bootstrap", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) readJSONBody(w http.ResponseWriter, r *http.Request, allowEmpty bool) ([]byte, bool) {
	b, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if int64(len(b)) > s.cfg.MaxBodyBytes {
		writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	if allowEmpty && len(strings.TrimSpace(string(b))) == 0 {
		return nil, true
	}
	if !gjson.ValidBytes(b) {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return b, true
}

// stripTokens drops credential fields from an upstream auth response.
func stripTokens(body []byte) []byte {
	out := body
	for _, key := range []string{"access", "refresh", "tokens.access", "tokens.refresh"} {
		if !gjson.GetBytes(out, key).Exists() {
			continue
		}
		if b, err := sjson.DeleteBytes(out, key); err == nil {
			out = b
		}
	}
	if len(strings.TrimSpace(string(out))) == 0 {
		return []byte("{}")
	}
	return out
}
