// Package credentials keeps the browser's credential pair in cookies and
// reads unverified claims out of access tokens.
package credentials

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/tidwall/gjson"
)

// Pair is the access and refresh credential held by one browser session.
// An empty Refresh means no refresh is possible.
type Pair struct {
	Access  string
	Refresh string
}

func (p Pair) HasAccess() bool  { return p.Access != "" }
func (p Pair) HasRefresh() bool { return p.Refresh != "" }

// CookieStore maps a Pair onto HttpOnly cookies.
type CookieStore struct {
	AccessName        string
	RefreshName       string
	LegacyAccessNames []string
	Path              string
	Domain            string
	Secure            bool
	AccessMaxAge      time.Duration
	RefreshMaxAge     time.Duration
}

func NewCookieStore(cfg config.CookieConfig, secure bool) *CookieStore {
	return &CookieStore{
		AccessName:        cfg.AccessName,
		RefreshName:       cfg.RefreshName,
		LegacyAccessNames: append([]string(nil), cfg.LegacyAccessNames...),
		Path:              cfg.Path,
		Domain:            cfg.Domain,
		Secure:            secure,
		AccessMaxAge:      time.Duration(cfg.AccessMaxAgeSeconds) * time.Second,
		RefreshMaxAge:     time.Duration(cfg.RefreshMaxAgeSeconds) * time.Second,
	}
}

// Read returns the pair carried by r. Missing cookies yield empty fields.
func (s *CookieStore) Read(r *http.Request) Pair {
	var p Pair
	p.Access = cookieValue(r, s.AccessName)
	for _, name := range s.LegacyAccessNames {
		if p.Access != "" {
			break
		}
		p.Access = cookieValue(r, name)
	}
	p.Refresh = cookieValue(r, s.RefreshName)
	return p
}

// Write stores p. The refresh cookie is only touched when p carries one, so
// an access-only rotation keeps the existing refresh credential.
func (s *CookieStore) Write(w http.ResponseWriter, p Pair) {
	for _, c := range s.Cookies(p) {
		http.SetCookie(w, c)
	}
}

// Cookies returns the cookies Write would set, for responses that are not
// written through a ResponseWriter such as websocket upgrades.
func (s *CookieStore) Cookies(p Pair) []*http.Cookie {
	var out []*http.Cookie
	if p.Access != "" {
		out = append(out, s.cookie(s.AccessName, p.Access, s.AccessMaxAge))
	}
	if p.Refresh != "" {
		out = append(out, s.cookie(s.RefreshName, p.Refresh, s.RefreshMaxAge))
	}
	return out
}

// Clear expires every credential cookie together.
func (s *CookieStore) Clear(w http.ResponseWriter) {
	names := append([]string{s.AccessName, s.RefreshName}, s.LegacyAccessNames...)
	for _, name := range names {
		c := s.cookie(name, "", 0)
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}

func (s *CookieStore) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	path := s.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   s.Domain,
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func cookieValue(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

// Claims is the unverified identity carried in an access token.
type Claims struct {
	Subject   string    `json:"sub,omitempty"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role,omitempty"`
	ExpiresAt time.Time `json:"exp"`
}

// SessionClaims decodes the payload segment of a JWT without verifying its
// signature. The upstream stays the authority on validity.
func SessionClaims(token string) (Claims, bool) {
	payload, ok := jwtPayload(token)
	if !ok {
		return Claims{}, false
	}
	res := gjson.ParseBytes(payload)
	c := Claims{
		Subject: res.Get("sub").String(),
		Email:   res.Get("email").String(),
		Name:    firstNonEmpty(res.Get("name").String(), res.Get("username").String()),
		Role:    res.Get("role").String(),
	}
	if c.Subject == "" {
		c.Subject = res.Get("user_id").String()
	}
	if exp := res.Get("exp"); exp.Exists() {
		c.ExpiresAt = time.Unix(exp.Int(), 0).UTC()
	}
	return c, true
}

// AccessExpired reports whether token expires within leeway of now.
// Opaque tokens are never considered expired; malformed JWTs always are.
func AccessExpired(token string, now time.Time, leeway time.Duration) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return true
	}
	if strings.Count(token, ".") != 2 {
		return false
	}
	claims, ok := SessionClaims(token)
	if !ok {
		return true
	}
	if claims.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(claims.ExpiresAt)
}

func jwtPayload(token string) ([]byte, bool) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil, false
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, false
	}
	if !gjson.ValidBytes(b) || !gjson.ParseBytes(b).IsObject() {
		return nil, false
	}
	return b, true
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
