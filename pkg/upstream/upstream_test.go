package upstream

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/credentials"
)

// fakeUpstream is a chat API double. Access tokens in valid are accepted;
// refresh tokens in refreshable map to a new access token.
type fakeUpstream struct {
	mu          sync.Mutex
	valid       map[string]bool
	refreshable map[string]string
	rotate      string
	calls       []recordedCall
	refreshes   int

	conversations []map[string]string
	handler       func(w http.ResponseWriter, r *http.Request) bool
}

type recordedCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
	Header http.Header
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		valid:       map[string]bool{"good": true},
		refreshable: map[string]string{},
	}
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if r.URL.Path == "/api/auth/refresh" {
		f.mu.Lock()
		f.refreshes++
		var in struct {
			Refresh string `json:"refresh"`
		}
		_ = json.Unmarshal(body, &in)
		access, ok := f.refreshable[in.Refresh]
		if ok && access != "" {
			f.valid[access] = true
		}
		rotate := f.rotate
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Token is invalid or expired"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		out := map[string]string{"access": access}
		if rotate != "" {
			out["refresh"] = rotate
		}
		_ = json.NewEncoder(w).Encode(out)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   string(body),
		Header: r.Header.Clone(),
	})
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	authorized := f.valid[token]
	handler := f.handler
	f.mu.Unlock()

	if !authorized {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Given token not valid for any token type","code":"token_not_valid"}`)
		return
	}
	if handler != nil && handler(w, r) {
		return
	}
	switch {
	case r.URL.Path == "/api/conversations" && r.Method == http.MethodGet:
		f.mu.Lock()
		items := append([]map[string]string(nil), f.conversations...)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"count": len(items), "results": items})
	case r.URL.Path == "/api/conversations" && r.Method == http.MethodPost:
		var in struct {
			Character string `json:"character"`
		}
		_ = json.Unmarshal(body, &in)
		f.mu.Lock()
		item := map[string]string{
			"id":        "conv-" + strings.ToLower(in.Character) + "-" + string(rune('0'+len(f.conversations))),
			"character": in.Character,
			"title":     "",
		}
		f.conversations = append([]map[string]string{item}, f.conversations...)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(item)
	default:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"path":"`+r.URL.Path+`"}`)
	}
}

func (f *fakeUpstream) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func (f *fakeUpstream) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func newTestCoordinator(t *testing.T, f http.Handler) (*Coordinator, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	resolver, err := NewResolver(srv.URL+"/api", "api")
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	client := NewClient(resolver, nil, Options{
		RequestTimeout: 5 * time.Second,
		RefreshTimeout: 2 * time.Second,
		RetryTimeout:   3 * time.Second,
	})
	return NewCoordinator(client, nil), srv
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestCaptureRequestReadsBodyOnce(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/proxy/conversations?x=1", strings.NewReader(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")
	req, err := CaptureRequest(r, "conversations", 1024)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if req.Method != http.MethodPost || req.Path != "conversations" || req.RawQuery != "x=1" || req.ContentType != "application/json" {
		t.Fatalf("unexpected capture %+v", req)
	}
	if string(req.Body) != `{"a":1}` {
		t.Fatalf("unexpected body %q", req.Body)
	}

	get := httptest.NewRequest(http.MethodGet, "/api/proxy/conversations", strings.NewReader("ignored"))
	req, err = CaptureRequest(get, "conversations", 1024)
	if err != nil {
		t.Fatalf("capture get: %v", err)
	}
	if req.Body != nil {
		t.Fatalf("GET body should not be captured")
	}
}

func TestCaptureRequestRejectsOversizedBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 11)))
	if _, err := CaptureRequest(r, "x", 10); err != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	r = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 10)))
	if _, err := CaptureRequest(r, "x", 10); err != nil {
		t.Fatalf("body at the limit should pass: %v", err)
	}
}

func TestClientForwardsOnlyAllowedHeaders(t *testing.T) {
	f := newFakeUpstream()
	coord, _ := newTestCoordinator(t, f)
	req := &Request{Method: http.MethodPost, Path: "api/conversations/1/messages/create", ContentType: "application/json", Body: []byte(`{}`)}
	resp, err := coord.Client().Do(t.Context(), req, "good")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	_ = readAll(t, resp)
	calls := f.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	c := calls[0]
	if c.Path != "/api/conversations/1/messages/create" {
		t.Fatalf("prefix should not be duplicated, got %q", c.Path)
	}
	if c.Auth != "Bearer good" || c.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected headers %v", c.Header)
	}
	if c.Header.Get("Cookie") != "" || c.Header.Get("Accept") != "" {
		t.Fatalf("unexpected extra headers %v", c.Header)
	}
}

func TestClientDoesNotFollowRedirects(t *testing.T) {
	coord, _ := newTestCoordinator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	resp, err := coord.Client().Do(t.Context(), &Request{Method: http.MethodGet, Path: "x"}, "")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/elsewhere" {
		t.Fatalf("expected redirect passthrough, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestClientTransportErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	resolver, err := NewResolver(base, "api")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	client := NewClient(resolver, nil, Options{})
	_, err = client.Do(t.Context(), &Request{Method: http.MethodGet, Path: "x"}, "")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T %v", err, err)
	}
}

func TestRefreshErrors(t *testing.T) {
	f := newFakeUpstream()
	f.refreshable["r-empty"] = ""
	coord, _ := newTestCoordinator(t, f)
	client := coord.Client()

	if _, err := client.Refresh(t.Context(), ""); err != ErrNoRefreshCredential {
		t.Fatalf("expected ErrNoRefreshCredential, got %v", err)
	}
	if _, err := client.Refresh(t.Context(), "unknown"); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected ErrRefreshRejected, got %v", err)
	}
	if _, err := client.Refresh(t.Context(), "r-empty"); !errors.Is(err, ErrNoAccessToken) {
		t.Fatalf("expected ErrNoAccessToken, got %v", err)
	}
}

func TestAuthenticateExtractsPair(t *testing.T) {
	coord, _ := newTestCoordinator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"access":"a","refresh":"r","user":{"id":1}}`)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"detail":"Username taken"}`)
		}
	}))
	res, err := coord.Client().Authenticate(t.Context(), AuthLogin, []byte(`{"username":"u","password":"p"}`))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !res.OK() || res.Pair != (credentials.Pair{Access: "a", Refresh: "r"}) {
		t.Fatalf("unexpected result %+v", res)
	}
	res, err = coord.Client().Authenticate(t.Context(), AuthRegister, []byte(`{}`))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.OK() || res.Status != http.StatusBadRequest || res.Detail("Registration failed") != "Username taken" {
		t.Fatalf("unexpected failure result %+v", res)
	}
	if res.Pair.HasAccess() {
		t.Fatalf("failed auth should not yield credentials")
	}
}

func TestParseAuthKind(t *testing.T) {
	if k, ok := ParseAuthKind(" Google "); !ok || k != AuthGoogle {
		t.Fatalf("unexpected kind %q %v", k, ok)
	}
	if _, ok := ParseAuthKind("admin"); ok {
		t.Fatalf("unknown kind should be rejected")
	}
}
