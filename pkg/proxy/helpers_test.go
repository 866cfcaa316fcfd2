package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lkarlslund/chatrelay/pkg/config"
)

// chatAPI is a stand-in for the upstream chat service.
type chatAPI struct {
	mu          sync.Mutex
	valid       map[string]bool
	refreshable map[string]string
	calls       []apiCall
	refreshes   int

	routes map[string]http.HandlerFunc
}

type apiCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Cookie string
	Body   string
}

func newChatAPI() *chatAPI {
	return &chatAPI{
		valid:       map[string]bool{"good": true},
		refreshable: map[string]string{},
		routes:      map[string]http.HandlerFunc{},
	}
}

func (a *chatAPI) handle(method, path string, h http.HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes[method+" "+path] = h
}

func (a *chatAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(strings.NewReader(string(body)))

	if r.URL.Path == "/api/auth/refresh" {
		var in struct {
			Refresh string `json:"refresh"`
		}
		_ = json.Unmarshal(body, &in)
		a.mu.Lock()
		a.refreshes++
		access, ok := a.refreshable[in.Refresh]
		if ok {
			a.valid[access] = true
		}
		a.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access": access})
		return
	}

	a.mu.Lock()
	a.calls = append(a.calls, apiCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Cookie: r.Header.Get("Cookie"),
		Body:   string(body),
	})
	h := a.routes[r.Method+" "+r.URL.Path]
	public := strings.HasPrefix(r.URL.Path, "/api/auth/")
	authorized := a.valid[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	a.mu.Unlock()

	if !public && !authorized {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid for any token type"})
		return
	}
	if h == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	h(w, r)
}

func (a *chatAPI) Calls() []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]apiCall(nil), a.calls...)
}

func (a *chatAPI) Refreshes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

type testEnv struct {
	api    *chatAPI
	up     *httptest.Server
	server *Server
	relay  *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig), opts ...Option) *testEnv {
	t.Helper()
	api := newChatAPI()
	up := httptest.NewServer(api)
	t.Cleanup(up.Close)

	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.BaseURL = up.URL + "/api"
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	relay := httptest.NewServer(s.Handler())
	t.Cleanup(relay.Close)
	return &testEnv{api: api, up: up, server: s, relay: relay}
}

func (e *testEnv) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.relay.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func cookie(name, value string) *http.Cookie {
	return &http.Cookie{Name: name, Value: value}
}

func responseCookies(resp *http.Response) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range resp.Cookies() {
		out[c.Name] = c
	}
	return out
}

func writeSSE(w http.ResponseWriter, frames ...string) {
	for _, f := range frames {
		_, _ = io.WriteString(w, f)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
	}
}

const (
	startFrame = "event: start\ndata: {\"message_id\": 11, \"ts\": \"2025-01-01T00:00:00\"}\n\n"
	hiFrame    = "event: token\ndata: {\"delta\": \"Hi\"}\n\n"
	thereFrame = "event: token\ndata: {\"delta\": \" there\"}\n\n"
	endFrame   = "event: end\ndata: {\"ts\": \"2025-01-01T00:00:01\"}\n\n"
)
