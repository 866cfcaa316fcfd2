package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/sse"
)

func TestChatStreamEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	env.api.handle(http.MethodPost, "/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, startFrame, hiFrame, thereFrame, endFrame)
	})

	resp := env.do(t, http.MethodPost, "/api/chat", `{"conversation_id":"c1","prompt":"hello"}`, cookie("access", "good"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if resp.Header.Get("Cache-Control") != "no-cache" || resp.Header.Get("X-Stream-Id") == "" {
		t.Fatalf("missing stream headers: %v", resp.Header)
	}

	var tr sse.Transcript
	for f, err := range sse.Frames(resp.Body) {
		if err != nil {
			t.Fatalf("read frames: %v", err)
		}
		tr.Apply(f)
	}
	if tr.Text() != "Hi there" || !tr.Started || !tr.Ended || tr.MessageID != "11" {
		t.Fatalf("unexpected transcript %+v text %q", &tr, tr.Text())
	}

	calls := env.api.Calls()
	if len(calls) != 1 || calls[0].Body != `{"conversation_id":"c1","prompt":"hello"}` {
		t.Fatalf("stream body should be forwarded verbatim, got %+v", calls)
	}
}

func TestChatStreamRefreshesBeforeFirstByte(t *testing.T) {
	env := newTestEnv(t, nil)
	env.api.refreshable["r1"] = "fresh"
	env.api.handle(http.MethodPost, "/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, startFrame, endFrame)
	})

	resp := env.do(t, http.MethodPost, "/api/chat", `{"conversation_id":7}`, cookie("access", "stale"), cookie("refresh", "r1"))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "event: end") {
		t.Fatalf("unexpected stream %d %q", resp.StatusCode, body)
	}
	if c := responseCookies(resp)["access"]; c == nil || c.Value != "fresh" {
		t.Fatalf("expected rotated access cookie, got %+v", resp.Cookies())
	}
	calls := env.api.Calls()
	if len(calls) != 2 || calls[1].Auth != "Bearer fresh" || calls[0].Body != calls[1].Body {
		t.Fatalf("unexpected upstream calls %+v", calls)
	}
}

func TestChatStreamValidatesRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := map[string]string{
		"not json":   `{"conversation_id":`,
		"missing id": `{"prompt":"hi"}`,
		"empty id":   `{"conversation_id":"  "}`,
		"object id":  `{"conversation_id":{}}`,
		"empty body": ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/chat", body, cookie("access", "good"))
			_ = readBody(t, resp)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
	if n := len(env.api.Calls()); n != 0 {
		t.Fatalf("invalid requests reached upstream %d times", n)
	}
}

func TestChatStreamUpstreamErrorIsPlainText(t *testing.T) {
	env := newTestEnv(t, nil)
	env.api.handle(http.MethodPost, "/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Conversation not found"})
	})

	resp := env.do(t, http.MethodPost, "/api/chat", `{"conversation_id":"missing"}`, cookie("access", "good"))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected upstream status, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") || strings.TrimSpace(body) != "Conversation not found" {
		t.Fatalf("expected plain text detail, got %q %q", resp.Header.Get("Content-Type"), body)
	}
}

func TestChatStreamTransportErrorIs502(t *testing.T) {
	env := newTestEnv(t, nil)
	env.up.Close()
	resp := env.do(t, http.MethodPost, "/api/chat", `{"conversation_id":"c1"}`, cookie("access", "good"))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadGateway || strings.TrimSpace(body) != "upstream unavailable" {
		t.Fatalf("expected 502 text, got %d %q", resp.StatusCode, body)
	}
}

func TestChatStreamRelaysIncrementally(t *testing.T) {
	env := newTestEnv(t, nil)
	release := make(chan struct{})
	env.api.handle(http.MethodPost, "/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, startFrame, hiFrame)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		case <-time.After(5 * time.Second):
		}
		writeSSE(w, thereFrame, endFrame)
	})

	resp := env.do(t, http.MethodPost, "/api/chat", `{"conversation_id":"c1"}`, cookie("access", "good"))
	defer resp.Body.Close()
	rd := sse.NewReader(resp.Body)

	got := make(chan sse.Frame, 2)
	go func() {
		for range 2 {
			f, err := rd.Next()
			if err != nil {
				close(got)
				return
			}
			got <- f
		}
	}()
	for _, want := range []string{sse.EventStart, sse.EventToken} {
		select {
		case f, ok := <-got:
			if !ok || f.Event != want {
				t.Fatalf("expected %q frame before upstream finished, got %+v", want, f)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %q was buffered instead of relayed", want)
		}
	}
	close(release)

	var tail []string
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read tail: %v", err)
		}
		tail = append(tail, f.Event)
	}
	if strings.Join(tail, ",") != "token,end" {
		t.Fatalf("unexpected tail frames %v", tail)
	}
}

func TestChatStreamClientDisconnectCancelsUpstream(t *testing.T) {
	env := newTestEnv(t, nil)
	upstreamDone := make(chan struct{})
	env.api.handle(http.MethodPost, "/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		writeSSE(w, startFrame)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithCancel(t.Context())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.relay.URL+"/api/chat", strings.NewReader(`{"conversation_id":"c1"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.AddCookie(cookie("access", "good"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if _, err := sse.NewReader(resp.Body).Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	cancel()

	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream request was not cancelled after the client left")
	}
}

func TestChatStreamIdleTimeoutEndsStream(t *testing.T) {
	env := newTestEnv(t, nil, WithStreamIdleTimeout(100*time.Millisecond))
	upstreamDone := make(chan struct{})
	env.api.handle(http.MethodPost, "/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		writeSSE(w, startFrame)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	start := time.Now()
	resp := env.do(t, http.MethodPost, "/api/chat", `{"conversation_id":"c1"}`, cookie("access", "good"))
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("idle stream ended cleanly, body %q", b)
	}
	if body := string(b); !strings.Contains(body, "event: start") || strings.Contains(body, "event: end") {
		t.Fatalf("unexpected idle stream body %q", body)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("idle stream took %s to close", elapsed)
	}
	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream request survived the idle timeout")
	}
}

func TestChatStreamIdleBeforeHeaders(t *testing.T) {
	env := newTestEnv(t, nil, WithStreamIdleTimeout(100*time.Millisecond))
	upstreamDone := make(chan struct{})
	env.api.handle(http.MethodPost, "/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		select {
		case <-r.Context().Done():
		case <-time.After(4 * time.Second):
		}
	})

	start := time.Now()
	resp := env.do(t, http.MethodPost, "/api/chat", `{"conversation_id":"c1"}`, cookie("access", "good"))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "upstream unavailable") {
		t.Fatalf("expected 502 for silent upstream, got %d %q", resp.StatusCode, body)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("silent upstream held the relay for %s", elapsed)
	}
	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream request survived the header deadline")
	}
	if n := len(env.api.Calls()); n != 1 {
		t.Fatalf("expected one upstream call, got %d", n)
	}
}

func TestChatStreamUpstreamFailureAbortsBrowser(t *testing.T) {
	env := newTestEnv(t, nil)
	env.api.handle(http.MethodPost, "/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, startFrame)
		panic(http.ErrAbortHandler)
	})

	resp := env.do(t, http.MethodPost, "/api/chat", `{"conversation_id":"c1"}`, cookie("access", "good"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("truncated stream ended cleanly, body %q", b)
	}
	if !strings.Contains(string(b), "event: start") {
		t.Fatalf("frames before the failure were not relayed: %q", b)
	}
	if n := len(env.api.Calls()); n != 1 {
		t.Fatalf("expected one upstream call, got %d", n)
	}
	if n := env.api.Refreshes(); n != 0 {
		t.Fatalf("expected no refresh, got %d", n)
	}
}
