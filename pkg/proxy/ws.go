package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lkarlslund/chatrelay/pkg/sse"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

// handleChatWebSocket serves the chat stream over a websocket, one JSON text
// message per reassembled frame. The upstream stream is opened before the
// upgrade so failures and rotated cookies use a normal HTTP response.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeDetail(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}
	q := r.URL.Query()
	convID := strings.TrimSpace(q.Get("conversation_id"))
	if convID == "" {
		writeDetail(w, http.StatusBadRequest, "conversation_id required")
		return
	}
	createUserMessage := true
	if raw := q.Get("create_user_message"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "create_user_message must be a boolean")
			return
		}
		createUserMessage = v
	}
	body, err := json.Marshal(map[string]any{
		"conversation_id":     convID,
		"prompt":              q.Get("prompt"),
		"create_user_message": createUserMessage,
	})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "encode stream request")
		return
	}
	req := &upstream.Request{
		Method:      http.MethodPost,
		Path:        s.client.StreamPath(),
		ContentType: "application/json",
		Accept:      "text/event-stream",
		Body:        body,
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	out, err := s.coord.Open(ctx, req, s.cookies.Read(r))
	if err != nil {
		s.writeRotated(w, out)
		s.metrics.RecordUpstreamError("stream_ws")
		s.logger.Warn("websocket stream upstream unavailable", "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	resp := out.Response
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.writeRotated(w, out)
		writeUpstreamText(w, resp)
		return
	}

	id := uuid.NewString()
	header := http.Header{}
	header.Set("X-Stream-Id", id)
	if out.Rotated != nil {
		for _, c := range s.cookies.Cookies(*out.Rotated) {
			header.Add("Set-Cookie", c.String())
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade already answered the client
		return
	}
	defer conn.Close()

	logger := s.logger.With("stream_id", id, "request_id", middleware.GetReqID(r.Context()), "transport", "websocket")
	s.metrics.StreamStarted()
	reason := endEOF
	defer func() { s.metrics.StreamEnded(reason) }()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	idle := watchIdle(s.streamIdle, cancel)
	defer idle.Stop()
	src := &touchReader{r: resp.Body, idle: idle, metrics: s.metrics}

	var streamErr error
	for f, err := range sse.Frames(src) {
		if err != nil {
			streamErr = err
			break
		}
		s.observeFrame(f, logger)
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(f); err != nil {
			cancel()
			reason = endClientGone
			logger.Info("websocket client disconnected", "error", err)
			return
		}
	}

	code, text := websocket.CloseNormalClosure, ""
	switch {
	case streamErr == nil:
	case idle.Fired():
		reason = endIdle
		code, text = websocket.CloseInternalServerErr, ErrStreamIdle.Error()
		logger.Warn("stream idle, closing", "error", ErrStreamIdle, "idle_timeout", s.streamIdle)
	case errors.Is(streamErr, context.Canceled):
		reason = endClientGone
		select {
		case <-clientGone:
			logger.Info("websocket client disconnected")
			return
		default:
		}
		code, text = websocket.CloseGoingAway, "relay shutting down"
	default:
		reason = endUpstream
		code, text = websocket.CloseInternalServerErr, "upstream stream error"
		logger.Warn("stream upstream error", "error", streamErr)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}

// touchReader resets the idle watch and counts bytes as they arrive.
type touchReader struct {
	r       io.Reader
	idle    *idleWatch
	metrics *Metrics
}

func (t *touchReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.idle.Touch()
		t.metrics.RecordStreamBytes(n)
	}
	return n, err
}
