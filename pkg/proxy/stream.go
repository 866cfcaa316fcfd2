package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/lkarlslund/chatrelay/pkg/sse"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
	"github.com/tidwall/gjson"
)

var ErrStreamIdle = errors.New("upstream stream idle timeout")

// Reasons a relayed stream ended, used for metrics.
const (
	endEOF        = "eof"
	endClientGone = "client_gone"
	endIdle       = "idle"
	endUpstream   = "upstream_error"
)

// handleChatStream relays the upstream chat event stream to the browser,
// writing every chunk as soon as it is read.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := upstream.CaptureRequest(r, s.client.StreamPath(), s.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, upstream.ErrBodyTooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !gjson.ValidBytes(req.Body) {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if conversationID(gjson.GetBytes(req.Body, "conversation_id")) == "" {
		writeDetail(w, http.StatusBadRequest, "conversation_id required")
		return
	}
	req.ContentType = "application/json"
	req.Accept = "text/event-stream"
	req.RawQuery = ""

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	resp, ok := s.openStream(ctx, w, r, req)
	if !ok {
		return
	}
	defer resp.Body.Close()

	id := uuid.NewString()
	logger := s.logger.With("stream_id", id, "request_id", middleware.GetReqID(r.Context()))
	w.Header().Set("X-Stream-Id", id)
	reason, err := s.relayStream(cancel, w, resp, logger)
	switch {
	case errors.Is(err, ErrStreamIdle):
		logger.Warn("stream idle, closing", "error", err, "idle_timeout", s.streamIdle)
	case reason == endClientGone:
		logger.Info("stream client disconnected")
		return
	case err != nil:
		logger.Warn("stream upstream error", "error", err)
	default:
		return
	}
	// A truncated stream must not look finished to the browser: abort the
	// connection instead of writing the terminating chunk.
	panic(http.ErrAbortHandler)
}

// openStream applies the refresh policy to the stream call and answers the
// browser itself when no stream is available. Pre-stream failures are plain
// text.
func (s *Server) openStream(ctx context.Context, w http.ResponseWriter, r *http.Request, req *upstream.Request) (*http.Response, bool) {
	out, err := s.coord.Open(ctx, req, s.cookies.Read(r))
	s.writeRotated(w, out)
	if err != nil {
		s.metrics.RecordUpstreamError("stream")
		if r.Context().Err() == nil {
			s.logger.Warn("stream upstream unavailable", "error", err, "header_timeout", errors.Is(err, upstream.ErrHeaderTimeout))
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		}
		return nil, false
	}
	resp := out.Response
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		writeUpstreamText(w, resp)
		return nil, false
	}
	return resp, true
}

func writeUpstreamText(w http.ResponseWriter, resp *http.Response) {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	text := strings.TrimSpace(gjson.GetBytes(b, "detail").String())
	if text == "" {
		text = strings.TrimSpace(string(b))
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	http.Error(w, text, resp.StatusCode)
}

func (s *Server) relayStream(cancel context.CancelFunc, w http.ResponseWriter, resp *http.Response, logger *slog.Logger) (string, error) {
	h := w.Header()
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/event-stream"
	}
	h.Set("Content-Type", ct)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	s.metrics.StreamStarted()
	reason := endEOF
	defer func() { s.metrics.StreamEnded(reason) }()

	idle := watchIdle(s.streamIdle, cancel)
	defer idle.Stop()

	var re sse.Reassembler
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			idle.Touch()
			if _, err := w.Write(buf[:n]); err != nil {
				cancel()
				reason = endClientGone
				return reason, err
			}
			if flusher != nil {
				flusher.Flush()
			}
			s.metrics.RecordStreamBytes(n)
			for _, f := range re.Feed(buf[:n]) {
				s.observeFrame(f, logger)
			}
		}
		if errors.Is(readErr, io.EOF) {
			for _, f := range re.Flush() {
				s.observeFrame(f, logger)
			}
			return reason, nil
		}
		if readErr != nil {
			switch {
			case idle.Fired():
				reason = endIdle
				return reason, ErrStreamIdle
			case errors.Is(readErr, context.Canceled):
				reason = endClientGone
			default:
				reason = endUpstream
			}
			return reason, readErr
		}
	}
}

func (s *Server) observeFrame(f sse.Frame, logger *slog.Logger) {
	s.metrics.RecordFrame(f.Event)
	switch f.Event {
	case sse.EventStart:
		logger.Info("stream started", "message_id", gjson.Get(f.Data, "message_id").String())
	case sse.EventEnd:
		logger.Debug("stream end frame")
	}
}

// idleWatch cancels a stream that produced no bytes for d.
type idleWatch struct {
	d     time.Duration
	timer *time.Timer
	fired atomic.Bool
}

func watchIdle(d time.Duration, cancel context.CancelFunc) *idleWatch {
	w := &idleWatch{d: d}
	w.timer = time.AfterFunc(d, func() {
		w.fired.Store(true)
		cancel()
	})
	return w
}

func (w *idleWatch) Touch() { w.timer.Reset(w.d) }

func (w *idleWatch) Stop() { w.timer.Stop() }

func (w *idleWatch) Fired() bool { return w.fired.Load() }

func conversationID(v gjson.Result) string {
	switch v.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(v.String())
	}
	return ""
}

