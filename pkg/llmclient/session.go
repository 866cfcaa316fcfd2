package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/credentials"
	"github.com/lkarlslund/chatrelay/pkg/sse"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
	"github.com/lkarlslund/chatrelay/pkg/version"
	"github.com/tidwall/gjson"
)

var ErrNotLoggedIn = errors.New("not logged in")

// Session is a command line chat session against the upstream API. It uses
// the same refresh policy as the relay and keeps rotated credentials so the
// caller can persist them.
type Session struct {
	upstreamURL    string
	conversationID string
	logger         *slog.Logger
	transport      http.RoundTripper
	conversations  *ConversationCache

	client *upstream.Client
	coord  *upstream.Coordinator
	convs  *upstream.Conversations
	sess   *upstream.Session
}

type Option func(*Session)

// WithConversationID pins the session to an existing conversation and skips
// the lookup by character.
func WithConversationID(id string) Option {
	cid := strings.TrimSpace(id)
	return func(s *Session) {
		s.conversationID = cid
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(s *Session) {
		s.transport = rt
	}
}

// WithConversationCache remembers conversation ids between runs.
func WithConversationCache(c *ConversationCache) Option {
	return func(s *Session) {
		s.conversations = c
	}
}

func NewSession(cfg *config.ClientConfig, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("client config is required")
	}
	resolver, err := upstream.NewResolver(cfg.UpstreamURL, cfg.APIPrefix)
	if err != nil {
		return nil, fmt.Errorf("upstream_url: %w", err)
	}
	s := &Session{upstreamURL: resolver.Base(), logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	base := s.transport
	if base == nil {
		base = upstream.NewTransport(upstream.Options{})
	}
	s.client = upstream.NewClient(resolver, userAgentRoundTripper{
		Base:      base,
		UserAgent: version.UserAgent("chatrelay"),
	}, upstream.Options{})
	s.coord = upstream.NewCoordinator(s.client, s.logger)
	s.convs = upstream.NewConversations(false)
	s.sess = upstream.NewSession(s.coord, credentials.Pair{Access: cfg.Access, Refresh: cfg.Refresh})
	return s, nil
}

// Credentials returns the pair in use, including any rotation.
func (s *Session) Credentials() credentials.Pair { return s.sess.Credentials() }

// Login authenticates with the upstream and switches the session to the
// issued pair.
func (s *Session) Login(ctx context.Context, kind upstream.AuthKind, body []byte) error {
	res, err := s.client.Authenticate(ctx, kind, body)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &upstream.StatusError{Status: res.Status, Detail: res.Detail(http.StatusText(res.Status))}
	}
	if !res.Pair.HasAccess() {
		return upstream.ErrNoAccessToken
	}
	s.sess = upstream.NewSession(s.coord, res.Pair)
	return nil
}

// Conversation returns the conversation messages go to: the pinned one, a
// cached one, or the one the upstream finds or creates for character.
func (s *Session) Conversation(ctx context.Context, character string) (upstream.ConversationHandle, error) {
	if s.conversationID != "" {
		return upstream.ConversationHandle{ID: s.conversationID, Character: character}, nil
	}
	if h, ok := s.conversations.Lookup(s.upstreamURL, character); ok {
		return h, nil
	}
	return s.bootstrap(ctx, character)
}

func (s *Session) bootstrap(ctx context.Context, character string) (upstream.ConversationHandle, error) {
	if !s.Credentials().HasAccess() && !s.Credentials().HasRefresh() {
		return upstream.ConversationHandle{}, ErrNotLoggedIn
	}
	h, err := s.convs.GetOrCreate(ctx, s.sess, character)
	if err != nil {
		return upstream.ConversationHandle{}, err
	}
	if err := s.conversations.Store(s.upstreamURL, character, h); err != nil {
		s.logger.Warn("could not save conversation cache", "error", err)
	}
	return h, nil
}

// Send stores prompt as a user message, then streams the reply, calling
// onDelta with each piece of text as it arrives.
func (s *Session) Send(ctx context.Context, character, prompt string, onDelta func(string)) (*sse.Transcript, error) {
	h, err := s.Conversation(ctx, character)
	if err != nil {
		return nil, err
	}
	_, err = s.convs.CreateMessage(ctx, s.sess, h.ID, prompt)
	var se *upstream.StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound && s.conversationID == "" {
		// cached conversation was deleted upstream
		s.logger.Debug("conversation gone, looking up again", "conversation_id", h.ID)
		_ = s.conversations.Forget(s.upstreamURL, character)
		if h, err = s.bootstrap(ctx, character); err != nil {
			return nil, err
		}
		_, err = s.convs.CreateMessage(ctx, s.sess, h.ID, prompt)
	}
	if err != nil {
		return nil, err
	}
	return s.stream(ctx, h.ID, prompt, onDelta)
}

func (s *Session) stream(ctx context.Context, conversationID, prompt string, onDelta func(string)) (*sse.Transcript, error) {
	body, err := json.Marshal(map[string]any{
		"conversation_id":     conversationID,
		"prompt":              prompt,
		"create_user_message": false,
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.sess.Open(ctx, &upstream.Request{
		Method:      http.MethodPost,
		Path:        s.client.StreamPath(),
		ContentType: "application/json",
		Accept:      "text/event-stream",
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		detail := strings.TrimSpace(gjson.GetBytes(b, "detail").String())
		if detail == "" {
			detail = strings.TrimSpace(string(b))
		}
		return nil, &upstream.StatusError{Status: resp.StatusCode, Detail: detail}
	}

	tr := &sse.Transcript{}
	for f, err := range sse.Frames(resp.Body) {
		if err != nil {
			return tr, fmt.Errorf("read reply stream: %w", err)
		}
		if delta := tr.Apply(f); delta != "" && onDelta != nil {
			onDelta(delta)
		}
	}
	return tr, nil
}

// userAgentRoundTripper stamps every outbound request with the CLI's
// user agent.
type userAgentRoundTripper struct {
	Base      http.RoundTripper
	UserAgent string
}

func (rt userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	if ua := strings.TrimSpace(rt.UserAgent); ua != "" {
		out.Header.Set("User-Agent", ua)
	}
	return base.RoundTrip(out)
}
