package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/credentials"
)

const (
	PhaseInitial    = "initial"
	PhaseRefreshing = "refreshing"
	PhaseRetried    = "retried"
)

// Refresh results reported through Coordinator.OnRefresh.
const (
	RefreshOK       = "ok"
	RefreshSkipped  = "skipped"
	RefreshRejected = "rejected"
	RefreshEmpty    = "empty"
	RefreshFailed   = "error"
)

// Outcome is what the coordinator did for one logical request. Rotated is
// non-nil once a refresh succeeded, even if the retry then failed.
type Outcome struct {
	Response *http.Response
	Rotated  *credentials.Pair
	Attempts int
	Phase    string
}

// Coordinator applies the one-shot refresh-and-retry policy: a 401 with a
// refresh credential available triggers exactly one refresh and at most one
// retry of the same captured request.
type Coordinator struct {
	client *Client
	logger *slog.Logger

	// HeaderTimeout limits how long a streaming attempt may wait for the
	// upstream's response headers. Zero means no limit.
	HeaderTimeout time.Duration

	OnRefresh func(result string)
	OnAttempt func(phase string, status int)
}

// ErrHeaderTimeout is the cause of a TransportError when a streaming attempt
// produced no response headers within the coordinator's HeaderTimeout.
var ErrHeaderTimeout = errors.New("no response headers from upstream")

func NewCoordinator(client *Client, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{client: client, logger: logger}
}

func (c *Coordinator) Client() *Client { return c.client }

// Execute runs a non-streaming call. The request timeout bounds the whole
// call including a refresh and retry, and the retry alone is also bounded by
// the retry timeout. Deadlines live until the returned body is closed.
func (c *Coordinator) Execute(ctx context.Context, req *Request, creds credentials.Pair) (*Outcome, error) {
	o := c.client.opts
	var cancel context.CancelFunc
	if o.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	out, err := c.run(ctx, req, creds, attemptLimits{total: o.RetryTimeout, retryOnly: true})
	if err != nil || out.Response == nil {
		cancel()
		return out, err
	}
	out.Response.Body = &cancelOnClose{ReadCloser: out.Response.Body, cancel: cancel}
	return out, nil
}

// Open runs a streaming call. The policy only looks at the initial status,
// before any body byte is read. Each attempt must produce response headers
// within HeaderTimeout; no other deadline applies.
func (c *Coordinator) Open(ctx context.Context, req *Request, creds credentials.Pair) (*Outcome, error) {
	return c.run(ctx, req, creds, attemptLimits{header: c.HeaderTimeout})
}

// attemptLimits bounds a single upstream attempt. total applies until the
// body is closed (only to the retry when retryOnly is set); header applies
// until response headers arrive.
type attemptLimits struct {
	total     time.Duration
	retryOnly bool
	header    time.Duration
}

func (l attemptLimits) forPhase(phase string) attemptLimits {
	if l.retryOnly && phase != PhaseRetried {
		l.total = 0
	}
	return l
}

func (c *Coordinator) run(ctx context.Context, req *Request, creds credentials.Pair, limits attemptLimits) (*Outcome, error) {
	out := &Outcome{Phase: PhaseInitial, Attempts: 1}
	resp, err := c.attempt(ctx, req, creds.Access, limits.forPhase(PhaseInitial))
	if err != nil {
		return out, err
	}
	c.reportAttempt(PhaseInitial, resp.StatusCode)
	if resp.StatusCode != http.StatusUnauthorized {
		out.Response = resp
		return out, nil
	}
	if !creds.HasRefresh() {
		c.reportRefresh(RefreshSkipped)
		out.Response = resp
		return out, nil
	}

	out.Phase = PhaseRefreshing
	refreshCtx, cancel := context.WithTimeout(ctx, c.client.opts.RefreshTimeout)
	rotated, err := c.client.Refresh(refreshCtx, creds.Refresh)
	cancel()
	if err != nil {
		c.reportRefresh(refreshResult(err))
		c.logger.Warn("upstream refresh failed", "path", req.Path, "error", err)
		// the original 401 is returned untouched
		out.Response = resp
		return out, nil
	}
	c.reportRefresh(RefreshOK)
	_ = resp.Body.Close()
	out.Rotated = &rotated

	out.Phase = PhaseRetried
	out.Attempts = 2
	resp, err = c.attempt(ctx, req, rotated.Access, limits.forPhase(PhaseRetried))
	if err != nil {
		return out, err
	}
	c.reportAttempt(PhaseRetried, resp.StatusCode)
	out.Response = resp
	return out, nil
}

func (c *Coordinator) attempt(ctx context.Context, req *Request, access string, limits attemptLimits) (*http.Response, error) {
	var cancel context.CancelFunc
	if limits.total > 0 {
		ctx, cancel = context.WithTimeout(ctx, limits.total)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	var headerTimer *time.Timer
	if limits.header > 0 {
		headerTimer = time.AfterFunc(limits.header, cancel)
	}
	resp, err := c.client.Do(ctx, req, access)
	// Stop reports false once the timer has fired, even if Do won the race.
	headerExpired := headerTimer != nil && !headerTimer.Stop()
	if err == nil && headerExpired {
		_ = resp.Body.Close()
		err = &TransportError{Op: req.Method, URL: req.Path, Err: ErrHeaderTimeout}
	}
	if err != nil {
		cancel()
		var te *TransportError
		if headerExpired && errors.As(err, &te) {
			te.Err = ErrHeaderTimeout
		}
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Coordinator) reportRefresh(result string) {
	if c.OnRefresh != nil {
		c.OnRefresh(result)
	}
}

func (c *Coordinator) reportAttempt(phase string, status int) {
	if c.OnAttempt != nil {
		c.OnAttempt(phase, status)
	}
}

func refreshResult(err error) string {
	switch {
	case errors.Is(err, ErrRefreshRejected):
		return RefreshRejected
	case errors.Is(err, ErrNoAccessToken):
		return RefreshEmpty
	default:
		return RefreshFailed
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Session carries one browser request's credentials across the upstream
// calls it makes, so a rotation in an early call is used by later ones.
type Session struct {
	coord *Coordinator

	mu      sync.Mutex
	current credentials.Pair
	rotated *credentials.Pair
}

func NewSession(coord *Coordinator, pair credentials.Pair) *Session {
	return &Session{coord: coord, current: pair}
}

func (s *Session) Credentials() credentials.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Do executes req with the session's current credentials.
func (s *Session) Do(ctx context.Context, req *Request) (*http.Response, error) {
	out, err := s.coord.Execute(ctx, req, s.Credentials())
	s.absorb(out)
	if err != nil {
		return nil, err
	}
	return out.Response, nil
}

// Open is Do for streaming calls.
func (s *Session) Open(ctx context.Context, req *Request) (*http.Response, error) {
	out, err := s.coord.Open(ctx, req, s.Credentials())
	s.absorb(out)
	if err != nil {
		return nil, err
	}
	return out.Response, nil
}

// Rotated returns the credentials to write back to the browser, if any call
// in this session refreshed them.
func (s *Session) Rotated() (credentials.Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rotated == nil {
		return credentials.Pair{}, false
	}
	return *s.rotated, true
}

func (s *Session) absorb(out *Outcome) {
	if out == nil || out.Rotated == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Access = out.Rotated.Access
	if out.Rotated.Refresh != "" {
		s.current.Refresh = out.Rotated.Refresh
	}
	next := credentials.Pair{Access: out.Rotated.Access}
	if out.Rotated.Refresh != "" {
		next.Refresh = out.Rotated.Refresh
	} else if s.rotated != nil {
		next.Refresh = s.rotated.Refresh
	}
	s.rotated = &next
}
