// Package upstream forwards calls to the chat API on behalf of a browser
// session and recovers once from an expired access credential.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/credentials"
	"github.com/tidwall/gjson"
)

var (
	ErrBodyTooLarge        = errors.New("request body too large")
	ErrNoRefreshCredential = errors.New("no refresh credential")
	ErrRefreshRejected     = errors.New("refresh rejected by upstream")
	ErrNoAccessToken       = errors.New("refresh response carried no access token")
)

// TransportError is a failure to get any HTTP response from the upstream.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Request is a captured inbound call. Body is read once and replayed as-is
// on every attempt.
type Request struct {
	Method      string
	Path        string
	RawQuery    string
	ContentType string
	Accept      string
	Body        []byte
}

// CaptureRequest snapshots r so it can be sent more than once.
func CaptureRequest(r *http.Request, logicalPath string, maxBytes int64) (*Request, error) {
	req := &Request{
		Method:      r.Method,
		Path:        logicalPath,
		RawQuery:    r.URL.RawQuery,
		ContentType: r.Header.Get("Content-Type"),
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil {
		return req, nil
	}
	body, err := readLimited(r.Body, maxBytes)
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

type Options struct {
	RefreshPath       string
	StreamPath        string
	RequestTimeout    time.Duration
	RefreshTimeout    time.Duration
	RetryTimeout      time.Duration
	StreamIdleTimeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

func OptionsFromConfig(cfg config.UpstreamConfig) Options {
	return Options{
		RefreshPath:         cfg.RefreshPath,
		StreamPath:          cfg.StreamPath,
		RequestTimeout:      time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		RefreshTimeout:      time.Duration(cfg.RefreshTimeoutSeconds) * time.Second,
		RetryTimeout:        time.Duration(cfg.RetryTimeoutSeconds) * time.Second,
		StreamIdleTimeout:   time.Duration(cfg.StreamIdleTimeoutSeconds) * time.Second,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.IdleConnTimeoutSeconds) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.RefreshPath == "" {
		o.RefreshPath = "auth/refresh"
	}
	if o.StreamPath == "" {
		o.StreamPath = "chat/stream"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 10 * time.Second
	}
	if o.RetryTimeout <= 0 {
		o.RetryTimeout = 30 * time.Second
	}
	if o.StreamIdleTimeout <= 0 {
		o.StreamIdleTimeout = 120 * time.Second
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 100
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = 32
	}
	if o.IdleConnTimeout <= 0 {
		o.IdleConnTimeout = 90 * time.Second
	}
	return o
}

// NewTransport returns the pooled transport shared by every upstream call.
// Credentials are set per request, never here.
func NewTransport(o Options) *http.Transport {
	o = o.withDefaults()
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          o.MaxIdleConns,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		IdleConnTimeout:       o.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// Client sends captured requests to the upstream. It has no overall
// timeout; deadlines come from the caller's context.
type Client struct {
	resolver *Resolver
	http     *http.Client
	opts     Options
}

func NewClient(resolver *Resolver, transport http.RoundTripper, opts Options) *Client {
	opts = opts.withDefaults()
	if transport == nil {
		transport = NewTransport(opts)
	}
	return &Client{
		resolver: resolver,
		opts:     opts,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *Client) Options() Options { return c.opts }
func (c *Client) Resolver() *Resolver { return c.resolver }
func (c *Client) StreamPath() string { return c.opts.StreamPath }
func (c *Client) RefreshPath() string { return c.opts.RefreshPath }

// Do sends one attempt of req. Only Content-Type, Accept and the bearer
// credential are forwarded. HTTP error statuses are returned as responses.
func (c *Client) Do(ctx context.Context, req *Request, access string) (*http.Response, error) {
	target := c.resolver.Resolve(req.Path, req.RawQuery)
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.ContentType != "" {
		out.Header.Set("Content-Type", req.ContentType)
	}
	if req.Accept != "" {
		out.Header.Set("Accept", req.Accept)
	}
	if access != "" {
		out.Header.Set("Authorization", "Bearer "+access)
	}
	resp, err := c.http.Do(out)
	if err != nil {
		return nil, &TransportError{Op: req.Method, URL: target, Err: err}
	}
	return resp, nil
}

// Refresh exchanges a refresh credential for a new access credential. The
// returned pair carries a refresh value only when the upstream rotated it.
func (c *Client) Refresh(ctx context.Context, refresh string) (credentials.Pair, error) {
	refresh = strings.TrimSpace(refresh)
	if refresh == "" {
		return credentials.Pair{}, ErrNoRefreshCredential
	}
	payload, err := json.Marshal(map[string]string{"refresh": refresh})
	if err != nil {
		return credentials.Pair{}, err
	}
	resp, err := c.Do(ctx, &Request{
		Method:      http.MethodPost,
		Path:        c.opts.RefreshPath,
		ContentType: "application/json",
		Body:        payload,
	}, "")
	if err != nil {
		return credentials.Pair{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return credentials.Pair{}, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return credentials.Pair{}, fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	}
	access := strings.TrimSpace(gjson.GetBytes(b, "access").String())
	if access == "" {
		return credentials.Pair{}, ErrNoAccessToken
	}
	return credentials.Pair{
		Access:  access,
		Refresh: strings.TrimSpace(gjson.GetBytes(b, "refresh").String()),
	}, nil
}

type AuthKind string

const (
	AuthLogin    AuthKind = "login"
	AuthRegister AuthKind = "register"
	AuthGoogle   AuthKind = "google"
)

func ParseAuthKind(raw string) (AuthKind, bool) {
	switch k := AuthKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case AuthLogin, AuthRegister, AuthGoogle:
		return k, true
	}
	return "", false
}

// AuthResult is the upstream's answer to a login style call.
type AuthResult struct {
	Status      int
	ContentType string
	Body        []byte
	Pair        credentials.Pair
}

func (r *AuthResult) OK() bool { return r.Status >= 200 && r.Status <= 299 }

// Detail is the upstream's error message, or fallback when it sent none.
func (r *AuthResult) Detail(fallback string) string {
	if d := strings.TrimSpace(gjson.GetBytes(r.Body, "detail").String()); d != "" {
		return d
	}
	return fallback
}

// Authenticate posts body to auth/<kind> and extracts any issued pair.
func (c *Client) Authenticate(ctx context.Context, kind AuthKind, body []byte) (*AuthResult, error) {
	resp, err := c.Do(ctx, &Request{
		Method:      http.MethodPost,
		Path:        "auth/" + string(kind),
		ContentType: "application/json",
		Body:        body,
	}, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", kind, err)
	}
	res := &AuthResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        b,
	}
	if res.OK() {
		res.Pair = credentials.Pair{
			Access:  tokenField(b, "access"),
			Refresh: tokenField(b, "refresh"),
		}
	}
	return res, nil
}

// tokenField reads name at the top level or under "tokens".
func tokenField(b []byte, name string) string {
	if v := strings.TrimSpace(gjson.GetBytes(b, name).String()); v != "" {
		return v
	}
	return strings.TrimSpace(gjson.GetBytes(b, "tokens."+name).String())
}
