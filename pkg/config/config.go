package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "chatrelay.toml"
	defaultClientFileName = "client.toml"
	defaultConvCacheName  = "conversations.json"

	DefaultAPIPrefix = "api"
	DefaultCharacter = "Bronn"

	LogFormatText   = "text"
	LogFormatJSON   = "json"
	LogFormatLogfmt = "logfmt"
)

type UpstreamConfig struct {
	BaseURL                  string `toml:"base_url"`
	APIPrefix                string `toml:"api_prefix,omitempty"`
	RefreshPath              string `toml:"refresh_path,omitempty"`
	StreamPath               string `toml:"stream_path,omitempty"`
	RequestTimeoutSeconds    int    `toml:"request_timeout_seconds,omitempty"`
	RefreshTimeoutSeconds    int    `toml:"refresh_timeout_seconds,omitempty"`
	RetryTimeoutSeconds      int    `toml:"retry_timeout_seconds,omitempty"`
	StreamIdleTimeoutSeconds int    `toml:"stream_idle_timeout_seconds,omitempty"`
	MaxIdleConns             int    `toml:"max_idle_conns,omitempty"`
	MaxIdleConnsPerHost      int    `toml:"max_idle_conns_per_host,omitempty"`
	IdleConnTimeoutSeconds   int    `toml:"idle_conn_timeout_seconds,omitempty"`
}

type CookieConfig struct {
	AccessName           string   `toml:"access_name,omitempty"`
	RefreshName          string   `toml:"refresh_name,omitempty"`
	LegacyAccessNames    []string `toml:"legacy_access_names,omitempty"`
	Path                 string   `toml:"path,omitempty"`
	Domain               string   `toml:"domain,omitempty"`
	Secure               *bool    `toml:"secure,omitempty"`
	AccessMaxAgeSeconds  int      `toml:"access_max_age_seconds,omitempty"`
	RefreshMaxAgeSeconds int      `toml:"refresh_max_age_seconds,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain,omitempty"`
	Email    string `toml:"email,omitempty"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path,omitempty"`
}

type ServerConfig struct {
	ListenAddr        string         `toml:"listen_addr"`
	Production        bool           `toml:"production"`
	LogLevel          string         `toml:"log_level,omitempty"`
	LogFormat         string         `toml:"log_format,omitempty"`
	ProxyPrefix       string         `toml:"proxy_prefix,omitempty"`
	StreamPath        string         `toml:"stream_path,omitempty"`
	MaxBodyBytes      int64          `toml:"max_body_bytes,omitempty"`
	DefaultCharacter  string         `toml:"default_character,omitempty"`
	CoalesceBootstrap bool           `toml:"coalesce_bootstrap"`
	Upstream          UpstreamConfig `toml:"upstream"`
	Cookies           CookieConfig   `toml:"cookies"`
	TLS               TLSConfig      `toml:"tls"`
	Metrics           MetricsConfig  `toml:"metrics"`
}

// ClientConfig is the state of the chatrelay CLI. It talks to the upstream
// directly and keeps the credential pair between runs.
type ClientConfig struct {
	UpstreamURL string `toml:"upstream_url"`
	APIPrefix   string `toml:"api_prefix,omitempty"`
	Character   string `toml:"character,omitempty"`
	Access      string `toml:"access,omitempty"`
	Refresh     string `toml:"refresh,omitempty"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "chatrelay", defaultConfigFileName)
}

func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultClientFileName
	}
	return filepath.Join(home, ".config", "chatrelay", defaultClientFileName)
}

// DefaultConversationCachePath is where the CLI remembers conversation ids.
func DefaultConversationCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConvCacheName
	}
	return filepath.Join(home, ".cache", "chatrelay", defaultConvCacheName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "chatrelay", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:        "127.0.0.1:3000",
		LogLevel:          "info",
		LogFormat:         LogFormatText,
		ProxyPrefix:       "/api/proxy",
		StreamPath:        "/api/chat",
		MaxBodyBytes:      8 << 20,
		DefaultCharacter:  DefaultCharacter,
		CoalesceBootstrap: true,
		Upstream: UpstreamConfig{
			BaseURL:                  "http://127.0.0.1:8000/api",
			APIPrefix:                DefaultAPIPrefix,
			RefreshPath:              "auth/refresh",
			StreamPath:               "chat/stream",
			RequestTimeoutSeconds:    60,
			RefreshTimeoutSeconds:    10,
			RetryTimeoutSeconds:      30,
			StreamIdleTimeoutSeconds: 120,
			MaxIdleConns:             100,
			MaxIdleConnsPerHost:      32,
			IdleConnTimeoutSeconds:   90,
		},
		Cookies: CookieConfig{
			AccessName:           "access",
			RefreshName:          "refresh",
			LegacyAccessNames:    []string{"jwt"},
			Path:                 "/",
			AccessMaxAgeSeconds:  60 * 60,
			RefreshMaxAgeSeconds: 60 * 60 * 24 * 14,
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		UpstreamURL: "http://127.0.0.1:8000/api",
		APIPrefix:   DefaultAPIPrefix,
		Character:   DefaultCharacter,
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	return load(path, v)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Marshal renders v the same way Save writes it to disk.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = LogFormatText
		if c.Production {
			c.LogFormat = LogFormatJSON
		}
	}
	c.ProxyPrefix = normalizeRoutePath(c.ProxyPrefix, "/api/proxy")
	c.StreamPath = normalizeRoutePath(c.StreamPath, "/api/chat")
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
	c.DefaultCharacter = strings.TrimSpace(c.DefaultCharacter)
	if c.DefaultCharacter == "" {
		c.DefaultCharacter = DefaultCharacter
	}

	u := &c.Upstream
	u.BaseURL = strings.TrimRight(strings.TrimSpace(u.BaseURL), "/")
	u.APIPrefix = strings.Trim(strings.TrimSpace(u.APIPrefix), "/")
	if u.APIPrefix == "" {
		u.APIPrefix = DefaultAPIPrefix
	}
	u.RefreshPath = strings.Trim(strings.TrimSpace(u.RefreshPath), "/")
	if u.RefreshPath == "" {
		u.RefreshPath = "auth/refresh"
	}
	u.StreamPath = strings.Trim(strings.TrimSpace(u.StreamPath), "/")
	if u.StreamPath == "" {
		u.StreamPath = "chat/stream"
	}
	if u.RequestTimeoutSeconds <= 0 {
		u.RequestTimeoutSeconds = 60
	}
	if u.RefreshTimeoutSeconds <= 0 {
		u.RefreshTimeoutSeconds = 10
	}
	if u.RetryTimeoutSeconds <= 0 {
		u.RetryTimeoutSeconds = 30
	}
	if u.StreamIdleTimeoutSeconds <= 0 {
		u.StreamIdleTimeoutSeconds = 120
	}
	if u.MaxIdleConns <= 0 {
		u.MaxIdleConns = 100
	}
	if u.MaxIdleConnsPerHost <= 0 {
		u.MaxIdleConnsPerHost = 32
	}
	if u.IdleConnTimeoutSeconds <= 0 {
		u.IdleConnTimeoutSeconds = 90
	}

	k := &c.Cookies
	k.AccessName = strings.TrimSpace(k.AccessName)
	if k.AccessName == "" {
		k.AccessName = "access"
	}
	k.RefreshName = strings.TrimSpace(k.RefreshName)
	if k.RefreshName == "" {
		k.RefreshName = "refresh"
	}
	legacy := make([]string, 0, len(k.LegacyAccessNames))
	for _, name := range k.LegacyAccessNames {
		name = strings.TrimSpace(name)
		if name == "" || name == k.AccessName || name == k.RefreshName {
			continue
		}
		legacy = append(legacy, name)
	}
	k.LegacyAccessNames = legacy
	k.Path = strings.TrimSpace(k.Path)
	if k.Path == "" {
		k.Path = "/"
	}
	k.Domain = strings.TrimSpace(k.Domain)
	if k.AccessMaxAgeSeconds <= 0 {
		k.AccessMaxAgeSeconds = 60 * 60
	}
	if k.RefreshMaxAgeSeconds <= 0 {
		k.RefreshMaxAgeSeconds = 60 * 60 * 24 * 14
	}

	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
	c.Metrics.Path = normalizeRoutePath(c.Metrics.Path, "/metrics")
}

func (c *ServerConfig) Validate() error {
	if err := ValidateBaseURL(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("upstream.base_url: %w", err)
	}
	u := c.Upstream
	if u.RefreshTimeoutSeconds >= u.RequestTimeoutSeconds {
		return errors.New("upstream.refresh_timeout_seconds must be shorter than upstream.request_timeout_seconds")
	}
	if u.RetryTimeoutSeconds >= u.RequestTimeoutSeconds {
		return errors.New("upstream.retry_timeout_seconds must be shorter than upstream.request_timeout_seconds")
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatLogfmt:
	default:
		return fmt.Errorf("log_format must be one of %s, %s, %s", LogFormatText, LogFormatJSON, LogFormatLogfmt)
	}
	routes := map[string]string{
		"proxy_prefix": c.ProxyPrefix,
		"stream_path":  c.StreamPath,
	}
	if c.Metrics.Enabled {
		routes["metrics.path"] = c.Metrics.Path
	}
	seen := map[string]string{}
	for name, p := range routes {
		if p == "/" {
			return fmt.Errorf("%s cannot be the root path", name)
		}
		if other, ok := seen[p]; ok {
			return fmt.Errorf("%s and %s cannot share the path %q", name, other, p)
		}
		seen[p] = name
	}
	if c.Cookies.AccessName == c.Cookies.RefreshName {
		return errors.New("cookies.access_name and cookies.refresh_name must differ")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// SecureCookies reports whether credential cookies carry the Secure flag.
// Unless set explicitly it follows the production flag.
func (c *ServerConfig) SecureCookies() bool {
	if c.Cookies.Secure != nil {
		return *c.Cookies.Secure
	}
	return c.Production
}

func (c *ClientConfig) Normalize() {
	c.UpstreamURL = strings.TrimRight(strings.TrimSpace(c.UpstreamURL), "/")
	c.APIPrefix = strings.Trim(strings.TrimSpace(c.APIPrefix), "/")
	if c.APIPrefix == "" {
		c.APIPrefix = DefaultAPIPrefix
	}
	c.Character = strings.TrimSpace(c.Character)
	if c.Character == "" {
		c.Character = DefaultCharacter
	}
	c.Access = strings.TrimSpace(c.Access)
	c.Refresh = strings.TrimSpace(c.Refresh)
}

func (c *ClientConfig) Validate() error {
	if err := ValidateBaseURL(c.UpstreamURL); err != nil {
		return fmt.Errorf("upstream_url: %w", err)
	}
	return nil
}

// ValidateBaseURL checks that raw is an absolute http(s) URL without query or fragment.
func ValidateBaseURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q must be absolute", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%q must not carry a query or fragment", raw)
	}
	return nil
}

func normalizeRoutePath(p, fallback string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = fallback
	}
	p = "/" + strings.Trim(p, "/")
	return p
}
