package upstream

import (
	"fmt"
	"net/url"
	"strings"
)

const DefaultPrefix = "api"

// NormalizePath maps a logical path onto base without duplicating the api
// prefix. Leading slashes are dropped; nothing else is cleaned.
func NormalizePath(base, logicalPath string) string {
	return normalizePath(base, logicalPath, DefaultPrefix)
}

func normalizePath(base, logicalPath, prefix string) string {
	p := strings.TrimLeft(logicalPath, "/")
	if prefix == "" {
		return p
	}
	if !strings.HasSuffix(strings.TrimRight(base, "/"), "/"+prefix) {
		return p
	}
	switch {
	case p == prefix:
		return ""
	case strings.HasPrefix(p, prefix+"/"):
		return strings.TrimLeft(p[len(prefix)+1:], "/")
	}
	return p
}

// Resolver turns logical paths into absolute upstream URLs.
type Resolver struct {
	base   string
	prefix string
}

func NewResolver(base, prefix string) (*Resolver, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, fmt.Errorf("upstream base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream base url %q must use http or https", base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base url %q has no host", base)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("upstream base url %q must not carry a query or fragment", base)
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Resolver{base: base, prefix: prefix}, nil
}

func (r *Resolver) Base() string { return r.base }

func (r *Resolver) Resolve(logicalPath, rawQuery string) string {
	target := r.base + "/" + normalizePath(r.base, logicalPath, r.prefix)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}
