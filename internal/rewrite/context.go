// Package rewrite rewrites HTML and CSS so that every URL they reference is
// routed back through the proxy.
package rewrite

import (
	"errors"
	"strings"

	"miniproxy-go/internal/urls"
)

// ErrRewrite is wrapped by every rewriting failure. Callers must not emit a
// partially rewritten body when they see it.
var ErrRewrite = errors.New("rewrite failed")

// Context carries what a single document needs to be rewritten. It belongs to
// one request and is never shared.
type Context struct {
	// DocumentURL is the URL the document was fetched from.
	DocumentURL *urls.URL
	// Base resolves relative references. It starts as DocumentURL and is
	// replaced by a <base href> element.
	Base *urls.URL
	// Prefix is prepended to every absolute URL, e.g.
	// "https://proxy.example/p/".
	Prefix string
}

// NewContext returns a Context for a document fetched from doc.
func NewContext(doc *urls.URL, prefix string) *Context {
	return &Context{
		DocumentURL: doc,
		Base:        doc,
		Prefix:      prefix,
	}
}

// Proxify resolves ref against the base and prepends the proxy prefix.
// Empty, opaque and already proxied references are returned unchanged. A
// reference that cannot be resolved is still prefixed so it never leaves the
// proxy.
func (c *Context) Proxify(ref string) string {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || c.isProxied(trimmed) || urls.IsOpaque(trimmed) {
		return ref
	}
	u, err := urls.Resolve(trimmed, c.Base)
	if err != nil {
		return c.Prefix + trimmed
	}
	return c.Prefix + u.String()
}

// Resolve resolves ref against the base without prefixing it.
func (c *Context) Resolve(ref string) (*urls.URL, error) {
	return urls.Resolve(ref, c.Base)
}

func (c *Context) isProxied(ref string) bool {
	return c.Prefix != "" && strings.HasPrefix(ref, c.Prefix)
}

// skipHref reports whether an href value must be left alone.
func skipHref(v string) bool {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "#") {
		return true
	}
	lower := strings.ToLower(v)
	for _, scheme := range []string{"about:", "javascript:", "magnet:", "mailto:", "data:", "tel:", "blob:"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// skipSrc reports whether a src value must be left alone.
func skipSrc(v string) bool {
	lower := strings.ToLower(strings.TrimSpace(v))
	return strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") ||
		strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "about:")
}
