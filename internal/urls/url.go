// Package urls parses, classifies and resolves the URLs the proxy handles.
package urls

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// ErrMalformedURL is returned when a string has no parseable host.
var ErrMalformedURL = errors.New("malformed url")

// ErrOpaqueReference is returned when resolving a reference such as data:,
// mailto: or javascript: that has no hierarchical part.
var ErrOpaqueReference = errors.New("opaque reference")

var (
	schemePattern   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*:`)
	collapsedScheme = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.\-]*):/([^/])`)
	hostLike        = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9\-]+)*|\[[0-9a-fA-F:.]+\])(:[0-9]*)?$`)
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// URL is a parsed hierarchical URL. Path segments keep their percent-encoding.
//
// Segments is nil for an empty path; "/" is a single empty segment and a
// trailing slash is a trailing empty segment.
type URL struct {
	Scheme   string
	User     string // escaped userinfo, without the trailing '@'
	Host     string // lowercase; IPv6 literals without brackets
	Port     string // empty when absent or equal to the scheme default
	Segments []string
	RawQuery string
	Fragment string

	ForceQuery    bool // "?" present with an empty query
	ForceFragment bool // "#" present with an empty fragment
}

// Parse parses an absolute URL with an authority component.
// Default ports are elided and dot segments are kept as written.
func Parse(raw string) (*URL, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if u.Scheme == "" || u.Opaque != "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrMalformedURL, raw)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrMalformedURL, raw)
	}

	out := &URL{
		Scheme:        strings.ToLower(u.Scheme),
		Host:          host,
		Port:          u.Port(),
		RawQuery:      escapeLoose(u.RawQuery),
		Fragment:      u.EscapedFragment(),
		ForceQuery:    u.ForceQuery,
		ForceFragment: strings.HasSuffix(raw, "#"),
	}
	if u.User != nil {
		out.User = u.User.String()
	}
	if out.Port == defaultPorts[out.Scheme] {
		out.Port = ""
	}
	out.Segments = splitPath(u.EscapedPath())
	return out, nil
}

// Classify parses a proxy target. Targets without a scheme get http://
// when they start with "//" or look like a host; "scheme:/host" with a
// collapsed slash is repaired first.
func Classify(raw string) (*URL, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedURL)
	}
	s = collapsedScheme.ReplaceAllString(s, "$1://$2")

	switch {
	case strings.HasPrefix(s, "//"):
		s = "http:" + s
	case !schemePattern.MatchString(s) || looksLikeHostPort(s):
		if !hostLike.MatchString(authorityOf(s)) {
			return nil, fmt.Errorf("%w: %q", ErrMalformedURL, raw)
		}
		s = "http://" + s
	}
	return Parse(s)
}

// IsOpaque reports whether ref carries a scheme but no authority, like
// data:, mailto:, javascript:, about: or magnet: references.
func IsOpaque(ref string) bool {
	ref = strings.TrimSpace(ref)
	m := schemePattern.FindString(ref)
	if m == "" {
		return false
	}
	return !strings.HasPrefix(ref[len(m):], "//")
}

// HasScheme reports whether ref starts with a URL scheme.
func HasScheme(ref string) bool {
	return schemePattern.MatchString(strings.TrimSpace(ref))
}

// EffectivePort returns the explicit port or the scheme default.
func (u *URL) EffectivePort() string {
	if u.Port != "" {
		return u.Port
	}
	return defaultPorts[u.Scheme]
}

// Hostport returns host[:port] suitable for a Host header.
func (u *URL) Hostport() string {
	h := u.Host
	if strings.Contains(h, ":") {
		h = "[" + h + "]"
	}
	if u.Port != "" {
		h += ":" + u.Port
	}
	return h
}

// Origin returns scheme://host[:port].
func (u *URL) Origin() string {
	return u.Scheme + "://" + u.Hostport()
}

// Path returns the escaped path.
func (u *URL) Path() string {
	if len(u.Segments) == 0 {
		return ""
	}
	return "/" + strings.Join(u.Segments, "/")
}

// String serializes u. Parse(u.String()) yields a URL equal to u.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.Hostport())
	b.WriteString(u.Path())
	if u.RawQuery != "" || u.ForceQuery {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" || u.ForceFragment {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// Clone returns a deep copy of u.
func (u *URL) Clone() *URL {
	c := *u
	if u.Segments != nil {
		c.Segments = append([]string(nil), u.Segments...)
	}
	return &c
}

// Equal reports whether u and o serialize identically.
func (u *URL) Equal(o *URL) bool {
	if u == nil || o == nil {
		return u == o
	}
	return u.String() == o.String()
}

// Addr returns the host as an address when it is an IP literal.
func (u *URL) Addr() (netip.Addr, bool) {
	a, err := netip.ParseAddr(u.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return a, true
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// authorityOf returns the part of a schemeless target before the first
// '/', '?' or '#'.
func authorityOf(s string) string {
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		return s[:i]
	}
	return s
}

// looksLikeHostPort catches "example.net:8080/x", which the scheme pattern
// would otherwise read as scheme "example.net".
func looksLikeHostPort(s string) bool {
	m := schemePattern.FindString(s)
	rest := s[len(m):]
	if strings.HasPrefix(rest, "//") {
		return false
	}
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	return i > 0 && (i == len(rest) || strings.ContainsRune("/?#", rune(rest[i])))
}
