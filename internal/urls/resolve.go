package urls

import (
	"strings"
)

// Resolve resolves ref against base.
//
// A reference with a scheme, or a "//" network-path reference, replaces the
// base. "#f" replaces the base fragment and "?q" replaces the base query.
// Any other reference is merged with the base directory, or with the root
// when it starts with "/". Dot segments are removed in every case. Opaque
// references (data:, mailto:, javascript:) fail with ErrOpaqueReference.
func Resolve(ref string, base *URL) (*URL, error) {
	ref = strings.TrimSpace(ref)

	if ref == "" {
		out := base.Clone()
		out.Fragment, out.ForceFragment = "", false
		return out, nil
	}

	if strings.HasPrefix(ref, "//") {
		ref = base.Scheme + ":" + ref
	}
	if HasScheme(ref) {
		if IsOpaque(ref) {
			return nil, ErrOpaqueReference
		}
		out, err := Parse(ref)
		if err != nil {
			return nil, err
		}
		out.Segments = removeDotSegments(out.Segments)
		return out, nil
	}

	out := base.Clone()
	switch ref[0] {
	case '#':
		out.Fragment = escapeLoose(ref[1:])
		out.ForceFragment = out.Fragment == ""
		return out, nil
	case '?':
		q, frag, hasFrag := strings.Cut(ref[1:], "#")
		out.RawQuery, out.ForceQuery = escapeLoose(q), q == ""
		out.Fragment, out.ForceFragment = escapeLoose(frag), hasFrag && frag == ""
		return out, nil
	}

	rest, frag, hasFrag := strings.Cut(ref, "#")
	p, q, hasQuery := strings.Cut(rest, "?")

	var segs []string
	if strings.HasPrefix(p, "/") {
		segs = strings.Split(p[1:], "/")
	} else {
		if n := len(base.Segments); n > 0 {
			segs = append(segs, base.Segments[:n-1]...)
		}
		segs = append(segs, strings.Split(p, "/")...)
	}
	for i := range segs {
		segs[i] = escapeLoose(segs[i])
	}

	out.Segments = removeDotSegments(segs)
	out.RawQuery, out.ForceQuery = escapeLoose(q), hasQuery && q == ""
	out.Fragment, out.ForceFragment = escapeLoose(frag), hasFrag && frag == ""
	return out, nil
}

// ResolveString resolves ref against base and serializes the result.
func ResolveString(ref string, base *URL) (string, error) {
	u, err := Resolve(ref, base)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// removeDotSegments processes "." and ".." left to right. ".." removes the
// previous segment when there is one and is dropped otherwise. A trailing
// dot segment leaves a trailing slash behind.
func removeDotSegments(segs []string) []string {
	if segs == nil {
		return nil
	}
	out := make([]string, 0, len(segs))
	for i, s := range segs {
		last := i == len(segs)-1
		switch s {
		case ".", "%2e", "%2E":
		case "..", ".%2e", ".%2E", "%2e.", "%2E.", "%2e%2e", "%2E%2E":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, s)
			continue
		}
		if last {
			out = append(out, "")
		}
	}
	return out
}

// escapeLoose percent-encodes bytes that may not appear raw in a URL,
// leaving existing escapes and reserved characters alone.
func escapeLoose(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if mustEscape(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if mustEscape(c) {
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&15])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func mustEscape(c byte) bool {
	if c <= 0x20 || c >= 0x7f {
		return true
	}
	return strings.IndexByte("\"<>\\^`{|}", c) >= 0
}
