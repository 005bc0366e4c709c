package guard

import (
	"fmt"
	"regexp"
	"strings"

	"miniproxy-go/internal/urls"
)

const regexPrefix = "re:"

// Pattern matches a target URL. A plain pattern matches its host and every
// subdomain of it; a pattern prefixed with "re:" is a regular expression
// matched against the whole URL.
type Pattern struct {
	raw  string
	host string
	re   *regexp.Regexp
}

// ParsePattern compiles a single allow or deny pattern.
func ParsePattern(s string) (Pattern, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}

	if expr, ok := strings.CutPrefix(raw, regexPrefix); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern %q: %w", raw, err)
		}
		return Pattern{raw: raw, re: re}, nil
	}

	host := strings.ToLower(raw)
	host = strings.TrimPrefix(host, "*.")
	host = strings.TrimPrefix(host, ".")
	host = strings.TrimSuffix(host, ".")
	if host == "" || strings.ContainsAny(host, "/?# ") {
		return Pattern{}, fmt.Errorf("pattern %q: not a host name", raw)
	}
	return Pattern{raw: raw, host: host}, nil
}

// Match reports whether u matches the pattern. Host patterns are anchored on
// a label boundary, so "example.net" matches "cdn.example.net" but not
// "evil-example.net".
func (p Pattern) Match(u *urls.URL) bool {
	if p.re != nil {
		return p.re.MatchString(u.String())
	}
	host := strings.TrimSuffix(u.Host, ".")
	return host == p.host || strings.HasSuffix(host, "."+p.host)
}

func (p Pattern) String() string { return p.raw }

// Policy is the access policy for proxied targets. It is built once at
// startup and never modified afterwards.
type Policy struct {
	Allow                []Pattern
	Deny                 []Pattern
	BlockPrivateNetworks bool
	Anonymize            bool
	ForceCORS            bool
}

// PolicyOptions holds the raw policy settings.
type PolicyOptions struct {
	Allow                []string
	Deny                 []string
	BlockPrivateNetworks bool
	Anonymize            bool
	ForceCORS            bool
}

// NewPolicy compiles opts into a Policy.
func NewPolicy(opts PolicyOptions) (*Policy, error) {
	allow, err := compilePatterns(opts.Allow)
	if err != nil {
		return nil, fmt.Errorf("allow: %w", err)
	}
	deny, err := compilePatterns(opts.Deny)
	if err != nil {
		return nil, fmt.Errorf("deny: %w", err)
	}
	return &Policy{
		Allow:                allow,
		Deny:                 deny,
		BlockPrivateNetworks: opts.BlockPrivateNetworks,
		Anonymize:            opts.Anonymize,
		ForceCORS:            opts.ForceCORS,
	}, nil
}

func compilePatterns(list []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(list))
	for _, s := range list {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func matchAny(patterns []Pattern, u *urls.URL) bool {
	for _, p := range patterns {
		if p.Match(u) {
			return true
		}
	}
	return false
}
