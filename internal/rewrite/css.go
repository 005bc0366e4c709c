package rewrite

import (
	"fmt"
	"strings"

	"github.com/gorilla/css/scanner"
)

// unclosedComment is the scanner's error for a comment without "*/".
const unclosedComment = "unclosed comment"

// CSS rewrites every url() and @import reference in a stylesheet. data: URLs
// are left untouched and @import "x" is normalized to @import url("...").
func (c *Context) CSS(src string) (string, error) {
	s := scanner.New(src)
	var b strings.Builder
	b.Grow(len(src) + len(src)/8)

	inImport := false
	consumed := 0
	for {
		tok := s.Next()
		switch tok.Type {
		case scanner.TokenEOF:
			return b.String(), nil
		case scanner.TokenError:
			// A comment left open runs to the end of the input and cannot
			// hold a reference.
			if tok.Value == unclosedComment {
				b.WriteString(src[consumed:])
				return b.String(), nil
			}
			return "", fmt.Errorf("%w: css line %d: %s", ErrRewrite, tok.Line, tok.Value)
		}
		consumed += len(tok.Value)

		switch tok.Type {
		case scanner.TokenURI:
			b.WriteString(c.rewriteURIToken(tok.Value))
			inImport = false
		case scanner.TokenString:
			if inImport {
				b.WriteString(`url(`)
				b.WriteString(quoteCSS(c.Proxify(unquoteCSS(tok.Value)), '"'))
				b.WriteString(`)`)
				inImport = false
				continue
			}
			b.WriteString(tok.Value)
		case scanner.TokenAtKeyword:
			inImport = strings.EqualFold(tok.Value, "@import")
			b.WriteString(tok.Value)
		case scanner.TokenS, scanner.TokenComment:
			b.WriteString(tok.Value)
		default:
			inImport = false
			b.WriteString(tok.Value)
		}
	}
}

// rewriteURIToken rewrites a url(...) token, keeping its quoting style.
func (c *Context) rewriteURIToken(tok string) string {
	open := strings.IndexByte(tok, '(')
	if open < 0 || !strings.HasSuffix(tok, ")") {
		return tok
	}
	inner := strings.TrimSpace(tok[open+1 : len(tok)-1])

	var quote byte
	if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
		quote = inner[0]
	}
	ref := unquoteCSS(inner)
	if ref == "" || strings.HasPrefix(strings.ToLower(ref), "data:") {
		return tok
	}

	out := c.Proxify(ref)
	if quote == 0 && strings.ContainsAny(out, "()'\" \t\n\\") {
		quote = '"'
	}
	if quote == 0 {
		return "url(" + out + ")"
	}
	return "url(" + quoteCSS(out, quote) + ")"
}

// unquoteCSS strips matching quotes and undoes backslash escapes of quotes,
// backslashes and escaped newlines.
func unquoteCSS(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			if s[i] == '\n' {
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func quoteCSS(s string, q byte) string {
	r := strings.NewReplacer(`\`, `\\`, string(q), `\`+string(q), "\n", `\a `)
	return string(q) + r.Replace(s) + string(q)
}
