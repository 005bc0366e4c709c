package rewrite

import (
	"strings"
	"unicode"
)

// Srcset rewrites the URL of every candidate in a srcset attribute.
// Descriptors are kept verbatim and candidates are joined with ", ".
func (c *Context) Srcset(v string) string {
	var out []string
	i := 0
	for i < len(v) {
		for i < len(v) && (isSpace(v[i]) || v[i] == ',') {
			i++
		}
		if i >= len(v) {
			break
		}

		start := i
		for i < len(v) && !isSpace(v[i]) {
			i++
		}
		u := v[start:i]
		descriptor := ""
		if trimmed := strings.TrimRight(u, ","); trimmed != u {
			// "a.png," has no descriptor.
			u = trimmed
		} else {
			dstart := i
			for i < len(v) && v[i] != ',' {
				i++
			}
			descriptor = strings.TrimFunc(v[dstart:i], unicode.IsSpace)
		}

		if !skipSrc(u) {
			u = c.Proxify(u)
		}
		if descriptor != "" {
			u += " " + descriptor
		}
		out = append(out, u)
	}
	return strings.Join(out, ", ")
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}
