package rewrite

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed xhr.js.tmpl
var clientScriptSource string

var clientScript = template.Must(template.New("xhr").Parse(clientScriptSource))

// ClientScript renders the script that routes XHR and fetch calls made by
// page scripts through the proxy. URLs are resolved against base the same way
// the server resolves static references.
func ClientScript(prefix, base string) (string, error) {
	var b strings.Builder
	err := clientScript.Execute(&b, struct{ Prefix, Base string }{prefix, base})
	if err != nil {
		return "", fmt.Errorf("%w: client script: %v", ErrRewrite, err)
	}
	return b.String(), nil
}
