package rewrite

import (
	"bytes"
	"fmt"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

// minConfidence is the lowest chardet confidence trusted over the
// windows-1252 fallback.
const minConfidence = 50

// DecodeText converts body to UTF-8. The charset comes from a byte order mark,
// the Content-Type header, a <meta> declaration or, failing those, a
// statistical guess. It returns the decoded bytes and the charset name used.
func DecodeText(body []byte, contentType string) ([]byte, string, error) {
	enc, name := detectEncoding(body, contentType)
	if name == "utf-8" || enc == nil {
		return bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), "utf-8", nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, name, fmt.Errorf("%w: decode %s: %v", ErrRewrite, name, err)
	}
	return out, name, nil
}

func detectEncoding(body []byte, contentType string) (encoding.Encoding, string) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if certain || name != "windows-1252" {
		return enc, name
	}
	if isASCII(body) {
		return nil, "utf-8"
	}

	// windows-1252 is what DetermineEncoding falls back to when it has no
	// evidence at all; ask chardet for a better guess.
	res, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil || res == nil || res.Confidence < minConfidence {
		return enc, name
	}
	if guessed, guessedName := charset.Lookup(res.Charset); guessed != nil {
		return guessed, guessedName
	}
	return enc, name
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
