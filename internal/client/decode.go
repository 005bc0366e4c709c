package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding lists the content codings decodeBody understands.
const acceptEncoding = "gzip, deflate, br, zstd"

// decodedBody closes the decoder chain and then the raw body.
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody undoes the content codings listed in encoding, last applied
// first. It reports false and leaves body untouched when a coding is not
// supported.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, bool, error) {
	codings := parseCodings(encoding)
	if len(codings) == 0 {
		return body, false, nil
	}
	for _, c := range codings {
		if !supportedCoding(c) {
			return body, false, nil
		}
	}

	out := &decodedBody{Reader: body, closers: []io.Closer{body}}
	for i := len(codings) - 1; i >= 0; i-- {
		r, err := newDecoder(codings[i], out.Reader)
		if errors.Is(err, io.EOF) {
			// Empty body under a coding header.
			out.Reader = strings.NewReader("")
			return out, true, nil
		}
		if err != nil {
			_ = out.Close()
			return nil, false, fmt.Errorf("decode %s body: %w", codings[i], err)
		}
		out.Reader = r
		if c, ok := r.(io.Closer); ok {
			out.closers = append(out.closers, c)
		}
	}
	return out, true, nil
}

func newDecoder(coding string, r io.Reader) (io.Reader, error) {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case "deflate":
		// Servers disagree on whether "deflate" means zlib or raw DEFLATE.
		br := bufio.NewReader(r)
		if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr) {
			return zlib.NewReader(br)
		}
		return flate.NewReader(br), nil
	case "br":
		return brotli.NewReader(r), nil
	case "zstd":
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported content coding %q", coding)
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

func supportedCoding(c string) bool {
	switch c {
	case "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	}
	return false
}

// parseCodings splits a Content-Encoding value, dropping identity codings.
func parseCodings(v string) []string {
	var out []string
	for _, c := range strings.Split(v, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || c == "identity" {
			continue
		}
		out = append(out, c)
	}
	return out
}
