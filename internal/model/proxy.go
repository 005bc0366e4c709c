// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded to a target.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Target is the raw target URL as carried by the inbound request.
	Target string
	// Prefix is the proxy prefix that rewritten URLs are appended to,
	// e.g. "https://proxy.example/p/".
	Prefix string
	Header http.Header
	Body   io.ReadCloser
	// ContentLength is the inbound body size, or -1 when unknown.
	ContentLength int64
	ClientIP      string
}

// ProxyResponse represents the response to be written back to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// ContentLength is the body size in bytes, or -1 when unknown.
	ContentLength int64
}

// UpstreamRequest is what the fetcher sends to the target.
type UpstreamRequest struct {
	Method        string
	URL           string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// UpstreamResponse is what the fetcher got back. The body is already decoded
// when the target used a supported content encoding.
type UpstreamResponse struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	// URL is the URL the response was served from.
	URL string
}

// HasBody reports whether a response to method with status may carry a body.
func HasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case status >= 100 && status < 200,
		status == http.StatusNoContent,
		status == http.StatusNotModified:
		return false
	}
	return true
}
