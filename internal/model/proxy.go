// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a browser request to be forwarded to the backend.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	ContentLength int64
	Body          io.Reader
}

// ProxyResponse represents the backend response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// IsBackendError reports whether the backend answered with an HTTP error
// status. Such responses are mirrored without their headers.
func (r *ProxyResponse) IsBackendError() bool {
	return r.StatusCode >= http.StatusBadRequest
}
