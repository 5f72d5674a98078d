// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"ollama-proxy/internal/client"
	"ollama-proxy/internal/config"
	"ollama-proxy/internal/model"
)

// TagsPath is the backend endpoint listing installed models. It doubles as the
// reachability probe.
const TagsPath = "/api/tags"

// droppedRequestHeaders are removed from the browser request before it is
// forwarded. Host, Origin and Referer are re-injected with backend values.
var droppedRequestHeaders = map[string]bool{
	"Host":           true,
	"Content-Length": true,
	"Origin":         true,
	"Referer":        true,
}

// droppedResponseHeaders describe the backend framing, which is not preserved
// when the body is relayed in fixed-size chunks.
var droppedResponseHeaders = map[string]bool{
	"Transfer-Encoding": true,
	"Content-Encoding":  true,
	"Content-Length":    true,
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.BackendClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend base_url %q must be scheme://host[:port]", cfg.Backend.BaseURL)
	}
	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// BaseURL returns the backend base URL as scheme://host[:port].
func (s *ProxyService) BaseURL() string {
	return s.baseURL.Scheme + "://" + s.baseURL.Host
}

// Forward sends a ProxyRequest to the backend and returns the response.
// The caller is responsible for closing the response body.
//
// Backend error statuses are returned as responses, not errors; a non-nil
// error means the backend could not be reached or the request body could not
// be read.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	body, err := captureBody(pr.Body, pr.ContentLength)
	if err != nil {
		return nil, err
	}

	req, err := s.buildRequest(pr, body)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"target", req.URL.String(),
		"body_bytes", len(body),
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// captureBody reads exactly contentLength bytes. Requests without a positive
// Content-Length (including chunked uploads) are forwarded without a body.
func captureBody(r io.Reader, contentLength int64) ([]byte, error) {
	if contentLength <= 0 || r == nil {
		return nil, nil
	}
	buf := make([]byte, contentLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return buf, nil
}

func (s *ProxyService) buildRequest(pr *model.ProxyRequest, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, pr.Method, s.buildTargetURL(pr.Path, pr.RawQuery), reader)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = s.translateRequestHeaders(pr.Header)
	req.Host = s.baseURL.Host
	return req, nil
}

// buildTargetURL swaps the authority and keeps path and query byte-for-byte.
func (s *ProxyService) buildTargetURL(path, rawQuery string) string {
	target := s.BaseURL() + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// translateRequestHeaders copies every browser header except the dropped set,
// then injects Origin and Referer pointing at the backend. The Host value is
// carried on http.Request.Host, which net/http sends in place of any header.
func (s *ProxyService) translateRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src)+2)
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if droppedRequestHeaders[ck] {
			continue
		}
		dst[ck] = append(dst[ck], vals...)
	}
	base := s.BaseURL()
	dst.Set("Origin", base)
	dst.Set("Referer", base)
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if droppedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}

// BackendStatus is the outcome of a reachability probe.
type BackendStatus struct {
	StatusCode int
	Models     int
}

// CheckBackend issues one GET to the backend's model listing, bounded by
// backend.check_timeout_seconds. A non-200 status is reported, not returned
// as an error.
func (s *ProxyService) CheckBackend(ctx context.Context) (*BackendStatus, error) {
	timeout := time.Duration(s.cfg.Backend.CheckTimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := s.client.DoStream(ctx, http.MethodGet, s.BaseURL()+TagsPath, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("check backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	status := &BackendStatus{StatusCode: resp.StatusCode}
	if resp.StatusCode != http.StatusOK {
		return status, nil
	}

	var tags struct {
		Models []json.RawMessage `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		s.logger.Debug("decode model list", "err", err)
		return status, nil
	}
	status.Models = len(tags.Models)
	return status, nil
}
