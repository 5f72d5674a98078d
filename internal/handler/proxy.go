package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/labstack/echo/v4"

	"ollama-proxy/internal/config"
	"ollama-proxy/internal/metrics"
	"ollama-proxy/internal/model"
	"ollama-proxy/internal/service"
)

// Failure categories used in logs.
const (
	categoryBackendStatus      = "backend_status"
	categoryBackendUnreachable = "backend_unreachable"
	categoryClientDisconnected = "client_disconnected"
	categoryRelay              = "relay"
)

// ProxyHandler forwards API requests to the backend and streams the response back.
type ProxyHandler struct {
	service   *service.ProxyService
	logger    *slog.Logger
	metrics   *metrics.Metrics
	chunkSize int
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	chunkSize := cfg.Backend.ChunkSize
	if chunkSize <= 0 {
		chunkSize = config.DefaultChunkSize
	}
	return &ProxyHandler{
		service:   svc,
		logger:    logger.With("component", "proxy_handler"),
		metrics:   m,
		chunkSize: chunkSize,
	}
}

// Handle proxies the request to the backend and relays the response.
// Every outcome is written to the client here, so Handle only returns nil.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          req.Body,
	}

	h.logger.Info("proxying request",
		"method", pr.Method,
		"path", pr.Path,
		"backend", h.service.BaseURL(),
	)

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.IsBackendError() {
		h.relayBackendError(c, resp)
		return nil
	}

	h.relay(c, resp)
	return nil
}

// relay writes the status and filtered headers, then copies the body in
// fixed-size chunks, flushing after each one so streamed generations reach
// the browser as they are produced.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse) {
	res := c.Response()
	for key, vals := range resp.Header {
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}
	res.WriteHeader(resp.StatusCode)

	// Flush errors come from the underlying writer; echo's Flush swallows them.
	rc := http.NewResponseController(res.Writer)
	if err := flush(rc); err != nil {
		h.abort(c, err)
		return
	}

	buf := make([]byte, h.chunkSize)
	var relayed int64
	defer func() {
		if h.metrics != nil {
			h.metrics.RelayedBytes.Add(float64(relayed))
		}
	}()

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := res.Write(buf[:n]); err != nil {
				h.abort(c, err)
				return
			}
			if err := flush(rc); err != nil {
				h.abort(c, err)
				return
			}
			relayed += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			h.abort(c, readErr)
			return
		}
	}

	h.recordOutcome(metrics.OutcomeCompleted)
}

// relayBackendError mirrors a backend error status without its headers and
// writes the error body verbatim. Write failures mean the client left.
func (h *ProxyHandler) relayBackendError(c echo.Context, resp *model.ProxyResponse) {
	h.logger.Warn("backend returned error status",
		"category", categoryBackendStatus,
		"status", resp.StatusCode,
		"path", c.Request().URL.Path,
	)
	h.recordOutcome(metrics.OutcomeBackendError)

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Debug("writing backend error body", "err", err)
	}
}

// abort stops a relay that has already sent its status line. Nothing more is
// written: a vanished client is expected, anything else is only logged.
func (h *ProxyHandler) abort(c echo.Context, err error) {
	path := c.Request().URL.Path
	if isClientGone(c.Request().Context(), err) {
		h.logger.Info("client disconnected during streaming",
			"category", categoryClientDisconnected,
			"path", path,
		)
		h.recordOutcome(metrics.OutcomeClientDisconnected)
		return
	}
	h.logger.Error("relaying response body",
		"category", categoryRelay,
		"err", err,
		"path", path,
	)
	h.recordOutcome(metrics.OutcomeDispatchFailed)
}

// mapError answers a failed dispatch with 502 Bad Gateway carrying the failure
// description, unless the client is already gone.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if isClientGone(c.Request().Context(), err) {
		h.logger.Info("client disconnected before backend responded",
			"category", categoryClientDisconnected,
			"path", path,
		)
		h.recordOutcome(metrics.OutcomeClientDisconnected)
		return nil
	}

	h.logger.Error("proxy error",
		"category", categoryBackendUnreachable,
		"reason", failureReason(err),
		"err", err,
		"path", path,
	)
	h.recordOutcome(metrics.OutcomeDispatchFailed)

	if jsonErr := c.JSON(http.StatusBadGateway, map[string]string{
		"error": "Bad Gateway: " + err.Error(),
	}); jsonErr != nil {
		h.logger.Debug("writing 502 response", "err", jsonErr)
	}
	return nil
}

func (h *ProxyHandler) recordOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.RelayOutcomes.WithLabelValues(outcome).Inc()
	}
}

// flush pushes buffered bytes to the client. Writers that cannot flush are
// tolerated; the data still goes out when the handler returns.
func flush(rc *http.ResponseController) error {
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// isClientGone reports whether err stems from the browser closing or
// resetting its connection. Detection is best-effort and platform-dependent.
func isClientGone(ctx context.Context, err error) bool {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return true
	}
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrAbortHandler)
}

// failureReason sub-classifies dispatch failures for logs.
func failureReason(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused"
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return "request_body"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}
	return "other"
}
