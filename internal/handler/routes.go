package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ollama-proxy/internal/config"
	"ollama-proxy/internal/metrics"
	"ollama-proxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Dedicated routes take precedence over the catch-all router.
func RegisterRoutes(e *echo.Echo, router *Router, health *HealthHandler) {
	e.GET("/healthz", health.Healthz, middleware.SecurityHeaders())
	e.GET("/proxy/status", health.Status, middleware.SecurityHeaders())
	e.Any("/*", router.Dispatch)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
