package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"ollama-proxy/internal/config"
	"ollama-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	service *service.ProxyService
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, svc *service.ProxyService) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, service: svc}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information, including whether the backend
// answers its model listing.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]string{
		"status":      "ok",
		"version":     string(h.version),
		"backend_url": h.cfg.Backend.BaseURL,
		"backend":     "unknown",
	}

	if h.service != nil {
		st, err := h.service.CheckBackend(c.Request().Context())
		switch {
		case err != nil:
			body["backend"] = "unreachable"
		case st.StatusCode == http.StatusOK:
			body["backend"] = "reachable"
			body["models"] = strconv.Itoa(st.Models)
		default:
			body["backend"] = "status " + strconv.Itoa(st.StatusCode)
		}
	}

	return c.JSON(http.StatusOK, body)
}
