package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"ollama-proxy/internal/middleware"
)

// APIPrefix marks requests that are forwarded to the backend.
const APIPrefix = "/api/"

// Router applies the fixed routing policy for every path that has no
// dedicated route: API GET/POST requests are proxied, other GET requests go
// to the static handler, and everything else is 404.
type Router struct {
	proxy  *ProxyHandler
	static echo.HandlerFunc
}

// NewRouter creates a Router. A nil static handler answers non-API GETs with 404.
func NewRouter(proxy *ProxyHandler, static *StaticHandler) *Router {
	r := &Router{proxy: proxy}
	if static != nil {
		r.static = middleware.SecurityHeaders()(static.Serve)
	}
	return r
}

// Dispatch routes one request.
func (r *Router) Dispatch(c echo.Context) error {
	req := c.Request()

	if strings.HasPrefix(req.URL.Path, APIPrefix) {
		switch req.Method {
		case http.MethodGet, http.MethodPost:
			return r.proxy.Handle(c)
		}
		return echo.ErrNotFound
	}

	if req.Method == http.MethodGet && r.static != nil {
		return r.static(c)
	}
	return echo.ErrNotFound
}
