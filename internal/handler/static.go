package handler

import (
	"path"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"ollama-proxy/internal/config"
)

// StaticHandler serves the browser client's files for non-API GET requests.
type StaticHandler struct {
	root string
}

// NewStaticHandler returns nil when static serving is disabled.
func NewStaticHandler(cfg *config.Config) *StaticHandler {
	if !cfg.Static.StaticEnabled() {
		return nil
	}
	return &StaticHandler{root: cfg.Static.Dir}
}

// Serve writes the file named by the request path, or index.html for a
// directory. Missing files yield 404.
func (h *StaticHandler) Serve(c echo.Context) error {
	// Cleaning a rooted path removes every ".." element.
	clean := path.Clean("/" + c.Request().URL.Path)
	return c.File(filepath.Join(h.root, filepath.FromSlash(clean)))
}
