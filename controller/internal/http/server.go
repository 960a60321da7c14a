// Package http provides the internal HTTP server for the controller.
package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/hub"
)

// StatusSource reports the controller's local view.
type StatusSource interface {
	Snapshot() domain.StatusSnapshot
}

// Server is the internal HTTP server.
type Server struct {
	echo   *echo.Echo
	hub    *hub.Hub
	status StatusSource
}

// NewServer creates a new internal HTTP server.
func NewServer(h *hub.Hub, status StatusSource) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		hub:    h,
		status: status,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets the server be mounted or tested without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Health      domain.HealthState     `json:"health"`
	Connection  domain.ConnectionState `json:"connection"`
	Connections int                    `json:"connections"`
	Subscribers int                    `json:"subscribers"`
}

// handleHealth reports 200 while the backend is usable and 503 in fallback
// mode, so supervisors can tell the difference.
func (s *Server) handleHealth(c echo.Context) error {
	snapshot := s.status.Snapshot()
	resp := HealthResponse{
		Status:      "healthy",
		Health:      snapshot.Health,
		Connection:  snapshot.Connection,
		Connections: s.hub.ConnectionCount(),
		Subscribers: s.hub.SubscriberCount(),
	}
	code := http.StatusOK
	switch snapshot.Health {
	case domain.HealthDegraded:
		resp.Status = "degraded"
	case domain.HealthFallback:
		resp.Status = "fallback"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status.Snapshot())
}
