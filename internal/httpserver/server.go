// Package httpserver exposes the voice assistant to the web app: session
// control, typed turns, context snapshots, health and metrics.
package httpserver

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/MaGioMusic/lumina-voice/internal/observability"
	"github.com/MaGioMusic/lumina-voice/internal/session"
)

// Server bundles the Echo router and its dependencies.
type Server struct {
	Echo      *echo.Echo
	manager   *session.Manager
	snapshots *session.Broadcaster
}

type startRequest struct {
	Mode string `json:"mode"`
}

type textRequest struct {
	Text string `json:"text"`
}

type contextRequest struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// New wires the session manager and snapshot broadcaster into routes.
func New(manager *session.Manager, snapshots *session.Broadcaster) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{Echo: e, manager: manager, snapshots: snapshots}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(observability.MetricsHandler()))
	e.POST("/voice/start", s.handleStart)
	e.POST("/voice/stop", s.handleStop)
	e.POST("/voice/mute", s.handleMute)
	e.POST("/voice/text", s.handleText)
	e.GET("/voice/state", s.handleState)
	e.POST("/voice/context", s.handleContext)

	return s
}

func (s *Server) handleStart(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	mode := session.Mode(req.Mode)
	if mode == "" {
		mode = session.ModeVoice
	}
	if mode != session.ModeVoice && mode != session.ModeText {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "mode must be voice or text"})
	}
	if err := s.manager.Start(c.Request().Context(), mode); err != nil {
		log.Printf("session start failed: %v", err)
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, s.manager.State())
}

func (s *Server) handleStop(c echo.Context) error {
	s.manager.Stop()
	return c.JSON(http.StatusOK, s.manager.State())
}

func (s *Server) handleMute(c echo.Context) error {
	muted := s.manager.ToggleMute()
	return c.JSON(http.StatusOK, echo.Map{"muted": muted})
}

func (s *Server) handleText(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "text is required"})
	}
	if err := s.manager.SendText(c.Request().Context(), req.Text); err != nil {
		log.Printf("send text failed: %v", err)
		status := http.StatusBadGateway
		if err == session.ErrConnectTimeout {
			status = http.StatusGatewayTimeout
		}
		return c.JSON(status, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, s.manager.State())
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.State())
}

func (s *Server) handleContext(c echo.Context) error {
	var req contextRequest
	if err := c.Bind(&req); err != nil || req.Content == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "content is required"})
	}
	s.snapshots.Publish(session.Snapshot{Label: req.Label, Content: req.Content})
	return c.NoContent(http.StatusAccepted)
}
