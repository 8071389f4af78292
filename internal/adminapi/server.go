// Package adminapi is a read-only Echo-based HTTP surface for board
// introspection, mounted alongside the primary duplex transport, modeled
// on the teacher's internal/httpapi/server.go.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"whiteboard/server/internal/board"
	"whiteboard/server/internal/protocol"
)

// Server is the admin/REST plane: GET /healthz, GET /boards, GET /boards/:name.
type Server struct {
	echo     *echo.Echo
	registry *board.Registry
	log      *slog.Logger
}

// New builds the Echo app and registers routes.
func New(registry *board.Registry, log *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, registry: registry, log: log}
	e.Use(s.requestLogger())

	e.GET("/healthz", s.handleHealthz)
	e.GET("/boards", s.handleListBoards)
	e.GET("/boards/:name", s.handleGetBoard)

	return s
}

// Start listens on addr, blocking until the listener stops.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the Echo app.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.log.Info("admin api request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration", time.Since(start),
			)
			return err
		}
	}
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type boardView struct {
	Name        string `json:"name"`
	TemplateID  uint64 `json:"template_id"`
	ClientCount int    `json:"client_count"`
	HistorySize string `json:"history_size"`
	HistoryLen  string `json:"history_len"`
	Trimmed     bool   `json:"history_trimmed"`
}

func toBoardView(st board.Stats) boardView {
	return boardView{
		Name:        st.Name,
		TemplateID:  st.TemplateID,
		ClientCount: st.ClientCount,
		HistorySize: humanize.Bytes(uint64(st.HistorySize)),
		HistoryLen:  humanize.Bytes(uint64(st.HistoryLen)),
		Trimmed:     st.Flags&protocol.HistoryTrimmed != 0,
	}
}

func (s *Server) handleListBoards(c echo.Context) error {
	stats := s.registry.Boards()
	views := make([]boardView, 0, len(stats))
	for _, st := range stats {
		views = append(views, toBoardView(st))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetBoard(c echo.Context) error {
	name := c.Param("name")
	b, ok := s.registry.Find(name)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "board not found"})
	}
	return c.JSON(http.StatusOK, toBoardView(b.Stats()))
}
