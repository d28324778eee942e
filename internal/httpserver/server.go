package httpserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"voicedesk/internal/orchestrator"
	"voicedesk/internal/rtc"
	"voicedesk/internal/store"
	"voicedesk/internal/task"
)

// OfferHandler terminates WebRTC offers; nil disables the audio path.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// TaskLister reads the durable task record; nil disables GET /tasks.
type TaskLister interface {
	ListTasks(ctx context.Context, f Filter) ([]task.Context, error)
}

// Filter re-exports the store filter so handlers do not leak PostgREST
// details.
type Filter = store.Filter

// Config holds the HTTP surface settings.
type Config struct {
	Addr      string
	AuthToken string
}

// Server is the dashboard API: session lifecycle, typed turns, conversation
// and task reads, the WebRTC offer endpoint, and the events websocket.
type Server struct {
	echo   *echo.Echo
	cfg    Config
	orch   *orchestrator.Orchestrator
	offers OfferHandler
	tasks  TaskLister
	hub    *Hub
	logger *zap.Logger
}

func New(cfg Config, orch *orchestrator.Orchestrator, offers OfferHandler, tasks TaskLister, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{echo: e, cfg: cfg, orch: orch, offers: offers, tasks: tasks, hub: hub, logger: logger}

	e.GET("/healthz", s.handleHealthz)

	g := e.Group("", tokenAuth(cfg.AuthToken))
	g.POST("/session/offer", s.handleOffer)
	g.POST("/session/start", s.handleStart)
	g.POST("/session/stop", s.handleStop)
	g.POST("/turns/text", s.handleText)
	g.GET("/conversation", s.handleConversation)
	g.GET("/tasks", s.handleTasks)
	g.GET("/ws/events", hub.ServeWS)

	return s
}

// Hub exposes the event hub for wiring orchestrator callbacks.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	return s.echo.Start(s.cfg.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleOffer(c echo.Context) error {
	if s.offers == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audio path not configured")
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid offer")
	}
	answer, err := s.offers.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		s.logger.Warn("handle offer", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "offer failed")
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) handleStart(c echo.Context) error {
	err := s.orch.Start(context.Background())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]any{"state": s.orch.State()})
	case err == orchestrator.ErrNotIdle:
		return echo.NewHTTPError(http.StatusConflict, "session already active")
	default:
		s.logger.Warn("session start", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleStop(c echo.Context) error {
	s.orch.Stop()
	return c.JSON(http.StatusOK, map[string]any{"state": s.orch.State()})
}

type textTurnRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleText(c echo.Context) error {
	var req textTurnRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text required")
	}
	if s.orch.State() == orchestrator.StateIdle {
		return echo.NewHTTPError(http.StatusConflict, "no active session")
	}
	s.orch.SubmitText(req.Text)
	return c.JSON(http.StatusAccepted, map[string]any{"state": s.orch.State()})
}

func (s *Server) handleConversation(c echo.Context) error {
	resp := map[string]any{
		"state": s.orch.State(),
		"turns": s.orch.Turns(),
	}
	if active, ok := s.orch.ActiveTask(); ok {
		resp["task"] = active
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTasks(c echo.Context) error {
	if s.tasks == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "task store not configured")
	}
	f := Filter{
		Status: task.Status(c.QueryParam("status")),
		Type:   task.Type(c.QueryParam("type")),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		f.Limit = n
	}
	tasks, err := s.tasks.ListTasks(c.Request().Context(), f)
	if err != nil {
		s.logger.Warn("list tasks", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "task store unavailable")
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
}
