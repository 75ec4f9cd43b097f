// Package http exposes sessions, intents and signatures to the UI
// collaborator over a local REST API with a server-sent event stream.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/eventbus"
	"github.com/fyrsmithlabs/neighbor/internal/logging"
	"github.com/fyrsmithlabs/neighbor/internal/remediation"
	"github.com/fyrsmithlabs/neighbor/internal/scrub"
	"github.com/fyrsmithlabs/neighbor/internal/session"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

// Sessions is the session manager surface the API needs.
type Sessions interface {
	Get(id string) (session.Session, error)
	List() []session.Session
	Submit(ctx context.Context, in session.Intent) (session.Session, error)
}

// Server provides HTTP endpoints for neighbor.
type Server struct {
	echo       *echo.Echo
	sessions   Sessions
	signatures *signature.Store
	events     *eventbus.Broadcaster
	scrubber   *scrub.Scrubber
	logger     *zap.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	Telemetry *telemetry.Telemetry
}

// NewServer creates a new HTTP server.
func NewServer(sessions Sessions, signatures *signature.Store, events *eventbus.Broadcaster, logger *zap.Logger, cfg *Config) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("sessions cannot be nil")
	}
	if signatures == nil {
		return nil, fmt.Errorf("signature store cannot be nil")
	}
	if events == nil {
		return nil, fmt.Errorf("event broadcaster cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 7879,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(cfg.Telemetry, logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))

			err := next(c)

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", id),
			)
			return err
		}
	})

	s := &Server{
		echo:       e,
		sessions:   sessions,
		signatures: signatures,
		events:     events,
		scrubber:   scrub.New(scrub.DefaultRules()),
		logger:     logger,
		config:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/intents", s.handleIntent)
	v1.GET("/signatures", s.handleListSignatures)
	v1.GET("/signatures/:id", s.handleGetSignature)
	v1.GET("/events", s.handleEvents)
	v1.POST("/scrub", s.handleScrub)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:           "ok",
		Version:          s.config.Version,
		Signatures:       s.signatures.Len(),
		SignatureVersion: s.signatures.Version(),
		Sessions:         StateCounts(s.sessions.List()),
		Subscribers:      s.events.Subscribers(),
	})
}

func (s *Server) handleListSessions(c echo.Context) error {
	all := s.sessions.List()
	if c.QueryParam("active") == "true" {
		active := all[:0]
		for _, sess := range all {
			if !sess.State.Terminal() {
				active = append(active, sess)
			}
		}
		all = active
	}
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: all, Count: len(all)})
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleIntent(c echo.Context) error {
	var req IntentRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid intent request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "kind field is required")
	}

	sess, err := s.sessions.Submit(c.Request().Context(), session.Intent{
		SessionID: c.Param("id"),
		Kind:      req.Kind,
		Origin:    "http",
		At:        time.Now(),
	})
	if err != nil {
		status := intentStatus(err)
		if status == http.StatusNotFound {
			return echo.NewHTTPError(status, "session not found")
		}
		s.logger.Info("intent refused",
			zap.String("session.id", c.Param("id")),
			zap.String("intent", string(req.Kind)),
			zap.Error(err))
		return c.JSON(status, IntentResponse{Session: &sess, Error: session.RefusalText(err)})
	}
	return c.JSON(http.StatusOK, IntentResponse{Session: &sess})
}

func intentStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnknownIntent):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, remediation.ErrNotApproved):
		return http.StatusConflict
	case errors.Is(err, remediation.ErrTemplateResolution), errors.Is(err, remediation.ErrNoCommand):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) handleListSignatures(c echo.Context) error {
	entries := s.signatures.All()
	return c.JSON(http.StatusOK, SignatureListResponse{
		Version:    s.signatures.Version(),
		Signatures: signature.Signatures(entries),
		Count:      len(entries),
	})
}

func (s *Server) handleGetSignature(c echo.Context) error {
	e, err := s.signatures.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "signature not found")
	}
	return c.JSON(http.StatusOK, e.Signature)
}

func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scrub request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}
	result := s.scrubber.Scrub(req.Content)
	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       result.Scrubbed,
		FindingsCount: result.Total(),
	})
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
