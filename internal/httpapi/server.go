package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vox/internal/auth"
	"vox/internal/core"
	"vox/internal/metrics"
	"vox/internal/pipeline"
	"vox/internal/sfu"
	"vox/internal/store"
	"vox/internal/ws"
)

const identityKey = "identity"

// Deps are the collaborators the HTTP surface is wired with. SFU and
// Metrics are optional.
type Deps struct {
	Registry         *core.Registry
	Presence         *core.Presence
	Store            *store.Store
	Pipeline         *pipeline.Pipeline
	Verifier         auth.Verifier
	SFU              *sfu.Client
	Metrics          *metrics.Metrics
	MaxMessageLength int
	SendBuffer       int
}

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	deps Deps
}

// New constructs an Echo app with websocket + REST routes.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	if deps.MaxMessageLength <= 0 {
		deps.MaxMessageLength = 4096
	}

	s := &Server{echo: e, deps: deps}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api", s.requireAuth)
	api.GET("/servers/:id/messages", s.handleListMessages)
	api.POST("/servers/:id/messages", s.handleCreateMessage)
	api.PATCH("/messages/:id", s.handleEditMessage)
	api.DELETE("/messages/:id", s.handleDeleteMessage)
	if s.deps.SFU != nil {
		api.POST("/voice/token", s.handleVoiceToken)
	}

	ws.NewHandler(ws.Deps{
		Registry:         s.deps.Registry,
		Presence:         s.deps.Presence,
		Store:            s.deps.Store,
		Pipeline:         s.deps.Pipeline,
		Verifier:         s.deps.Verifier,
		Metrics:          s.deps.Metrics,
		MaxMessageLength: s.deps.MaxMessageLength,
		SendBuffer:       s.deps.SendBuffer,
	}).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	return s.run(ctx, func() error { return s.echo.Start(addr) })
}

// RunTLS serves over TLS with a throwaway self-signed certificate and
// logs its fingerprint so clients can pin it.
func (s *Server) RunTLS(ctx context.Context, addr, hostname string) error {
	tlsCfg, fingerprint, err := devTLSConfig(365*24*time.Hour, hostname)
	if err != nil {
		return fmt.Errorf("generate tls config: %w", err)
	}
	slog.Info("serving tls", "addr", addr, "fingerprint", fingerprint)

	s.echo.TLSServer.TLSConfig = tlsCfg
	s.echo.TLSServer.Addr = addr
	return s.run(ctx, func() error { return s.echo.StartServer(s.echo.TLSServer) })
}

func (s *Server) run(ctx context.Context, start func() error) error {
	errCh := make(chan error, 1)
	go func() {
		err := start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

// requireAuth resolves the bearer credential and stores the identity in
// the request context. Missing or invalid credentials are rejected
// before any handler runs.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get(echo.HeaderAuthorization)
		if strings.TrimSpace(token) == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "bearer credential is required")
		}
		id, err := s.deps.Verifier.Verify(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer credential")
		}
		c.Set(identityKey, id)
		return next(c)
	}
}

func identity(c echo.Context) auth.Identity {
	id, _ := c.Get(identityKey).(auth.Identity)
	return id
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.deps.Registry.ConnCount(),
	})
}

type voiceTokenRequest struct {
	ServerID string `json:"server_id"`
}

type voiceTokenResponse struct {
	Token    string `json:"token"`
	URL      string `json:"url"`
	ServerID string `json:"server_id"`
}

func (s *Server) handleVoiceToken(c echo.Context) error {
	var req voiceTokenRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.ServerID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server_id is required")
	}

	id := identity(c)
	if err := s.requireMembership(c, id.UserID, req.ServerID); err != nil {
		return err
	}

	token, err := s.deps.SFU.RoomToken(id.UserID, id.Username, req.ServerID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "issue voice token")
	}
	return c.JSON(http.StatusOK, voiceTokenResponse{
		Token:    token,
		URL:      s.deps.SFU.URL(),
		ServerID: req.ServerID,
	})
}

// requireMembership gates writes and reads on the membership collaborator.
func (s *Server) requireMembership(c echo.Context, userID, serverID string) error {
	ok, err := s.deps.Store.IsMember(c.Request().Context(), userID, serverID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "check membership")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of this server")
	}
	return nil
}
