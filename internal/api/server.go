package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/api/auth"
	"github.com/livechat/internal/chat"
	"github.com/livechat/internal/logging"
	"github.com/livechat/internal/realtime"
)

// Deps are the collaborators the HTTP surface exposes
type Deps struct {
	Chat     *chat.Service
	Router   *realtime.Router
	Gateway  *realtime.Gateway
	Verifier *auth.Verifier
}

// Server represents the API server
type Server struct {
	echo      *echo.Echo
	port      int
	deps      Deps
	startedAt time.Time
}

// NewServer creates a new API server
func NewServer(port int, allowedOrigins []string, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestID())
	e.Use(logging.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	server := &Server{
		echo:      e,
		port:      port,
		deps:      deps,
		startedAt: time.Now(),
	}
	e.HTTPErrorHandler = server.errorHandler

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	// Live connections authenticate during the handshake themselves
	s.echo.GET("/ws", s.deps.Gateway.HandleUpgrade)

	// API v1 group
	v1 := s.echo.Group("/api/v1")

	messages := v1.Group("/messages", auth.RequireAuth(s.deps.Verifier))
	messages.POST("", s.sendMessage)
	messages.GET("", s.getMessages)
	messages.GET("/conversations", s.getConversations)
	messages.PATCH("/read", s.markRead)
	messages.GET("/online-users", s.getOnlineUsers)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	log.Info().Int("port", s.port).Msg("Starting livechat API server")
	if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown closes live connections first, then stops accepting requests
func (s *Server) Shutdown(ctx context.Context) error {
	gatewayErr := s.deps.Gateway.Shutdown(ctx)
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}
	return gatewayErr
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	if err := s.deps.Chat.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Health check: store unreachable")
		status, code = "degraded", http.StatusServiceUnavailable
	}

	online := s.deps.Router.OnlinePrincipals()
	return c.JSON(code, map[string]interface{}{
		"status":          status,
		"timestamp":       time.Now().UTC(),
		"uptime":          time.Since(s.startedAt).Seconds(),
		"onlineUsers":     len(online),
		"onlineUsersList": online,
	})
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		message = http.StatusText(code)
		if m, ok := he.Message.(string); ok && m != "" {
			message = m
		}
	} else {
		log.Error().Err(err).Str("path", c.Path()).Msg("Unhandled request error")
	}

	body := map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to write error response")
	}
}
