package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"modelgate/internal/config"
	"modelgate/internal/gateway"
	"modelgate/internal/provider"
	"modelgate/internal/relay"
	"modelgate/internal/vault"
	"modelgate/internal/webcontext"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	// userHeader carries the identity supplied by the outer authentication
	// collaborator. Single-user deployments fall back to defaultUser.
	userHeader  = "X-Gateway-User"
	defaultUser = "local"
)

type Server struct {
	cfg     config.Config
	gateway *gateway.Gateway
	vault   *vault.Vault
	relay   *relay.Relay
	fetcher *webcontext.Fetcher
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, gw *gateway.Gateway, secrets *vault.Vault, rl *relay.Relay, fetcher *webcontext.Fetcher) (*Server, error) {
	if gw == nil {
		return nil, errors.New("gateway must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("vault must not be nil")
	}
	if rl == nil {
		rl = relay.New(cfg.Stream.KeepaliveInterval())
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		gateway: gw,
		vault:   secrets,
		relay:   rl,
		fetcher: fetcher,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
// Streaming responses hold their connection for the call's duration, so
// there is no write timeout.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address, "providers", s.cfg.Providers)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/api/credentials", s.handleListCredentials)
	s.app.PUT("/api/credentials/:provider", s.handleSaveCredential)
	s.app.DELETE("/api/credentials/:provider", s.handleDeleteCredential)
	s.app.POST("/api/chat", s.handleChat)
	s.app.POST("/api/compare", s.handleCompare)
}

// userID returns the verified identity supplied by the outer auth layer.
func userID(c echo.Context) string {
	if user := c.Request().Header.Get(userHeader); user != "" {
		return user
	}
	return defaultUser
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Status  int    `json:"status,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Status = status
	return c.JSON(status, payload)
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, fmt.Sprintf("%v", echoErr.Message), "invalid_request_error")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}

// toRequestError maps core errors onto the stable HTTP vocabulary. This is
// the only layer that decides user-facing error shape.
func toRequestError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, provider.ErrUnsupportedProvider):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "unsupported_provider"}
	case errors.Is(err, gateway.ErrMissingCredential):
		return requestError{Status: http.StatusUnauthorized, Message: err.Error(), Type: "missing_credential"}
	case errors.Is(err, vault.ErrCredentialNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "missing_credential"}
	}

	var upstreamErr *provider.UpstreamError
	if errors.As(err, &upstreamErr) {
		// Pass the upstream status through so auth failures, rate limits
		// and transient errors stay distinguishable for the caller.
		return requestError{Status: upstreamErr.Status, Message: upstreamErr.Message, Type: "upstream_error"}
	}

	return requestError{Status: http.StatusBadGateway, Message: "upstream provider error", Type: "upstream_error"}
}
