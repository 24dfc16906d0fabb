package main

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cerulean-social/cerulean/engine"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
)

// serverListenerBootTimeout is how long to wait for the requested server
// socket to become available for use.
const serverListenerBootTimeout = 5 * time.Second

type Service struct {
	engine *engine.Engine
	echo   *echo.Echo
	logger *slog.Logger
	config ServiceConfig
}

type ServiceConfig struct {
	// AdminPassword checked against "Authorization: Bearer {}" header
	AdminPassword string
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{}
}

func NewService(eng *engine.Engine, config *ServiceConfig) (*Service, error) {
	if config == nil {
		config = DefaultServiceConfig()
	}
	return &Service{
		engine: eng,
		logger: slog.Default().With("system", "service"),
		config: *config,
	}, nil
}

func (s *Service) StartMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (s *Service) StartAPI(addr string) error {
	var lc net.ListenConfig
	ctx, cancel := context.WithTimeout(context.Background(), serverListenerBootTimeout)
	defer cancel()

	li, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.StartAPIWithListener(li)
}

func (s *Service) StartAPIWithListener(listen net.Listener) error {
	e := echo.New()
	e.HideBanner = true

	e.Use(slogecho.New(s.logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		switch err := err.(type) {
		case *echo.HTTPError:
			if err2 := ctx.JSON(err.Code, map[string]any{
				"error": err.Message,
			}); err2 != nil {
				s.logger.Error("failed to write http error", "err", err2)
			}
		default:
			s.logger.Warn("handler error", "path", ctx.Path(), "err", err)
			ctx.JSON(500, map[string]any{
				"error": "InternalServerError",
			})
		}
	}

	e.GET("/health", s.handleHealthCheck)
	e.GET("/_health", s.handleHealthCheck)

	e.POST("/graph/follow", s.handleFollow)
	e.POST("/graph/unfollow", s.handleUnfollow)
	e.POST("/graph/followRequest", s.handleRequestFollow)
	e.POST("/graph/followRequest/accept", s.handleAcceptFollowRequest)
	e.POST("/graph/followRequest/reject", s.handleRejectFollowRequest)
	e.POST("/graph/block", s.handleBlock)
	e.POST("/graph/unblock", s.handleUnblock)
	e.POST("/graph/mute", s.handleMute)
	e.POST("/graph/unmute", s.handleUnmute)
	e.POST("/graph/blockDomain", s.handleBlockDomain)
	e.POST("/graph/unblockDomain", s.handleUnblockDomain)
	e.GET("/graph/relationships", s.handleRelationships)

	e.GET("/accounts/:id/stats", s.handleAccountStats)
	e.GET("/accounts/:id/followersHash", s.handleFollowersHash)

	admin := e.Group("/admin", s.checkAdminAuth)
	admin.POST("/accounts/suspend", s.handleAdminSuspend)
	admin.POST("/accounts/unsuspend", s.handleAdminUnsuspend)
	admin.POST("/accounts/reconcileStats", s.handleAdminReconcileStats)
	admin.GET("/accounts/:id/state", s.handleAdminAccountState)

	s.echo = e

	// In order to support booting on random ports in tests, we need to tell
	// the Echo instance it's already got a port, and then use its StartServer
	// method to re-use that listener.
	e.Listener = listen
	srv := &http.Server{}
	return e.StartServer(srv)
}

func (s *Service) Shutdown() error {
	if s.echo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Service) checkAdminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		expected := "Bearer " + s.config.AdminPassword
		if s.config.AdminPassword == "" || subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "admin auth required")
		}
		return next(c)
	}
}

type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (s *Service) handleHealthCheck(c echo.Context) error {
	if err := s.engine.Healthcheck(); err != nil {
		s.logger.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(500, HealthStatus{Status: "error", Message: "can't connect to database"})
	}
	return c.JSON(200, HealthStatus{Status: "ok"})
}
