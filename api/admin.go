// Package api exposes the admin HTTP surface: queue health and a manual
// reconciliation trigger. It is an operator endpoint, not a user-facing API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"briefcast.org/cache"
	"briefcast.org/common"
	"briefcast.org/config"
	"briefcast.org/queue"
	"briefcast.org/recovery"
	"briefcast.org/version"
)

// Server is the admin HTTP server.
type Server struct {
	echo       *echo.Echo
	cfg        config.ServerConfig
	broker     *queue.Broker
	store      *cache.Store
	reconciler *recovery.Reconciler
}

// HealthResponse is the /admin/queue/health body.
type HealthResponse struct {
	Healthy bool                   `json:"healthy"`
	Redis   bool                   `json:"redis"`
	Workers bool                   `json:"workers"`
	Queues  map[string]queue.Stats `json:"queues"`
}

// New creates the admin server and registers its routes.
func New(cfg config.ServerConfig, broker *queue.Broker, store *cache.Store, reconciler *recovery.Reconciler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(10))))

	s := &Server{echo: e, cfg: cfg, broker: broker, store: store, reconciler: reconciler}

	admin := e.Group("/admin")
	admin.GET("/version", s.version)
	admin.GET("/queue/health", s.health)
	admin.POST("/queue/recover", s.recover)

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	common.Logger.WithField("addr", addr).Info("admin server started")

	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s.echo.StartServer(srv)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	ctx := c.Request().Context()

	resp := HealthResponse{
		Redis:   s.store.Ping(ctx) == nil,
		Workers: true,
		Queues:  map[string]queue.Stats{},
	}

	for _, name := range []string{queue.QueueResearch, queue.QueueDelivery} {
		stats, err := s.broker.QueueStats(ctx, name)
		if err != nil {
			resp.Workers = false
			continue
		}
		resp.Queues[name] = *stats
	}

	resp.Healthy = resp.Redis && resp.Workers
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

func (s *Server) version(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Current())
}

func (s *Server) recover(c echo.Context) error {
	report := s.reconciler.RunOnce(c.Request().Context())
	return c.JSON(http.StatusOK, report)
}
