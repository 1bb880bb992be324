// Package server exposes the platform over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/crestdata/crest/internal/config"
	identity "github.com/crestdata/crest/internal/identity/service"
	platform "github.com/crestdata/crest/internal/platform/service"
	"github.com/crestdata/crest/internal/rbac"
	tenant "github.com/crestdata/crest/internal/tenant/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Server bundles the HTTP engine with the services it fronts.
type Server struct {
	engine    *gin.Engine
	http      *http.Server
	users     *identity.Manager
	tenants   *tenant.Manager
	oversight *platform.Oversight
	roles     *rbac.Registry
	log       *zap.Logger
}

// New builds the engine and mounts every route group.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	users *identity.Manager,
	tenants *tenant.Manager,
	oversight *platform.Oversight,
	roles *rbac.Registry,
) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:    gin.New(),
		users:     users,
		tenants:   tenants,
		oversight: oversight,
		roles:     roles,
		log:       logger.Named("server"),
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.maintenanceGate())

	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.mountAuthRoutes()
	s.mountCompanyRoutes()
	s.mountAdminRoutes()

	s.http = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.oversight.Health())
}

// Module runs the HTTP server under the application lifecycle.
var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					s.log.Info("http server listening", zap.String("addr", s.http.Addr))
					if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						s.log.Error("http server stopped", zap.Error(err))
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return s.http.Shutdown(ctx)
			},
		})
	}),
)
