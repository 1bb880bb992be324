package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/config"
	identity "github.com/crestdata/crest/internal/identity/service"
	platform "github.com/crestdata/crest/internal/platform/service"
	"github.com/crestdata/crest/internal/rbac"
	"github.com/crestdata/crest/internal/scheduler"
	"github.com/crestdata/crest/internal/server"
	"github.com/crestdata/crest/internal/session"
	"github.com/crestdata/crest/internal/store"
	tenant "github.com/crestdata/crest/internal/tenant/service"
	"github.com/crestdata/crest/pkg/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	fx.New(
		log.Module,
		config.Module,
		store.Module,

		fx.Provide(
			func() (*snowflake.Node, error) { return snowflake.NewNode(1) },
			rbac.NewRegistry,
			func(cfg *config.Config, logger *zap.Logger) *session.Store {
				return session.NewStore(session.Options{
					TTL:               cfg.SessionTTL,
					MaxPerUser:        cfg.SessionMaxPerUser,
					InactivityTimeout: cfg.SessionInactivityTimeout,
				}, logger)
			},
		),

		identity.Module,
		tenant.Module,
		platform.Module,
		scheduler.Module,
		server.Module,
	).Run()
}
