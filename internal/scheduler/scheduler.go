// Package scheduler runs the recurring maintenance jobs: the midnight
// usage reset, trial expiry, and the stale-session sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/crestdata/crest/internal/session"
	tenant "github.com/crestdata/crest/internal/tenant/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler owns the cron runner.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

// New registers the maintenance jobs. Jobs run on UTC wall time.
func New(logger *zap.Logger, tenants *tenant.Manager, sessions *session.Store) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithLocation(time.UTC)),
		log:  logger.Named("scheduler"),
	}

	if _, err := s.cron.AddFunc("0 0 * * *", func() {
		if n, err := tenants.ResetDailyUsage(); err != nil {
			s.log.Error("daily usage reset failed", zap.Error(err))
		} else {
			s.log.Info("daily usage reset done", zap.Int("companies", n))
		}
		if n, err := tenants.ExpireTrials(); err != nil {
			s.log.Error("trial expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("trial expiry sweep done", zap.Int("companies", n))
		}
	}); err != nil {
		return nil, err
	}

	if _, err := s.cron.AddFunc("@every 10m", func() {
		sessions.Sweep()
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Module starts the scheduler with the application and stops it on
// shutdown.
var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.cron.Start()
				s.log.Info("scheduler started")
				return nil
			},
			OnStop: func(ctx context.Context) error {
				stopped := s.cron.Stop()
				select {
				case <-stopped.Done():
				case <-ctx.Done():
				}
				s.log.Info("scheduler stopped")
				return nil
			},
		})
	}),
)
