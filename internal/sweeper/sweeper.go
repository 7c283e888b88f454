// Package sweeper force-fails processing jobs whose worker went silent,
// so their reservations are released instead of leaking.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unmarklabs/unmark/internal/clock"
	"github.com/unmarklabs/unmark/internal/config"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("sweeper: invalid configuration")

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	JobSvc jobdomain.Service
	Config config.Config
}

type Sweeper struct {
	log            *zap.Logger
	clock          clock.Clock
	jobSvc         jobdomain.Service
	runInterval    time.Duration
	staleThreshold time.Duration
}

func New(p Params) (*Sweeper, error) {
	if p.Log == nil || p.Clock == nil || p.JobSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.Sweeper
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}
	return &Sweeper{
		log:            p.Log.Named("sweeper"),
		clock:          p.Clock,
		jobSvc:         p.JobSvc,
		runInterval:    cfg.RunInterval,
		staleThreshold: cfg.StaleThreshold,
	}, nil
}

// RunOnce sweeps every currently stale job. Individual failures are joined
// so one poisoned job does not stop the rest of the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	stale, err := s.jobSvc.StaleJobs(ctx, s.staleThreshold)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	s.log.Info("staleness sweep", zap.Int("stale_jobs", len(stale)))

	var sweepErr error
	for _, job := range stale {
		if ctx.Err() != nil {
			return errors.Join(sweepErr, ctx.Err())
		}
		reason := fmt.Sprintf("no worker report for %s", s.staleThreshold)
		if err := s.jobSvc.ForceFail(ctx, job.ID, reason); err != nil {
			sweepErr = errors.Join(sweepErr, err)
			s.log.Error("force fail failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}
	return sweepErr
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.runInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
