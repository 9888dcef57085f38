// Package maintenance runs retention jobs against the usage ledger. Only
// generation events are pruned; per-period usage records are kept forever.
package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/genquota/internal/clock"
	"github.com/smallbiznis/genquota/internal/config"
	obsmetrics "github.com/smallbiznis/genquota/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	jobPruneEvents = "prune_generation_events"

	// Events must outlive the daily rate window they are counted in.
	minRetention     = 48 * time.Hour
	defaultRetention = 7 * 24 * time.Hour
	defaultSchedule  = "@every 1h"
	defaultTimeout   = 5 * time.Minute
)

var ErrInvalidSchedule = errors.New("invalid_maintenance_schedule")

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	Cfg       config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Ledger    usagedomain.Ledger
	Jobs      *obsmetrics.JobMetrics `optional:"true"`
}

// Pruner deletes generation events older than the retention window.
type Pruner struct {
	log       *zap.Logger
	clock     clock.Clock
	ledger    usagedomain.Ledger
	jobs      *obsmetrics.JobMetrics
	retention time.Duration
	schedule  string
	enabled   bool

	mu   sync.Mutex
	cron *cron.Cron
}

func New(p Params) (*Pruner, error) {
	retention := time.Duration(p.Cfg.Maintenance.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = defaultRetention
	}
	if retention < minRetention {
		retention = minRetention
	}
	schedule := strings.TrimSpace(p.Cfg.Maintenance.Schedule)
	if schedule == "" {
		schedule = defaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}

	jobs := p.Jobs
	if jobs == nil {
		jobs = obsmetrics.Jobs()
	}

	pr := &Pruner{
		log:       p.Log.Named("maintenance").With(zap.String("component", "maintenance")),
		clock:     p.Clock,
		ledger:    p.Ledger,
		jobs:      jobs,
		retention: retention,
		schedule:  schedule,
		enabled:   p.Cfg.Maintenance.Enabled,
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return pr.Start()
			},
			OnStop: func(ctx context.Context) error {
				return pr.Stop(ctx)
			},
		})
	}
	return pr, nil
}

func (p *Pruner) Retention() time.Duration {
	return p.retention
}

// Start schedules the prune job. It is a no-op when maintenance is disabled.
func (p *Pruner) Start() error {
	if !p.enabled {
		p.log.Info("maintenance disabled")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(p.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		_, _ = p.RunOnce(ctx)
	}); err != nil {
		return errors.Join(ErrInvalidSchedule, err)
	}
	c.Start()
	p.cron = c

	p.log.Info("maintenance scheduled",
		zap.String("schedule", p.schedule),
		zap.Duration("retention", p.retention),
	)
	return nil
}

// Stop waits for a running job to finish or ctx to expire.
func (p *Pruner) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		p.log.Warn("maintenance stop timed out")
		return ctx.Err()
	}
}

// RunOnce prunes events created before now minus the retention window and
// returns the number of rows removed.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	now := p.clock.Now().UTC()
	cutoff := now.Add(-p.retention)

	p.jobs.IncJobRun(jobPruneEvents)
	pruned, err := p.ledger.PruneEventsBefore(ctx, cutoff)
	p.jobs.ObserveJobDuration(jobPruneEvents, time.Since(start))
	if err != nil {
		p.jobs.IncJobError(jobPruneEvents, err)
		p.log.Error("prune generation events failed",
			zap.String("job", jobPruneEvents),
			zap.String("reason", obsmetrics.ClassifyJobReason(err)),
			zap.Time("cutoff", cutoff),
			zap.Error(err),
		)
		return 0, err
	}

	p.jobs.AddPruned(jobPruneEvents, "generation_events", pruned)
	p.jobs.MarkSuccess(jobPruneEvents, now)
	if pruned > 0 {
		p.log.Info("pruned generation events",
			zap.String("job", jobPruneEvents),
			zap.Int64("pruned", pruned),
			zap.Time("cutoff", cutoff),
		)
	}
	return pruned, nil
}
