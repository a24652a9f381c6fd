// Package sweep runs the periodic alert and ETA staleness sweeps.
package sweep

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"fleetdispatch/internal/alert"
	"fleetdispatch/internal/model"
)

type Config struct {
	AlertSchedule string `json:"sweep_schedule"`
	ETASchedule   string `json:"eta_sweep_schedule"`
}

func (c *Config) SetDefaults() {
	if c.AlertSchedule == "" {
		c.AlertSchedule = "@every 1m"
	}
	if c.ETASchedule == "" {
		c.ETASchedule = "@every 30s"
	}
}

// parser accepts standard 5-field cron and descriptors like "@every 30s".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (c Config) Validate() error {
	if _, err := parser.Parse(c.AlertSchedule); err != nil {
		return fmt.Errorf("alerts.sweep_schedule %q: %v: %w", c.AlertSchedule, err, model.ErrInvalidInput)
	}
	if _, err := parser.Parse(c.ETASchedule); err != nil {
		return fmt.Errorf("alerts.eta_sweep_schedule %q: %v: %w", c.ETASchedule, err, model.ErrInvalidInput)
	}
	return nil
}

// Sweeper is satisfied by *dispatch.Service.
type Sweeper interface {
	SweepAlerts(ctx context.Context) (alert.SweepReport, error)
	SweepETA(ctx context.Context) (int, error)
}

type Scheduler struct {
	cfg  Config
	svc  Sweeper
	log  zerolog.Logger
	cron *cron.Cron

	alertRuns atomic.Int64
	etaRuns   atomic.Int64
}

func NewScheduler(cfg Config, svc Sweeper, log zerolog.Logger) (*Scheduler, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{cfg: cfg, svc: svc, log: log}
	cl := cronLogger{log}
	s.cron = cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	return s, nil
}

// Run schedules both sweeps and blocks until ctx ends. A running sweep is
// allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.AlertSchedule, func() { s.alerts(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.ETASchedule, func() { s.eta(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("alerts", s.cfg.AlertSchedule).Str("eta", s.cfg.ETASchedule).Msg("sweeps scheduled")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) alerts(ctx context.Context) {
	s.alertRuns.Add(1)
	if _, err := s.svc.SweepAlerts(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("alert sweep")
	}
}

func (s *Scheduler) eta(ctx context.Context) {
	s.etaRuns.Add(1)
	n, err := s.svc.SweepETA(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("eta sweep")
		return
	}
	if n > 0 {
		s.log.Info().Int("routes", n).Msg("etas marked stale")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
