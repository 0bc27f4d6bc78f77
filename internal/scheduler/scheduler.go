// Package scheduler fires the pipeline runner on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/search-transparency/runner/internal/config"
)

// Config holds the scheduler's tunable parameters, sourced from environment
// variables with the defaults from spec.md §6.
type Config struct {
	CronExpression string
	Timezone       string
	RunOnStart     bool
}

// LoadConfig reads scheduler configuration from the environment.
func LoadConfig() Config {
	return Config{
		CronExpression: config.GetEnvStr("SCHEDULER_CRON_EXPRESSION", "0 * * * *"),
		Timezone:       config.GetEnvStr("SCHEDULER_TIMEZONE", "UTC"),
		RunOnStart:     config.GetEnvBool("SCHEDULER_RUN_ON_START", true),
	}
}

// Trigger is the pipeline operation the Scheduler fires on each cron tick.
// context.Background is used internally since cron fires are not bound to
// any caller's request lifetime.
type Trigger func(ctx context.Context) error

// Scheduler wraps a cron.Cron, converting schedule fires into best-effort
// calls to Trigger. Trigger errors are logged and swallowed: the pipeline
// runner has already persisted its own run/stage failure state.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	cfg     Config
	logger  *slog.Logger
}

// New constructs a Scheduler. logger defaults to slog.Default when nil.
func New(cfg Config, trigger Trigger, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", cfg.Timezone, err)
	}

	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		trigger: trigger,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Start registers the cron schedule and, if RunOnStart is enabled, fires an
// immediate fire-and-forget trigger before returning.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.CronExpression, s.fire); err != nil {
		return fmt.Errorf("scheduler: registering cron expression %q: %w", s.cfg.CronExpression, err)
	}

	s.cron.Start()

	if s.cfg.RunOnStart {
		go s.fire()
	}

	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight cron fire to
// finish. The RunOnStart fire launched by Start is not waited for.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Trigger calls the underlying Trigger synchronously, logging but not
// raising any error it returns.
func (s *Scheduler) Trigger(ctx context.Context) {
	if err := s.trigger(ctx); err != nil {
		s.logger.Warn("pipeline trigger returned an error", "error", err)
	}
}

func (s *Scheduler) fire() {
	s.logger.Info("scheduler firing pipeline trigger", "cronExpression", s.cfg.CronExpression)
	s.Trigger(context.Background())
}
