/**
 * @description
 * Cron scheduler for background maintenance of authentication codes.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/backoffice-service/internal/config"
	"github.com/transfa/backoffice-service/internal/metrics"
)

// CodePurger removes authentication codes past the retention window.
type CodePurger interface {
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	codes  CodePurger
	logger *slog.Logger
	config config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(codes CodePurger, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{codes: codes, logger: logger, config: cfg}
}

// PurgeExpiredCodes deletes codes that expired before the retention cutoff.
func (j *Jobs) PurgeExpiredCodes() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	retention := j.config.CodeRetention()
	deleted, err := j.codes.PurgeExpired(ctx, retention)
	if err != nil {
		j.logger.Error("failed to purge expired authentication codes", "error", err)
		return
	}
	metrics.AddCodesPurged(deleted)
	if deleted > 0 {
		j.logger.Info("purged expired authentication codes", "deleted", deleted, "retention", retention.String())
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.CodeCleanupSchedule, s.jobs.PurgeExpiredCodes); err != nil {
		s.logger.Error("failed to schedule authentication code cleanup job", "error", err)
		return err
	}
	s.logger.Info("scheduled authentication code cleanup job", "schedule", s.config.CodeCleanupSchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
