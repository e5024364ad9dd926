// Package scheduler drives the in-process renewal job on a fixed
// interval. External cron hitting the admin endpoint coexists with it:
// both paths share the renewal service, whose per-item re-validation
// makes overlapping runs safe.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calwatch/calwatch/internal/renewal"
)

// Config contains scheduler configuration
type Config struct {
	// Interval between renewal runs.
	Interval time.Duration

	// Threshold passed to each run.
	Threshold time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Interval:  6 * time.Hour,
		Threshold: 24 * time.Hour,
	}
}

// RenewalJob runs the renewal service periodically and remembers the
// last and next run times for the status endpoint.
type RenewalJob struct {
	config  Config
	service *renewal.Service
	logger  zerolog.Logger

	mu      sync.RWMutex
	lastRun time.Time
	nextRun time.Time
}

// NewRenewalJob creates a new scheduled renewal job.
func NewRenewalJob(config Config, service *renewal.Service) *RenewalJob {
	logger := log.With().Str("component", "scheduler").Logger()

	if config.Interval == 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Threshold == 0 {
		config.Threshold = DefaultConfig().Threshold
	}

	return &RenewalJob{
		config:  config,
		service: service,
		logger:  logger,
	}
}

// Start begins the periodic renewal loop. It returns immediately; the
// loop stops when the context is cancelled.
func (j *RenewalJob) Start(ctx context.Context) {
	j.mu.Lock()
	j.nextRun = time.Now().Add(j.config.Interval)
	j.mu.Unlock()

	go j.run(ctx)
}

func (j *RenewalJob) run(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info().
		Dur("interval", j.config.Interval).
		Dur("threshold", j.config.Threshold).
		Msg("Renewal scheduler started")

	for {
		select {
		case <-ticker.C:
			j.runOnce(ctx)
		case <-ctx.Done():
			j.logger.Info().Msg("Renewal scheduler stopped")
			return
		}
	}
}

// runOnce executes one renewal pass. Failures are logged and the loop
// continues; a broken store or provider must not kill the scheduler.
func (j *RenewalJob) runOnce(ctx context.Context) {
	now := time.Now()
	j.mu.Lock()
	j.lastRun = now
	j.nextRun = now.Add(j.config.Interval)
	j.mu.Unlock()

	report, err := j.service.RenewExpiring(ctx, j.config.Threshold, false)
	if err != nil {
		j.logger.Error().Err(err).Msg("Scheduled renewal run failed")
		return
	}

	j.logger.Info().
		Str("job_id", report.JobID).
		Int("renewed", report.Summary.Renewed).
		Int("skipped", report.Summary.Skipped).
		Int("failed", report.Summary.Failed).
		Msg("Scheduled renewal run finished")
}

// LastRun returns when the job last ran; zero before the first run.
func (j *RenewalJob) LastRun() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastRun
}

// NextRun returns when the job will run next.
func (j *RenewalJob) NextRun() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.nextRun
}
