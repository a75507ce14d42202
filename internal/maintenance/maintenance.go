// Package maintenance runs the periodic GC, artifact GC, and storage
// compaction pass (spec §4.I), grounded on the teacher's watchLoop
// ticker/backoff shape in internal/services/jobmanager/watcher.go.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskord/daemon/internal/clockid"
	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/jobstore"
)

// Config tunes the maintenance cadence and thresholds.
type Config struct {
	Interval              time.Duration // default 24h
	RetentionDays         int           // default 7
	ArtifactRetentionDays int           // default 3
	ArtifactsRoot         string        // empty disables artifact GC
	MaxDBSizeMB           int64         // default 1000
	// DeleteRatePerSecond throttles how fast artifact files are removed,
	// so a large backlog does not starve the storage writer of I/O
	// bandwidth (golang.org/x/time/rate, re-wired from the teacher's
	// declared-but-unused market-data throttling use).
	DeleteRatePerSecond float64 // default 200
}

// DefaultConfig returns the spec's default retention and cadence.
func DefaultConfig() Config {
	return Config{
		Interval:              24 * time.Hour,
		RetentionDays:         7,
		ArtifactRetentionDays: 3,
		MaxDBSizeMB:           1000,
		DeleteRatePerSecond:   200,
	}
}

// Report summarizes one maintenance pass.
type Report struct {
	JobsDeleted     int64
	ArtifactsPruned int
	Vacuumed        bool
}

// Scheduler runs maintenance on a ticker until Stop is called.
type Scheduler struct {
	cfg     Config
	repo    *jobstore.Repository
	clock   clockid.Clock
	logger  *common.Logger
	limiter *rate.Limiter

	stop chan struct{}
	done chan struct{}
}

// NewScheduler creates a maintenance Scheduler. Call Start to begin the
// ticker loop; call RunOnce to trigger an out-of-band pass (the admin
// "maintenance" request handler, spec §6.1).
func NewScheduler(cfg Config, repo *jobstore.Repository, clock clockid.Clock, logger *common.Logger) *Scheduler {
	rps := cfg.DeleteRatePerSecond
	if rps <= 0 {
		rps = 200
	}
	return &Scheduler{
		cfg:     cfg,
		repo:    repo,
		clock:   clock,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the ticker loop in its own goroutine.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop signals the ticker loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("maintenance pass failed")
			}
		}
	}
}

// RunOnce performs one GC + artifact-GC + conditional-VACUUM pass and
// returns a summary report. Exposed directly for the admin "maintenance"
// handler to trigger an immediate run outside the ticker cadence.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	retentionCutoff := s.clock.NowMS() - int64(s.cfg.RetentionDays)*24*60*60*1000
	deleted, err := s.repo.DeleteFinishedBefore(ctx, retentionCutoff)
	if err != nil {
		return report, err
	}
	report.JobsDeleted = deleted
	s.logger.Info().Int64("count", deleted).Msg("maintenance: deleted retired jobs")

	if s.cfg.ArtifactsRoot != "" {
		pruned, err := s.pruneArtifacts(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("maintenance: artifact prune failed")
		}
		report.ArtifactsPruned = pruned
	}

	vacuumed, err := s.vacuumIfOversize(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("maintenance: vacuum check failed")
	}
	report.Vacuumed = vacuumed

	return report, nil
}

// pruneArtifacts removes files under ArtifactsRoot older than the
// artifact retention horizon, rate-limited so a large backlog doesn't
// monopolize disk I/O at the storage writer's expense.
func (s *Scheduler) pruneArtifacts(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-time.Duration(s.cfg.ArtifactRetentionDays) * 24 * time.Hour)
	pruned := 0

	err := filepath.WalkDir(s.cfg.ArtifactsRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := os.Remove(path); err == nil {
			pruned++
		}
		return nil
	})
	return pruned, err
}

// vacuumIfOversize runs VACUUM when the database file reaches
// MaxDBSizeMB. Maintenance must not block writers for long, so this only
// fires once per pass and relies on SQLite's own bounded vacuum cost for
// the configured retention window.
func (s *Scheduler) vacuumIfOversize(ctx context.Context) (bool, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return false, err
	}
	maxBytes := s.cfg.MaxDBSizeMB * 1024 * 1024
	if maxBytes <= 0 || stats.DBSizeBytes < maxBytes {
		return false, nil
	}
	if err := s.repo.Vacuum(ctx); err != nil {
		return false, err
	}
	s.logger.Info().Int64("size_bytes", stats.DBSizeBytes).Msg("maintenance: vacuumed storage")
	return true, nil
}
