// Package recovery runs the one-shot startup pass that reclaims jobs left
// RUNNING by a prior crash, before the worker loop is allowed to start
// (spec §4.H).
package recovery

import (
	"context"
	"fmt"

	"github.com/taskord/daemon/internal/clockid"
	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/executor"
	"github.com/taskord/daemon/internal/jobstore"
)

// Report summarizes what the recovery pass did, for the startup log line
// and for tests.
type Report struct {
	Requeued int // IN_PROCESS orphans reverted to QUEUED
	Killed   int // SUBPROCESS orphans whose still-live process was killed
	Failed   int // SUBPROCESS orphans marked FAILED (dead or killed)
}

// Recover loads every RUNNING job, and for each:
//   - IN_PROCESS (no pid): reverts to QUEUED — the previous invocation
//     crashed before the handler could commit an outcome, so the attempt
//     was never actually made.
//   - SUBPROCESS with a pid: if the OS reports the pid still alive, sends
//     the graceful-kill sequence; either way the job is marked FAILED,
//     since a crash mid-subprocess forfeits that attempt.
//
// Grounded on the teacher's JobQueueStore.ResetRunningJobs and the
// "Reset orphaned jobs from previous crash" comment in JobManager.Start,
// generalized to the full per-row liveness check spec §4.H describes.
func Recover(ctx context.Context, repo *jobstore.Repository, exec executor.Executor, clock clockid.Clock, logger *common.Logger) (Report, error) {
	var report Report

	orphans, err := repo.FindAllRunning(ctx)
	if err != nil {
		return report, fmt.Errorf("load running jobs: %w", err)
	}

	now := clock.NowMS()
	for _, job := range orphans {
		if job.ExecutionMode == jobstore.ExecutionInProcess || job.PID == nil {
			if err := repo.RevertToQueued(ctx, job.ID); err != nil && err != jobstore.ErrBusy {
				logger.Warn().Str("job_id", job.ID).Err(err).Msg("recovery: failed to revert orphaned in-process job")
				continue
			}
			report.Requeued++
			logger.Info().Str("job_id", job.ID).Msg("recovery: requeued orphaned in-process job")
			continue
		}

		pid := *job.PID
		summary := "recovered: orphaned subprocess already exited"
		if processAlive(pid) {
			if err := exec.Kill(pid); err != nil {
				logger.Warn().Str("job_id", job.ID).Int("pid", pid).Err(err).Msg("recovery: failed to kill orphaned subprocess")
			}
			report.Killed++
			summary = "recovered: killed orphaned subprocess"
		}

		if err := repo.UpdateState(ctx, job.ID, jobstore.StateFailed, now, summary, nil); err != nil && err != jobstore.ErrBusy {
			logger.Warn().Str("job_id", job.ID).Err(err).Msg("recovery: failed to fail orphaned subprocess job")
			continue
		}
		report.Failed++
		logger.Info().Str("job_id", job.ID).Int("pid", pid).Msg("recovery: orphaned subprocess job marked failed")
	}

	return report, nil
}
