// Package worker implements the pop → evaluate → execute → update loop
// that drives every job through its lifecycle (spec §4.G), structured
// after the teacher's JobManager: a safeGo panic-isolation helper and one
// processLoop goroutine per configured slot.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/taskord/daemon/internal/clockid"
	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/eventhub"
	"github.com/taskord/daemon/internal/executor"
	"github.com/taskord/daemon/internal/jobstore"
	"github.com/taskord/daemon/internal/retry"
	"github.com/taskord/daemon/internal/scheduler"
	"github.com/taskord/daemon/internal/sysprobe"
)

// Config tunes the worker loop's polling and throttling behavior.
type Config struct {
	// Queue is the single queue this Manager's slots drain.
	Queue string
	// Slots is the number of concurrent processLoop goroutines.
	Slots int
	// CPUThrottlePct pauses popping when the probe reports CPU at or
	// above this threshold (spec §4.G step 1, default 90).
	CPUThrottlePct float64
	// PollInterval is how long an empty-queue iteration sleeps before
	// retrying.
	PollInterval time.Duration
	// ThrottleSleep is how long a CPU-throttled iteration sleeps.
	ThrottleSleep time.Duration
	// ShutdownDrain bounds how long Stop waits for in-flight jobs before
	// returning.
	ShutdownDrain time.Duration
}

// DefaultConfig returns the spec's default thresholds for a single queue.
func DefaultConfig(queue string) Config {
	return Config{
		Queue:          queue,
		Slots:          1,
		CPUThrottlePct: 90,
		PollInterval:   200 * time.Millisecond,
		ThrottleSleep:  100 * time.Millisecond,
		ShutdownDrain:  10 * time.Second,
	}
}

// Manager runs Config.Slots worker goroutines against a single queue.
type Manager struct {
	cfg    Config
	repo   *jobstore.Repository
	exec   executor.Executor
	probe  *sysprobe.Probe
	clock  clockid.Clock
	ids    clockid.IDProvider
	logger *common.Logger
	hub    *eventhub.Hub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a worker Manager from its dependencies, mirroring the
// constructor-injection shape of the teacher's NewJobManager.
func NewManager(cfg Config, repo *jobstore.Repository, exec executor.Executor, probe *sysprobe.Probe, clock clockid.Clock, logger *common.Logger, hub *eventhub.Hub) *Manager {
	return &Manager{cfg: cfg, repo: repo, exec: exec, probe: probe, clock: clock, logger: logger, hub: hub}
}

// safeGo launches a goroutine with panic recovery and logging, named for
// and grounded on the teacher's JobManager.safeGo.
func (m *Manager) safeGo(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in worker goroutine")
			}
		}()
		fn()
	}()
}

// Start launches Config.Slots processLoop goroutines. Safe to call once;
// call Stop before a second Start.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	slots := m.cfg.Slots
	if slots < 1 {
		slots = 1
	}
	for i := 0; i < slots; i++ {
		slot := i
		m.safeGo(fmt.Sprintf("worker-%s-%d", m.cfg.Queue, slot), func() {
			m.processLoop(ctx)
		})
	}
}

// Stop cancels all processLoop goroutines and waits up to
// Config.ShutdownDrain for them to finish draining their current job.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownDrain):
		m.logger.Warn().Str("queue", m.cfg.Queue).Msg("worker shutdown drain timed out")
	}
}

// processLoop is one slot's iteration cycle: probe → pop → evaluate →
// execute → settle, the loop body of spec §4.G.
func (m *Manager) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.probe.Metrics().CPUPercent >= m.cfg.CPUThrottlePct {
			sleepOrDone(ctx, m.cfg.ThrottleSleep)
			continue
		}

		if _, err := m.repo.PromoteScheduled(ctx, m.cfg.Queue, m.clock.NowMS()); err != nil {
			m.logger.Warn().Err(err).Str("queue", m.cfg.Queue).Msg("failed to promote scheduled jobs")
		}

		job, ok := m.popOne(ctx)
		if !ok {
			sleepOrDone(ctx, m.cfg.PollInterval)
			continue
		}

		m.runOne(ctx, job)
	}
}

// popOne fetches ready candidates and claims the first one that is still
// QUEUED by the time this worker reaches it — the two-step select-then-
// claim pattern of spec §4.C.3, racing safely against sibling slots.
func (m *Manager) popOne(ctx context.Context) (*jobstore.Job, bool) {
	candidates, err := m.repo.ListReadyCandidates(ctx, m.cfg.Queue, m.clock.NowMS(), 10)
	if err != nil {
		m.logger.Warn().Err(err).Str("queue", m.cfg.Queue).Msg("failed to list ready candidates")
		return nil, false
	}

	for _, candidate := range candidates {
		job, err := m.repo.ClaimJob(ctx, candidate.ID, m.clock.NowMS())
		if err == jobstore.ErrBusy {
			continue
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", candidate.ID).Msg("failed to claim job")
			continue
		}
		m.emit(job.ID, m.cfg.Queue, "QUEUED", "RUNNING", 0, "")
		return job, true
	}
	return nil, false
}

// runOne evaluates readiness and, if ready, executes the job, then
// settles its terminal or requeued state.
func (m *Manager) runOne(ctx context.Context, job *jobstore.Job) {
	decision := scheduler.Evaluate(job, m.probe, m.clock)

	switch decision.Outcome {
	case scheduler.SkippedDeadline:
		m.settleSkip(ctx, job, jobstore.StateSkippedDeadline)
		return
	case scheduler.SkippedTTL:
		m.settleSkip(ctx, job, jobstore.StateSkippedTTL)
		return
	case scheduler.RevertToQueued:
		if err := m.repo.RevertToQueued(ctx, job.ID); err != nil && err != jobstore.ErrBusy {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to revert not-ready job to queued")
		}
		m.emit(job.ID, job.Queue, "RUNNING", "QUEUED", 0, decision.Reason)
		return
	}

	m.execute(ctx, job)
}

func (m *Manager) settleSkip(ctx context.Context, job *jobstore.Job, state jobstore.State) {
	now := m.clock.NowMS()
	if err := m.repo.UpdateState(ctx, job.ID, state, now, decisionSummary(state), nil); err != nil && err != jobstore.ErrBusy {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record skip state")
	}
	m.emit(job.ID, job.Queue, "RUNNING", string(state), now-job.CreatedAtMS, "")
}

func decisionSummary(state jobstore.State) string {
	switch state {
	case jobstore.StateSkippedDeadline:
		return "deadline passed before execution"
	case jobstore.StateSkippedTTL:
		return "ttl expired while queued"
	default:
		return ""
	}
}

// execute runs the job via the injected Executor, then applies the
// success/transient/permanent outcome logic of spec §4.G steps 5–7.
func (m *Manager) execute(ctx context.Context, job *jobstore.Job) {
	start := m.clock.NowMS()

	runCtx := ctx
	var cancelDeadline context.CancelFunc
	if job.DeadlineMS != nil {
		remaining := time.Duration(*job.DeadlineMS-start) * time.Millisecond
		if remaining < 0 {
			remaining = 0
		}
		runCtx, cancelDeadline = context.WithTimeout(ctx, remaining)
		defer cancelDeadline()
	}

	onPID := func(pid int) {
		if err := m.repo.SetPID(ctx, job.ID, pid); err != nil && err != jobstore.ErrBusy {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist subprocess pid")
		}
	}

	outcome, err := m.exec.Run(runCtx, job, onPID)
	finished := m.clock.NowMS()
	duration := finished - start

	if err != nil {
		m.logger.Error().Str("job_id", job.ID).Err(err).Msg("executor returned an unexpected error")
		m.fail(ctx, job, finished, "executor error: "+err.Error(), duration, "system")
		return
	}

	switch outcome.Kind {
	case executor.Success:
		if updErr := m.repo.UpdateState(ctx, job.ID, jobstore.StateDone, finished, outcome.Summary, outcome.Artifacts); updErr != nil && updErr != jobstore.ErrBusy {
			m.logger.Warn().Err(updErr).Str("job_id", job.ID).Msg("failed to record done state")
		}
		m.emit(job.ID, job.Queue, "RUNNING", "DONE", duration, "")

	case executor.TransientFailure:
		m.retryOrFail(ctx, job, outcome.Summary, duration)

	case executor.PermanentFailure:
		m.fail(ctx, job, finished, outcome.Summary, duration, "permanent")
	}
}

func (m *Manager) retryOrFail(ctx context.Context, job *jobstore.Job, summary string, duration int64) {
	attempts, err := m.repo.IncrementAttempts(ctx, job.ID)
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to increment attempts")
		attempts = job.Attempts + 1
	}

	if retry.Decide(attempts, job.MaxAttempts) {
		delay := retry.Delay(attempts, job.BackoffFactor, retry.RandJitter)
		nextAt := m.clock.NowMS() + delay
		if err := m.repo.PrepareForRetry(ctx, job.ID, nextAt); err != nil && err != jobstore.ErrBusy {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to prepare job for retry")
		}
		m.emit(job.ID, job.Queue, "RUNNING", "QUEUED", duration, "transient")
		return
	}

	m.fail(ctx, job, m.clock.NowMS(), summary, duration, "transient_exhausted")
}

func (m *Manager) fail(ctx context.Context, job *jobstore.Job, finished int64, summary string, duration int64, errorKind string) {
	if err := m.repo.UpdateState(ctx, job.ID, jobstore.StateFailed, finished, summary, nil); err != nil && err != jobstore.ErrBusy {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record failed state")
	}
	m.emit(job.ID, job.Queue, "RUNNING", "FAILED", duration, errorKind)
}

func (m *Manager) emit(jobID, queue, from, to string, durationMS int64, errorKind string) {
	if m.hub == nil {
		return
	}
	m.hub.Broadcast(eventhub.Event{
		JobID:      jobID,
		Queue:      queue,
		StateFrom:  from,
		StateTo:    to,
		DurationMS: durationMS,
		ErrorKind:  errorKind,
		AtMS:       m.clock.NowMS(),
	})
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
