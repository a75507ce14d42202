package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskord/daemon/internal/clockid"
	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/executor"
	"github.com/taskord/daemon/internal/jobstore"
	"github.com/taskord/daemon/internal/sysprobe"
)

func newTestRepo(t *testing.T) *jobstore.Repository {
	t.Helper()
	dir := t.TempDir()
	store, err := jobstore.Open(context.Background(), jobstore.DefaultOptions(dir+"/jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store.Repository()
}

func idleProbe() *sysprobe.Probe {
	clock := clockid.NewSystemClock()
	return sysprobe.NewWithSamplers(sysprobe.DefaultConfig(), clock,
		func() (float64, error) { return 5, nil },
		func() (float64, error) { return 10, nil },
		func() (sysprobe.Power, error) { return sysprobe.Power{OnAC: true}, nil },
	)
}

func waitForState(t *testing.T, repo *jobstore.Repository, jobID string, want jobstore.State, timeout time.Duration) *jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := repo.FindByID(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach state %s in time", jobID, want)
	return nil
}

func TestManagerRunsJobToSuccess(t *testing.T) {
	repo := newTestRepo(t)
	clock := clockid.NewSystemClock()
	ids := clockid.NewUUIDProvider()

	exec := executor.NewInProcessExecutor(common.NewSilentLogger())
	exec.Register("noop", func(ctx context.Context, job *jobstore.Job) (executor.Outcome, error) {
		return executor.Outcome{Kind: executor.Success, Summary: "done"}, nil
	})

	cfg := DefaultConfig("default")
	cfg.PollInterval = 10 * time.Millisecond
	mgr := NewManager(cfg, repo, exec, idleProbe(), clock, common.NewSilentLogger(), nil)
	mgr.Start()
	defer mgr.Stop()

	job, err := repo.Enqueue(context.Background(), clock, ids, jobstore.EnqueueRequest{Queue: "default", JobType: "noop"})
	require.NoError(t, err)

	waitForState(t, repo, job.ID, jobstore.StateDone, 2*time.Second)
}

func TestManagerFailsPermanentFailureImmediately(t *testing.T) {
	repo := newTestRepo(t)
	clock := clockid.NewSystemClock()
	ids := clockid.NewUUIDProvider()

	exec := executor.NewInProcessExecutor(common.NewSilentLogger())
	exec.Register("bad", func(ctx context.Context, job *jobstore.Job) (executor.Outcome, error) {
		return executor.Outcome{Kind: executor.PermanentFailure, Summary: "nope"}, nil
	})

	cfg := DefaultConfig("default")
	cfg.PollInterval = 10 * time.Millisecond
	mgr := NewManager(cfg, repo, exec, idleProbe(), clock, common.NewSilentLogger(), nil)
	mgr.Start()
	defer mgr.Stop()

	job, err := repo.Enqueue(context.Background(), clock, ids, jobstore.EnqueueRequest{Queue: "default", JobType: "bad", MaxAttempts: 5})
	require.NoError(t, err)

	waitForState(t, repo, job.ID, jobstore.StateFailed, 2*time.Second)
}

func TestManagerRetriesTransientFailureThenExhausts(t *testing.T) {
	repo := newTestRepo(t)
	clock := clockid.NewSystemClock()
	ids := clockid.NewUUIDProvider()

	exec := executor.NewInProcessExecutor(common.NewSilentLogger())
	exec.Register("flaky", func(ctx context.Context, job *jobstore.Job) (executor.Outcome, error) {
		return executor.Outcome{Kind: executor.TransientFailure, Summary: "try again"}, nil
	})

	cfg := DefaultConfig("default")
	cfg.PollInterval = 10 * time.Millisecond
	mgr := NewManager(cfg, repo, exec, idleProbe(), clock, common.NewSilentLogger(), nil)
	mgr.Start()
	defer mgr.Stop()

	job, err := repo.Enqueue(context.Background(), clock, ids, jobstore.EnqueueRequest{
		Queue: "default", JobType: "flaky", MaxAttempts: 2, BackoffFactor: 1.0,
	})
	require.NoError(t, err)

	reloaded := waitForState(t, repo, job.ID, jobstore.StateFailed, 5*time.Second)
	assert.Equal(t, int32(2), reloaded.Attempts)
}

func TestManagerRunsScheduledJobOnlyOnceDue(t *testing.T) {
	repo := newTestRepo(t)
	clock := clockid.NewSystemClock()
	ids := clockid.NewUUIDProvider()

	exec := executor.NewInProcessExecutor(common.NewSilentLogger())
	exec.Register("gated", func(ctx context.Context, job *jobstore.Job) (executor.Outcome, error) {
		return executor.Outcome{Kind: executor.Success}, nil
	})

	cfg := DefaultConfig("default")
	cfg.PollInterval = 10 * time.Millisecond
	mgr := NewManager(cfg, repo, exec, idleProbe(), clock, common.NewSilentLogger(), nil)
	mgr.Start()
	defer mgr.Stop()

	future := clock.NowMS() + int64(300*time.Millisecond/time.Millisecond)
	job, err := repo.Enqueue(context.Background(), clock, ids, jobstore.EnqueueRequest{
		Queue: "default", JobType: "gated", ScheduleAtMS: &future,
	})
	require.NoError(t, err)

	waitForState(t, repo, job.ID, jobstore.StateDone, 3*time.Second)
	reloaded, err := repo.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(0), reloaded.Attempts, "a not-ready revert must not consume an attempt")
	require.NotNil(t, reloaded.StartedAtMS)
	assert.GreaterOrEqual(t, *reloaded.StartedAtMS, future, "job must not start before its schedule_at")
}
