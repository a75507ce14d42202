package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskord/daemon/internal/clockid"
	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/jobstore"
)

func newTestRepo(t *testing.T) *jobstore.Repository {
	t.Helper()
	dir := t.TempDir()
	store, err := jobstore.Open(context.Background(), jobstore.DefaultOptions(filepath.Join(dir, "jobs.db")))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store.Repository()
}

func TestRunOnceDeletesRetiredJobsOnly(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	clock := clockid.NewMockClock(10 * 24 * 60 * 60 * 1000)
	ids := clockid.NewCounterProvider("job")

	old, err := repo.Enqueue(ctx, clock, ids, jobstore.EnqueueRequest{Queue: "q", JobType: "t"})
	require.NoError(t, err)
	_, err = repo.ClaimJob(ctx, old.ID, clock.NowMS())
	require.NoError(t, err)
	require.NoError(t, repo.UpdateState(ctx, old.ID, jobstore.StateDone, 1000, "done", nil))

	recent, err := repo.Enqueue(ctx, clock, ids, jobstore.EnqueueRequest{Queue: "q", JobType: "t"})
	require.NoError(t, err)
	_, err = repo.ClaimJob(ctx, recent.ID, clock.NowMS())
	require.NoError(t, err)
	require.NoError(t, repo.UpdateState(ctx, recent.ID, jobstore.StateDone, clock.NowMS(), "done", nil))

	cfg := DefaultConfig()
	cfg.RetentionDays = 7
	sched := NewScheduler(cfg, repo, clock, common.NewSilentLogger())

	report, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.JobsDeleted)

	_, err = repo.FindByID(ctx, old.ID)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)

	stillThere, err := repo.FindByID(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateDone, stillThere.State)
}

func TestRunOnceIgnoresVacuumBelowThreshold(t *testing.T) {
	repo := newTestRepo(t)
	clock := clockid.NewMockClock(1000)

	cfg := DefaultConfig()
	cfg.MaxDBSizeMB = 10_000
	sched := NewScheduler(cfg, repo, clock, common.NewSilentLogger())

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Vacuumed)
}

func TestPruneArtifactsRemovesOnlyStaleFiles(t *testing.T) {
	repo := newTestRepo(t)
	// Seeded at the real wall-clock instant (not an arbitrary epoch-ms like
	// 1000) so the cutoff this test computes through the injected clock
	// lines up with the real file mtimes os.Chtimes below writes — prune
	// must go through clockid.Clock, never time.Now() directly (spec §4.A).
	clock := clockid.NewMockClock(time.Now().UnixMilli())
	artifactsDir := t.TempDir()

	stalePath := filepath.Join(artifactsDir, "stale.bin")
	freshPath := filepath.Join(artifactsDir, "fresh.bin")
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(freshPath, []byte("x"), 0o644))

	stale := clock.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, stale, stale))

	cfg := DefaultConfig()
	cfg.ArtifactsRoot = artifactsDir
	cfg.ArtifactRetentionDays = 3
	sched := NewScheduler(cfg, repo, clock, common.NewSilentLogger())

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ArtifactsPruned)

	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPath)
	assert.NoError(t, err)
}

// TestPruneArtifactsUsesInjectedClockNotWallClock proves pruneArtifacts
// reads "now" through clockid.Clock rather than time.Now(): a file that is
// fresh by the real wall clock becomes stale once the injected mock clock
// alone is advanced past the retention window.
func TestPruneArtifactsUsesInjectedClockNotWallClock(t *testing.T) {
	repo := newTestRepo(t)
	clock := clockid.NewMockClock(time.Now().UnixMilli())
	artifactsDir := t.TempDir()

	path := filepath.Join(artifactsDir, "file.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	// mtime is "now" by both the real wall clock and the mock clock.

	cfg := DefaultConfig()
	cfg.ArtifactsRoot = artifactsDir
	cfg.ArtifactRetentionDays = 3
	sched := NewScheduler(cfg, repo, clock, common.NewSilentLogger())

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.ArtifactsPruned)

	clock.Advance(4 * 24 * time.Hour)
	report, err = sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ArtifactsPruned)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStartAndStopCleanly(t *testing.T) {
	repo := newTestRepo(t)
	clock := clockid.NewSystemClock()

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	sched := NewScheduler(cfg, repo, clock, common.NewSilentLogger())

	sched.Start()
	sched.Stop()
}
