package jobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskord/daemon/internal/clockid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions(filepath.Join(dir, "jobs.db"))
	store, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueAssignsQueuedState(t *testing.T) {
	store := newTestStore(t)
	repo := store.Repository()
	clock := clockid.NewMockClock(1000)
	ids := clockid.NewCounterProvider("job")

	job, err := repo.Enqueue(context.Background(), clock, ids, EnqueueRequest{
		Queue:   "default",
		JobType: "noop",
	})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, job.State)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, int64(1000), job.CreatedAtMS)
}

func TestEnqueueSupersedesPriorSubjectJobs(t *testing.T) {
	store := newTestStore(t)
	repo := store.Repository()
	clock := clockid.NewMockClock(0)
	ids := clockid.NewCounterProvider("job")
	ctx := context.Background()

	first, err := repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t", SubjectKey: "stock:ABC"})
	require.NoError(t, err)

	second, err := repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t", SubjectKey: "stock:ABC"})
	require.NoError(t, err)

	reloadedFirst, err := repo.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuperseded, reloadedFirst.State)

	assert.Equal(t, StateQueued, second.State)
	assert.Equal(t, first.Generation+1, second.Generation)
}

func TestClaimJobIsAtomicAgainstDoubleClaim(t *testing.T) {
	store := newTestStore(t)
	repo := store.Repository()
	clock := clockid.NewMockClock(0)
	ids := clockid.NewCounterProvider("job")
	ctx := context.Background()

	job, err := repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t"})
	require.NoError(t, err)

	claimed, err := repo.ClaimJob(ctx, job.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, claimed.State)

	_, err = repo.ClaimJob(ctx, job.ID, 600)
	assert.ErrorIs(t, err, ErrBusy, "a second claim of the same job must lose the race")
}

func TestPrepareForRetryRequeuesWithDelay(t *testing.T) {
	store := newTestStore(t)
	repo := store.Repository()
	clock := clockid.NewMockClock(0)
	ids := clockid.NewCounterProvider("job")
	ctx := context.Background()

	job, err := repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t"})
	require.NoError(t, err)
	_, err = repo.ClaimJob(ctx, job.ID, 10)
	require.NoError(t, err)

	err = repo.PrepareForRetry(ctx, job.ID, 5000)
	require.NoError(t, err)

	reloaded, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, reloaded.State)
	require.NotNil(t, reloaded.ScheduleAtMS)
	assert.Equal(t, int64(5000), *reloaded.ScheduleAtMS)
	assert.Nil(t, reloaded.StartedAtMS)
}

func TestUpdateStateRefusesTerminalOverwrite(t *testing.T) {
	store := newTestStore(t)
	repo := store.Repository()
	clock := clockid.NewMockClock(0)
	ids := clockid.NewCounterProvider("job")
	ctx := context.Background()

	job, err := repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t"})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateState(ctx, job.ID, StateDone, 100, "ok", nil))

	err = repo.UpdateState(ctx, job.ID, StateFailed, 200, "too late", nil)
	assert.ErrorIs(t, err, ErrBusy)

	reloaded, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, reloaded.State, "a terminal job must never flip to another terminal state")
}

func TestCancelByTagAffectsOnlyMatchingNonTerminalJobs(t *testing.T) {
	store := newTestStore(t)
	repo := store.Repository()
	clock := clockid.NewMockClock(0)
	ids := clockid.NewCounterProvider("job")
	ctx := context.Background()

	a, err := repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t", UserTag: "nightly"})
	require.NoError(t, err)
	b, err := repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t", UserTag: "nightly"})
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t", UserTag: "other"})
	require.NoError(t, err)

	n, err := repo.CancelByTag(ctx, "nightly", 999)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	reloadedA, _ := repo.FindByID(ctx, a.ID)
	reloadedB, _ := repo.FindByID(ctx, b.ID)
	assert.Equal(t, StateCancelled, reloadedA.State)
	assert.Equal(t, StateCancelled, reloadedB.State)
}

func TestEncryptedPayloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	store, err := Open(context.Background(), Options{
		Path:          filepath.Join(dir, "jobs.db"),
		EncryptionKey: key,
	})
	require.NoError(t, err)
	defer store.Close()

	repo := store.Repository()
	clock := clockid.NewMockClock(0)
	ids := clockid.NewCounterProvider("job")
	ctx := context.Background()

	job, err := repo.Enqueue(ctx, clock, ids, EnqueueRequest{
		Queue:        "q",
		JobType:      "t",
		Payload:      []byte(`{"secret":"value"}`),
		EnvAllowlist: map[string]string{"API_KEY": "sekrit"},
	})
	require.NoError(t, err)

	reloaded, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"secret":"value"}`, string(reloaded.Payload))
	assert.Equal(t, "sekrit", reloaded.EnvAllowlist["API_KEY"])
}

func TestStatsAggregatesByQueueAndState(t *testing.T) {
	store := newTestStore(t)
	repo := store.Repository()
	clock := clockid.NewMockClock(0)
	ids := clockid.NewCounterProvider("job")
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t"})
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, clock, ids, EnqueueRequest{Queue: "q", JobType: "t"})
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ByQueueState["q"][StateQueued])
}
