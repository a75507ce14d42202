package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/jobstore"
)

func mustPayload(t *testing.T, p SubprocessPayload) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

func TestSubprocessExecutorRunsToSuccess(t *testing.T) {
	dir := t.TempDir()
	e := NewSubprocessExecutor(common.NewSilentLogger(), dir, nil)

	job := &jobstore.Job{
		ID:      "job-1",
		LogPath: filepath.Join(dir, "job-1.log"),
		Payload: mustPayload(t, SubprocessPayload{Command: "true"}),
	}

	var pid int
	outcome, err := e.Run(context.Background(), job, func(p int) { pid = p })
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Kind)
	assert.NotZero(t, pid)
}

func TestSubprocessExecutorClassifiesNonZeroExitAsPermanent(t *testing.T) {
	dir := t.TempDir()
	e := NewSubprocessExecutor(common.NewSilentLogger(), dir, nil)

	job := &jobstore.Job{
		ID:      "job-2",
		LogPath: filepath.Join(dir, "job-2.log"),
		Payload: mustPayload(t, SubprocessPayload{Command: "false"}),
	}

	outcome, err := e.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, PermanentFailure, outcome.Kind)
}

func TestSubprocessExecutorRejectsWorkdirEscape(t *testing.T) {
	dir := t.TempDir()
	e := NewSubprocessExecutor(common.NewSilentLogger(), dir, nil)

	job := &jobstore.Job{
		ID:      "job-3",
		Payload: mustPayload(t, SubprocessPayload{Command: "true", Workdir: "../../etc"}),
	}

	outcome, err := e.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, PermanentFailure, outcome.Kind)
	assert.Contains(t, outcome.Summary, "escapes confinement")
}

func TestSubprocessExecutorKillsOnDeadline(t *testing.T) {
	dir := t.TempDir()
	e := NewSubprocessExecutor(common.NewSilentLogger(), dir, nil)

	job := &jobstore.Job{
		ID:      "job-4",
		LogPath: filepath.Join(dir, "job-4.log"),
		Payload: mustPayload(t, SubprocessPayload{Command: "sleep", Args: []string{"30"}}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := e.Run(ctx, job, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, TransientFailure, outcome.Kind)
	assert.Less(t, elapsed, 5*time.Second, "kill sequence must not wait for the full sleep duration")
}

func TestSubprocessExecutorWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	e := NewSubprocessExecutor(common.NewSilentLogger(), dir, nil)
	logPath := filepath.Join(dir, "job-5.log")

	job := &jobstore.Job{
		ID:      "job-5",
		LogPath: logPath,
		Payload: mustPayload(t, SubprocessPayload{Command: "echo", Args: []string{"hello"}}),
	}

	_, err := e.Run(context.Background(), job, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}
