package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/jobstore"
)

// InProcessExecutor dispatches to a registry of handlers keyed by
// job_type, isolating each call behind a recover() the way the teacher's
// JobManager.safeGo isolates goroutine panics — a handler panic must not
// bring down the worker loop (spec §4.D, §7: converted to PermanentExec).
type InProcessExecutor struct {
	logger *common.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewInProcessExecutor creates an executor with an empty handler registry.
func NewInProcessExecutor(logger *common.Logger) *InProcessExecutor {
	return &InProcessExecutor{logger: logger, handlers: make(map[string]Handler)}
}

// Register binds a Handler to a job_type. Re-registering a job_type
// replaces its handler.
func (e *InProcessExecutor) Register(jobType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = h
}

// Run looks up the handler for job.JobType and invokes it under panic
// isolation. An unregistered job_type is a PermanentFailure, not a panic —
// it is a caller/configuration mistake, not a crash.
func (e *InProcessExecutor) Run(ctx context.Context, job *jobstore.Job, _ OnPID) (outcome Outcome, err error) {
	e.mu.RLock()
	h, ok := e.handlers[job.JobType]
	e.mu.RUnlock()

	if !ok {
		return Outcome{
			Kind:    PermanentFailure,
			Summary: fmt.Sprintf("no handler registered for job_type %q", job.JobType),
		}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("job_id", job.ID).
				Str("job_type", job.JobType).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic in job handler")
			outcome = Outcome{
				Kind:    PermanentFailure,
				Summary: fmt.Sprintf("handler panic: %v", r),
			}
			err = nil
		}
	}()

	return h(ctx, job)
}

// Kill is not meaningful for in-process handlers: there is no OS process
// to signal, only the ctx cancellation the worker loop already applies.
func (e *InProcessExecutor) Kill(pid int) error {
	return ErrNotSupported
}
