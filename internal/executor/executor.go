// Package executor dispatches a popped, ready job to its handler — either
// an in-process function keyed by job_type, or a subprocess spawned under
// an environment allow-list and a confined working directory (spec §4.D).
package executor

import (
	"context"
	"errors"

	"github.com/taskord/daemon/internal/jobstore"
)

// OutcomeKind classifies how a job's execution finished.
type OutcomeKind int

const (
	// Success means the job completed normally.
	Success OutcomeKind = iota
	// TransientFailure means the job may succeed on retry.
	TransientFailure
	// PermanentFailure means the job must not be retried.
	PermanentFailure
)

// Outcome is what an Executor reports once a job finishes.
type Outcome struct {
	Kind      OutcomeKind
	Summary   string
	Artifacts []byte
}

// ErrNotSupported is returned by Kill when the execution mode has no
// meaningful pid to signal (IN_PROCESS jobs).
var ErrNotSupported = errors.New("executor: operation not supported for this execution mode")

// OnPID is invoked by Run as soon as a subprocess's OS pid is known, so
// the caller can persist it against the job row before the process
// finishes — a crash between spawn and persisted-pid would otherwise
// leave an unrecoverable orphan.
type OnPID func(pid int)

// Executor runs a single job and can be asked to kill it mid-flight by
// pid — the polymorphism-over-execution-mode abstraction from spec §9.
type Executor interface {
	Run(ctx context.Context, job *jobstore.Job, onPID OnPID) (Outcome, error)
	Kill(pid int) error
}

// Handler implements one job_type for the InProcessExecutor. It must not
// let a panic escape — InProcessExecutor recovers around every call, but
// a well-behaved handler returns a classified error instead of panicking
// for anything except a genuine programming bug.
type Handler func(ctx context.Context, job *jobstore.Job) (Outcome, error)
