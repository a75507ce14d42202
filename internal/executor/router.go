package executor

import (
	"context"
	"fmt"

	"github.com/taskord/daemon/internal/jobstore"
)

// Router dispatches Run/Kill to the InProcessExecutor or SubprocessExecutor
// by a job's ExecutionMode (spec §9's "polymorphism over execution mode"),
// so worker.Manager depends on a single Executor regardless of how many
// concrete execution strategies the daemon wires in.
type Router struct {
	inProcess  *InProcessExecutor
	subprocess *SubprocessExecutor
}

// NewRouter composes a Router from the two concrete executors. Either may
// be nil if the daemon does not support that execution mode.
func NewRouter(inProcess *InProcessExecutor, subprocess *SubprocessExecutor) *Router {
	return &Router{inProcess: inProcess, subprocess: subprocess}
}

func (r *Router) Run(ctx context.Context, job *jobstore.Job, onPID OnPID) (Outcome, error) {
	switch job.ExecutionMode {
	case jobstore.ExecutionInProcess:
		if r.inProcess == nil {
			return Outcome{Kind: PermanentFailure, Summary: "in-process execution not configured"}, nil
		}
		return r.inProcess.Run(ctx, job, onPID)
	case jobstore.ExecutionSubprocess:
		if r.subprocess == nil {
			return Outcome{Kind: PermanentFailure, Summary: "subprocess execution not configured"}, nil
		}
		return r.subprocess.Run(ctx, job, onPID)
	default:
		return Outcome{}, fmt.Errorf("executor: unknown execution mode %q", job.ExecutionMode)
	}
}

// Kill forwards to the subprocess executor when one is configured, and to
// the in-process executor only when it is not; subprocess pids are real OS
// pids, in-process execution has none, so only the subprocess executor can
// ever actually signal anything.
func (r *Router) Kill(pid int) error {
	if r.subprocess != nil {
		return r.subprocess.Kill(pid)
	}
	if r.inProcess != nil {
		return r.inProcess.Kill(pid)
	}
	return ErrNotSupported
}
