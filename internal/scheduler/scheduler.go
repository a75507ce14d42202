// Package scheduler evaluates whether a job that was just popped into
// RUNNING is actually ready to execute, given its temporal and
// system-context conditions (spec §4.F).
package scheduler

import (
	"github.com/taskord/daemon/internal/clockid"
	"github.com/taskord/daemon/internal/jobstore"
	"github.com/taskord/daemon/internal/sysprobe"
)

// Outcome is the scheduler's verdict for a popped job.
type Outcome int

const (
	// Ready means the executor may run the job now.
	Ready Outcome = iota
	// SkippedDeadline means the job's absolute deadline already passed;
	// the caller must transition it to SKIPPED_DEADLINE without running it.
	SkippedDeadline
	// SkippedTTL means the job aged out while QUEUED; the caller must
	// transition it to SKIPPED_TTL without running it.
	SkippedTTL
	// RevertToQueued means the job is not ready yet for a non-terminal
	// reason (future schedule_at, busy system, gated on an event); the
	// caller must revert it to QUEUED (conditioned on it still being
	// RUNNING) and try another candidate.
	RevertToQueued
)

// Decision is the scheduler's evaluation result.
type Decision struct {
	Outcome Outcome
	// Reason is a short machine-stable tag for structured logging
	// ("deadline_passed", "ttl_expired", "not_scheduled_yet", "busy",
	// "not_charging", "wait_for_event").
	Reason string
}

// Evaluate runs the seven-step readiness check of spec §4.F against a job
// that has already been popped to RUNNING. It is a pure function of its
// arguments — probe is queried for a cached snapshot, clock for "now" —
// so it is fully exercised by feeding a MockClock and a Probe with
// injected samplers.
func Evaluate(job *jobstore.Job, probe *sysprobe.Probe, clock clockid.Clock) Decision {
	now := clock.NowMS()

	if job.DeadlineMS != nil && now > *job.DeadlineMS {
		return Decision{Outcome: SkippedDeadline, Reason: "deadline_passed"}
	}

	if job.TTLMS != nil && now-job.CreatedAtMS > *job.TTLMS {
		return Decision{Outcome: SkippedTTL, Reason: "ttl_expired"}
	}

	if job.ScheduleAtMS != nil && now < *job.ScheduleAtMS {
		return Decision{Outcome: RevertToQueued, Reason: "not_scheduled_yet"}
	}

	if job.WaitForIdle {
		if !probe.Metrics().IsIdle {
			return Decision{Outcome: RevertToQueued, Reason: "busy"}
		}
	}

	if job.RequireCharging {
		if !probe.IsChargingOrHighBattery() {
			return Decision{Outcome: RevertToQueued, Reason: "not_charging"}
		}
	}

	if job.WaitForEvent != "" {
		// Placeholder collaborator (spec §9): until an event bus exists,
		// a job gated on an event never becomes ready by itself.
		return Decision{Outcome: RevertToQueued, Reason: "wait_for_event"}
	}

	return Decision{Outcome: Ready, Reason: "ready"}
}
