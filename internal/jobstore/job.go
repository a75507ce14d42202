// Package jobstore implements the persistence and state layer: the job
// record, the subject/generation ledger, the atomic pop transaction, and
// the supersede algorithm (spec §3, §4.C).
package jobstore

import "errors"

// State is one of the job lifecycle states from spec §3.1.
type State string

const (
	StateQueued          State = "QUEUED"
	StateScheduled       State = "SCHEDULED"
	StateRunning         State = "RUNNING"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
	StateCancelled       State = "CANCELLED"
	StateSuperseded      State = "SUPERSEDED"
	StateSkippedTTL      State = "SKIPPED_TTL"
	StateSkippedDeadline State = "SKIPPED_DEADLINE"
)

// IsTerminal reports whether a state is absorbing (spec invariant 4).
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled, StateSuperseded, StateSkippedTTL, StateSkippedDeadline:
		return true
	default:
		return false
	}
}

// ExecutionMode selects how the executor dispatches a job (spec §4.D).
type ExecutionMode string

const (
	ExecutionInProcess ExecutionMode = "IN_PROCESS"
	ExecutionSubprocess ExecutionMode = "SUBPROCESS"
)

// Job is the primary persisted record (spec §3.1).
type Job struct {
	ID             string
	Queue          string
	JobType        string
	SubjectKey     string // empty means the job bypasses supersede
	Generation     int64
	State          State
	Priority       int32
	CreatedAtMS    int64
	StartedAtMS    *int64
	FinishedAtMS   *int64
	Payload        []byte // opaque, size-bounded — see handlers validation
	LogPath        string
	ExecutionMode  ExecutionMode
	PID            *int
	EnvAllowlist   map[string]string
	Attempts       int32
	MaxAttempts    int32
	BackoffFactor  float64
	DeadlineMS     *int64
	TTLMS          *int64
	ScheduleAtMS   *int64
	WaitForIdle    bool
	RequireCharging bool
	WaitForEvent   string // placeholder, spec §9
	UserTag        string
	ParentJobID    string
	ChainGroupID   string
	ResultSummary  string
	Artifacts      []byte
}

// Errors returned by Repository methods, classified per spec §7.
var (
	// ErrNotFound means the job id does not exist.
	ErrNotFound = errors.New("jobstore: job not found")
	// ErrBusy means a conditional state transition matched no row: the job
	// was already claimed, moved on, or is terminal. SQLite lock contention
	// is not reported as ErrBusy.
	ErrBusy = errors.New("jobstore: storage busy")
	// ErrConstraint means a schema invariant was violated — a Bug, not a
	// runtime condition (spec §4.C.5, §7).
	ErrConstraint = errors.New("jobstore: constraint violation")
	// ErrCorrupt means the database file failed its integrity check at
	// open; the daemon must refuse to start rather than self-heal.
	ErrCorrupt = errors.New("jobstore: database corrupt")
)

// EnqueueRequest carries the caller-supplied fields for a new job. Fields
// left zero get the documented defaults applied by Repository.Enqueue.
type EnqueueRequest struct {
	Queue           string
	JobType         string
	SubjectKey      string
	Priority        int32
	Payload         []byte
	ExecutionMode   ExecutionMode
	EnvAllowlist    map[string]string
	MaxAttempts     int32
	BackoffFactor   float64
	DeadlineMS      *int64
	TTLMS           *int64
	ScheduleAtMS    *int64
	WaitForIdle     bool
	RequireCharging bool
	WaitForEvent    string
	UserTag         string
	ParentJobID     string
	ChainGroupID    string
}

// Stats aggregates repository-wide counts for the stats request handler.
type Stats struct {
	ByQueueState map[string]map[State]int64
	DBSizeBytes  int64
	AvgWaitMS    map[string]float64 // per queue: avg(started_at - created_at) over recent completions
}
