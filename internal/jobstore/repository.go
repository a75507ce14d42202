package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskord/daemon/internal/clockid"
)

// Repository is the sole entry point for job persistence. It owns the
// supersede algorithm, the atomic claim (pop) transition, and every other
// state-machine move named in spec §4.C. A Repository is safe for
// concurrent use by multiple goroutines; SQLite's WAL mode plus the
// single-writer connection pool configured in Open serialize writers.
type Repository struct {
	db     *sql.DB
	crypt  *payloadCipher
}

func newRepository(db *sql.DB, crypt *payloadCipher) *Repository {
	return &Repository{db: db, crypt: crypt}
}

const jobColumns = `id, queue, job_type, subject_key, generation, state, priority,
	created_at, started_at, finished_at, payload, log_path, execution_mode, pid, env,
	attempts, max_attempts, backoff_factor, deadline, ttl_ms, schedule_at,
	wait_for_idle, require_charging, wait_for_event, user_tag, parent_job_id,
	chain_group_id, result_summary, artifacts`

// Enqueue inserts a new job, applying the subject/generation supersede
// algorithm (spec §4.C.2): when req.SubjectKey is non-empty, every QUEUED
// or SCHEDULED job sharing that subject is marked SUPERSEDED in the same
// transaction, the subject ledger's latest_generation is bumped, and the
// new job is stamped with the resulting generation. A job with no subject
// key bypasses the ledger entirely and always runs.
func (r *Repository) Enqueue(ctx context.Context, clock clockid.Clock, ids clockid.IDProvider, req EnqueueRequest) (*Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	now := clock.NowMS()
	var generation int64

	if req.SubjectKey != "" {
		var latest int64
		err := tx.QueryRowContext(ctx,
			`SELECT latest_generation FROM subjects WHERE subject_key = ?`, req.SubjectKey,
		).Scan(&latest)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			latest = 0
		case err != nil:
			return nil, fmt.Errorf("read subject ledger: %w", err)
		}
		generation = latest + 1

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subjects (subject_key, latest_generation) VALUES (?, ?)
			 ON CONFLICT(subject_key) DO UPDATE SET latest_generation = excluded.latest_generation`,
			req.SubjectKey, generation,
		); err != nil {
			return nil, fmt.Errorf("bump subject ledger: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, finished_at = ? WHERE subject_key = ? AND state IN (?, ?)`,
			StateSuperseded, now, req.SubjectKey, StateQueued, StateScheduled,
		); err != nil {
			return nil, fmt.Errorf("supersede prior jobs: %w", err)
		}
	}

	mode := req.ExecutionMode
	if mode == "" {
		mode = ExecutionInProcess
	}
	backoff := req.BackoffFactor
	if backoff <= 0 {
		backoff = 2.0
	}

	state := StateQueued
	if req.ScheduleAtMS != nil && *req.ScheduleAtMS > now {
		state = StateScheduled
	}

	envBlob, err := marshalEnv(req.EnvAllowlist)
	if err != nil {
		return nil, err
	}
	envBlob, err = r.crypt.seal(envBlob)
	if err != nil {
		return nil, fmt.Errorf("seal env: %w", err)
	}
	payload, err := r.crypt.seal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}

	job := &Job{
		ID:              ids.NewID(),
		Queue:           req.Queue,
		JobType:         req.JobType,
		SubjectKey:      req.SubjectKey,
		Generation:      generation,
		State:           state,
		Priority:        req.Priority,
		CreatedAtMS:     now,
		ExecutionMode:   mode,
		EnvAllowlist:    req.EnvAllowlist,
		MaxAttempts:     req.MaxAttempts,
		BackoffFactor:   backoff,
		DeadlineMS:      req.DeadlineMS,
		TTLMS:           req.TTLMS,
		ScheduleAtMS:    req.ScheduleAtMS,
		WaitForIdle:     req.WaitForIdle,
		RequireCharging: req.RequireCharging,
		WaitForEvent:    req.WaitForEvent,
		UserTag:         req.UserTag,
		ParentJobID:     req.ParentJobID,
		ChainGroupID:    req.ChainGroupID,
		Payload:         req.Payload,
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.JobType, job.SubjectKey, job.Generation, job.State, job.Priority,
		job.CreatedAtMS, nil, nil, payload, job.LogPath, job.ExecutionMode, nil, envBlob,
		job.Attempts, job.MaxAttempts, job.BackoffFactor, job.DeadlineMS, job.TTLMS, job.ScheduleAtMS,
		job.WaitForIdle, job.RequireCharging, job.WaitForEvent, job.UserTag, job.ParentJobID,
		job.ChainGroupID, job.ResultSummary, nil,
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return job, nil
}

// PromoteScheduled transitions SCHEDULED jobs on queue whose schedule_at
// has arrived back to QUEUED, making them visible to ListReadyCandidates.
// Jobs are inserted as SCHEDULED rather than QUEUED when Enqueue sees a
// future schedule_at, so the pop-time candidate scan never has to reason
// about not-yet-due rows itself.
func (r *Repository) PromoteScheduled(ctx context.Context, queue string, nowMS int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE queue = ? AND state = ? AND (schedule_at IS NULL OR schedule_at <= ?)`,
		StateQueued, queue, StateScheduled, nowMS,
	)
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return res.RowsAffected()
}

// ListReadyCandidates returns QUEUED jobs on queue that are not gated by a
// schedule_at in the future or a deadline already passed, ordered by
// priority descending then FIFO — the pop ordering from spec §4.C.1. The
// scheduler package is responsible for filtering these further by idle/
// charging/event readiness before a candidate is claimed.
func (r *Repository) ListReadyCandidates(ctx context.Context, queue string, nowMS int64, limit int) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE queue = ? AND state = ?
		AND (schedule_at IS NULL OR schedule_at <= ?)
		AND (deadline IS NULL OR deadline > ?)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?`, queue, StateQueued, nowMS, nowMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list ready candidates: %w", err)
	}
	defer rows.Close()
	return r.scanJobs(rows)
}

// ClaimJob atomically transitions a single candidate from QUEUED to
// RUNNING. If another worker (or this one, in a prior poll) already moved
// the job out of QUEUED, zero rows are affected and ErrBusy is returned —
// the caller should move on to its next candidate, exactly the race the
// teacher's two-step SELECT-then-conditional-UPDATE dequeue guards against.
func (r *Repository) ClaimJob(ctx context.Context, jobID string, nowMS int64) (*Job, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, started_at = ? WHERE id = ? AND state = ?`,
		StateRunning, nowMS, jobID, StateQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrBusy
	}
	return r.FindByID(ctx, jobID)
}

// FindByID loads a single job by id.
func (r *Repository) FindByID(ctx context.Context, jobID string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	return r.scanJobRow(row)
}

// UpdateState moves a job to a new terminal or running state, stamping
// finishedAtMS when the new state is terminal. The transition is
// conditioned on the job not already being terminal, so a cancel racing a
// completion never resurrects a finished job (spec invariant 4).
func (r *Repository) UpdateState(ctx context.Context, jobID string, newState State, nowMS int64, resultSummary string, artifacts []byte) error {
	var finishedAt interface{}
	if newState.IsTerminal() {
		finishedAt = nowMS
	}
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET state = ?, finished_at = COALESCE(?, finished_at),
		result_summary = ?, artifacts = COALESCE(?, artifacts)
		WHERE id = ? AND state NOT IN (?, ?, ?, ?, ?, ?)`,
		newState, finishedAt, resultSummary, artifacts, jobID,
		StateDone, StateFailed, StateCancelled, StateSuperseded, StateSkippedTTL, StateSkippedDeadline,
	)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update state rows affected: %w", err)
	}
	if n == 0 {
		return ErrBusy
	}
	return nil
}

// SetPID records a spawned subprocess's OS pid against a RUNNING job, so
// a crash between spawn and this call is the only window in which an
// orphaned subprocess is invisible to recovery (spec §3.2 invariant 5).
func (r *Repository) SetPID(ctx context.Context, jobID string, pid int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET pid = ? WHERE id = ? AND state = ?`, pid, jobID, StateRunning)
	if err != nil {
		return fmt.Errorf("set pid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set pid rows affected: %w", err)
	}
	if n == 0 {
		return ErrBusy
	}
	return nil
}

// IncrementAttempts bumps a job's attempt counter and returns the new
// count, used by the worker loop after an attempt ends in a transient
// failure.
func (r *Repository) IncrementAttempts(ctx context.Context, jobID string) (int32, error) {
	var attempts int32
	err := r.db.QueryRowContext(ctx,
		`UPDATE jobs SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`, jobID,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// PrepareForRetry returns a RUNNING job to QUEUED with a future
// schedule_at, clearing started_at/pid so it reappears as a fresh
// candidate once the backoff delay elapses (spec §4.E).
func (r *Repository) PrepareForRetry(ctx context.Context, jobID string, nextScheduleAtMS int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, schedule_at = ?, started_at = NULL, pid = NULL
		 WHERE id = ? AND state = ?`,
		StateQueued, nextScheduleAtMS, jobID, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("prepare for retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("prepare for retry rows affected: %w", err)
	}
	if n == 0 {
		return ErrBusy
	}
	return nil
}

// RevertToQueued resets a RUNNING job back to QUEUED with no schedule
// delay, used by the recovery pass at startup for orphaned in-process jobs
// (spec §4.H) and by the worker loop when a claimed job is not yet ready.
func (r *Repository) RevertToQueued(ctx context.Context, jobID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, schedule_at = NULL, started_at = NULL, pid = NULL
		 WHERE id = ? AND state = ?`,
		StateQueued, jobID, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("revert to queued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revert to queued rows affected: %w", err)
	}
	if n == 0 {
		return ErrBusy
	}
	return nil
}

// FindAllRunning lists every RUNNING job — the full orphan candidate set
// consumed once at startup by the recovery pass (spec §4.H), before any
// worker loop is allowed to start.
func (r *Repository) FindAllRunning(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ?`, StateRunning)
	if err != nil {
		return nil, fmt.Errorf("find all running: %w", err)
	}
	defer rows.Close()
	return r.scanJobs(rows)
}

// FindRunningStartedBefore lists RUNNING jobs whose started_at predates
// cutoffMS. No daemon component calls it: maintenance does not sweep
// RUNNING jobs, and the startup recovery pass uses FindAllRunning.
func (r *Repository) FindRunningStartedBefore(ctx context.Context, cutoffMS int64) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND started_at IS NOT NULL AND started_at < ?`,
		StateRunning, cutoffMS)
	if err != nil {
		return nil, fmt.Errorf("find running started before: %w", err)
	}
	defer rows.Close()
	return r.scanJobs(rows)
}

// FindFinishedBefore lists terminal jobs whose finished_at predates
// cutoffMS — the GC candidate set (spec §4.I).
func (r *Repository) FindFinishedBefore(ctx context.Context, cutoffMS int64) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state IN (?, ?, ?, ?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		StateDone, StateFailed, StateCancelled, StateSuperseded, StateSkippedTTL, StateSkippedDeadline,
		cutoffMS)
	if err != nil {
		return nil, fmt.Errorf("find finished before: %w", err)
	}
	defer rows.Close()
	return r.scanJobs(rows)
}

// DeleteFinishedBefore removes terminal jobs older than cutoffMS and
// returns the number of rows deleted.
func (r *Repository) DeleteFinishedBefore(ctx context.Context, cutoffMS int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN (?, ?, ?, ?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		StateDone, StateFailed, StateCancelled, StateSuperseded, StateSkippedTTL, StateSkippedDeadline,
		cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("delete finished before: %w", err)
	}
	return res.RowsAffected()
}

// CancelByID cancels a single non-terminal job.
func (r *Repository) CancelByID(ctx context.Context, jobID string, nowMS int64) error {
	return r.UpdateState(ctx, jobID, StateCancelled, nowMS, "cancelled", nil)
}

// CancelByTag cancels every non-terminal job carrying the given user tag
// and returns the count affected.
func (r *Repository) CancelByTag(ctx context.Context, tag string, nowMS int64) (int64, error) {
	return r.cancelWhere(ctx, "user_tag = ?", tag, nowMS)
}

// CancelByChainGroup cancels every non-terminal job in a chain group and
// returns the count affected.
func (r *Repository) CancelByChainGroup(ctx context.Context, chainGroupID string, nowMS int64) (int64, error) {
	return r.cancelWhere(ctx, "chain_group_id = ?", chainGroupID, nowMS)
}

func (r *Repository) cancelWhere(ctx context.Context, predicate string, arg string, nowMS int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, finished_at = ?, result_summary = 'cancelled'
		 WHERE `+predicate+` AND state NOT IN (?, ?, ?, ?, ?, ?)`,
		StateCancelled, nowMS, arg,
		StateDone, StateFailed, StateCancelled, StateSuperseded, StateSkippedTTL, StateSkippedDeadline,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel where %s: %w", predicate, err)
	}
	return res.RowsAffected()
}

// Stats aggregates per-queue, per-state counts, database file size, and
// average queue wait for the stats request handler (spec §6.1).
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByQueueState: make(map[string]map[State]int64),
		AvgWaitMS:    make(map[string]float64),
	}

	rows, err := r.db.QueryContext(ctx, `SELECT queue, state, COUNT(*) FROM jobs GROUP BY queue, state`)
	if err != nil {
		return nil, fmt.Errorf("stats by queue state: %w", err)
	}
	for rows.Next() {
		var queue string
		var state State
		var count int64
		if err := rows.Scan(&queue, &state, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		if stats.ByQueueState[queue] == nil {
			stats.ByQueueState[queue] = make(map[State]int64)
		}
		stats.ByQueueState[queue][state] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats rows: %w", err)
	}

	waitRows, err := r.db.QueryContext(ctx, `SELECT queue, AVG(started_at - created_at) FROM jobs
		WHERE state = ? AND started_at IS NOT NULL GROUP BY queue`, StateDone)
	if err != nil {
		return nil, fmt.Errorf("stats avg wait: %w", err)
	}
	for waitRows.Next() {
		var queue string
		var avg float64
		if err := waitRows.Scan(&queue, &avg); err != nil {
			waitRows.Close()
			return nil, fmt.Errorf("scan wait row: %w", err)
		}
		stats.AvgWaitMS[queue] = avg
	}
	waitRows.Close()
	if err := waitRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wait rows: %w", err)
	}

	var pageCount, pageSize int64
	if err := r.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("read page_count: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("read page_size: %w", err)
	}
	stats.DBSizeBytes = pageCount * pageSize

	return stats, nil
}

// Vacuum reclaims free pages left by deleted rows. Called by the
// maintenance scheduler once the database file crosses its configured
// size threshold; never run inline with a request.
func (r *Repository) Vacuum(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func (r *Repository) scanJobRow(row scannable) (*Job, error) {
	job, err := r.scanOne(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (r *Repository) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		job, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *Repository) scanOne(row scannable) (*Job, error) {
	var j Job
	var startedAt, finishedAt, pid, deadline, ttl, scheduleAt sql.NullInt64
	var payload, envBlob, artifacts []byte
	var waitForIdle, requireCharging int

	if err := row.Scan(
		&j.ID, &j.Queue, &j.JobType, &j.SubjectKey, &j.Generation, &j.State, &j.Priority,
		&j.CreatedAtMS, &startedAt, &finishedAt, &payload, &j.LogPath, &j.ExecutionMode, &pid, &envBlob,
		&j.Attempts, &j.MaxAttempts, &j.BackoffFactor, &deadline, &ttl, &scheduleAt,
		&waitForIdle, &requireCharging, &j.WaitForEvent, &j.UserTag, &j.ParentJobID,
		&j.ChainGroupID, &j.ResultSummary, &artifacts,
	); err != nil {
		return nil, err
	}

	if startedAt.Valid {
		v := startedAt.Int64
		j.StartedAtMS = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Int64
		j.FinishedAtMS = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		j.PID = &v
	}
	if deadline.Valid {
		v := deadline.Int64
		j.DeadlineMS = &v
	}
	if ttl.Valid {
		v := ttl.Int64
		j.TTLMS = &v
	}
	if scheduleAt.Valid {
		v := scheduleAt.Int64
		j.ScheduleAtMS = &v
	}
	j.WaitForIdle = waitForIdle != 0
	j.RequireCharging = requireCharging != 0
	j.Artifacts = artifacts

	plainPayload, err := r.crypt.open(payload)
	if err != nil {
		return nil, err
	}
	j.Payload = plainPayload

	plainEnv, err := r.crypt.open(envBlob)
	if err != nil {
		return nil, err
	}
	env, err := unmarshalEnv(plainEnv)
	if err != nil {
		return nil, err
	}
	j.EnvAllowlist = env

	return &j, nil
}

func marshalEnv(env map[string]string) ([]byte, error) {
	if len(env) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal env allowlist: %w", err)
	}
	return b, nil
}

func unmarshalEnv(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var env map[string]string
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env allowlist: %w", err)
	}
	return env, nil
}
