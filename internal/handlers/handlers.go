// Package handlers implements the request/response contract (spec §4.J,
// §6.1): enqueue, cancel, tail_logs, stats, and maintenance, each taking
// and returning plain structs. The wire envelope (JSON-RPC method
// dispatch) is a thin adapter left to cmd/taskord-daemon, per spec's
// explicit non-goal on owning encoding.
package handlers

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/taskord/daemon/internal/clockid"
	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/executor"
	"github.com/taskord/daemon/internal/jobstore"
	"github.com/taskord/daemon/internal/maintenance"
	"github.com/taskord/daemon/internal/sysprobe"
)

// Config tunes handler-level validation and rate limiting.
type Config struct {
	MaxPayloadBytes int     // default 10_000_000
	RateLimitPerSec float64 // default 50, per method
	RateLimitBurst  int32   // default 50
}

// DefaultConfig returns the spec's default handler thresholds.
func DefaultConfig() Config {
	return Config{MaxPayloadBytes: 10_000_000, RateLimitPerSec: 50, RateLimitBurst: 50}
}

// Service implements the five request handlers over a shared repository,
// executor, and probe, mirroring the constructor-injection style of the
// teacher's service layer.
type Service struct {
	cfg    Config
	repo   *jobstore.Repository
	exec   executor.Executor
	probe  *sysprobe.Probe
	clock  clockid.Clock
	ids    clockid.IDProvider
	maint  *maintenance.Scheduler
	logger *common.Logger

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewService wires a handler Service from its dependencies.
func NewService(cfg Config, repo *jobstore.Repository, exec executor.Executor, probe *sysprobe.Probe, clock clockid.Clock, ids clockid.IDProvider, maint *maintenance.Scheduler, logger *common.Logger) *Service {
	return &Service{
		cfg:     cfg,
		repo:    repo,
		exec:    exec,
		probe:   probe,
		clock:   clock,
		ids:     ids,
		maint:   maint,
		logger:  logger,
		buckets: make(map[string]*Bucket),
	}
}

// bucketFor lazily creates the per-method token bucket.
func (s *Service) bucketFor(method string) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[method]
	if !ok {
		b = NewBucket(s.clock, s.cfg.RateLimitBurst, s.cfg.RateLimitPerSec)
		s.buckets[method] = b
	}
	return b
}

func (s *Service) throttle(method string) error {
	if !s.bucketFor(method).Allow() {
		return newError(CodeThrottled, "rate limit exceeded for "+method, nil)
	}
	return nil
}

// EnqueueRequest is the wire-facing enqueue payload (spec §4.J).
type EnqueueRequest struct {
	Queue           string
	JobType         string
	SubjectKey      string
	Priority        int32
	Payload         []byte
	ExecutionMode   jobstore.ExecutionMode
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

// EnqueueResponse is returned from Enqueue (spec §4.J).
type EnqueueResponse struct {
	JobID string
	State jobstore.State
	Queue string
}

// Enqueue validates and delegates to the repository's supersede-aware
// insert (spec §4.C.2).
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	if err := s.throttle("enqueue"); err != nil {
		return nil, err
	}
	if err := validateEnqueue(req, s.cfg.MaxPayloadBytes); err != nil {
		return nil, err
	}

	job, err := s.repo.Enqueue(ctx, s.clock, s.ids, jobstore.EnqueueRequest{
		Queue:           req.Queue,
		JobType:         req.JobType,
		SubjectKey:      req.SubjectKey,
		Priority:        req.Priority,
		Payload:         req.Payload,
		ExecutionMode:   req.ExecutionMode,
		EnvAllowlist:    req.EnvAllowlist,
		MaxAttempts:     req.MaxAttempts,
		BackoffFactor:   req.BackoffFactor,
		DeadlineMS:      req.DeadlineMS,
		TTLMS:           req.TTLMS,
		ScheduleAtMS:    req.ScheduleAtMS,
		WaitForIdle:     req.WaitForIdle,
		RequireCharging: req.RequireCharging,
		WaitForEvent:    req.WaitForEvent,
		UserTag:         req.UserTag,
		ParentJobID:     req.ParentJobID,
		ChainGroupID:    req.ChainGroupID,
	})
	if err != nil {
		return nil, wrapStorageErr(err)
	}

	return &EnqueueResponse{JobID: job.ID, State: job.State, Queue: job.Queue}, nil
}

// validateEnqueue does not require SubjectKey: it is optional by design
// (spec §3.1) — absent-subject jobs bypass the supersede steps of §4.C.2,
// a path jobstore.Repository.Enqueue already implements.
func validateEnqueue(req EnqueueRequest, maxPayload int) error {
	switch {
	case req.JobType == "":
		return newError(CodeValidation, "job_type must not be empty", nil)
	case req.Queue == "":
		return newError(CodeValidation, "queue must not be empty", nil)
	case containsNUL(req.JobType) || containsNUL(req.Queue) || containsNUL(req.SubjectKey):
		return newError(CodeValidation, "identifiers must not contain NUL bytes", nil)
	case len(req.Payload) > maxPayload:
		return newError(CodeValidation, "payload exceeds max_payload_bytes", map[string]any{
			"limit": maxPayload, "actual": len(req.Payload),
		})
	}
	return nil
}

func containsNUL(s string) bool {
	return strings.IndexByte(s, 0) >= 0
}

// CancelRequest selects jobs to cancel by id, tag, or chain group — at
// least one must be set (spec §4.J).
type CancelRequest struct {
	JobID        string
	UserTag      string
	ChainGroupID string
}

// CancelResponse reports how many non-terminal jobs transitioned to
// CANCELLED.
type CancelResponse struct {
	CancelledCount int64
}

// Cancel transitions matching non-terminal jobs to CANCELLED. When the job
// is selected by JobID and is a RUNNING subprocess job, it also asks the
// executor to kill the child; jobs cancelled by UserTag or ChainGroupID are
// marked CANCELLED without signaling any child process.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*CancelResponse, error) {
	if err := s.throttle("cancel"); err != nil {
		return nil, err
	}
	if req.JobID == "" && req.UserTag == "" && req.ChainGroupID == "" {
		return nil, newError(CodeValidation, "one of job_id, user_tag, chain_group_id is required", nil)
	}

	var count int64
	switch {
	case req.JobID != "":
		job, err := s.repo.FindByID(ctx, req.JobID)
		if err != nil {
			if err == jobstore.ErrNotFound {
				return nil, newError(CodeNotFound, "job not found", nil)
			}
			return nil, wrapStorageErr(err)
		}
		s.signalKill(job)
		// CancelByID reports ErrBusy when the job is already terminal (no
		// rows matched the non-terminal predicate) — per spec §7, cancel of
		// a terminal job is a success with cancelled_count = 0, not an error.
		switch err := s.repo.CancelByID(ctx, req.JobID, s.clock.NowMS()); err {
		case nil:
			count = 1
		case jobstore.ErrBusy:
			count = 0
		default:
			return nil, wrapStorageErr(err)
		}
	case req.UserTag != "":
		n, err := s.repo.CancelByTag(ctx, req.UserTag, s.clock.NowMS())
		if err != nil {
			return nil, wrapStorageErr(err)
		}
		count = n
	default:
		n, err := s.repo.CancelByChainGroup(ctx, req.ChainGroupID, s.clock.NowMS())
		if err != nil {
			return nil, wrapStorageErr(err)
		}
		count = n
	}

	return &CancelResponse{CancelledCount: count}, nil
}

// signalKill asks the executor to stop a RUNNING subprocess job's child
// before the state transition lands; best-effort, errors are logged only.
func (s *Service) signalKill(job *jobstore.Job) {
	if job.State != jobstore.StateRunning || job.ExecutionMode != jobstore.ExecutionSubprocess || job.PID == nil {
		return
	}
	if err := s.exec.Kill(*job.PID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to signal subprocess on cancel")
	}
}

// TailLogsRequest reads a byte range from a job's log file (spec §4.J).
type TailLogsRequest struct {
	JobID  string
	Offset int64
	Limit  int64 // 0 means "use the default chunk size"
}

// TailLogsResponse returns the read chunk and whether end-of-file was
// reached on a terminal job.
type TailLogsResponse struct {
	Chunk      []byte
	NextOffset int64
	EOF        bool
}

const defaultTailLimit = 64 * 1024

// TailLogs streams a bounded chunk of a job's log file starting at Offset.
func (s *Service) TailLogs(ctx context.Context, req TailLogsRequest) (*TailLogsResponse, error) {
	if err := s.throttle("tail_logs"); err != nil {
		return nil, err
	}
	job, err := s.repo.FindByID(ctx, req.JobID)
	if err != nil {
		if err == jobstore.ErrNotFound {
			return nil, newError(CodeNotFound, "job not found", nil)
		}
		return nil, wrapStorageErr(err)
	}
	if job.LogPath == "" {
		return &TailLogsResponse{EOF: job.State.IsTerminal()}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultTailLimit
	}

	f, err := os.Open(job.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &TailLogsResponse{EOF: job.State.IsTerminal()}, nil
		}
		return nil, newError(CodeSystem, "failed to open log file", map[string]any{"error": err.Error()})
	}
	defer f.Close()

	if _, err := f.Seek(req.Offset, io.SeekStart); err != nil {
		return nil, newError(CodeSystem, "failed to seek log file", map[string]any{"error": err.Error()})
	}

	buf := make([]byte, limit)
	n, readErr := io.ReadFull(f, buf)
	reachedEOF := readErr == io.ErrUnexpectedEOF || readErr == io.EOF
	if readErr != nil && !reachedEOF {
		return nil, newError(CodeSystem, "failed to read log file", map[string]any{"error": readErr.Error()})
	}

	return &TailLogsResponse{
		Chunk:      buf[:n],
		NextOffset: req.Offset + int64(n),
		EOF:        reachedEOF && job.State.IsTerminal(),
	}, nil
}

// StatsResponse aggregates repository counts and a probe snapshot (spec
// §4.J).
type StatsResponse struct {
	ByQueueState map[string]map[jobstore.State]int64
	AvgWaitMS    map[string]float64
	DBSizeBytes  int64
	Probe        sysprobe.Metrics
	Power        sysprobe.Power
}

// Stats aggregates from the repository and the system probe.
func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	if err := s.throttle("stats"); err != nil {
		return nil, err
	}
	st, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return &StatsResponse{
		ByQueueState: st.ByQueueState,
		AvgWaitMS:    st.AvgWaitMS,
		DBSizeBytes:  st.DBSizeBytes,
		Probe:        s.probe.Metrics(),
		Power:        s.probe.Power(),
	}, nil
}

// MaintenanceResponse reports the outcome of an admin-triggered pass.
type MaintenanceResponse struct {
	JobsDeleted     int64
	ArtifactsPruned int
	Vacuumed        bool
}

// Maintenance triggers an immediate out-of-band maintenance pass (spec
// §6.1's admin `maintenance` method).
func (s *Service) Maintenance(ctx context.Context) (*MaintenanceResponse, error) {
	if err := s.throttle("maintenance"); err != nil {
		return nil, err
	}
	if s.maint == nil {
		return nil, newError(CodeInternal, "maintenance scheduler not configured", nil)
	}
	report, err := s.maint.RunOnce(ctx)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return &MaintenanceResponse{
		JobsDeleted:     report.JobsDeleted,
		ArtifactsPruned: report.ArtifactsPruned,
		Vacuumed:        report.Vacuumed,
	}, nil
}

func wrapStorageErr(err error) error {
	switch err {
	case jobstore.ErrNotFound:
		return newError(CodeNotFound, "not found", nil)
	case jobstore.ErrBusy:
		return newError(CodeThrottled, "storage busy, retry", nil)
	default:
		return newError(CodeStorage, err.Error(), nil)
	}
}
