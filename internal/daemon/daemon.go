// Package daemon is the composition root: it wires every subsystem from
// configuration into one running instance graph (spec §4.K), mirroring
// the construction shape of the teacher's internal/app.App/NewApp.
package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskord/daemon/internal/clockid"
	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/eventhub"
	"github.com/taskord/daemon/internal/executor"
	"github.com/taskord/daemon/internal/handlers"
	"github.com/taskord/daemon/internal/jobstore"
	"github.com/taskord/daemon/internal/maintenance"
	"github.com/taskord/daemon/internal/recovery"
	"github.com/taskord/daemon/internal/sysprobe"
	"github.com/taskord/daemon/internal/worker"
)

// Daemon holds every initialized subsystem. It is the shared core used by
// cmd/taskord-daemon.
type Daemon struct {
	Config  *common.Config
	Logger  *common.Logger
	Store   *jobstore.Store
	Probe   *sysprobe.Probe
	Hub     *eventhub.Hub
	Handlers *handlers.Service
	Maint   *maintenance.Scheduler

	clock    clockid.Clock
	ids      clockid.IDProvider
	workers  []*worker.Manager
	startupT time.Time
}

func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewDaemon initializes every subsystem from a config file path. configPath
// may be empty, in which case the default resolution logic is used.
func NewDaemon(configPath string) (*Daemon, error) {
	startupStart := time.Now()
	common.LoadVersionFromFile()

	binDir := getBinaryDir()
	if configPath == "" {
		configPath = os.Getenv("TASKORD_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "taskord-daemon.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/taskord-daemon.toml"
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if config.DataDir != "" && !filepath.IsAbs(config.DataDir) {
		config.DataDir = filepath.Join(binDir, config.DataDir)
	}

	logger := common.NewLogger(config.Logging.Level)

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(config.LogsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	artifactsDir := config.ArtifactsDirOrDefault()
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	clock := clockid.NewSystemClock()
	ids := clockid.NewUUIDProvider()

	storeOpts := jobstore.DefaultOptions(config.DBPath())
	if config.Storage.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(config.Storage.EncryptionKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid storage.encryption_key_hex: %w", err)
		}
		storeOpts.EncryptionKey = key
	}
	store, err := jobstore.Open(context.Background(), storeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	repo := store.Repository()

	probeCfg := sysprobe.DefaultConfig()
	probeCfg.IdleCPUThresholdPct = config.Probe.IdleCPUThresholdPct
	probe := sysprobe.New(probeCfg, clock)

	inProcExec := executor.NewInProcessExecutor(logger)
	subExec := executor.NewSubprocessExecutor(logger, filepath.Join(config.DataDir, "work"), executor.DefaultEnvAllowlist)
	router := executor.NewRouter(inProcExec, subExec)

	hub := eventhub.NewHub(logger)
	go hub.Run()

	logger.Info().Msg("running orphan recovery pass")
	report, err := recovery.Recover(context.Background(), repo, router, clock, logger)
	if err != nil {
		logger.Error().Err(err).Msg("recovery pass failed")
	} else {
		logger.Info().Int("requeued", report.Requeued).Int("killed", report.Killed).Int("failed", report.Failed).Msg("recovery pass complete")
	}

	queues := config.Worker.Queues
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	workers := make([]*worker.Manager, 0, len(queues))
	for _, queue := range queues {
		cfg := worker.DefaultConfig(queue)
		cfg.Slots = config.Worker.SlotsPerQueue
		if cfg.Slots < 1 {
			cfg.Slots = 1
		}
		cfg.CPUThrottlePct = config.Probe.CPUThrottleThresholdPct
		mgr := worker.NewManager(cfg, repo, router, probe, clock, logger, hub)
		workers = append(workers, mgr)
	}

	maintCfg := maintenance.DefaultConfig()
	maintCfg.RetentionDays = config.Maintenance.RetentionDays
	maintCfg.ArtifactRetentionDays = config.Maintenance.ArtifactRetentionDays
	maintCfg.MaxDBSizeMB = config.Maintenance.MaxDBSizeMB
	maintCfg.ArtifactsRoot = artifactsDir
	maint := maintenance.NewScheduler(maintCfg, repo, clock, logger)

	handlerCfg := handlers.Config{
		MaxPayloadBytes: config.Handlers.MaxPayloadBytes,
		RateLimitPerSec: config.Handlers.RateLimitPerSec,
		RateLimitBurst:  config.Handlers.RateLimitBurst,
	}
	svc := handlers.NewService(handlerCfg, repo, router, probe, clock, ids, maint, logger)

	d := &Daemon{
		Config:   config,
		Logger:   logger,
		Store:    store,
		Probe:    probe,
		Hub:      hub,
		Handlers: svc,
		Maint:    maint,
		clock:    clock,
		ids:      ids,
		workers:  workers,
		startupT: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("daemon initialized")
	return d, nil
}

// Start launches the worker pool and the maintenance ticker.
func (d *Daemon) Start() {
	for _, w := range d.workers {
		w.Start()
	}
	d.Maint.Start()
}

// Shutdown drains the worker pool, stops maintenance, and closes storage.
func (d *Daemon) Shutdown(ctx context.Context) error {
	for _, w := range d.workers {
		w.Stop()
	}
	d.Maint.Stop()
	d.Hub.Stop()
	return d.Store.Close()
}
