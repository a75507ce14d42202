package common

import "testing"

func TestConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.RPCBind != "127.0.0.1:8765" {
		t.Errorf("RPCBind default = %q, want %q", cfg.RPCBind, "127.0.0.1:8765")
	}
	if cfg.Maintenance.RetentionDays != 7 {
		t.Errorf("RetentionDays default = %d, want 7", cfg.Maintenance.RetentionDays)
	}
	if cfg.Handlers.MaxPayloadBytes != 10_000_000 {
		t.Errorf("MaxPayloadBytes default = %d, want 10000000", cfg.Handlers.MaxPayloadBytes)
	}
}

func TestConfig_DataDirEnvOverride(t *testing.T) {
	t.Setenv("TASKORD_DATA_DIR", "/tmp/taskord-data")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.DataDir != "/tmp/taskord-data" {
		t.Errorf("DataDir = %q after env override, want %q", cfg.DataDir, "/tmp/taskord-data")
	}
}

func TestConfig_RPCBindEnvOverride(t *testing.T) {
	t.Setenv("TASKORD_RPC_BIND", "0.0.0.0:9999")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.RPCBind != "0.0.0.0:9999" {
		t.Errorf("RPCBind = %q after env override, want %q", cfg.RPCBind, "0.0.0.0:9999")
	}
}

func TestConfig_JWTSecretEnvOverride(t *testing.T) {
	t.Setenv("TASKORD_JWT_SECRET", "secret-from-env")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Auth.JWTSecret != "secret-from-env" {
		t.Errorf("Auth.JWTSecret = %q after env override, want %q", cfg.Auth.JWTSecret, "secret-from-env")
	}
}

func TestConfig_MaxDBSizeEnvOverride(t *testing.T) {
	t.Setenv("TASKORD_MAX_DB_SIZE_MB", "2500")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Maintenance.MaxDBSizeMB != 2500 {
		t.Errorf("MaxDBSizeMB = %d after env override, want 2500", cfg.Maintenance.MaxDBSizeMB)
	}
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.IsProduction() {
		t.Errorf("default environment %q should not report IsProduction", cfg.Environment)
	}
	cfg.Environment = "production"
	if !cfg.IsProduction() {
		t.Errorf("environment %q should report IsProduction", cfg.Environment)
	}
}

func TestConfig_DBPathAndLogsDir(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.DataDir = "/var/lib/taskord"

	if got, want := cfg.DBPath(), "/var/lib/taskord/meta.db"; got != want {
		t.Errorf("DBPath() = %q, want %q", got, want)
	}
	if got, want := cfg.LogsDir(), "/var/lib/taskord/logs"; got != want {
		t.Errorf("LogsDir() = %q, want %q", got, want)
	}
	if got, want := cfg.ArtifactsDirOrDefault(), "/var/lib/taskord/artifacts"; got != want {
		t.Errorf("ArtifactsDirOrDefault() = %q, want %q", got, want)
	}
}
