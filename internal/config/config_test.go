package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailstore/internal/models"
	"mailstore/internal/volume"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DBPath != "" {
		t.Fatalf("expected empty db path, got %q", cfg.DBPath)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.Staging.TTL != 24*time.Hour {
		t.Fatalf("expected staging ttl 24h, got %v", cfg.Staging.TTL)
	}
	if cfg.Paths.MailboxBits != 12 || cfg.Paths.FileBits != 12 {
		t.Fatalf("expected 12/12 bucket bits, got %d/%d", cfg.Paths.MailboxBits, cfg.Paths.FileBits)
	}
	if cfg.GC.SafetyMargin != time.Hour {
		t.Fatalf("expected safety margin 1h, got %v", cfg.GC.SafetyMargin)
	}
	if cfg.GC.MaxDeleteAttempts != DefaultMaxDeleteAttempts {
		t.Fatalf("expected max delete attempts %d, got %d", DefaultMaxDeleteAttempts, cfg.GC.MaxDeleteAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".mailstore.toml")
	if err := os.WriteFile(path, []byte(`log_level = "warn"

[staging]
root = "/srv/mail/staging"
ttl = "6h"
digest = "blake2b"

[gc]
safety_margin = "90m"

[[volumes]]
id = 1
type = "primary-message"
root = "/srv/mail/vol1"
current = true

[[volumes]]
id = 20
type = "external"
root = "/mnt/archive"
`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected log_level 'warn', got %q", cfg.LogLevel)
	}
	if cfg.Staging.Root != "/srv/mail/staging" || cfg.Staging.TTL != 6*time.Hour || cfg.Staging.Digest != "blake2b" {
		t.Fatalf("unexpected staging config %+v", cfg.Staging)
	}
	if cfg.GC.SafetyMargin != 90*time.Minute {
		t.Fatalf("expected safety margin 90m, got %v", cfg.GC.SafetyMargin)
	}
	if cfg.GC.Interval != DefaultGCInterval {
		t.Fatalf("expected untouched interval default, got %v", cfg.GC.Interval)
	}
	if len(cfg.Volumes) != 2 {
		t.Fatalf("expected 2 volumes, got %d", len(cfg.Volumes))
	}
	if cfg.Volumes[0].ID != 1 || cfg.Volumes[0].Type != models.VolumePrimaryMessage || !cfg.Volumes[0].Current {
		t.Fatalf("unexpected first volume %+v", cfg.Volumes[0])
	}
	if cfg.Volumes[1].Type != models.VolumeExternal || cfg.Volumes[1].Current {
		t.Fatalf("unexpected second volume %+v", cfg.Volumes[1])
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()
	if err := loadFile("/nonexistent/path/.mailstore.toml", &cfg); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("defaults should be preserved")
	}
}

func TestIsAllowedKey(t *testing.T) {
	for _, key := range []string{
		"db_path",
		"log_level",
		"staging.root",
		"staging.ttl",
		"staging.digest",
		"paths.mailbox_bits",
		"paths.file_bits",
		"gc.safety_margin",
		"gc.interval",
		"gc.max_delete_attempts",
		"metrics.listen_addr",
	} {
		if !IsAllowedKey(key) {
			t.Fatalf("expected %q to be allowed", key)
		}
	}
	if IsAllowedKey("invalid") {
		t.Fatal("expected 'invalid' to not be allowed")
	}
}

func TestGetKey(t *testing.T) {
	cfg := Default()
	cfg.DBPath = "/tmp/test.db"
	cfg.Staging.TTL = 2 * time.Hour
	cfg.GC.MaxDeleteAttempts = 7

	tests := []struct {
		key  string
		want string
	}{
		{key: "db_path", want: "/tmp/test.db"},
		{key: "log_level", want: DefaultLogLevel},
		{key: "log_format", want: DefaultLogFormat},
		{key: "staging.ttl", want: "2h0m0s"},
		{key: "staging.digest", want: "sha256"},
		{key: "paths.file_bits", want: "12"},
		{key: "gc.safety_margin", want: "1h0m0s"},
		{key: "gc.max_delete_attempts", want: "7"},
		{key: "metrics.listen_addr", want: DefaultMetricsListenAddr},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := cfg.Get(tt.key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
	if _, err := cfg.Get("invalid"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestSetKeyCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.toml")
	if err := SetKey(path, "db_path", "/var/lib/mail.db"); err != nil {
		t.Fatalf("set: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/var/lib/mail.db" {
		t.Fatalf("expected db path, got %q", cfg.DBPath)
	}
}

func TestSetKeyUpdatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.toml")
	if err := os.WriteFile(path, []byte("log_level = \"warn\"\n\n[[volumes]]\nid = 1\ntype = \"primary-message\"\nroot = \"/v1\"\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := SetKey(path, "gc.interval", "5m"); err != nil {
		t.Fatalf("set: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GC.Interval != 5*time.Minute {
		t.Fatalf("expected interval 5m, got %v", cfg.GC.Interval)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected preserved log_level, got %q", cfg.LogLevel)
	}
	if len(cfg.Volumes) != 1 || cfg.Volumes[0].Root != "/v1" {
		t.Fatalf("expected preserved volumes, got %+v", cfg.Volumes)
	}
}

func TestSetKeyRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.toml")
	tests := []struct {
		key   string
		value string
	}{
		{key: "invalid_key", value: "value"},
		{key: "staging.ttl", value: "forever"},
		{key: "staging.ttl", value: "-1h"},
		{key: "paths.mailbox_bits", value: "40"},
		{key: "gc.max_delete_attempts", value: "0"},
		{key: "staging.digest", value: "md5"},
		{key: "log_level", value: "verbose"},
		{key: "log_format", value: "logfmt"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			if err := SetKey(path, tt.key, tt.value); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Paths.MailboxBits = 31
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected bits out of range to fail")
	}

	cfg = Default()
	cfg.LogFormat = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown log format to fail")
	}

	cfg = Default()
	cfg.Volumes = []volume.Spec{
		{ID: 1, Type: models.VolumePrimaryMessage, Root: "/a"},
		{ID: 1, Type: models.VolumeIndex, Root: "/b"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate volume ids to fail")
	}
}

func TestConfigDirOverridePaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MAILSTORE_CONFIG_DIR", dir)

	globalPath, err := GlobalPath()
	if err != nil {
		t.Fatalf("global path: %v", err)
	}
	if globalPath != filepath.Join(dir, ".mailstore.toml") {
		t.Fatalf("unexpected global path: %s", globalPath)
	}

	projectPath, err := ProjectPath()
	if err != nil {
		t.Fatalf("project path: %v", err)
	}
	if projectPath != filepath.Join(dir, ".mailstore.toml") {
		t.Fatalf("unexpected project path: %s", projectPath)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func TestLoadConfigDirOverride(t *testing.T) {
	configDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(configDir, ".mailstore.toml"), []byte("log_level = \"error\"\n"), 0644); err != nil {
		t.Fatalf("write override config: %v", err)
	}

	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, ".mailstore.toml"), []byte("log_level = \"debug\"\n"), 0644); err != nil {
		t.Fatalf("write workspace config: %v", err)
	}
	chdir(t, workspace)

	t.Setenv("MAILSTORE_CONFIG_DIR", configDir)
	t.Setenv("MAILSTORE_DB", "")
	t.Setenv("MAILSTORE_STAGING_ROOT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("expected config-dir log level, got %q", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(workspace, DefaultDBFileName) {
		t.Fatalf("expected default workspace db path, got %q", cfg.DBPath)
	}
	if cfg.Staging.Root != filepath.Join(workspace, ".mailstore", "staging") {
		t.Fatalf("expected staging root next to the database, got %q", cfg.Staging.Root)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAILSTORE_CONFIG_DIR", t.TempDir())
	t.Setenv("MAILSTORE_DB", "/tmp/override.db")
	t.Setenv("MAILSTORE_STAGING_ROOT", "/tmp/staging")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Fatalf("expected env override for DB path, got %q", cfg.DBPath)
	}
	if cfg.Staging.Root != "/tmp/staging" {
		t.Fatalf("expected env override for staging root, got %q", cfg.Staging.Root)
	}
}

func TestLoadFallsBackToDefaultLogLevelWhenConfiguredEmpty(t *testing.T) {
	homeDir := t.TempDir()
	chdir(t, t.TempDir())

	if err := os.WriteFile(filepath.Join(homeDir, ".mailstore.toml"), []byte("log_level = \"\"\n"), 0o644); err != nil {
		t.Fatalf("write home config: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("MAILSTORE_CONFIG_DIR", "")
	t.Setenv("MAILSTORE_TRUST_PROJECT_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
}

func TestLoadIgnoresProjectConfigByDefault(t *testing.T) {
	homeDir := t.TempDir()
	workspace := t.TempDir()

	if err := os.WriteFile(filepath.Join(homeDir, ".mailstore.toml"), []byte("log_level = \"warn\"\n"), 0o644); err != nil {
		t.Fatalf("write home config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, ".mailstore.toml"), []byte("log_level = \"debug\"\n"), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}
	chdir(t, workspace)

	t.Setenv("HOME", homeDir)
	t.Setenv("MAILSTORE_CONFIG_DIR", "")
	t.Setenv("MAILSTORE_TRUST_PROJECT_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected global log level 'warn', got %q", cfg.LogLevel)
	}
	if cfg.TrustedProjectConfigPath != "" {
		t.Fatalf("expected no trusted project config path, got %q", cfg.TrustedProjectConfigPath)
	}
}

func TestLoadAppliesProjectConfigWhenTrusted(t *testing.T) {
	homeDir := t.TempDir()
	workspace := t.TempDir()

	if err := os.WriteFile(filepath.Join(homeDir, ".mailstore.toml"), []byte("log_level = \"warn\"\n"), 0o644); err != nil {
		t.Fatalf("write home config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, ".mailstore.toml"), []byte("log_level = \"debug\"\n"), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}
	chdir(t, workspace)

	t.Setenv("HOME", homeDir)
	t.Setenv("MAILSTORE_CONFIG_DIR", "")
	t.Setenv("MAILSTORE_TRUST_PROJECT_CONFIG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected trusted project log level 'debug', got %q", cfg.LogLevel)
	}
	if cfg.TrustedProjectConfigPath != filepath.Join(workspace, ".mailstore.toml") {
		t.Fatalf("unexpected trusted project config path %q", cfg.TrustedProjectConfigPath)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    slog.Level
		wantErr bool
	}{
		{raw: "", want: slog.LevelInfo},
		{raw: "debug", want: slog.LevelDebug},
		{raw: "WARN", want: slog.LevelWarn},
		{raw: "warning", want: slog.LevelWarn},
		{raw: " error ", want: slog.LevelError},
		{raw: "-4", want: slog.LevelDebug},
		{raw: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseLogLevel(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
