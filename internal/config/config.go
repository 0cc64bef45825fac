package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mailstore/internal/volume"
)

const (
	DefaultDBFileName = ".mailstore.db"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"

	DefaultStagingTTL        = 24 * time.Hour
	DefaultDigest            = "sha256"
	DefaultMailboxBits       = 12
	DefaultFileBits          = 12
	DefaultSafetyMargin      = time.Hour
	DefaultGCInterval        = 15 * time.Minute
	DefaultMaxDeleteAttempts = 5
	DefaultMetricsListenAddr = "127.0.0.1:9310"

	configFileName = ".mailstore.toml"
	dataDirName    = ".mailstore"

	configDirEnvKey          = "MAILSTORE_CONFIG_DIR"
	trustProjectConfigEnvKey = "MAILSTORE_TRUST_PROJECT_CONFIG"
	dbPathEnvKey             = "MAILSTORE_DB"
	stagingRootEnvKey        = "MAILSTORE_STAGING_ROOT"
)

// StagingConfig configures the incoming staging area.
type StagingConfig struct {
	Root   string        `toml:"root"`
	TTL    time.Duration `toml:"ttl"`
	Digest string        `toml:"digest"`
}

// PathsConfig configures the on-volume directory fan-out.
type PathsConfig struct {
	MailboxBits int `toml:"mailbox_bits"`
	FileBits    int `toml:"file_bits"`
}

// GCConfig configures the sweeper and its background worker.
type GCConfig struct {
	SafetyMargin      time.Duration `toml:"safety_margin"`
	Interval          time.Duration `toml:"interval"`
	MaxDeleteAttempts int           `toml:"max_delete_attempts"`
}

// MetricsConfig configures the Prometheus endpoint served by `serve`.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Config defines runtime configuration for mailstore.
type Config struct {
	DBPath                   string        `toml:"db_path"`
	LogLevel                 string        `toml:"log_level"`
	LogFormat                string        `toml:"log_format"`
	Staging                  StagingConfig `toml:"staging"`
	Paths                    PathsConfig   `toml:"paths"`
	GC                       GCConfig      `toml:"gc"`
	Metrics                  MetricsConfig `toml:"metrics"`
	Volumes                  []volume.Spec `toml:"volumes"`
	TrustedProjectConfigPath string        `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		DBPath:   "",
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
		Staging: StagingConfig{
			TTL:    DefaultStagingTTL,
			Digest: DefaultDigest,
		},
		Paths: PathsConfig{
			MailboxBits: DefaultMailboxBits,
			FileBits:    DefaultFileBits,
		},
		GC: GCConfig{
			SafetyMargin:      DefaultSafetyMargin,
			Interval:          DefaultGCInterval,
			MaxDeleteAttempts: DefaultMaxDeleteAttempts,
		},
		Metrics: MetricsConfig{ListenAddr: DefaultMetricsListenAddr},
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"db_path",
	"log_level",
	"log_format",
	"staging.root",
	"staging.ttl",
	"staging.digest",
	"paths.mailbox_bits",
	"paths.file_bits",
	"gc.safety_margin",
	"gc.interval",
	"gc.max_delete_attempts",
	"metrics.listen_addr",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "db_path":
		return c.DBPath, nil
	case "log_level":
		return c.LogLevel, nil
	case "log_format":
		return c.LogFormat, nil
	case "staging.root":
		return c.Staging.Root, nil
	case "staging.ttl":
		return c.Staging.TTL.String(), nil
	case "staging.digest":
		return c.Staging.Digest, nil
	case "paths.mailbox_bits":
		return strconv.Itoa(c.Paths.MailboxBits), nil
	case "paths.file_bits":
		return strconv.Itoa(c.Paths.FileBits), nil
	case "gc.safety_margin":
		return c.GC.SafetyMargin.String(), nil
	case "gc.interval":
		return c.GC.Interval.String(), nil
	case "gc.max_delete_attempts":
		return strconv.Itoa(c.GC.MaxDeleteAttempts), nil
	case "metrics.listen_addr":
		return c.Metrics.ListenAddr, nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if dbPath := os.Getenv(dbPathEnvKey); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if cfg.DBPath == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.DBPath = filepath.Join(cwd, DefaultDBFileName)
		}
	}
	if root := os.Getenv(stagingRootEnvKey); root != "" {
		cfg.Staging.Root = root
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DataDir is where the store keeps its own files next to the database.
func (c *Config) DataDir() string {
	return filepath.Join(filepath.Dir(c.DBPath), dataDirName)
}

// Validate rejects settings the store cannot run with.
func (c *Config) Validate() error {
	if c.Paths.MailboxBits < 1 || c.Paths.MailboxBits > 30 {
		return fmt.Errorf("paths.mailbox_bits must be between 1 and 30, got %d", c.Paths.MailboxBits)
	}
	if c.Paths.FileBits < 1 || c.Paths.FileBits > 30 {
		return fmt.Errorf("paths.file_bits must be between 1 and 30, got %d", c.Paths.FileBits)
	}
	if !IsLogFormat(c.LogFormat) {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	switch strings.ToLower(c.Staging.Digest) {
	case "sha256", "blake2b":
	default:
		return fmt.Errorf("staging.digest must be sha256 or blake2b, got %q", c.Staging.Digest)
	}
	seen := make(map[int16]struct{}, len(c.Volumes))
	for _, spec := range c.Volumes {
		if _, ok := seen[spec.ID]; ok {
			return fmt.Errorf("volume %d declared twice", spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}
	return nil
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Staging.Root == "" && c.DBPath != "" {
		c.Staging.Root = filepath.Join(c.DataDir(), "staging")
	}
	if c.Staging.TTL <= 0 {
		c.Staging.TTL = DefaultStagingTTL
	}
	if strings.TrimSpace(c.Staging.Digest) == "" {
		c.Staging.Digest = DefaultDigest
	}
	if c.Paths.MailboxBits == 0 {
		c.Paths.MailboxBits = DefaultMailboxBits
	}
	if c.Paths.FileBits == 0 {
		c.Paths.FileBits = DefaultFileBits
	}
	if c.GC.SafetyMargin <= 0 {
		c.GC.SafetyMargin = DefaultSafetyMargin
	}
	if c.GC.Interval <= 0 {
		c.GC.Interval = DefaultGCInterval
	}
	if c.GC.MaxDeleteAttempts <= 0 {
		c.GC.MaxDeleteAttempts = DefaultMaxDeleteAttempts
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = DefaultMetricsListenAddr
	}
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "staging.ttl", "gc.safety_margin", "gc.interval":
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration such as 30m or 24h", key)
		}
		return parsed.String(), nil
	case "paths.mailbox_bits", "paths.file_bits":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 || parsed > 30 {
			return nil, fmt.Errorf("%s must be an integer between 1 and 30", key)
		}
		return int64(parsed), nil
	case "gc.max_delete_attempts":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return int64(parsed), nil
	case "log_level":
		if !IsLogLevel(value) {
			return nil, fmt.Errorf("%s must be debug, info, warn, error or a numeric level", key)
		}
		return strings.ToLower(value), nil
	case "log_format":
		lower := strings.ToLower(value)
		if !IsLogFormat(lower) {
			return nil, fmt.Errorf("%s must be text or json", key)
		}
		return lower, nil
	case "staging.digest":
		lower := strings.ToLower(value)
		if lower != "sha256" && lower != "blake2b" {
			return nil, fmt.Errorf("%s must be sha256 or blake2b", key)
		}
		return lower, nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

// IsLogFormat reports whether format names a supported log handler.
func IsLogFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "json":
		return true
	}
	return false
}

// IsLogLevel reports whether level is a slog level name or number.
// "warning" is accepted as an alias for warn.
func IsLogLevel(level string) bool {
	_, err := ParseLogLevel(level)
	return err == nil
}

// ParseLogLevel parses a level name or number; empty means DefaultLogLevel.
func ParseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = DefaultLogLevel
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}
	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}
