package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"mailstore/internal/config"
)

const (
	logLevelEnvKey  = "MAILSTORE_LOG_LEVEL"
	logFormatEnvKey = "MAILSTORE_LOG_FORMAT"
)

// logSetting is one logging knob and the layer it was taken from:
// flag, env, config or default.
type logSetting struct {
	name   string
	value  string
	source string
}

func resolveLogSetting(name, flagValue, envKey, configValue string) logSetting {
	layers := []logSetting{
		{name: "--log-" + name, value: flagValue, source: "flag"},
		{name: envKey, value: os.Getenv(envKey), source: "env"},
		{name: "log_" + name, value: configValue, source: "config"},
	}
	for _, l := range layers {
		if strings.TrimSpace(l.value) != "" {
			return l
		}
	}
	return logSetting{name: "log_" + name, source: "default"}
}

// setupLogging builds the process logger on w and installs it as the slog
// default. A bad flag is an error; a bad env or config value falls back to
// the default and is reported as a warning line.
func setupLogging(w io.Writer, flagLevel, flagFormat string, cfg *config.Config) (*slog.Logger, []string, error) {
	var configLevel, configFormat string
	if cfg != nil {
		configLevel, configFormat = cfg.LogLevel, cfg.LogFormat
	}

	var warnings []string
	levelSetting := resolveLogSetting("level", flagLevel, logLevelEnvKey, configLevel)
	level, err := config.ParseLogLevel(levelSetting.value)
	if err != nil {
		if levelSetting.source == "flag" {
			return nil, nil, fmt.Errorf("invalid --log-level %q", flagLevel)
		}
		level = slog.LevelInfo
		warnings = append(warnings, fallbackWarning(levelSetting, config.DefaultLogLevel))
	}

	formatSetting := resolveLogSetting("format", flagFormat, logFormatEnvKey, configFormat)
	format := strings.ToLower(strings.TrimSpace(formatSetting.value))
	if format == "" {
		format = config.DefaultLogFormat
	}
	if !config.IsLogFormat(format) {
		if formatSetting.source == "flag" {
			return nil, nil, fmt.Errorf("invalid --log-format %q (want text or json)", flagFormat)
		}
		format = config.DefaultLogFormat
		warnings = append(warnings, fallbackWarning(formatSetting, config.DefaultLogFormat))
	}

	logger := newLogger(w, level, format)
	slog.SetDefault(logger)
	return logger, warnings, nil
}

func fallbackWarning(s logSetting, fallback string) string {
	return fmt.Sprintf("warning: invalid %s=%q; defaulting to %s", s.name, s.value, fallback)
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
