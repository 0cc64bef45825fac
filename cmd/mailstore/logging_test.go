package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"mailstore/internal/config"
)

func TestResolveLogSettingPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		flag       string
		env        string
		configured string
		wantValue  string
		wantSource string
	}{
		{name: "flag wins", flag: "debug", env: "error", configured: "warn", wantValue: "debug", wantSource: "flag"},
		{name: "env over config", env: "warn", configured: "info", wantValue: "warn", wantSource: "env"},
		{name: "config", configured: "error", wantValue: "error", wantSource: "config"},
		{name: "blank layers skipped", flag: " ", env: "", configured: "", wantValue: "", wantSource: "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(logLevelEnvKey, tt.env)
			got := resolveLogSetting("level", tt.flag, logLevelEnvKey, tt.configured)
			if got.value != tt.wantValue || got.source != tt.wantSource {
				t.Fatalf("expected %q from %s, got %q from %s", tt.wantValue, tt.wantSource, got.value, got.source)
			}
		})
	}
}

func TestSetupLoggingFormats(t *testing.T) {
	tests := []struct {
		name       string
		flagFormat string
		envFormat  string
		cfgFormat  string
		wantJSON   bool
	}{
		{name: "default text", wantJSON: false},
		{name: "config json", cfgFormat: "json", wantJSON: true},
		{name: "env overrides config", envFormat: "text", cfgFormat: "json", wantJSON: false},
		{name: "flag overrides env", flagFormat: "JSON", envFormat: "text", wantJSON: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(logLevelEnvKey, "")
			t.Setenv(logFormatEnvKey, tt.envFormat)
			cfg := config.Default()
			cfg.LogFormat = tt.cfgFormat

			var buf bytes.Buffer
			logger, warnings, err := setupLogging(&buf, "", tt.flagFormat, &cfg)
			if err != nil {
				t.Fatalf("setup logging: %v", err)
			}
			if len(warnings) != 0 {
				t.Fatalf("unexpected warnings %v", warnings)
			}
			logger.Info("swept volume", "volume", 3, "deleted", 2)

			var record map[string]any
			isJSON := json.Unmarshal(buf.Bytes(), &record) == nil
			if isJSON != tt.wantJSON {
				t.Fatalf("expected json=%v, got line %q", tt.wantJSON, buf.String())
			}
			if !strings.Contains(buf.String(), "swept volume") {
				t.Fatalf("missing message in %q", buf.String())
			}
		})
	}
}

func TestSetupLoggingFiltersBelowLevel(t *testing.T) {
	t.Setenv(logLevelEnvKey, "warn")
	t.Setenv(logFormatEnvKey, "")

	var buf bytes.Buffer
	logger, _, err := setupLogging(&buf, "", "", nil)
	if err != nil {
		t.Fatalf("setup logging: %v", err)
	}
	logger.Info("staged blob", "path", "incoming/a.msg")
	logger.Warn("delete failed", "path", "1/2/msg/0/3-1.msg")

	out := buf.String()
	if strings.Contains(out, "staged blob") {
		t.Fatalf("info record leaked through warn level: %q", out)
	}
	if !strings.Contains(out, "delete failed") {
		t.Fatalf("warn record missing: %q", out)
	}
	if slog.Default() != logger {
		t.Fatal("expected logger to be installed as default")
	}
}

func TestSetupLoggingBadValues(t *testing.T) {
	tests := []struct {
		name        string
		flagLevel   string
		flagFormat  string
		envLevel    string
		cfgFormat   string
		wantErr     bool
		wantWarning string
	}{
		{name: "bad level flag", flagLevel: "verbose", wantErr: true},
		{name: "bad format flag", flagFormat: "xml", wantErr: true},
		{name: "flag hides bad env", flagLevel: "debug", envLevel: "verbose"},
		{name: "bad env level", envLevel: "verbose", wantWarning: "MAILSTORE_LOG_LEVEL=\"verbose\"; defaulting to info"},
		{name: "bad config format", cfgFormat: "xml", wantWarning: "log_format=\"xml\"; defaulting to text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(logLevelEnvKey, tt.envLevel)
			t.Setenv(logFormatEnvKey, "")
			cfg := config.Default()
			cfg.LogFormat = tt.cfgFormat

			var buf bytes.Buffer
			_, warnings, err := setupLogging(&buf, tt.flagLevel, tt.flagFormat, &cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("setup logging: %v", err)
			}
			joined := strings.Join(warnings, "\n")
			if tt.wantWarning == "" && joined != "" {
				t.Fatalf("unexpected warnings %q", joined)
			}
			if !strings.Contains(joined, tt.wantWarning) {
				t.Fatalf("expected warning containing %q, got %q", tt.wantWarning, joined)
			}
		})
	}
}
