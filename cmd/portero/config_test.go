package main

import (
	"log/slog"
	"path/filepath"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := &Config{HTTPAddr: "127.0.0.1:8443", ConfigDir: "/etc/portero"}
	applyFlags(cfg, []string{"--addr=0.0.0.0:9000", "--config=/tmp/docs", "--unknown=x"})

	if cfg.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ConfigDir != "/tmp/docs" {
		t.Errorf("ConfigDir = %q", cfg.ConfigDir)
	}
}

func TestConfigDirDefaultsUnderDataDir(t *testing.T) {
	t.Setenv("PORTERO_DATA_DIR", "/srv/portero")
	t.Setenv("PORTERO_CONFIG_DIR", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/srv/portero", "config"); cfg.ConfigDir != want {
		t.Errorf("ConfigDir = %q, want %q", cfg.ConfigDir, want)
	}
	if cfg.statePath() != filepath.Join("/srv/portero", "state") {
		t.Errorf("statePath = %q", cfg.statePath())
	}
}
