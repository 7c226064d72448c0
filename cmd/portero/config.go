package main

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Config holds process configuration loaded from environment variables.
type Config struct {
	HTTPAddr      string     // gateway listen address
	AuthToken     string     // bearer token for POST /mcp/message
	TLSCert       string     // TLS certificate path; with TLSKey enables TLS
	TLSKey        string     // TLS private key path
	DataDir       string     // state directory
	ConfigDir     string     // directory holding the YAML documents
	TelegramToken string     // approval bot token; empty disables the channel
	PairingSecret string     // one-time /pair secret
	AgeKeyPath    string     // age identity file; empty auto-generates one
	LogLevel      slog.Level // slog level
}

// defaultDataDir returns ~/.portero, falling back to a CWD-relative
// directory if the home directory can't be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".portero"
	}
	return filepath.Join(home, ".portero")
}

func loadConfig() (*Config, error) {
	dataDir := envOr("PORTERO_DATA_DIR", defaultDataDir())
	cfg := &Config{
		HTTPAddr:      envOr("PORTERO_HTTP_ADDR", "127.0.0.1:8443"),
		AuthToken:     os.Getenv("PORTERO_AUTH_TOKEN"),
		TLSCert:       os.Getenv("PORTERO_TLS_CERT"),
		TLSKey:        os.Getenv("PORTERO_TLS_KEY"),
		DataDir:       dataDir,
		ConfigDir:     envOr("PORTERO_CONFIG_DIR", filepath.Join(dataDir, "config")),
		TelegramToken: os.Getenv("PORTERO_TELEGRAM_TOKEN"),
		PairingSecret: os.Getenv("PORTERO_PAIRING_SECRET"),
		AgeKeyPath:    os.Getenv("PORTERO_AGE_KEY"),
		LogLevel:      parseLogLevel(envOr("PORTERO_LOG_LEVEL", "info")),
	}
	return cfg, nil
}

func (c *Config) statePath() string {
	return filepath.Join(c.DataDir, "state")
}

func (c *Config) secretsPath() string {
	return filepath.Join(c.DataDir, "secrets.age")
}

func (c *Config) autoKeyPath() string {
	return filepath.Join(c.DataDir, "key.age")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
