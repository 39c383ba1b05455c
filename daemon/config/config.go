// Package config holds daemon configuration. Grounded on the teacher's
// daemon/config/config.go (flat exported struct, XDG-aware default data
// directory, LoadConfig/DefaultConfig pair), retargeted from
// transfer-daemon fields (gRPC/REST/QUIC addresses, chunk size, transfer
// concurrency) onto the capture daemon's durable-store paths and control
// API addresses.
package config

import (
	"os"
	"path/filepath"
)

// Config holds daemon configuration.
type Config struct {
	RESTAddress        string
	ObservAddress      string
	DataDirectory      string
	WalletKeystore     string
	LedgerEndpoint     string
	EventBufferSize    int
	SessionAcceptRate  float64
	SessionAcceptBurst int
	LedgerSubmitRate   float64
	LedgerSubmitBurst  int
	GCRetentionSeconds int64
	GCIntervalSeconds  int64
}

func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "witnessvault")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "witnessvault")
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()

	return &Config{
		RESTAddress:        "127.0.0.1:8080",
		ObservAddress:      "127.0.0.1:8081",
		DataDirectory:      dataDir,
		WalletKeystore:     filepath.Join(dataDir, "wallet"),
		LedgerEndpoint:     "",
		EventBufferSize:    100,
		SessionAcceptRate:  20,
		SessionAcceptBurst: 40,
		LedgerSubmitRate:   1,
		LedgerSubmitBurst:  2,
		GCRetentionSeconds: int64(24 * 60 * 60),
		GCIntervalSeconds:  int64(60 * 60),
	}
}

// LoadConfig loads configuration from file (simplified — returns default).
func LoadConfig(configPath string) (*Config, error) {
	return DefaultConfig(), nil
}

func (c *Config) SessionStorePath() string { return filepath.Join(c.DataDirectory, "sessions.db") }
func (c *Config) SecureStorePath() string  { return filepath.Join(c.DataDirectory, "securestore.db") }
func (c *Config) ObjectCachePath() string  { return filepath.Join(c.DataDirectory, "objectcache.db") }
func (c *Config) ObjectStorePath() string  { return filepath.Join(c.DataDirectory, "objects.db") }
func (c *Config) UploadQueuePath() string  { return filepath.Join(c.DataDirectory, "uploadqueue.db") }
