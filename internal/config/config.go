// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults; Load layers file and env.
// - External errors must be wrapped via this package's error helpers.
package config

import (
	"runtime"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// StoreBackend selects the persistence backend: "memory" or "redis".
	StoreBackend string `koanf:"store_backend"`

	// RedisAddr is the redis host:port when StoreBackend is "redis".
	RedisAddr string `koanf:"redis_addr"`

	// BucketWidth is the fixed width of a delta batch window.
	BucketWidth time.Duration `koanf:"bucket_width"`

	// LookbackBuckets bounds how many past batch windows catch-up scans.
	LookbackBuckets int `koanf:"lookback_buckets"`

	// LockTTL is the age after which a processing lock is stale.
	LockTTL time.Duration `koanf:"lock_ttl"`

	// ScanPoints is the delta awarded to the scanned participant per scan.
	ScanPoints int `koanf:"scan_points"`

	// IndexCap bounds the sorted score index size.
	IndexCap int `koanf:"index_cap"`

	// BoardSize is the fixed number of leaderboard slots.
	BoardSize int `koanf:"board_size"`

	// TierThresholds maps tier names to their minimum score.
	TierThresholds map[string]int `koanf:"tier_thresholds"`

	// DefaultTier names the tier for scores below every threshold.
	DefaultTier string `koanf:"default_tier"`

	// BackupInterval is the period between full backup snapshots.
	BackupInterval time.Duration `koanf:"backup_interval"`

	// BackupPath is the sqlite file receiving backup snapshots.
	BackupPath string `koanf:"backup_path"`

	// BackupChunkSize bounds records per backup write batch.
	BackupChunkSize int `koanf:"backup_chunk_size"`

	// HookQueueSize bounds the in-memory mutation event queue.
	HookQueueSize int `koanf:"hook_queue_size"`

	// WorkerCount sets the number of hook workers draining mutation events.
	WorkerCount int `koanf:"worker_count"`

	// ConnectionCacheSize bounds the scanner-target connection history.
	ConnectionCacheSize int `koanf:"connection_cache_size"`

	// IdentityBaseURL points at the external identity provider for photo
	// lookups. Empty disables remote lookups.
	IdentityBaseURL string `koanf:"identity_base_url"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:        "info",
		Addr:            ":9080",
		StoreBackend:    "memory",
		RedisAddr:       "localhost:6379",
		BucketWidth:     5 * time.Minute,
		LookbackBuckets: 24,
		LockTTL:         10 * time.Minute,
		ScanPoints:      10,
		IndexCap:        1000,
		BoardSize:       10,
		TierThresholds: map[string]int{
			"gold":   200,
			"silver": 51,
		},
		DefaultTier:         "bronze",
		BackupInterval:      6 * time.Hour,
		BackupPath:          "meishi-backup.db",
		BackupChunkSize:     500,
		HookQueueSize:       10_000,
		WorkerCount:         runtime.NumCPU() * 2,
		ConnectionCacheSize: 500_000,
		IdentityBaseURL:     "",
	}
}
