package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if MEISHI_CONFIG is set
//  3. env (prefix MEISHI_)
func Load(ctx context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv("MEISHI_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
		}
	}

	// Environment variables: MEISHI_ADDR, MEISHI_BUCKET_WIDTH, ...
	// Keys map flat: MEISHI_LOCK_TTL -> lock_ttl, matching the koanf tags.
	envProvider := env.Provider("MEISHI_", ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, "meishi_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.BucketWidth < time.Minute:
		// Batch keys are minute-precision; narrower windows would collide.
		return fmt.Errorf("%w: bucket_width must be at least one minute", ErrInvalidConfig)
	case c.LookbackBuckets < 0:
		return fmt.Errorf("%w: lookback_buckets must not be negative", ErrInvalidConfig)
	case c.LockTTL <= 0:
		return fmt.Errorf("%w: lock_ttl must be positive", ErrInvalidConfig)
	case c.IndexCap < 1:
		return fmt.Errorf("%w: index_cap must be at least 1", ErrInvalidConfig)
	case c.BoardSize < 1:
		return fmt.Errorf("%w: board_size must be at least 1", ErrInvalidConfig)
	case c.BackupChunkSize < 1:
		return fmt.Errorf("%w: backup_chunk_size must be at least 1", ErrInvalidConfig)
	case c.StoreBackend != "memory" && c.StoreBackend != "redis":
		return fmt.Errorf("%w: unknown store_backend %q", ErrInvalidConfig, c.StoreBackend)
	}
	return nil
}
