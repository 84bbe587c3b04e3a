package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ReadConfig loads and validates a TOML config file.
func (cfg *Config) ReadConfig(filename string) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		slog.Warn("error reading config", "file", filename, "error", err)
		return fmt.Errorf("read %s: %w", filename, err)
	}

	if err := toml.Unmarshal(raw, cfg); err != nil {
		slog.Warn("error parsing config", "file", filename, "error", err)
		return fmt.Errorf("parse %s: %w", filename, err)
	}

	return cfg.Validate()
}

// Validate fills defaults and rejects configs the proxy cannot serve.
func (cfg *Config) Validate() error {
	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:8443"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 3
	}
	if cfg.RequestTimeoutSecs <= 0 {
		cfg.RequestTimeoutSecs = 30
	}

	if len(cfg.Nodes) == 0 {
		return errors.New("config has no storage nodes")
	}

	for i := range cfg.Buckets {
		b := &cfg.Buckets[i]
		if b.Name == "" {
			return fmt.Errorf("bucket %d has no name", i)
		}
		if b.Mode == "" {
			b.Mode = ModeReplica
		}
		switch b.Mode {
		case ModeReplica:
		case ModeEC:
			if b.DataShards < 1 || b.ParityShards < 1 {
				return fmt.Errorf("bucket %s: ec mode needs data_shards and parity_shards", b.Name)
			}
			if b.DataShards+b.ParityShards > len(cfg.Nodes) {
				return fmt.Errorf("bucket %s: %d shards exceed %d nodes",
					b.Name, b.DataShards+b.ParityShards, len(cfg.Nodes))
			}
		default:
			return fmt.Errorf("bucket %s: unknown mode %q", b.Name, b.Mode)
		}
	}

	return nil
}

// BucketConfig finds the bucket by name.
func (cfg *Config) BucketConfig(bucket string) (Bucket, error) {
	for _, b := range cfg.Buckets {
		if b.Name == bucket {
			return b, nil
		}
	}
	return Bucket{}, fmt.Errorf("NoSuchBucket: %s", bucket)
}
