// Package config - Memory and cache policy knobs
//
// A single YAML-loadable document sizing the managed arena and the
// page-cache policy, with sensible defaults for embedders that never
// touch a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML decoding of forms like "2s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full policy document.
type Config struct {
	Memory MemoryConfig `yaml:"memory"`
	Cache  CacheConfig  `yaml:"cache"`
}

// MemoryConfig sizes the managed arena.
type MemoryConfig struct {
	// Size is the arena size in bytes.
	Size int64 `yaml:"size"`

	// Shards is the slab shard count (0 = one per CPU).
	Shards int `yaml:"shards"`
}

// CacheConfig sizes the page cache and its writeback policy.
type CacheConfig struct {
	// Blocks is the block-device address space, in 512-byte blocks.
	Blocks int64 `yaml:"blocks"`

	// MaxPages caps resident cache pages.
	MaxPages int `yaml:"max_pages"`

	// DirtyRatePct forces background writeback above this dirty
	// percentage.
	DirtyRatePct int `yaml:"dirty_rate_pct"`

	// FlushInterval is the background flusher period and the
	// time-based writeback force.
	FlushInterval Duration `yaml:"flush_interval"`
}

// Default returns the stock configuration: a 64 MiB arena, a 16 MiB
// device, and a one-second flusher at a 30 % dirty rate.
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			Size: 64 << 20,
		},
		Cache: CacheConfig{
			Blocks:        32768,
			MaxPages:      1024,
			DirtyRatePct:  30,
			FlushInterval: Duration(time.Second),
		},
	}
}

// Parse decodes a YAML document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Validate rejects unusable documents.
func (c *Config) Validate() error {
	if c.Memory.Size <= 0 {
		return fmt.Errorf("memory.size %d must be positive", c.Memory.Size)
	}
	if c.Cache.Blocks <= 0 {
		return fmt.Errorf("cache.blocks %d must be positive", c.Cache.Blocks)
	}
	if c.Cache.MaxPages <= 0 {
		return fmt.Errorf("cache.max_pages %d must be positive", c.Cache.MaxPages)
	}
	if c.Cache.DirtyRatePct < 0 || c.Cache.DirtyRatePct > 100 {
		return fmt.Errorf("cache.dirty_rate_pct %d out of range", c.Cache.DirtyRatePct)
	}
	return nil
}
