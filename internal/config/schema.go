package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/hkuds/filecage/internal/archive"
	"github.com/hkuds/filecage/internal/policy"
	"github.com/hkuds/filecage/internal/sandbox"
)

// Config is the root configuration for filecage.
type Config struct {
	Sandbox SandboxConfig `json:"sandbox"`
	Archive ArchiveConfig `json:"archive"`
	Store   StoreConfig   `json:"store"`
	Engine  EngineConfig  `json:"engine"`
	Log     LogConfig     `json:"log"`
}

// SandboxConfig describes the container pool and the per-job isolation
// ceilings. Sizes are human-readable strings ("256MB", "1GiB").
type SandboxConfig struct {
	Image        string `json:"image"`
	WarmName     string `json:"warmName"`
	MaxEphemeral int64  `json:"maxEphemeral"`

	Memory      string  `json:"memory"`
	CPUPercent  float64 `json:"cpuPercent"`
	PidsLimit   int64   `json:"pidsLimit"`
	MaxWallTime int     `json:"maxWallTimeSeconds"`
	ScratchDir  string  `json:"scratchDir"`
	ScratchSize string  `json:"scratchSize"`
}

// ArchiveConfig bounds archive expansion.
type ArchiveConfig struct {
	MaxEntries   int    `json:"maxEntries"`
	MaxEntrySize string `json:"maxEntrySize"`
	MaxTotalSize string `json:"maxTotalSize"`
	MaxDepth     int    `json:"maxDepth"`
}

// StoreConfig controls result retention.
type StoreConfig struct {
	TTLMinutes   int `json:"ttlMinutes"`
	SweepSeconds int `json:"sweepSeconds"`
}

// EngineConfig holds dispatcher tuning.
type EngineConfig struct {
	PollIntervalMs int `json:"pollIntervalMs"`
	EventBuffer    int `json:"eventBuffer"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `json:"level"` // debug, info, warn, error
	Development bool   `json:"development"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Image:        sandbox.DefaultImage,
			WarmName:     sandbox.DefaultWarmName,
			MaxEphemeral: sandbox.DefaultMaxEphemeral,
			Memory:       "256MiB",
			CPUPercent:   policy.DefaultCPUPercent,
			PidsLimit:    policy.DefaultPidsLimit,
			MaxWallTime:  int(policy.DefaultMaxWallTime / time.Second),
			ScratchDir:   policy.DefaultScratchDir,
			ScratchSize:  "128MiB",
		},
		Archive: ArchiveConfig{
			MaxEntries:   archive.DefaultMaxEntries,
			MaxEntrySize: "50MiB",
			MaxTotalSize: "200MiB",
			MaxDepth:     archive.DefaultMaxDepth,
		},
		Store: StoreConfig{
			TTLMinutes:   30,
			SweepSeconds: 60,
		},
		Engine: EngineConfig{
			PollIntervalMs: 250,
			EventBuffer:    64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Policy builds the isolation policy from the sandbox section.
func (c *Config) Policy() (policy.Policy, error) {
	p := policy.Default().
		WithCPUPercent(c.Sandbox.CPUPercent).
		WithPidsLimit(c.Sandbox.PidsLimit).
		WithMaxWallTime(time.Duration(c.Sandbox.MaxWallTime) * time.Second)

	if c.Sandbox.Memory != "" {
		mb, err := policy.ParseMemoryMB(c.Sandbox.Memory)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("invalid sandbox.memory %q: %w", c.Sandbox.Memory, err)
		}
		p = p.WithMemoryMB(mb)
	}
	if c.Sandbox.ScratchSize != "" {
		mb, err := policy.ParseMemoryMB(c.Sandbox.ScratchSize)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("invalid sandbox.scratchSize %q: %w", c.Sandbox.ScratchSize, err)
		}
		p = p.WithScratchSizeMB(mb)
	}
	if c.Sandbox.ScratchDir != "" {
		p.ScratchDir = c.Sandbox.ScratchDir
	}

	p.Validate()
	return p, nil
}

// PoolConfig builds the container pool configuration.
func (c *Config) PoolConfig() sandbox.PoolConfig {
	return sandbox.PoolConfig{
		Image:        c.Sandbox.Image,
		WarmName:     c.Sandbox.WarmName,
		MaxEphemeral: c.Sandbox.MaxEphemeral,
	}
}

// ArchiveLimits builds the expansion limits from the archive section.
func (c *Config) ArchiveLimits() (archive.Limits, error) {
	lim := archive.Limits{
		MaxEntries: c.Archive.MaxEntries,
		MaxDepth:   c.Archive.MaxDepth,
	}

	if c.Archive.MaxEntrySize != "" {
		n, err := units.RAMInBytes(c.Archive.MaxEntrySize)
		if err != nil {
			return archive.Limits{}, fmt.Errorf("invalid archive.maxEntrySize %q: %w", c.Archive.MaxEntrySize, err)
		}
		lim.MaxEntrySize = n
	}
	if c.Archive.MaxTotalSize != "" {
		n, err := units.RAMInBytes(c.Archive.MaxTotalSize)
		if err != nil {
			return archive.Limits{}, fmt.Errorf("invalid archive.maxTotalSize %q: %w", c.Archive.MaxTotalSize, err)
		}
		lim.MaxTotalSize = n
	}

	lim.Validate()
	return lim, nil
}

// StoreTTL returns the result retention duration.
func (c *Config) StoreTTL() time.Duration {
	return time.Duration(c.Store.TTLMinutes) * time.Minute
}

// StoreSweep returns the eviction task interval.
func (c *Config) StoreSweep() time.Duration {
	return time.Duration(c.Store.SweepSeconds) * time.Second
}

// PollInterval returns the behavioral monitor's poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalMs) * time.Millisecond
}

// Logger builds a zap logger from the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", c.Log.Level, err)
	}

	var zcfg zap.Config
	if c.Log.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}

// expandPath expands ~ to the user's home directory and resolves the path.
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == filepath.Separator {
			path = filepath.Join(home, path[2:])
		} else {
			path = filepath.Join(home, path[1:])
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}
