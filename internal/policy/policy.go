// Package policy defines the isolation contract applied to every sandboxed
// container invocation. A Policy describes resource ceilings and wall-time
// bounds; the restrictions that must never be relaxed (no network, read-only
// root filesystem, no privilege escalation) are not fields at all, so no
// caller can construct a policy without them.
package policy

import (
	"time"

	units "github.com/docker/go-units"
)

// Default policy values.
const (
	DefaultMemoryMB      = 256
	DefaultCPUPercent    = 0.5
	DefaultPidsLimit     = 64
	DefaultMaxWallTime   = 60 * time.Second
	DefaultGraceInterval = 5 * time.Second
	DefaultScratchDir    = "/scratch"
	DefaultScratchSizeMB = 128
)

// Policy is the immutable set of restrictions attached to a container
// invocation. Zero values are replaced by defaults in Validate.
type Policy struct {
	// MemoryMB is the memory ceiling in megabytes. Swap is pinned to the
	// same value so the container cannot spill past it.
	MemoryMB int64

	// CPUPercent is the CPU quota as a fraction of one CPU (0.0-1.0].
	CPUPercent float64

	// PidsLimit caps the number of processes inside the container.
	PidsLimit int64

	// MaxWallTime bounds the total wall-clock duration of a job. The
	// behavioral monitor force-kills the container when it is exceeded.
	MaxWallTime time.Duration

	// GraceInterval is the bounded slack allowed past MaxWallTime for the
	// kill to land and output to drain.
	GraceInterval time.Duration

	// ScratchDir is the tmpfs path inside the container where the job
	// artifact is staged. It is the only writable location.
	ScratchDir string

	// ScratchSizeMB caps the scratch tmpfs size.
	ScratchSizeMB int64
}

// NetworkMode is fixed: sandboxed jobs never get network access.
func (Policy) NetworkMode() string { return "none" }

// ReadOnlyRootfs is fixed: the root filesystem is always read-only.
func (Policy) ReadOnlyRootfs() bool { return true }

// SecurityOpts is fixed: privilege escalation is always disabled.
func (Policy) SecurityOpts() []string { return []string{"no-new-privileges:true"} }

// CapDrop is fixed: all Linux capabilities are dropped.
func (Policy) CapDrop() []string { return []string{"ALL"} }

// Default returns a Policy with the default ceilings.
func Default() Policy {
	return Policy{
		MemoryMB:      DefaultMemoryMB,
		CPUPercent:    DefaultCPUPercent,
		PidsLimit:     DefaultPidsLimit,
		MaxWallTime:   DefaultMaxWallTime,
		GraceInterval: DefaultGraceInterval,
		ScratchDir:    DefaultScratchDir,
		ScratchSizeMB: DefaultScratchSizeMB,
	}
}

// WithMemoryMB returns a copy of the policy with the specified memory ceiling.
func (p Policy) WithMemoryMB(mb int64) Policy {
	p.MemoryMB = mb
	return p
}

// WithCPUPercent returns a copy of the policy with the specified CPU quota.
func (p Policy) WithCPUPercent(pct float64) Policy {
	p.CPUPercent = pct
	return p
}

// WithPidsLimit returns a copy of the policy with the specified PID cap.
func (p Policy) WithPidsLimit(n int64) Policy {
	p.PidsLimit = n
	return p
}

// WithMaxWallTime returns a copy of the policy with the specified wall-time bound.
func (p Policy) WithMaxWallTime(d time.Duration) Policy {
	p.MaxWallTime = d
	return p
}

// WithScratchSizeMB returns a copy of the policy with the specified scratch size.
func (p Policy) WithScratchSizeMB(mb int64) Policy {
	p.ScratchSizeMB = mb
	return p
}

// Validate replaces zero or out-of-range values with defaults.
func (p *Policy) Validate() {
	if p.MemoryMB <= 0 {
		p.MemoryMB = DefaultMemoryMB
	}
	if p.CPUPercent <= 0 || p.CPUPercent > 1.0 {
		p.CPUPercent = DefaultCPUPercent
	}
	if p.PidsLimit <= 0 {
		p.PidsLimit = DefaultPidsLimit
	}
	if p.MaxWallTime <= 0 {
		p.MaxWallTime = DefaultMaxWallTime
	}
	if p.GraceInterval <= 0 {
		p.GraceInterval = DefaultGraceInterval
	}
	if p.ScratchDir == "" {
		p.ScratchDir = DefaultScratchDir
	}
	if p.ScratchSizeMB <= 0 {
		p.ScratchSizeMB = DefaultScratchSizeMB
	}
}

// ParseMemoryMB converts a human-readable size ("256MB", "1GiB") to megabytes.
func ParseMemoryMB(s string) (int64, error) {
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return b / units.MiB, nil
}
