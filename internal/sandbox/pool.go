package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hkuds/filecage/internal/policy"
)

// Default pool configuration values.
const (
	DefaultImage             = "ghcr.io/hkuds/filecage-analyzer:1"
	DefaultWarmName          = "filecage-warm"
	DefaultMaxEphemeral      = 4
	DefaultWarmRetryInterval = time.Minute
	DefaultPingTimeout       = 5 * time.Second
)

// PoolConfig holds configuration for the container pool.
type PoolConfig struct {
	// Image is the versioned, prebuilt analyzer image.
	Image string

	// WarmName is the well-known name tagging the warm container.
	WarmName string

	// MaxEphemeral caps concurrent ephemeral containers so a burst of jobs
	// cannot exhaust host resources.
	MaxEphemeral int64

	// WarmRetryInterval is how long the pool stays ephemeral-only after
	// warm-container recreation fails, before trying again.
	WarmRetryInterval time.Duration

	// PingTimeout bounds the daemon reachability check.
	PingTimeout time.Duration

	// OnWarmRecreate is invoked each time a failed warm container is torn
	// down and rebuilt. Optional.
	OnWarmRecreate func()
}

// Validate applies defaults to zero values.
func (c *PoolConfig) Validate() {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.WarmName == "" {
		c.WarmName = DefaultWarmName
	}
	if c.MaxEphemeral <= 0 {
		c.MaxEphemeral = DefaultMaxEphemeral
	}
	if c.WarmRetryInterval <= 0 {
		c.WarmRetryInterval = DefaultWarmRetryInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
}

// Pool manages the warm container and ephemeral fallbacks. The warm
// container serializes job execution; ephemeral containers run concurrently
// up to MaxEphemeral.
type Pool struct {
	cfg PoolConfig
	cli DockerAPI
	log *zap.Logger

	warmSem *semaphore.Weighted
	ephSem  *semaphore.Weighted

	mu          sync.Mutex
	warm        *Container
	warmBroken  bool
	warmRetryAt time.Time

	degraded atomic.Bool
	closed   atomic.Bool
}

// NewPool creates a pool backed by a Docker client from the environment.
// A client that cannot even be constructed leaves the pool in degraded mode;
// the engine keeps running and surfaces docker_required per job.
func NewPool(cfg PoolConfig, log *zap.Logger) *Pool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Warn("docker client unavailable, pool degraded", zap.Error(err))
		return NewPoolWithClient(cfg, nil, log)
	}
	return NewPoolWithClient(cfg, cli, log)
}

// NewPoolWithClient creates a pool with an existing Docker client.
// Useful for testing or when sharing a client.
func NewPoolWithClient(cfg PoolConfig, cli DockerAPI, log *zap.Logger) *Pool {
	cfg.Validate()
	p := &Pool{
		cfg:     cfg,
		cli:     cli,
		log:     log,
		warmSem: semaphore.NewWeighted(1),
		ephSem:  semaphore.NewWeighted(cfg.MaxEphemeral),
	}
	if cli == nil {
		p.degraded.Store(true)
	}
	return p
}

// Acquire returns a container built under pol. Jobs preferring the warm
// container queue behind it one at a time; when the warm container is
// unrecoverable, or for isolation-sensitive jobs, an ephemeral container is
// produced instead. Returns ErrDockerUnavailable when the daemon cannot be
// reached.
func (p *Pool) Acquire(ctx context.Context, pol policy.Policy, prefer Kind) (*Container, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := p.ping(ctx); err != nil {
		return nil, err
	}

	if prefer == KindWarm && p.warmUsable() {
		if err := p.warmSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		c, err := p.ensureWarm(ctx, pol)
		if err == nil {
			// Wipe before use: the previous job's scratch data must be gone
			// even if the post-job wipe was skipped by a crash.
			if werr := c.Wipe(ctx); werr == nil {
				c.setStatus(StatusBusy)
				return c, nil
			}
			p.discardWarm(ctx)
		}
		p.warmSem.Release(1)
		p.log.Warn("warm container unavailable, falling back to ephemeral", zap.Error(err))
	}

	return p.acquireEphemeral(ctx, pol)
}

// Release returns a container to the pool. Warm containers are wiped and
// kept; ephemeral containers are destroyed.
func (p *Pool) Release(ctx context.Context, c *Container) {
	if c == nil {
		return
	}

	switch c.Kind() {
	case KindWarm:
		if c.Status() == StatusDead {
			// Killed mid-job (timeout). Drop it so the next acquire
			// recreates a fresh warm container.
			p.discardWarm(ctx)
		} else if err := c.Wipe(ctx); err != nil {
			p.log.Warn("post-job scratch wipe failed, discarding warm container", zap.Error(err))
			p.discardWarm(ctx)
		} else {
			c.setStatus(StatusReady)
		}
		p.warmSem.Release(1)
	case KindEphemeral:
		if err := c.Remove(ctx); err != nil {
			p.log.Warn("failed to remove ephemeral container", zap.String("id", c.ID()), zap.Error(err))
		}
		p.ephSem.Release(1)
	}
}

// DockerRequired reports whether the container runtime is unreachable. While
// true, no verdicts are produced; callers must never parse artifacts on the
// host instead.
func (p *Pool) DockerRequired() bool {
	return p.degraded.Load()
}

// Ping verifies daemon reachability and updates the degraded flag.
func (p *Pool) Ping(ctx context.Context) error {
	return p.ping(ctx)
}

// ping verifies daemon reachability and maintains the degraded flag.
func (p *Pool) ping(ctx context.Context) error {
	if p.cli == nil {
		p.degraded.Store(true)
		return ErrDockerUnavailable
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	defer cancel()

	if _, err := p.cli.Ping(pingCtx); err != nil {
		p.degraded.Store(true)
		return fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	p.degraded.Store(false)
	return nil
}

// warmUsable reports whether warm acquisition should be attempted at all.
func (p *Pool) warmUsable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.warmBroken {
		return true
	}
	return time.Now().After(p.warmRetryAt)
}

// ensureWarm returns a healthy warm container, recreating it once when the
// health probe fails. Caller must hold the warm semaphore.
func (p *Pool) ensureWarm(ctx context.Context, pol policy.Policy) (*Container, error) {
	p.mu.Lock()
	warm := p.warm
	p.mu.Unlock()

	if warm == nil {
		warm = p.adoptWarm(ctx, pol)
	}

	recreating := false
	if warm != nil {
		if err := warm.probe(ctx); err == nil {
			p.setWarm(warm, true)
			return warm, nil
		}
		p.log.Warn("warm container failed health probe, recreating", zap.String("id", warm.ID()))
		_ = warm.Remove(ctx)
		p.setWarm(nil, false)
		recreating = true
	}

	// One recreation attempt; repeated failure degrades the pool to
	// ephemeral-only until the retry interval elapses.
	fresh, err := newContainer(ctx, p.cli, p.log, p.cfg.Image, pol, KindWarm, p.cfg.WarmName)
	if err != nil {
		p.mu.Lock()
		p.warmBroken = true
		p.warmRetryAt = time.Now().Add(p.cfg.WarmRetryInterval)
		p.mu.Unlock()
		return nil, err
	}
	if err := fresh.probe(ctx); err != nil {
		_ = fresh.Remove(ctx)
		p.mu.Lock()
		p.warmBroken = true
		p.warmRetryAt = time.Now().Add(p.cfg.WarmRetryInterval)
		p.mu.Unlock()
		return nil, err
	}

	p.setWarm(fresh, true)
	if recreating && p.cfg.OnWarmRecreate != nil {
		p.cfg.OnWarmRecreate()
	}
	return fresh, nil
}

// adoptWarm looks up a leftover warm container from a previous process by
// its well-known name. Stale stopped containers are removed, and a running
// candidate is adopted only after its runtime configuration is verified
// against the isolation policy; anything weaker is removed so the caller
// recreates it through buildContainerConfig.
func (p *Pool) adoptWarm(ctx context.Context, pol policy.Policy) *Container {
	list, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", p.cfg.WarmName)),
	})
	if err != nil {
		return nil
	}

	// The daemon's name filter is a substring match; require the exact name.
	var existing *types.Container
	for i := range list {
		for _, n := range list[i].Names {
			if strings.TrimPrefix(n, "/") == p.cfg.WarmName {
				existing = &list[i]
			}
		}
	}
	if existing == nil {
		return nil
	}

	if existing.State != "running" {
		_ = p.cli.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true})
		return nil
	}

	pol.Validate()

	inspect, err := p.cli.ContainerInspect(ctx, existing.ID)
	if err != nil || !conformsToPolicy(inspect.HostConfig, pol) {
		p.log.Warn("leftover warm container does not satisfy the isolation policy, removing",
			zap.String("id", existing.ID))
		_ = p.cli.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true})
		return nil
	}

	return &Container{
		id:        existing.ID,
		name:      p.cfg.WarmName,
		kind:      KindWarm,
		pol:       pol,
		cli:       p.cli,
		log:       p.log,
		status:    StatusReady,
		createdAt: time.Unix(existing.Created, 0),
	}
}

func (p *Pool) setWarm(c *Container, healthy bool) {
	p.mu.Lock()
	p.warm = c
	if healthy {
		p.warmBroken = false
	}
	p.mu.Unlock()
}

// discardWarm drops the current warm container so the next acquisition
// recreates it. Caller must hold the warm semaphore for the wipe/kill cases.
func (p *Pool) discardWarm(ctx context.Context) {
	p.mu.Lock()
	warm := p.warm
	p.warm = nil
	p.mu.Unlock()

	if warm != nil {
		_ = warm.Remove(ctx)
	}
}

// acquireEphemeral creates a single-use container, bounded by MaxEphemeral.
func (p *Pool) acquireEphemeral(ctx context.Context, pol policy.Policy) (*Container, error) {
	if err := p.ephSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	c, err := newContainer(ctx, p.cli, p.log, p.cfg.Image, pol, KindEphemeral, "")
	if err != nil {
		p.ephSem.Release(1)
		return nil, err
	}
	c.setStatus(StatusBusy)
	return c, nil
}

// PoolStats holds a snapshot of pool state.
type PoolStats struct {
	WarmID       string
	WarmStatus   Status
	WarmBroken   bool
	Degraded     bool
	MaxEphemeral int64
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		WarmBroken:   p.warmBroken,
		Degraded:     p.degraded.Load(),
		MaxEphemeral: p.cfg.MaxEphemeral,
	}
	if p.warm != nil {
		s.WarmID = p.warm.ID()
		s.WarmStatus = p.warm.Status()
	}
	return s
}

// Close shuts down the pool, removing the warm container and closing the
// Docker client.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// An in-flight warm job holds the semaphore; wait for it before removing
	// the container out from under it.
	if err := p.warmSem.Acquire(ctx, 1); err == nil {
		p.discardWarm(ctx)
		p.warmSem.Release(1)
	} else {
		p.log.Warn("warm container still busy at shutdown, leaving it for adoption", zap.Error(err))
	}

	if p.cli != nil {
		return p.cli.Close()
	}
	return nil
}
