package engine

import (
	"context"

	"github.com/hkuds/filecage/internal/policy"
	"github.com/hkuds/filecage/internal/sandbox"
)

// Pool abstracts container acquisition so the dispatcher can be exercised
// against fakes. sandbox.Pool is the production implementation, wrapped by
// NewDockerPool.
type Pool interface {
	Acquire(ctx context.Context, pol policy.Policy, prefer sandbox.Kind) (Container, error)
	Release(ctx context.Context, c Container)
	DockerRequired() bool
}

// Container is one sandboxed container handle.
type Container interface {
	ID() string
	CopyIn(ctx context.Context, name string, data []byte) error
	StartExec(ctx context.Context, argv []string) (Execution, error)
}

// Execution is one running in-container job. It satisfies the behavioral
// monitor's Target.
type Execution interface {
	Alive(ctx context.Context) (running bool, exitCode int, err error)
	Kill(ctx context.Context) error
	Drain(ctx context.Context) error
	Output() (stdout, stderr []byte)
}

type dockerPool struct {
	p *sandbox.Pool
}

// NewDockerPool adapts a sandbox pool to the dispatcher's Pool interface.
func NewDockerPool(p *sandbox.Pool) Pool {
	return &dockerPool{p: p}
}

func (d *dockerPool) Acquire(ctx context.Context, pol policy.Policy, prefer sandbox.Kind) (Container, error) {
	c, err := d.p.Acquire(ctx, pol, prefer)
	if err != nil {
		return nil, err
	}
	return &dockerContainer{c: c}, nil
}

func (d *dockerPool) Release(ctx context.Context, c Container) {
	if dc, ok := c.(*dockerContainer); ok {
		d.p.Release(ctx, dc.c)
	}
}

func (d *dockerPool) DockerRequired() bool {
	return d.p.DockerRequired()
}

type dockerContainer struct {
	c *sandbox.Container
}

func (d *dockerContainer) ID() string { return d.c.ID() }

func (d *dockerContainer) CopyIn(ctx context.Context, name string, data []byte) error {
	return d.c.CopyIn(ctx, name, data)
}

func (d *dockerContainer) StartExec(ctx context.Context, argv []string) (Execution, error) {
	return d.c.StartExec(ctx, argv)
}
