package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Output caps. Processor stdout carries one JSON result object plus tolerated
// diagnostics; stderr is captured for logs but never rendered as trusted
// content, so it is capped tighter.
const (
	MaxStdoutLen = 4 * 1024 * 1024
	MaxStderrLen = 256 * 1024
)

// Exec is a single in-container job execution. It satisfies the behavioral
// monitor's Target interface: liveness polling via Alive and forced
// termination via Kill.
type Exec struct {
	id  string
	ctr *Container

	stdout *cappedBuffer
	stderr *cappedBuffer

	done    chan struct{}
	readErr error
}

// StartExec launches argv inside the container and begins collecting output.
// It returns immediately; supervision is the caller's responsibility.
func (c *Container) StartExec(ctx context.Context, argv []string) (*Exec, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	c.setStatus(StatusBusy)

	resp, err := c.cli.ContainerExecCreate(ctx, c.ID(), container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   c.pol.ScratchDir,
		User:         "nobody",
	})
	if err != nil {
		c.setStatus(StatusReady)
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		c.setStatus(StatusReady)
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	e := &Exec{
		id:     resp.ID,
		ctr:    c,
		stdout: newCappedBuffer(MaxStdoutLen),
		stderr: newCappedBuffer(MaxStderrLen),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(e.done)
		defer attach.Close()
		_, err := stdcopy.StdCopy(e.stdout, e.stderr, attach.Reader)
		if err != nil && err != io.EOF {
			e.readErr = err
		}
	}()

	return e, nil
}

// Alive reports whether the exec process is still running, and its exit code
// once it is not.
func (e *Exec) Alive(ctx context.Context) (running bool, exitCode int, err error) {
	inspect, err := e.ctr.cli.ContainerExecInspect(ctx, e.id)
	if err != nil {
		return false, -1, err
	}
	return inspect.Running, inspect.ExitCode, nil
}

// Kill force-terminates the whole container. An exec cannot be killed in
// isolation, and the warm container is recreated by the pool afterwards.
func (e *Exec) Kill(ctx context.Context) error {
	return e.ctr.Kill(ctx)
}

// Drain waits until output collection finishes or the context expires.
func (e *Exec) Drain(ctx context.Context) error {
	select {
	case <-e.done:
		return e.readErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Output returns the collected (capped) stdout and stderr. Partial output is
// available even after a timeout or kill.
func (e *Exec) Output() (stdout, stderr []byte) {
	return e.stdout.Bytes(), e.stderr.Bytes()
}

// cappedBuffer is a size-limited, concurrency-safe write buffer. Writes past
// the cap are silently discarded but still reported as written.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	written int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	originalLen := len(p)
	if b.written >= b.limit {
		return originalLen, nil
	}

	remaining := b.limit - b.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err := b.buf.Write(p)
	b.written += n
	if err != nil {
		return n, err
	}
	return originalLen, nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
