package sandbox

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/hkuds/filecage/internal/policy"
)

// DockerAPI is the subset of the Docker client used by this package.
// *client.Client satisfies it; tests substitute a fake.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// Kind identifies pool membership of a container.
type Kind string

const (
	// KindWarm is the long-lived container reused across jobs.
	KindWarm Kind = "warm"
	// KindEphemeral is a single-use container destroyed after one job.
	KindEphemeral Kind = "ephemeral"
)

// Status is the lifecycle state of a container handle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusDead     Status = "dead"
)

const probeTimeout = 10 * time.Second

// Container is a handle to one hardened Docker container. All invocations
// are constructed under a policy.Policy by buildContainerConfig; there is no
// other creation path.
type Container struct {
	id   string
	name string
	kind Kind
	pol  policy.Policy
	cli  DockerAPI
	log  *zap.Logger

	mu        sync.Mutex
	status    Status
	createdAt time.Time
	lastUsed  time.Time
}

// newContainer creates and starts a container under the given policy.
// A non-empty name tags the warm container; ephemeral containers are unnamed
// and auto-removed by the daemon when they stop.
func newContainer(ctx context.Context, cli DockerAPI, log *zap.Logger, img string, pol policy.Policy, kind Kind, name string) (*Container, error) {
	pol.Validate()

	c := &Container{
		name:      name,
		kind:      kind,
		pol:       pol,
		cli:       cli,
		log:       log,
		status:    StatusStarting,
		createdAt: time.Now(),
	}

	if err := c.ensureImage(ctx, img); err != nil {
		return nil, &StartError{Kind: kind, Err: err}
	}

	containerCfg, hostCfg, networkCfg := buildContainerConfig(img, pol, kind)

	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, name)
	if err != nil {
		return nil, &StartError{Kind: kind, Err: err}
	}
	c.id = resp.ID

	if err := cli.ContainerStart(ctx, c.id, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true})
		return nil, &StartError{Kind: kind, Err: err}
	}

	c.status = StatusReady
	log.Info("container started",
		zap.String("id", c.id),
		zap.String("kind", string(kind)),
		zap.String("image", img))
	return c, nil
}

// ensureImage pulls the analyzer image if it doesn't exist locally.
func (c *Container) ensureImage(ctx context.Context, img string) error {
	_, _, err := c.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	reader, err := c.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	return nil
}

// buildContainerConfig is the single enforcement point for the isolation
// policy. Every container, warm or ephemeral, goes through here.
func buildContainerConfig(img string, pol policy.Policy, kind Kind) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	containerCfg := &container.Config{
		Image:      img,
		WorkingDir: pol.ScratchDir,
		User:       "nobody",
		Tty:        false,
		// Keep the container alive for exec-based job submission.
		Cmd: []string{"sleep", "infinity"},
	}

	pids := pol.PidsLimit
	hostCfg := &container.HostConfig{
		ReadonlyRootfs: pol.ReadOnlyRootfs(),
		CapDrop:        pol.CapDrop(),
		SecurityOpt:    pol.SecurityOpts(),
		NetworkMode:    container.NetworkMode(pol.NetworkMode()),

		Resources: container.Resources{
			Memory: pol.MemoryMB * 1024 * 1024,
			// Swap pinned to memory so the limit is absolute.
			MemorySwap: pol.MemoryMB * 1024 * 1024,
			CPUQuota:   int64(pol.CPUPercent * 100000),
			CPUPeriod:  100000,
			PidsLimit:  &pids,
		},

		// The scratch tmpfs is the only writable location.
		Tmpfs: map[string]string{
			pol.ScratchDir: fmt.Sprintf("rw,noexec,nosuid,size=%dm", pol.ScratchSizeMB),
		},
	}

	// The daemon cleans up ephemeral containers on stop; the warm container
	// lifecycle is managed explicitly by the pool.
	if kind == KindEphemeral {
		hostCfg.AutoRemove = true
	}

	return containerCfg, hostCfg, &network.NetworkingConfig{}
}

// conformsToPolicy reports whether an existing container's runtime
// configuration carries the full isolation set required by pol. A container
// that fails any check must not serve jobs.
func conformsToPolicy(hc *container.HostConfig, pol policy.Policy) bool {
	if hc == nil {
		return false
	}
	if string(hc.NetworkMode) != pol.NetworkMode() || !hc.ReadonlyRootfs {
		return false
	}

	dropsAll := false
	for _, c := range hc.CapDrop {
		if c == "ALL" {
			dropsAll = true
		}
	}
	if !dropsAll {
		return false
	}

	noNewPrivs := false
	for _, o := range hc.SecurityOpt {
		if o == "no-new-privileges:true" {
			noNewPrivs = true
		}
	}
	if !noNewPrivs {
		return false
	}

	if hc.Resources.Memory != pol.MemoryMB*1024*1024 {
		return false
	}
	if hc.Resources.PidsLimit == nil || *hc.Resources.PidsLimit != pol.PidsLimit {
		return false
	}
	if _, ok := hc.Tmpfs[pol.ScratchDir]; !ok {
		return false
	}
	return true
}

// ID returns the Docker container id.
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Kind returns the pool membership of the container.
func (c *Container) Kind() Kind { return c.kind }

// Status returns the current lifecycle state.
func (c *Container) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CreatedAt returns when the container was created.
func (c *Container) CreatedAt() time.Time { return c.createdAt }

// LastUsedAt returns when the container last ran a job.
func (c *Container) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Container) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	if s == StatusBusy {
		c.lastUsed = time.Now()
	}
	c.mu.Unlock()
}

// Policy returns the isolation policy the container was built with.
func (c *Container) Policy() policy.Policy { return c.pol }

// probe verifies the container is alive with a lightweight no-op exec.
func (c *Container) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := c.cli.ContainerExecCreate(probeCtx, c.ID(), container.ExecOptions{
		Cmd:          []string{"true"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("health probe exec create: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(probeCtx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("health probe attach: %w", err)
	}
	defer attach.Close()

	if _, err := stdcopy.StdCopy(io.Discard, io.Discard, attach.Reader); err != nil && err != io.EOF {
		return fmt.Errorf("health probe read: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(probeCtx, resp.ID)
	if err != nil {
		return fmt.Errorf("health probe inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("health probe exited %d", inspect.ExitCode)
	}
	return nil
}

// CopyIn stages artifact bytes at the fixed scratch path inside the
// container. It streams over an exec rather than the archive API so it works
// against the tmpfs scratch mount and the read-only rootfs.
func (c *Container) CopyIn(ctx context.Context, name string, data []byte) error {
	dst := path.Join(c.pol.ScratchDir, path.Base(name))

	resp, err := c.cli.ContainerExecCreate(ctx, c.ID(), container.ExecOptions{
		Cmd:          []string{"sh", "-c", "cat > " + shellQuote(dst)},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   c.pol.ScratchDir,
	})
	if err != nil {
		return fmt.Errorf("copy-in exec create: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("copy-in attach: %w", err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write(data); err != nil {
		return fmt.Errorf("copy-in write: %w", err)
	}
	if err := attach.CloseWrite(); err != nil {
		return fmt.Errorf("copy-in close write: %w", err)
	}

	// Drain until the exec finishes so the write is complete before the job
	// command runs.
	if _, err := stdcopy.StdCopy(io.Discard, io.Discard, attach.Reader); err != nil && err != io.EOF {
		return fmt.Errorf("copy-in drain: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("copy-in inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("copy-in exited %d", inspect.ExitCode)
	}
	return nil
}

// Wipe removes all job-specific data from the scratch mount. It runs before
// and after every warm-container job so no two artifacts ever coexist.
func (c *Container) Wipe(ctx context.Context) error {
	resp, err := c.cli.ContainerExecCreate(ctx, c.ID(), container.ExecOptions{
		Cmd:          []string{"find", c.pol.ScratchDir, "-mindepth", "1", "-delete"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("scratch wipe exec create: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("scratch wipe attach: %w", err)
	}
	defer attach.Close()

	if _, err := stdcopy.StdCopy(io.Discard, io.Discard, attach.Reader); err != nil && err != io.EOF {
		return fmt.Errorf("scratch wipe read: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("scratch wipe inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("scratch wipe exited %d", inspect.ExitCode)
	}
	return nil
}

// Kill force-terminates the container. Used on job timeout; never a graceful
// stop, because the running code cannot be trusted to cooperate.
func (c *Container) Kill(ctx context.Context) error {
	err := c.cli.ContainerKill(ctx, c.ID(), "KILL")
	c.setStatus(StatusDead)
	return err
}

// Remove stops and deletes the container.
func (c *Container) Remove(ctx context.Context) error {
	err := c.cli.ContainerRemove(ctx, c.ID(), container.RemoveOptions{Force: true})
	c.setStatus(StatusDead)
	return err
}

// shellQuote single-quotes a path for use inside sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
