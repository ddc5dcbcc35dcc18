package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
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

// fakeContainer tracks the state the fake daemon holds per container.
type fakeContainer struct {
	id      string
	name    string
	running bool
	hostCfg container.HostConfig
	ctrCfg  container.Config
}

type fakeExec struct {
	id          string
	containerID string
	cmd         []string
	exitCode    int
}

// fakeDocker is an in-memory DockerAPI implementation.
type fakeDocker struct {
	mu sync.Mutex

	pingErr       error
	createErr     error
	failNamedOnly bool // createErr applies only to named (warm) creates

	nextID     int
	nextExecID int
	containers map[string]*fakeContainer
	execs      map[string]*fakeExec

	// probeFail makes "true" execs in the given container exit non-zero.
	probeFail map[string]bool
	// wipeFail makes scratch-wipe execs in the given container exit non-zero.
	wipeFail map[string]bool
	// execStdout scripts stdout for non-probe execs.
	execStdout string

	killed  []string
	removed []string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]*fakeContainer),
		execs:      make(map[string]*fakeExec),
		probeFail:  make(map[string]bool),
		wipeFail:   make(map[string]bool),
	}
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return types.Ping{}, f.pingErr
	}
	return types.Ping{}, nil
}

func (f *fakeDocker) ImageInspectWithRaw(ctx context.Context, id string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{ID: id}, nil, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil && (!f.failNamedOnly || name != "") {
		return container.CreateResponse{}, f.createErr
	}

	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		id:      id,
		name:    name,
		hostCfg: *hostCfg,
		ctrCfg:  *cfg,
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.running = true
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.running = false
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Container
	for _, c := range f.containers {
		if c.name == "" {
			continue
		}
		state := "exited"
		if c.running {
			state = "running"
		}
		out = append(out, types.Container{
			ID:    c.id,
			Names: []string{"/" + c.name},
			State: state,
		})
	}
	return out, nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, containerID string, cfg container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok || !c.running {
		return types.IDResponse{}, fmt.Errorf("container %s is not running", containerID)
	}

	f.nextExecID++
	id := fmt.Sprintf("exec-%d", f.nextExecID)

	exitCode := 0
	if len(cfg.Cmd) == 1 && cfg.Cmd[0] == "true" && f.probeFail[containerID] {
		exitCode = 1
	}
	if len(cfg.Cmd) > 0 && cfg.Cmd[0] == "find" && f.wipeFail[containerID] {
		exitCode = 1
	}

	f.execs[id] = &fakeExec{
		id:          id,
		containerID: containerID,
		cmd:         cfg.Cmd,
		exitCode:    exitCode,
	}
	return types.IDResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, cfg container.ExecStartOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	stdout := ""
	if e, ok := f.execs[execID]; ok && len(e.cmd) > 0 && e.cmd[0] != "true" && e.cmd[0] != "find" {
		stdout = f.execStdout
	}
	f.mu.Unlock()

	return fakeAttach(stdout), nil
}

func (f *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return container.ExecInspect{}, fmt.Errorf("no such exec %s", execID)
	}
	return container.ExecInspect{
		ExecID:      e.id,
		ContainerID: e.containerID,
		Running:     false,
		ExitCode:    e.exitCode,
	}, nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return types.ContainerJSON{}, fmt.Errorf("no such container %s", id)
	}
	hc := c.hostCfg
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:         c.id,
			Name:       "/" + c.name,
			HostConfig: &hc,
			State:      &types.ContainerState{Running: c.running},
		},
	}, nil
}

func (f *fakeDocker) Close() error { return nil }

// seed inserts a pre-existing container, as if left over from an earlier
// process.
func (f *fakeDocker) seed(id, name string, running bool, hc container.HostConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{id: id, name: name, running: running, hostCfg: hc}
}

// execCmds returns the argv of every exec in creation order.
func (f *fakeDocker) execCmds() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for i := 1; i <= f.nextExecID; i++ {
		if e, ok := f.execs[fmt.Sprintf("exec-%d", i)]; ok {
			out = append(out, e.cmd)
		}
	}
	return out
}

// fakeAttach builds a hijacked response whose read side carries the given
// stdout (stdcopy-framed) and whose write side is drained.
func fakeAttach(stdout string) types.HijackedResponse {
	clientConn, serverConn := net.Pipe()

	go func() {
		_, _ = io.Copy(io.Discard, serverConn)
	}()
	go func() {
		if stdout != "" {
			w := stdcopy.NewStdWriter(serverConn, stdcopy.Stdout)
			_, _ = w.Write([]byte(stdout))
		}
		_ = serverConn.Close()
	}()

	return types.HijackedResponse{Conn: clientConn, Reader: bufio.NewReader(clientConn)}
}

func (f *fakeDocker) hostConfig(t *testing.T, id string) container.HostConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		t.Fatalf("container %s not found in fake daemon", id)
	}
	return c.hostCfg
}

func testPool(t *testing.T, fake *fakeDocker) *Pool {
	t.Helper()
	p := NewPoolWithClient(PoolConfig{}, fake, zap.NewNop())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestIsolationPolicyAppliedToEveryContainer(t *testing.T) {
	fake := newFakeDocker()
	p := testPool(t, fake)
	ctx := context.Background()
	pol := policy.Default()

	for _, prefer := range []Kind{KindWarm, KindEphemeral} {
		t.Run(string(prefer), func(t *testing.T) {
			c, err := p.Acquire(ctx, pol, prefer)
			if err != nil {
				t.Fatalf("Acquire(%s) error: %v", prefer, err)
			}
			defer p.Release(ctx, c)

			hc := fake.hostConfig(t, c.ID())

			if got := string(hc.NetworkMode); got != "none" {
				t.Errorf("NetworkMode = %q, want %q", got, "none")
			}
			if !hc.ReadonlyRootfs {
				t.Error("ReadonlyRootfs should be true")
			}
			if len(hc.CapDrop) != 1 || hc.CapDrop[0] != "ALL" {
				t.Errorf("CapDrop = %v, want [ALL]", hc.CapDrop)
			}
			if len(hc.SecurityOpt) != 1 || hc.SecurityOpt[0] != "no-new-privileges:true" {
				t.Errorf("SecurityOpt = %v", hc.SecurityOpt)
			}
			if hc.Resources.Memory != pol.MemoryMB*1024*1024 {
				t.Errorf("Memory = %d", hc.Resources.Memory)
			}
			if hc.Resources.PidsLimit == nil || *hc.Resources.PidsLimit != pol.PidsLimit {
				t.Errorf("PidsLimit = %v", hc.Resources.PidsLimit)
			}
			if _, ok := hc.Tmpfs[pol.ScratchDir]; !ok {
				t.Errorf("scratch tmpfs missing: %v", hc.Tmpfs)
			}
		})
	}
}

func TestWarmIdentityStableAcrossJobs(t *testing.T) {
	fake := newFakeDocker()
	p := testPool(t, fake)
	ctx := context.Background()
	pol := policy.Default()

	var firstID string
	for i := 0; i < 5; i++ {
		c, err := p.Acquire(ctx, pol, KindWarm)
		if err != nil {
			t.Fatalf("Acquire #%d error: %v", i, err)
		}
		if c.Kind() != KindWarm {
			t.Fatalf("Acquire #%d kind = %s, want warm", i, c.Kind())
		}
		if firstID == "" {
			firstID = c.ID()
		} else if c.ID() != firstID {
			t.Fatalf("warm container id changed: %s -> %s", firstID, c.ID())
		}
		p.Release(ctx, c)
	}
}

func TestWarmRecreatedAfterProbeFailure(t *testing.T) {
	fake := newFakeDocker()
	p := testPool(t, fake)
	ctx := context.Background()
	pol := policy.Default()

	c, err := p.Acquire(ctx, pol, KindWarm)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	oldID := c.ID()
	p.Release(ctx, c)

	// Inject a container failure: the next health probe fails.
	fake.mu.Lock()
	fake.probeFail[oldID] = true
	fake.mu.Unlock()

	c2, err := p.Acquire(ctx, pol, KindWarm)
	if err != nil {
		t.Fatalf("Acquire after failure error: %v", err)
	}
	defer p.Release(ctx, c2)

	if c2.ID() == oldID {
		t.Errorf("expected a fresh warm container, got the failed one %s", oldID)
	}
	if c2.Kind() != KindWarm {
		t.Errorf("kind = %s, want warm", c2.Kind())
	}
}

func TestEphemeralFallbackWhenWarmCreationFails(t *testing.T) {
	fake := newFakeDocker()
	fake.createErr = errors.New("injected create failure")
	fake.failNamedOnly = true
	p := testPool(t, fake)
	ctx := context.Background()

	c, err := p.Acquire(ctx, policy.Default(), KindWarm)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer p.Release(ctx, c)

	if c.Kind() != KindEphemeral {
		t.Errorf("kind = %s, want ephemeral fallback", c.Kind())
	}

	if !p.Stats().WarmBroken {
		t.Error("pool should mark the warm container as broken")
	}
}

func TestDockerUnavailable(t *testing.T) {
	fake := newFakeDocker()
	fake.pingErr = errors.New("cannot connect to the Docker daemon")
	p := testPool(t, fake)

	_, err := p.Acquire(context.Background(), policy.Default(), KindWarm)
	if !errors.Is(err, ErrDockerUnavailable) {
		t.Fatalf("err = %v, want ErrDockerUnavailable", err)
	}
	if !p.DockerRequired() {
		t.Error("DockerRequired() should be true while the daemon is unreachable")
	}

	// Recovery: daemon comes back, degraded flag clears.
	fake.mu.Lock()
	fake.pingErr = nil
	fake.mu.Unlock()

	c, err := p.Acquire(context.Background(), policy.Default(), KindWarm)
	if err != nil {
		t.Fatalf("Acquire after recovery error: %v", err)
	}
	defer p.Release(context.Background(), c)

	if p.DockerRequired() {
		t.Error("DockerRequired() should clear after a successful ping")
	}
}

func TestNilClientIsDegradedNotFatal(t *testing.T) {
	p := NewPoolWithClient(PoolConfig{}, nil, zap.NewNop())
	defer p.Close()

	if !p.DockerRequired() {
		t.Error("nil client should leave the pool degraded")
	}
	_, err := p.Acquire(context.Background(), policy.Default(), KindWarm)
	if !errors.Is(err, ErrDockerUnavailable) {
		t.Fatalf("err = %v, want ErrDockerUnavailable", err)
	}
}

func TestEphemeralRemovedOnRelease(t *testing.T) {
	fake := newFakeDocker()
	p := testPool(t, fake)
	ctx := context.Background()

	c, err := p.Acquire(ctx, policy.Default(), KindEphemeral)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	id := c.ID()
	p.Release(ctx, c)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.containers[id]; ok {
		t.Errorf("ephemeral container %s still exists after release", id)
	}
}

func TestKilledWarmContainerNotReused(t *testing.T) {
	fake := newFakeDocker()
	p := testPool(t, fake)
	ctx := context.Background()
	pol := policy.Default()

	c, err := p.Acquire(ctx, pol, KindWarm)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	oldID := c.ID()

	// Simulate a timeout: the monitor force-kills the container mid-job.
	if err := c.Kill(ctx); err != nil {
		t.Fatalf("Kill error: %v", err)
	}
	p.Release(ctx, c)

	fake.mu.Lock()
	killed := len(fake.killed) > 0 && fake.killed[0] == oldID
	fake.mu.Unlock()
	if !killed {
		t.Fatalf("expected container %s to be killed", oldID)
	}

	c2, err := p.Acquire(ctx, pol, KindWarm)
	if err != nil {
		t.Fatalf("Acquire after kill error: %v", err)
	}
	defer p.Release(ctx, c2)

	if c2.ID() == oldID {
		t.Errorf("killed warm container %s was handed out again", oldID)
	}
}

func TestUnhardenedLeftoverWarmNotAdopted(t *testing.T) {
	fake := newFakeDocker()
	fake.seed("stale-1", DefaultWarmName, true, container.HostConfig{
		NetworkMode:    "bridge",
		ReadonlyRootfs: false,
	})
	p := testPool(t, fake)
	ctx := context.Background()
	pol := policy.Default()

	c, err := p.Acquire(ctx, pol, KindWarm)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer p.Release(ctx, c)

	if c.ID() == "stale-1" {
		t.Fatal("adopted a warm container with network enabled and a writable rootfs")
	}

	fake.mu.Lock()
	removed := false
	for _, id := range fake.removed {
		if id == "stale-1" {
			removed = true
		}
	}
	fake.mu.Unlock()
	if !removed {
		t.Error("unhardened leftover should be removed, not left running")
	}

	hc := fake.hostConfig(t, c.ID())
	if string(hc.NetworkMode) != "none" || !hc.ReadonlyRootfs {
		t.Errorf("replacement container is not hardened: NetworkMode=%q ReadonlyRootfs=%v",
			hc.NetworkMode, hc.ReadonlyRootfs)
	}
}

func TestHardenedLeftoverWarmAdopted(t *testing.T) {
	fake := newFakeDocker()
	pol := policy.Default()
	_, hc, _ := buildContainerConfig(DefaultImage, pol, KindWarm)
	fake.seed("stale-1", DefaultWarmName, true, *hc)
	p := testPool(t, fake)
	ctx := context.Background()

	c, err := p.Acquire(ctx, pol, KindWarm)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer p.Release(ctx, c)

	if c.ID() != "stale-1" {
		t.Errorf("a leftover matching the isolation policy should be adopted, got %s", c.ID())
	}
}

func TestLeftoverWarmNameMustMatchExactly(t *testing.T) {
	fake := newFakeDocker()
	pol := policy.Default()
	_, hc, _ := buildContainerConfig(DefaultImage, pol, KindWarm)
	// The daemon name filter matches substrings, so this one shows up in the
	// listing despite not being the warm container.
	fake.seed("stale-1", DefaultWarmName+"-x", true, *hc)
	p := testPool(t, fake)
	ctx := context.Background()

	c, err := p.Acquire(ctx, pol, KindWarm)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer p.Release(ctx, c)

	if c.ID() == "stale-1" {
		t.Error("adopted a container whose name only contains the warm name")
	}
}

func TestScratchWipedBeforeAndAfterWarmJob(t *testing.T) {
	fake := newFakeDocker()
	fake.execStdout = `{"success":true}`
	p := testPool(t, fake)
	ctx := context.Background()
	pol := policy.Default()

	for i := 0; i < 2; i++ {
		c, err := p.Acquire(ctx, pol, KindWarm)
		if err != nil {
			t.Fatalf("Acquire #%d error: %v", i, err)
		}
		exec, err := c.StartExec(ctx, []string{"/opt/filecage/analyze", "--kind", "text"})
		if err != nil {
			t.Fatalf("StartExec #%d error: %v", i, err)
		}
		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = exec.Drain(drainCtx)
		cancel()
		p.Release(ctx, c)
	}

	var seq []string
	for _, cmd := range fake.execCmds() {
		switch cmd[0] {
		case "find":
			if cmd[1] != pol.ScratchDir {
				t.Errorf("wipe targets %q, want %q", cmd[1], pol.ScratchDir)
			}
			seq = append(seq, "wipe")
		case "/opt/filecage/analyze":
			seq = append(seq, "job")
		}
	}

	want := []string{"wipe", "job", "wipe", "wipe", "job", "wipe"}
	if len(seq) != len(want) {
		t.Fatalf("exec sequence = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("exec sequence = %v, want %v", seq, want)
		}
	}
}

func TestFailedPostJobWipeDiscardsWarm(t *testing.T) {
	fake := newFakeDocker()
	p := testPool(t, fake)
	ctx := context.Background()
	pol := policy.Default()

	c, err := p.Acquire(ctx, pol, KindWarm)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	oldID := c.ID()

	fake.mu.Lock()
	fake.wipeFail[oldID] = true
	fake.mu.Unlock()

	p.Release(ctx, c)

	fake.mu.Lock()
	_, exists := fake.containers[oldID]
	fake.mu.Unlock()
	if exists {
		t.Error("warm container with an unwiped scratch should be removed")
	}

	c2, err := p.Acquire(ctx, pol, KindWarm)
	if err != nil {
		t.Fatalf("Acquire after discard error: %v", err)
	}
	defer p.Release(ctx, c2)
	if c2.ID() == oldID {
		t.Errorf("warm container %s handed out again after a failed wipe", oldID)
	}
}

func TestCloseWaitsForInFlightWarmJob(t *testing.T) {
	fake := newFakeDocker()
	p := NewPoolWithClient(PoolConfig{}, fake, zap.NewNop())
	ctx := context.Background()

	c, err := p.Acquire(ctx, policy.Default(), KindWarm)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	id := c.ID()

	done := make(chan struct{})
	go func() {
		_ = p.Close()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	fake.mu.Lock()
	_, exists := fake.containers[id]
	fake.mu.Unlock()
	if !exists {
		t.Fatal("warm container removed while a job still held it")
	}

	p.Release(ctx, c)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not finish after the job released")
	}

	fake.mu.Lock()
	_, exists = fake.containers[id]
	fake.mu.Unlock()
	if exists {
		t.Error("warm container should be removed once shutdown proceeds")
	}
}

func TestExecCollectsOutput(t *testing.T) {
	fake := newFakeDocker()
	fake.execStdout = `{"success":true}`
	p := testPool(t, fake)
	ctx := context.Background()

	c, err := p.Acquire(ctx, policy.Default(), KindWarm)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer p.Release(ctx, c)

	exec, err := c.StartExec(ctx, []string{"/opt/filecage/analyze", "--kind", "text"})
	if err != nil {
		t.Fatalf("StartExec error: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.Drain(drainCtx); err != nil {
		t.Fatalf("Drain error: %v", err)
	}

	running, exitCode, err := exec.Alive(ctx)
	if err != nil {
		t.Fatalf("Alive error: %v", err)
	}
	if running {
		t.Error("exec should have finished")
	}
	if exitCode != 0 {
		t.Errorf("exitCode = %d, want 0", exitCode)
	}

	stdout, _ := exec.Output()
	if string(stdout) != `{"success":true}` {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(8)

	n, err := b.Write([]byte("0123456789"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 10 {
		t.Errorf("Write reported n = %d, want 10", n)
	}
	if got := string(b.Bytes()); got != "01234567" {
		t.Errorf("Bytes() = %q, want first 8 bytes", got)
	}

	// Further writes are discarded but still reported as written.
	n, _ = b.Write([]byte("abc"))
	if n != 3 {
		t.Errorf("Write reported n = %d, want 3", n)
	}
	if got := string(b.Bytes()); got != "01234567" {
		t.Errorf("Bytes() after overflow = %q", got)
	}
}
