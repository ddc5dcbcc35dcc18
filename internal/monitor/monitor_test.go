package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeTarget runs for a fixed number of polls, then exits with a code.
// A negative pollsLeft means it never exits on its own.
type fakeTarget struct {
	mu        sync.Mutex
	pollsLeft int
	exitCode  int
	aliveErr  error
	killed    bool
}

func (f *fakeTarget) Alive(ctx context.Context) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aliveErr != nil {
		return false, -1, f.aliveErr
	}
	if f.killed {
		return false, 137, nil
	}
	if f.pollsLeft < 0 {
		return true, 0, nil
	}
	if f.pollsLeft > 0 {
		f.pollsLeft--
		return true, 0, nil
	}
	return false, f.exitCode, nil
}

func (f *fakeTarget) Kill(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	return nil
}

func (f *fakeTarget) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func TestSuperviseCompletes(t *testing.T) {
	m := New(5*time.Millisecond, zap.NewNop())
	target := &fakeTarget{pollsLeft: 3, exitCode: 0}

	out := m.Supervise(context.Background(), target, time.Second)

	if out.State != StateCompleted {
		t.Fatalf("State = %s, want completed", out.State)
	}
	if out.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", out.ExitCode)
	}
	if target.wasKilled() {
		t.Error("completed job must not be killed")
	}
}

func TestSuperviseNonZeroExit(t *testing.T) {
	m := New(5*time.Millisecond, zap.NewNop())
	target := &fakeTarget{pollsLeft: 1, exitCode: 2}

	out := m.Supervise(context.Background(), target, time.Second)

	if out.State != StateFailed {
		t.Fatalf("State = %s, want failed", out.State)
	}
	if out.Reason != ReasonNonZeroExit {
		t.Errorf("Reason = %s, want nonzero_exit", out.Reason)
	}
	if out.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", out.ExitCode)
	}
}

func TestSuperviseDeadlineForcesKill(t *testing.T) {
	m := New(5*time.Millisecond, zap.NewNop())
	target := &fakeTarget{pollsLeft: -1} // sleeps past the budget

	maxWall := 50 * time.Millisecond
	start := time.Now()
	out := m.Supervise(context.Background(), target, maxWall)
	elapsed := time.Since(start)

	if out.State != StateTimedOut {
		t.Fatalf("State = %s, want timed_out", out.State)
	}
	if out.Reason != ReasonDeadline {
		t.Errorf("Reason = %s, want deadline", out.Reason)
	}
	if !target.wasKilled() {
		t.Error("timed-out job must be force-killed")
	}
	// Wall-clock bound: maxWall plus a small grace, never unbounded.
	if elapsed > maxWall+500*time.Millisecond {
		t.Errorf("supervision took %v, want <= %v plus grace", elapsed, maxWall)
	}
}

func TestSuperviseCancellation(t *testing.T) {
	m := New(5*time.Millisecond, zap.NewNop())
	target := &fakeTarget{pollsLeft: -1}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out := m.Supervise(ctx, target, time.Minute)

	if out.State != StateTimedOut {
		t.Fatalf("State = %s, want timed_out", out.State)
	}
	if out.Reason != ReasonCancelled {
		t.Errorf("Reason = %s, want cancelled", out.Reason)
	}
	if !target.wasKilled() {
		t.Error("cancelled job must be force-killed")
	}
}

func TestSuperviseLivenessLost(t *testing.T) {
	m := New(5*time.Millisecond, zap.NewNop())
	target := &fakeTarget{aliveErr: errors.New("inspect failed")}

	out := m.Supervise(context.Background(), target, time.Second)

	if out.State != StateFailed {
		t.Fatalf("State = %s, want failed", out.State)
	}
	if out.Reason != ReasonLivenessLost {
		t.Errorf("Reason = %s, want liveness_lost", out.Reason)
	}
	if !target.wasKilled() {
		t.Error("lost job must be force-killed")
	}
}

func TestSuperviseTransientPollErrorTolerated(t *testing.T) {
	m := New(5*time.Millisecond, zap.NewNop())

	// One failing poll followed by a clean exit must still complete.
	target := &flakyTarget{failFirst: 1, inner: &fakeTarget{pollsLeft: 1, exitCode: 0}}

	out := m.Supervise(context.Background(), target, time.Second)
	if out.State != StateCompleted {
		t.Fatalf("State = %s, want completed", out.State)
	}
}

type flakyTarget struct {
	mu        sync.Mutex
	failFirst int
	inner     *fakeTarget
}

func (f *flakyTarget) Alive(ctx context.Context) (bool, int, error) {
	f.mu.Lock()
	if f.failFirst > 0 {
		f.failFirst--
		f.mu.Unlock()
		return false, -1, errors.New("transient")
	}
	f.mu.Unlock()
	return f.inner.Alive(ctx)
}

func (f *flakyTarget) Kill(ctx context.Context) error { return f.inner.Kill(ctx) }
