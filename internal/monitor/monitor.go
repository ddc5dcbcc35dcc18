// Package monitor supervises one in-container job with a hard wall-clock
// bound. Termination on timeout is always a forced kill, never a graceful
// stop, because the running code cannot be trusted to cooperate.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle of a supervised job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// Reason qualifies a terminal state.
type Reason string

const (
	// ReasonDeadline means the wall-clock budget was exhausted.
	ReasonDeadline Reason = "deadline"
	// ReasonCancelled means the caller cancelled the job externally.
	ReasonCancelled Reason = "cancelled"
	// ReasonNonZeroExit means the job exited with a non-zero code.
	ReasonNonZeroExit Reason = "nonzero_exit"
	// ReasonLivenessLost means repeated liveness polls failed.
	ReasonLivenessLost Reason = "liveness_lost"
)

// Target is a running job the monitor can poll and terminate. The sandbox
// exec handle satisfies it.
type Target interface {
	Alive(ctx context.Context) (running bool, exitCode int, err error)
	Kill(ctx context.Context) error
}

// Outcome is the terminal result of supervision.
type Outcome struct {
	State    State
	Reason   Reason
	ExitCode int
	Elapsed  time.Duration
}

const (
	DefaultPollInterval = 250 * time.Millisecond

	// killTimeout bounds the kill call itself; it is the grace interval a
	// job's total duration may exceed max wall time by.
	killTimeout = 10 * time.Second

	// maxPollErrors is how many consecutive liveness failures the monitor
	// tolerates before declaring the job lost.
	maxPollErrors = 3
)

// Monitor supervises jobs. Zero value is not usable; construct with New.
type Monitor struct {
	interval time.Duration
	log      *zap.Logger
}

// New creates a monitor polling at the given interval. interval <= 0 uses
// the default.
func New(interval time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{interval: interval, log: log}
}

// Supervise blocks until the target reaches a terminal state. The job's
// wall-clock duration never exceeds maxWall plus the bounded kill grace.
// Caller cancellation is a forced termination reported as timed out with a
// distinct reason.
func (m *Monitor) Supervise(ctx context.Context, target Target, maxWall time.Duration) Outcome {
	start := time.Now()
	deadline := start.Add(maxWall)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	pollErrors := 0
	for {
		select {
		case <-ctx.Done():
			m.kill(target, "cancelled")
			return Outcome{State: StateTimedOut, Reason: ReasonCancelled, ExitCode: -1, Elapsed: time.Since(start)}

		case now := <-ticker.C:
			if now.After(deadline) {
				m.kill(target, "deadline exceeded")
				return Outcome{State: StateTimedOut, Reason: ReasonDeadline, ExitCode: -1, Elapsed: time.Since(start)}
			}

			pollCtx, cancel := context.WithTimeout(ctx, m.interval)
			running, exitCode, err := target.Alive(pollCtx)
			cancel()

			if err != nil {
				pollErrors++
				if pollErrors < maxPollErrors {
					continue
				}
				m.kill(target, "liveness lost")
				return Outcome{State: StateFailed, Reason: ReasonLivenessLost, ExitCode: -1, Elapsed: time.Since(start)}
			}
			pollErrors = 0

			if running {
				continue
			}
			if exitCode == 0 {
				return Outcome{State: StateCompleted, ExitCode: 0, Elapsed: time.Since(start)}
			}
			return Outcome{State: StateFailed, Reason: ReasonNonZeroExit, ExitCode: exitCode, Elapsed: time.Since(start)}
		}
	}
}

// kill force-terminates the target under its own bounded context, so it
// still runs when the job context is already cancelled.
func (m *Monitor) kill(target Target, why string) {
	killCtx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	if err := target.Kill(killCtx); err != nil {
		m.log.Error("failed to kill supervised job", zap.String("why", why), zap.Error(err))
		return
	}
	m.log.Warn("supervised job killed", zap.String("why", why))
}
