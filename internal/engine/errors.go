package engine

import (
	"fmt"
	"time"
)

// Failure reason codes carried on ProcessingResult.FailureReason. Every
// failed job is classified with exactly one of these.
const (
	ReasonContainerUnavailable = "container_unavailable"
	ReasonStagingFailure       = "staging_failure"
	ReasonTimeout              = "timeout"
	ReasonCancelled            = "cancelled"
	ReasonExecutionFailure     = "execution_failure"
	ReasonParseFailure         = "parse_failure"
	ReasonArchiveLimit         = "archive_limit_exceeded"
)

// TimeoutError reports a job force-killed at the wall-time boundary, or
// cancelled by the caller.
type TimeoutError struct {
	Elapsed   time.Duration
	MaxWall   time.Duration
	Cancelled bool
}

func (e *TimeoutError) Error() string {
	if e.Cancelled {
		return fmt.Sprintf("job cancelled after %v", e.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("job exceeded max wall time %v (ran %v)", e.MaxWall, e.Elapsed.Round(time.Millisecond))
}

// ExecError reports a non-zero in-container exit. Stderr is size-capped at
// collection and is diagnostic text only, never trusted content.
type ExecError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("processor exited %d", e.ExitCode)
}
