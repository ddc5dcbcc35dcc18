package sandbox

import (
	"errors"
	"fmt"
)

// ErrDockerUnavailable is returned when the container runtime cannot be
// reached. Callers must treat this as "no verdict available" and must never
// fall back to processing the artifact on the host.
var ErrDockerUnavailable = errors.New("container runtime unavailable")

// ErrPoolClosed is returned by Acquire after the pool has been shut down.
var ErrPoolClosed = errors.New("pool is closed")

// StartError wraps a failure to create or start a container.
type StartError struct {
	Kind Kind
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %s container: %v", e.Kind, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
