// Package sandbox provides hardened container execution for untrusted file
// analysis.
//
// Every container invocation, warm or ephemeral, is built by a single code
// path from a policy.Policy:
//   - NetworkMode "none": no network access, ever
//   - ReadonlyRootfs: the root filesystem cannot be modified
//   - CapDrop ALL: all Linux capabilities dropped
//   - SecurityOpt "no-new-privileges": no privilege escalation
//   - Memory, CPU, and PID limits
//   - A tmpfs scratch mount as the only writable location
//   - User "nobody": unprivileged execution
//
// # Container Pool
//
// The Pool owns one long-lived warm container, tagged by a well-known name
// and reused across jobs to amortize startup cost. The warm container
// serializes job execution; its scratch space is wiped before and after
// every job so no two artifacts ever coexist inside it. When the warm
// container fails its health probe it is destroyed and recreated once; if
// recreation also fails the pool degrades to ephemeral-only operation and
// periodically retries warm recovery.
//
// Ephemeral containers are created per job, may run concurrently up to a
// configured cap, and are force-removed on release.
//
// # Degraded mode
//
// An unreachable Docker daemon is not fatal. Acquire returns
// ErrDockerUnavailable and the pool reports DockerRequired() so callers can
// surface "no verdict available". There is no unsandboxed fallback path:
// artifact bytes are never processed on the host.
package sandbox
