package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hkuds/filecage/internal/archive"
	"github.com/hkuds/filecage/internal/bus"
	"github.com/hkuds/filecage/internal/metrics"
	"github.com/hkuds/filecage/internal/monitor"
	"github.com/hkuds/filecage/internal/policy"
	"github.com/hkuds/filecage/internal/processor"
	"github.com/hkuds/filecage/internal/result"
	"github.com/hkuds/filecage/internal/sandbox"
	"github.com/hkuds/filecage/internal/scoring"
	"github.com/hkuds/filecage/internal/store"
)

// releaseTimeout bounds container cleanup after the job context is gone.
const releaseTimeout = 30 * time.Second

// Config wires a dispatcher. Pool is required; Registry defaults to the
// builtin set; Store, Bus and Metrics are optional.
type Config struct {
	Pool         Pool
	Registry     *processor.Registry
	Limits       archive.Limits
	Policy       policy.Policy
	PollInterval time.Duration

	Store   *store.Store
	Bus     *bus.EventBus
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Dispatcher is the engine's entry point. One Submit call per job; each job
// gets exactly one container acquisition and one result-parse invocation.
type Dispatcher struct {
	cfg Config
	mon *monitor.Monitor
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Registry == nil {
		cfg.Registry = processor.NewDefault()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	cfg.Limits.Validate()
	cfg.Policy.Validate()

	return &Dispatcher{
		cfg: cfg,
		mon: monitor.New(cfg.PollInterval, cfg.Log),
	}
}

// Degraded reports whether the container runtime is unreachable. While true,
// every Submit returns docker_required.
func (d *Dispatcher) Degraded() bool {
	return d.cfg.Pool.DockerRequired()
}

// Submit runs one job to completion and returns its result. The result is
// also stored and a lifecycle event is published for every transition.
// Failures carry a classified reason; the returned error holds the detail.
func (d *Dispatcher) Submit(ctx context.Context, job Job) (result.ProcessingResult, error) {
	pol := d.cfg.Policy
	if job.Policy != nil {
		pol = *job.Policy
	}
	pol.Validate()

	proc := d.cfg.Registry.Resolve(job.DeclaredExt, job.MIMEType, job.head())
	log := d.cfg.Log.With(
		zap.String("job", job.ID.String()),
		zap.String("kind", proc.Kind()),
		zap.String("op", string(job.Op)))

	d.publish(bus.Event{Type: bus.EventQueued, JobID: job.ID.String(), Kind: proc.Kind()})

	// Archive inputs pass the expansion limiter before any container time is
	// spent on them; a bomb is rejected here, not after it inflates.
	if proc.Kind() == "archive" {
		if _, err := archive.Extract(job.Data, d.cfg.Limits); errors.Is(err, archive.ErrLimitExceeded) {
			log.Warn("archive rejected by expansion limiter", zap.Error(err))
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.ArchiveRejects.Inc()
			}
			res := result.ProcessingResult{PreviewType: proc.PreviewType(), FailureReason: ReasonArchiveLimit}
			return d.finish(job, proc, res, bus.EventRejected), err
		}
		// Corrupt or exotic archives still get in-container forensics.
	}

	// Behavioral probing is isolation-sensitive: it always gets a fresh
	// single-use container. Previews ride the warm container for latency.
	prefer := sandbox.KindWarm
	if job.Op == processor.OpBehavioral {
		prefer = sandbox.KindEphemeral
	}

	c, err := d.cfg.Pool.Acquire(ctx, pol, prefer)
	if err != nil {
		res := result.ProcessingResult{FailureReason: ReasonContainerUnavailable}
		if errors.Is(err, sandbox.ErrDockerUnavailable) {
			// No verdict without a sandbox. The artifact is never parsed on
			// the host as a fallback.
			res.DockerRequired = true
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.Degraded.Set(1)
			}
			log.Warn("container runtime unavailable, no verdict produced")
		}
		return d.finish(job, proc, res, bus.EventFailed), err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		d.cfg.Pool.Release(rctx, c)
	}()

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.Degraded.Set(0)
		d.cfg.Metrics.PoolAcquires.WithLabelValues(string(prefer)).Inc()
	}
	d.publish(bus.Event{Type: bus.EventStarted, JobID: job.ID.String(), Kind: proc.Kind(), Container: c.ID()})

	if err := c.CopyIn(ctx, "input", job.Data); err != nil {
		res := result.ProcessingResult{FailureReason: ReasonStagingFailure}
		return d.finish(job, proc, res, bus.EventFailed), fmt.Errorf("stage artifact: %w", err)
	}

	inputPath := path.Join(pol.ScratchDir, "input")
	exec, err := c.StartExec(ctx, proc.Command(inputPath, job.Op))
	if err != nil {
		res := result.ProcessingResult{FailureReason: ReasonStagingFailure}
		return d.finish(job, proc, res, bus.EventFailed), fmt.Errorf("start processor: %w", err)
	}

	outcome := d.mon.Supervise(ctx, exec, pol.MaxWallTime)

	// Drain whatever output exists, bounded by the grace interval; partial
	// logs survive a kill.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pol.GraceInterval)
	_ = exec.Drain(drainCtx)
	cancel()
	stdout, stderr := exec.Output()
	logs := logLines(stderr)

	switch outcome.State {
	case monitor.StateTimedOut:
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.Timeouts.Inc()
		}
		terr := &TimeoutError{
			Elapsed:   outcome.Elapsed,
			MaxWall:   pol.MaxWallTime,
			Cancelled: outcome.Reason == monitor.ReasonCancelled,
		}
		reason := ReasonTimeout
		if terr.Cancelled {
			reason = ReasonCancelled
		}
		res := result.ProcessingResult{
			SecureProcessing: true,
			ExecutionTime:    outcome.Elapsed,
			Logs:             logs,
			FailureReason:    reason,
		}
		return d.finish(job, proc, res, bus.EventTimedOut), terr

	case monitor.StateFailed:
		res := result.ProcessingResult{
			SecureProcessing: true,
			ExecutionTime:    outcome.Elapsed,
			Logs:             logs,
			FailureReason:    ReasonExecutionFailure,
		}
		return d.finish(job, proc, res, bus.EventFailed), &ExecError{ExitCode: outcome.ExitCode, Stderr: string(stderr)}
	}

	payload, perr := result.Parse(stdout)
	if perr != nil {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.ParseFailures.Inc()
		}
		res := result.ProcessingResult{
			SecureProcessing: true,
			ExecutionTime:    outcome.Elapsed,
			Logs:             logs,
			FailureReason:    ReasonParseFailure,
		}
		return d.finish(job, proc, res, bus.EventFailed), perr
	}

	res := result.FromPayload(payload, outcome.Elapsed)
	res.Logs = logs
	if res.PreviewType == "" {
		res.PreviewType = proc.PreviewType()
	}
	// Most suspicious wins: the host-computed score caps the payload's
	// claimed one, so a payload can lower its score but never raise it.
	if computed := scoring.Score(res.Behaviors, res.ThreatIndicators); computed < res.BehavioralScore {
		res.BehavioralScore = computed
	}

	log.Info("job completed",
		zap.String("preview", res.PreviewType),
		zap.Int("score", res.BehavioralScore),
		zap.Duration("elapsed", outcome.Elapsed))
	return d.finish(job, proc, res, bus.EventCompleted), nil
}

// Result returns a previously stored job result.
func (d *Dispatcher) Result(id string) (result.ProcessingResult, bool) {
	if d.cfg.Store == nil {
		return result.ProcessingResult{}, false
	}
	return d.cfg.Store.Get(id)
}

// finish records the terminal result: stores it, publishes the lifecycle
// event, and observes metrics. It runs on every exit path.
func (d *Dispatcher) finish(job Job, proc processor.Processor, res result.ProcessingResult, ev bus.EventType) result.ProcessingResult {
	if d.cfg.Store != nil {
		d.cfg.Store.Put(job.ID.String(), res)
	}
	d.publish(bus.Event{
		Type:   ev,
		JobID:  job.ID.String(),
		Kind:   proc.Kind(),
		Reason: res.FailureReason,
		Score:  res.BehavioralScore,
	})
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.JobsTotal.WithLabelValues(string(ev)).Inc()
		if res.ExecutionTime > 0 {
			d.cfg.Metrics.JobDuration.WithLabelValues(proc.Kind()).Observe(res.ExecutionTime.Seconds())
		}
	}
	return res
}

func (d *Dispatcher) publish(ev bus.Event) {
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(ev)
	}
}

// logLines splits captured stderr into trimmed lines for the result's logs.
func logLines(stderr []byte) []string {
	if len(stderr) == 0 {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(string(stderr), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
