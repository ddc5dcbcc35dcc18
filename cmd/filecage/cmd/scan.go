package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hkuds/filecage/internal/bus"
	"github.com/hkuds/filecage/internal/config"
	"github.com/hkuds/filecage/internal/engine"
	"github.com/hkuds/filecage/internal/metrics"
	"github.com/hkuds/filecage/internal/processor"
	"github.com/hkuds/filecage/internal/sandbox"
	"github.com/hkuds/filecage/internal/store"
	"github.com/hkuds/filecage/internal/tui"
)

var (
	behavioralFlag bool
	mimeFlag       string
	jsonFlag       bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <file>",
	Short: "Analyze a file in an isolated container",
	Long:  "Submit a file for sandboxed analysis. Previews run in the shared warm container; behavioral probes always get a fresh single-use container.",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().BoolVarP(&behavioralFlag, "behavioral", "b", false, "Run a behavioral probe instead of a preview")
	scanCmd.Flags().StringVar(&mimeFlag, "mime", "", "Declared MIME type of the file")
	scanCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the raw result as JSON")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := cfg.Logger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	pol, err := cfg.Policy()
	if err != nil {
		return err
	}
	limits, err := cfg.ArchiveLimits()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	m := metrics.New(prometheus.NewRegistry())

	poolCfg := cfg.PoolConfig()
	poolCfg.OnWarmRecreate = m.WarmRecreations.Inc
	pool := sandbox.NewPool(poolCfg, log)
	defer pool.Close()

	resultStore := store.New(cfg.StoreTTL(), cfg.StoreSweep(), log)
	defer resultStore.Close()

	eventBus := bus.NewEventBus(cfg.Engine.EventBuffer)
	defer eventBus.Close()

	dispatcher := engine.New(engine.Config{
		Pool:         engine.NewDockerPool(pool),
		Limits:       limits,
		Policy:       pol,
		PollInterval: cfg.PollInterval(),
		Store:        resultStore,
		Bus:          eventBus,
		Metrics:      m,
		Log:          log,
	})

	// Ctrl+C cancels the job; the container is killed and cleaned up.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	op := processor.OpPreview
	if behavioralFlag {
		op = processor.OpBehavioral
	}

	job := engine.NewJob(filepath.Base(args[0]), data, op)
	job.MIMEType = mimeFlag

	// Submit returns a classified result on every exit path; render it even
	// when the job failed, then surface the error.
	res, err := dispatcher.Submit(ctx, job)

	if jsonFlag {
		out, merr := json.MarshalIndent(res, "", "  ")
		if merr != nil {
			return merr
		}
		fmt.Println(string(out))
	} else {
		tui.ShowResult(res)
	}

	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	return nil
}
