// ============================================================================
// Sale-Sniper CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   sale-sniper                    # Root command
//   ├── --config, -c              # Config file (else SNIPER_CONFIG / CONFIG_PATH)
//   ├── run                        # Monitor the item and fire at the sale time
//   ├── sync                       # One-shot clock offset for a platform
//   │   └── --platform, -p
//   ├── fire                       # Fire at a given time, no monitoring
//   │   ├── --at "2025/11/11 20:00:00" | "11.11 20:00"
//   │   ├── --in 3s
//   │   └── --workers, -w
//   ├── status                     # Config summary, last report, journal summary
//   ├── --version
//   └── --help
//
// run Command:
//   1. Load config file
//   2. Build HTTP clients, clock sync, target adapters and storage
//   3. Start Metrics HTTP server (if enabled)
//   4. Run the sniper until it fires or SIGINT / SIGTERM arrives
//   5. Print the one line summary
//
//   Examples:
//     ./sale-sniper run
//     ./sale-sniper run -c configs/jd.yaml
//
// Exit Status:
//   A run that fired but had no accepted submission returns ErrDispatchFailed,
//   so the process exits non-zero.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/sale-sniper/internal/config"
	"github.com/ChuLiYu/sale-sniper/internal/logging"
	"github.com/ChuLiYu/sale-sniper/internal/report"
	"github.com/ChuLiYu/sale-sniper/internal/storage/journal"
	"github.com/ChuLiYu/sale-sniper/internal/target"
	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "1.0.0"

var (
	// ErrDispatchFailed the attempt fired but no submission was accepted
	ErrDispatchFailed = errors.New("dispatch failed: no submission accepted")
	// ErrFireTime neither or both of --at and --in were given
	ErrFireTime = errors.New("exactly one of --at or --in is required")
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sale-sniper",
		Short: "Sale-Sniper: fire a burst of orders at the exact sale time",
		Long: `Sale-Sniper watches a flash sale item and submits orders at the sale time:
- Platform clock offset from the HTTP Date header
- Adaptive snapshot monitoring
- Coarse-then-fine deadline wait
- Burst fan-out with first-success aggregation`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default configs/default.yaml)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSyncCommand())
	rootCmd.AddCommand(buildFireCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start monitoring and fire at the sale time",
		Long:  "Monitor the configured item, keep the clock offset fresh and fire the burst at the sale time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSniper(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runSniper(parent context.Context, out io.Writer) error {
	cfg, logger, err := loadRuntimeConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, true)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer rt.Close()
	rt.serveMetrics(ctx)

	s, err := rt.newSniper()
	if err != nil {
		return err
	}
	logger.Info().Str("run_id", s.RunID()).Str("config", config.ResolvePath(configFile)).Msg("sniper starting")

	rep, runErr := s.Run(ctx)
	fmt.Fprintln(out, report.Summary(rep, rt.zone))
	return outcomeError(rep.Result, runErr)
}

func buildSyncCommand() *cobra.Command {
	var platform string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Measure the clock offset of a platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return syncClock(cmd.Context(), cmd.OutOrStdout(), platform)
		},
	}
	cmd.Flags().StringVarP(&platform, "platform", "p", "", "platform name (default from config)")
	return cmd
}

func syncClock(parent context.Context, out io.Writer, platform string) error {
	cfg, logger, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	if platform == "" {
		platform = cfg.Platform
	}

	ctx, stop := signalContext(parent)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, false)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer rt.Close()

	serverTime, ok := rt.syncer.GetServerTime(ctx, platform)
	if !ok {
		return fmt.Errorf("could not read server time for %s", platform)
	}
	offset := rt.syncer.GetOffset(ctx, platform, false)

	fmt.Fprintf(out, "platform:    %s\n", platform)
	fmt.Fprintf(out, "server time: %s\n", serverTime.Format("2006/01/02 15:04:05 MST"))
	fmt.Fprintf(out, "offset:      %+.3fs\n", offset)
	return nil
}

func buildFireCommand() *cobra.Command {
	var (
		at      string
		in      time.Duration
		workers int
	)

	cmd := &cobra.Command{
		Use:   "fire",
		Short: "Fire the burst at a given time without monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fireAt(cmd.Context(), cmd.OutOrStdout(), at, in, workers)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", `sale time, e.g. "2025/11/11 20:00:00" or "11.11 20:00"`)
	cmd.Flags().DurationVar(&in, "in", 0, "fire after this delay")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "override dispatch.worker_count")
	return cmd
}

func fireAt(parent context.Context, out io.Writer, at string, in time.Duration, workers int) error {
	cfg, logger, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	if workers > 0 {
		cfg.Dispatch.WorkerCount = workers
	}

	ctx, stop := signalContext(parent)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, false)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer rt.Close()

	payload, err := orderPayload(cfg)
	if err != nil {
		return err
	}

	rt.syncer.GetOffset(ctx, cfg.Platform, false)
	when, err := resolveFireTime(at, in, rt.zone, rt.syncer.Now(cfg.Platform))
	if err != nil {
		return err
	}
	deadline := types.EpochSeconds(when) - cfg.Dispatch.Advance.Seconds()

	rep := types.RunReport{
		RunID:     uuid.NewString(),
		Platform:  cfg.Platform,
		Target:    cfg.Dispatch.SubmitURL,
		Deadline:  deadline,
		StartedAt: time.Now(),
	}
	result, fireErr := rt.engine.Dispatch(ctx, types.DispatchJob{
		Deadline:    deadline,
		Payload:     payload,
		WorkerCount: cfg.Dispatch.WorkerCount,
	}, rt.submit)
	if fireErr == nil {
		rep.Result = &result
	} else {
		rep.Error = fireErr.Error()
	}
	rep.Offset = rt.syncer.Offset(cfg.Platform)
	rep.FinishedAt = time.Now()

	if err := rt.reports.Write(rep); err != nil {
		logger.Warn().Err(err).Msg("failed to write report")
	}
	fmt.Fprintln(out, report.Summary(rep, rt.zone))
	return outcomeError(rep.Result, fireErr)
}

// resolveFireTime turns --at or --in into an absolute platform time.
func resolveFireTime(at string, in time.Duration, zone *time.Location, now time.Time) (time.Time, error) {
	at = strings.TrimSpace(at)
	switch {
	case at != "" && in > 0, at == "" && in <= 0:
		return time.Time{}, ErrFireTime
	case in > 0:
		return now.Add(in), nil
	}
	return target.ParseTargetTime(at, zone, now)
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, last report and journal summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
}

func showStatus(out io.Writer) error {
	path := config.ResolvePath(configFile)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	zone := cfg.Clock.ReportZone()

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Sale-Sniper Status                              ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", path)
	fmt.Fprintf(out, "  ├─ Platform:        %s\n", cfg.Platform)
	fmt.Fprintf(out, "  ├─ Workers:         %d\n", cfg.Dispatch.WorkerCount)
	fmt.Fprintf(out, "  ├─ Submit Timeout:  %s\n", cfg.Dispatch.SubmitTimeout)
	fmt.Fprintf(out, "  ├─ Advance:         %s\n", cfg.Dispatch.Advance)
	fmt.Fprintf(out, "  └─ Target Time:     %s (%s)\n", orNone(cfg.Target.DefaultTargetTime), zone)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📄 Last Report:")
	rep, err := report.NewStore(cfg.Storage.ReportPath).Load()
	switch {
	case errors.Is(err, report.ErrReportNotFound):
		fmt.Fprintln(out, "  └─ none (run 'sale-sniper run' to start)")
	case err != nil:
		fmt.Fprintf(out, "  └─ ⚠️  %v\n", err)
	default:
		fmt.Fprintf(out, "  └─ %s\n", report.Summary(rep, zone))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Journal:")
	runs, err := journal.Summarize(cfg.Storage.JournalPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(out, "  └─ %s: empty\n", cfg.Storage.JournalPath)
	case err != nil:
		fmt.Fprintf(out, "  └─ ⚠️  %v\n", err)
	default:
		succeeded := 0
		for _, r := range runs {
			if r.Success {
				succeeded++
			}
		}
		fmt.Fprintf(out, "  ├─ Path:      %s\n", cfg.Storage.JournalPath)
		fmt.Fprintf(out, "  ├─ Runs:      %d\n", len(runs))
		fmt.Fprintf(out, "  └─ Succeeded: %d\n", succeeded)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// outcomeError maps a finished attempt to the command error.
func outcomeError(result *types.DispatchResult, err error) error {
	if err != nil {
		return err
	}
	if result == nil || !result.Success {
		return ErrDispatchFailed
	}
	return nil
}

func loadRuntimeConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(config.ResolvePath(configFile))
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.Setup(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
