// ============================================================================
// memegen CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running the pipeline and talking to a
// running coordinator.
//
// Command Structure:
//   memegen                          # Root command
//   ├── run                          # Start a process
//   │   ├── --mode                   # standalone | coordinator | worker | reconciler
//   │   └── --seed                   # seed manifest applied before start
//   ├── request <person-id>          # Request an image
//   │   ├── --session                # session id (caption rotation)
//   │   ├── --wait                   # poll until the render finishes
//   │   └── --out, -o                # write the image to a file
//   ├── poll <correlation-id>        # Poll a pending render
//   ├── configure                    # Change render and cache settings
//   ├── seed --file                  # Load templates into persistent stores
//   ├── reconcile                    # Run one reconcile cycle and exit
//   ├── status                       # Config summary, health and settings
//   ├── --config, -c                 # Config file (default: configs/default.yaml)
//   └── --addr                       # Coordinator address for client commands
//
// run Command:
//   1. Load and validate config for the mode
//   2. Set up logging (stdout or rotating file)
//   3. Build backends and start the components of the mode
//   4. Wait for SIGINT / SIGTERM
//   5. Shut down gracefully
//
//   Examples:
//     ./memegen run
//     ./memegen run --mode worker -c configs/distributed.yaml
//
// Client commands (request, poll, configure, status) talk gRPC to --addr.
// Local commands (seed, reconcile) open the configured backends directly and
// refuse memory backends, whose contents would vanish on exit.
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
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/memegen-pipeline/internal/bootstrap"
	"github.com/ChuLiYu/memegen-pipeline/internal/config"
	"github.com/ChuLiYu/memegen-pipeline/internal/logging"
	"github.com/ChuLiYu/memegen-pipeline/internal/seed"
	"github.com/ChuLiYu/memegen-pipeline/internal/server"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

const (
	defaultConfigPath = "configs/default.yaml"
	defaultAddr       = "localhost:50051"
	rpcTimeout        = 10 * time.Second
)

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "memegen",
		Short: "memegen: captioned template images on demand",
		Long: `memegen renders captions onto template photos with:
- a caching request coordinator (gRPC)
- render workers fed from a job queue
- a reconciler that evicts expired records`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", defaultAddr, "coordinator address for client commands")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildRequestCommand())
	rootCmd.AddCommand(buildPollCommand())
	rootCmd.AddCommand(buildConfigureCommand())
	rootCmd.AddCommand(buildSeedCommand())
	rootCmd.AddCommand(buildReconcileCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var mode string
	var seedFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline",
		Long:  "Start the pipeline in standalone, coordinator, worker, or reconciler mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, mode, seedFile)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", config.ModeStandalone, "System mode: standalone, coordinator, worker, reconciler")
	cmd.Flags().StringVar(&seedFile, "seed", "", "seed manifest applied before start")

	return cmd
}

func runSystem(ctx context.Context, mode, seedFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(mode); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info("Starting memegen", "mode", mode, "config", configFile)

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", mode, err)
	}
	defer app.Close()

	if seedFile != "" {
		tpls, err := seed.File(ctx, seedFile, app.Templates, app.Objects)
		if err != nil {
			return fmt.Errorf("failed to seed: %w", err)
		}
		logger.Info("Seeded templates", "count", len(tpls), "file", seedFile)
	}

	if err := app.Run(ctx, mode, nil); err != nil {
		return err
	}
	logger.Info("System stopped")
	return nil
}

// ============================================================================
// request / poll
// ============================================================================

func buildRequestCommand() *cobra.Command {
	var sessionID string
	var wait bool
	var outFile string
	var attempts int
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "request <person-id>",
		Short: "Request an image of a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			personID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("person id %q: %w", args[0], types.ErrInvalidInput)
			}
			return requestImage(cmd.Context(), cmd.OutOrStdout(), personID, sessionID, wait, outFile, attempts, delay)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session id used to rotate captions")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the render finishes")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the image to this file")
	cmd.Flags().IntVar(&attempts, "attempts", server.DefaultPollAttempts, "poll attempts with --wait")
	cmd.Flags().DurationVar(&delay, "delay", server.DefaultPollDelay, "delay between poll attempts")

	return cmd
}

func requestImage(ctx context.Context, out io.Writer, personID int, sessionID string, wait bool, outFile string, attempts int, delay time.Duration) error {
	client, err := server.Dial(serverAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer client.Close()

	rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	resp, err := client.RequestImage(rctx, personID, sessionID)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.Cached {
		fmt.Fprintf(out, "Cached image %s (%d bytes)\n", resp.CorrelationID, len(resp.Artifact))
		return writeArtifact(out, outFile, resp.Artifact)
	}

	fmt.Fprintf(out, "Render dispatched: %s\n", resp.CorrelationID)
	if !wait {
		return nil
	}

	res, err := client.WaitForResult(ctx, resp.CorrelationID, attempts, delay)
	if err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}
	return printPoll(out, res, outFile)
}

func buildPollCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "poll <correlation-id>",
		Short: "Poll the result of a render",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pollResult(cmd.Context(), cmd.OutOrStdout(), args[0], outFile)
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the image to this file")
	return cmd
}

func pollResult(ctx context.Context, out io.Writer, correlationID, outFile string) error {
	client, err := server.Dial(serverAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer client.Close()

	rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	res, err := client.PollResult(rctx, correlationID)
	if err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}
	return printPoll(out, res, outFile)
}

func printPoll(out io.Writer, res *server.PollResultResponse, outFile string) error {
	switch res.Status {
	case types.StatusCompleted:
		fmt.Fprintf(out, "Completed: %s (%d bytes)\n", res.CorrelationID, len(res.Artifact))
		return writeArtifact(out, outFile, res.Artifact)
	case types.StatusFailed:
		fmt.Fprintf(out, "Failed: %s: %s\n", res.CorrelationID, res.Message)
		return fmt.Errorf("render %s failed: %s", res.CorrelationID, res.Message)
	default:
		fmt.Fprintf(out, "Pending: %s\n", res.CorrelationID)
		return nil
	}
}

func writeArtifact(out io.Writer, path string, data []byte) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	fmt.Fprintf(out, "Saved to %s\n", path)
	return nil
}

// ============================================================================
// configure
// ============================================================================

func buildConfigureCommand() *cobra.Command {
	var (
		padding, opacity, cacheMinutes, retentionMinutes int
		top, upper                                       bool
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Change render and cache settings",
		Long:  "Change render and cache settings on a running coordinator. Only flags that are set are sent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &server.UpdateSettingsRequest{}
			flags := cmd.Flags()
			if flags.Changed("text-padding") {
				req.TextPadding = &padding
			}
			if flags.Changed("background-opacity") {
				req.BackgroundOpacity = &opacity
			}
			if flags.Changed("text-at-top") {
				req.TextAtTop = &top
			}
			if flags.Changed("upper-case") {
				req.UpperCaseText = &upper
			}
			if flags.Changed("cache-minutes") {
				req.CacheDurationMinutes = &cacheMinutes
			}
			if flags.Changed("retention-minutes") {
				req.RetentionMinutes = &retentionMinutes
			}
			return configure(cmd.Context(), cmd.OutOrStdout(), req)
		},
	}

	cmd.Flags().IntVar(&padding, "text-padding", 0, "horizontal caption padding in pixels")
	cmd.Flags().IntVar(&opacity, "background-opacity", 0, "caption band opacity, 0-255")
	cmd.Flags().BoolVar(&top, "text-at-top", false, "draw the caption at the top")
	cmd.Flags().BoolVar(&upper, "upper-case", false, "upper-case captions")
	cmd.Flags().IntVar(&cacheMinutes, "cache-minutes", 0, "cache entry lifetime in minutes")
	cmd.Flags().IntVar(&retentionMinutes, "retention-minutes", 0, "record retention in minutes")

	return cmd
}

func configure(ctx context.Context, out io.Writer, req *server.UpdateSettingsRequest) error {
	client, err := server.Dial(serverAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer client.Close()

	rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	resp, err := client.UpdateSettings(rctx, req)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	printSettings(out, resp)
	return nil
}

// ============================================================================
// seed / reconcile (local)
// ============================================================================

func buildSeedCommand() *cobra.Command {
	var seedFile string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load templates and photos from a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return seedTemplates(cmd.Context(), cmd.OutOrStdout(), seedFile)
		},
	}
	cmd.Flags().StringVarP(&seedFile, "file", "f", "", "seed manifest (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func seedTemplates(ctx context.Context, out io.Writer, seedFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store.Driver == config.BackendMemory || cfg.Objects.Backend == config.BackendMemory {
		return errors.New("seed needs persistent store and object backends; use run --seed for memory backends")
	}

	app, err := bootstrap.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	tpls, err := seed.File(ctx, seedFile, app.Templates, app.Objects)
	if err != nil {
		return err
	}
	for _, tpl := range tpls {
		fmt.Fprintf(out, "  ├─ %s (person %d, %d captions)\n", tpl.ID, tpl.PersonID, len(tpl.Captions))
	}
	fmt.Fprintf(out, "Seeded %d templates\n", len(tpls))
	return nil
}

func buildReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reconcileOnce(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func reconcileOnce(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(config.ModeReconciler); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	app, err := bootstrap.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Reconciler().Reconcile(ctx)
	fmt.Fprintf(out, "Scanned %d, expired %d, deleted %d, retained %d, failed %d\n",
		report.Scanned, report.Expired, report.Deleted, report.Retained, report.Failed)
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, coordinator health and current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                memegen System Status                      ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Workers:       %d (timeout %s)\n", cfg.Worker.WorkerCount, cfg.Worker.JobTimeout)
	fmt.Fprintf(out, "  ├─ Reconcile:     every %s\n", cfg.Reconciler.Interval)
	fmt.Fprintf(out, "  ├─ Store:         %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "  ├─ Objects:       %s\n", cfg.Objects.Backend)
	fmt.Fprintf(out, "  ├─ Cache:         %s\n", cfg.Cache.Backend)
	fmt.Fprintf(out, "  └─ Queue:         %s\n", cfg.Queue.Backend)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Coordinator (%s):\n", serverAddr)
	client, err := server.Dial(serverAddr)
	if err != nil {
		fmt.Fprintf(out, "  └─ Unreachable: %v\n", err)
		return nil
	}
	defer client.Close()

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	health, err := client.Health(rctx)
	if err != nil {
		fmt.Fprintln(out, "  └─ Not running (run 'memegen run' to start)")
		return nil
	}
	fmt.Fprintf(out, "  └─ Health: %s\n", health)
	fmt.Fprintln(out)

	settings, err := client.GetSettings(rctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	printSettings(out, settings)
	return nil
}

func printSettings(out io.Writer, s *server.SettingsResponse) {
	fmt.Fprintln(out, "Render settings:")
	fmt.Fprintf(out, "  ├─ Text Padding:       %d\n", s.Render.TextPadding)
	fmt.Fprintf(out, "  ├─ Background Opacity: %d\n", s.Render.BackgroundOpacity)
	fmt.Fprintf(out, "  ├─ Text At Top:        %t\n", s.Render.TextAtTop)
	fmt.Fprintf(out, "  ├─ Upper Case:         %t\n", s.Render.UpperCaseText)
	fmt.Fprintf(out, "  └─ Fingerprint:        %s\n", s.Render.Fingerprint())
	fmt.Fprintln(out, "Cache settings:")
	fmt.Fprintf(out, "  ├─ Cache Duration:     %d min\n", s.Cache.CacheDurationMinutes)
	fmt.Fprintf(out, "  └─ Retention:          %d min\n", s.Cache.RetentionMinutes)
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
