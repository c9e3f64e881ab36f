// ============================================================================
// clipflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   clipflow                       # Root command
//   ├── run [url...]               # Start the engine, optionally with jobs
//   │   ├── --once                # Exit when the given jobs are finished
//   │   └── --file, -f            # Read URLs from a text file
//   ├── submit [url...]            # Submit jobs to a running engine
//   ├── list                       # List jobs
//   ├── status [job-id]            # Engine totals or one job in detail
//   ├── cancel <job-id>...         # Request cancellation
//   ├── watch [job-id]             # Stream progress events
//   ├── export --out file.zip      # Zip the bundles of succeeded jobs
//   └── history [job-id]           # Read the SQLite transition journal
//
// Global flags:
//   --config, -c   YAML config (default: configs/default.yaml)
//   --env-file     .env file loaded before the API key is read
//
// run Command:
//   1. Load config and .env, install the slog handler
//   2. Lock <work_dir>/.clipflow.lock so only one engine owns the work dir
//   3. Build pipelines, restore the snapshot, start the controller
//   4. Start the journal, metrics, upload watcher and gRPC surface if enabled
//   5. Wait for SIGINT/SIGTERM (or, with --once, for the given jobs)
//   6. Stop: running stages finish, final snapshot, journal closed
//
// Client commands (submit, list, status, cancel, watch, export) talk to the
// engine over gRPC at grpc.addr, or --addr.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/clipflow/internal/config"
	"github.com/ChuLiYu/clipflow/internal/controller"
	"github.com/ChuLiYu/clipflow/internal/executor"
	"github.com/ChuLiYu/clipflow/internal/intake"
	"github.com/ChuLiYu/clipflow/internal/logging"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

// Version is reported by --version.
const Version = "1.0.0"

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clipflow",
		Short: "clipflow: a staged media processing pipeline",
		Long: `clipflow downloads media from URLs or uploads and runs each job through
a staged pipeline:
- archive: download, package
- analyze: download, audio extraction, transcription, summary, package

Stages run on a bounded worker pool with per-stage retry, backoff and
timeout. Progress is streamed as events; state is snapshotted to disk.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with API keys (optional)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

// loadConfig reads the config file and the optional .env file.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	mode   string
	file   string
	apiKey string
	once   bool
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Start the clipflow engine",
		Long: `Start the engine in the foreground. URLs given as arguments or in --file
are submitted right away. With --once the command exits when they finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", string(types.ModeArchive), "pipeline for submitted URLs: archive or analyze")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "text file with URLs (free text is fine)")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "summarizer API key for these jobs")
	cmd.Flags().BoolVar(&opts.once, "once", false, "exit after the submitted jobs finish")

	return cmd
}

func runSystem(cmd *cobra.Command, args []string, opts runOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := logging.Setup(cfg.Logging); err != nil {
		return err
	}

	mode, ok := types.ParseMode(opts.mode)
	if !ok {
		return fmt.Errorf("unknown mode %q (want archive or analyze)", opts.mode)
	}
	sources, err := collectSources(args, opts.file)
	if err != nil {
		return err
	}
	if opts.once && len(sources) == 0 {
		return fmt.Errorf("--once needs at least one URL")
	}

	slog.Info("Starting clipflow", "config", configFile, "workers", cfg.Worker.WorkerCount)
	eng, err := startEngine(cfg, executor.Deps{})
	if err != nil {
		return err
	}
	defer eng.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ids []types.JobID
	if len(sources) > 0 {
		ids, err = eng.ctrl.Submit(ctx, sources, mode, controller.SubmitOptions{APIKey: opts.apiKey})
		if err != nil {
			return fmt.Errorf("failed to submit jobs: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if opts.once {
		return waitForJobs(ctx, out, eng.ctrl, ids)
	}

	slog.Info("System started successfully")
	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully...")
	return nil
}

// waitForJobs prints transitions of ids until all are terminal, then a
// summary table. It fails when any job did not succeed.
func waitForJobs(ctx context.Context, out io.Writer, ctrl *controller.Controller, ids []types.JobID) error {
	watched := make(map[types.JobID]bool, len(ids))
	for _, id := range ids {
		watched[id] = true
	}

	sub := ctrl.Subscribe(0)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range sub.C {
			if watched[ev.JobID] && ev.Kind == types.EventTransition {
				fmt.Fprintln(out, formatEvent(ev))
			}
		}
	}()

	jobs := make([]types.Job, 0, len(ids))
	var waitErr error
	for _, id := range ids {
		job, err := ctrl.Wait(ctx, id)
		if err != nil {
			waitErr = err
			break
		}
		jobs = append(jobs, job)
	}
	sub.Close()
	<-printed

	if waitErr != nil {
		return waitErr
	}
	fmt.Fprintln(out, renderJobs(jobs))

	failed := 0
	for _, j := range jobs {
		if j.State != types.StateSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not succeed", failed, len(jobs))
	}
	return nil
}

// collectSources turns arguments and an optional text file into sources.
// Arguments naming existing local files become uploads.
func collectSources(args []string, file string) ([]types.Source, error) {
	var sources []types.Source
	var text []string
	for _, arg := range args {
		if info, err := os.Stat(arg); err == nil && info.Mode().IsRegular() {
			sources = append(sources, types.UploadSource(arg, info.Name()))
			continue
		}
		text = append(text, arg)
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read URL file: %w", err)
		}
		text = append(text, string(data))
	}
	if len(text) > 0 {
		for _, u := range intake.ExtractURLs(strings.Join(text, "\n")) {
			sources = append(sources, types.URLSource(u))
		}
	}
	return sources, nil
}
