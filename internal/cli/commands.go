package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/clipflow/internal/config"
	"github.com/ChuLiYu/clipflow/internal/executor/bundle"
	"github.com/ChuLiYu/clipflow/internal/journal"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
	"github.com/ChuLiYu/clipflow/internal/server"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

const rpcTimeout = 10 * time.Second

// dialEngine connects to addr, or to grpc.addr from the config when addr is empty.
func dialEngine(addr string) (*server.Client, error) {
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.GRPC.Addr
	}
	if addr == "" {
		return nil, errors.New("no engine address: set grpc.addr in the config or pass --addr")
	}
	return server.Dial(addr)
}

func addAddrFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", "", "engine gRPC address (default: grpc.addr from config)")
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		addr   string
		mode   string
		file   string
		apiKey string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "submit [url...]",
		Short: "Submit jobs to a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := collectSources(args, file)
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				return errors.New("nothing to submit: pass URLs or --file")
			}

			client, err := dialEngine(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			ids, err := client.Submit(ctx, server.SubmitRequest{Sources: sources, Mode: types.Mode(mode), APIKey: apiKey})
			cancel()
			if err != nil {
				return fmt.Errorf("failed to submit jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			if !wait {
				return nil
			}
			return watchUntilDone(cmd.Context(), out, client, ids)
		},
	}

	addAddrFlag(cmd, &addr)
	cmd.Flags().StringVar(&mode, "mode", string(types.ModeArchive), "pipeline: archive or analyze")
	cmd.Flags().StringVarP(&file, "file", "f", "", "text file with URLs")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "summarizer API key for these jobs")
	cmd.Flags().BoolVar(&wait, "wait", false, "stream progress until the jobs finish")
	return cmd
}

func watchUntilDone(ctx context.Context, out io.Writer, client *server.Client, ids []types.JobID) error {
	jobs := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		err := client.Watch(ctx, server.WatchRequest{JobID: id}, func(ev types.Event) error {
			fmt.Fprintln(out, formatEvent(ev))
			return nil
		})
		if err != nil {
			return err
		}
		job, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	fmt.Fprintln(out, renderJobs(jobs))
	return nil
}

// ============================================================================
// list / status
// ============================================================================

func buildListCommand() *cobra.Command {
	var addr string
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialEngine(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			jobs, err := client.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if state != "" {
				jobs = filterState(jobs, types.State(state))
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs))
			return nil
		},
	}

	addAddrFlag(cmd, &addr)
	cmd.Flags().StringVar(&state, "state", "", "only jobs in this state (e.g. FAILED)")
	return cmd
}

func filterState(jobs []types.Job, state types.State) []types.Job {
	out := jobs[:0:0]
	for _, j := range jobs {
		if j.State == state {
			out = append(out, j)
		}
	}
	return out
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show engine status or one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderConfig(cfg))
				if addr == "" {
					addr = cfg.GRPC.Addr
				}
			}

			client, err := dialEngine(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()

			if len(args) == 1 {
				job, err := client.Get(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderJob(job))
				return nil
			}

			jobs, err := client.List(ctx)
			if err != nil {
				return fmt.Errorf("engine not reachable: %w", err)
			}
			fmt.Fprintln(out, renderCounts(jobs))
			return nil
		},
	}

	addAddrFlag(cmd, &addr)
	return cmd
}

func renderConfig(cfg *config.Config) string {
	enabled := func(v string) string {
		if v == "" {
			return "disabled"
		}
		return v
	}
	metrics := "disabled"
	if cfg.Metrics.Enabled {
		metrics = "http://localhost:" + strconv.Itoa(cfg.Metrics.Port) + "/metrics"
	}
	rows := [][]string{
		{"Config file", configFile},
		{"Workers", strconv.Itoa(cfg.Worker.WorkerCount)},
		{"Work dir", cfg.Paths.WorkDir},
		{"Watch dir", enabled(cfg.Paths.WatchDir)},
		{"Summarizer", cfg.Summarizer.Provider + " " + cfg.Summarizer.Model},
		{"Snapshot", enabled(cfg.Snapshot.Path)},
		{"Journal", enabled(cfg.Journal.Path)},
		{"Metrics", metrics},
		{"gRPC", enabled(cfg.GRPC.Addr)},
	}
	return renderTable([]string{"Setting", "Value"}, rows, nil)
}

// ============================================================================
// cancel / watch
// ============================================================================

func buildCancelCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Request cancellation of jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialEngine(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()

			var errs []error
			for _, id := range args {
				if err := client.Cancel(ctx, types.JobID(id)); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancel requested: %s\n", id)
			}
			return errors.Join(errs...)
		},
	}

	addAddrFlag(cmd, &addr)
	return cmd
}

func buildWatchCommand() *cobra.Command {
	var addr string
	var since uint64

	cmd := &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Stream progress events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialEngine(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			req := server.WatchRequest{Since: since}
			if len(args) == 1 {
				req.JobID = types.JobID(args[0])
			}
			out := cmd.OutOrStdout()
			return client.Watch(cmd.Context(), req, func(ev types.Event) error {
				fmt.Fprintln(out, formatEvent(ev))
				return nil
			})
		},
	}

	addAddrFlag(cmd, &addr)
	cmd.Flags().Uint64Var(&since, "since", 0, "replay retained events after this sequence number")
	return cmd
}

// ============================================================================
// export / history
// ============================================================================

func buildExportCommand() *cobra.Command {
	var addr string
	var dest string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Zip the bundles of all succeeded jobs into one file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialEngine(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			jobs, err := client.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}

			files := bundlePaths(jobs)
			if len(files) == 0 {
				return errors.New("no succeeded jobs with a bundle")
			}
			if err := bundle.WriteBatch(cmd.Context(), dest, files); err != nil {
				return fmt.Errorf("failed to write %s: %w", dest, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d bundles to %s\n", len(files), dest)
			return nil
		},
	}

	addAddrFlag(cmd, &addr)
	cmd.Flags().StringVarP(&dest, "out", "o", "clipflow_export.zip", "output zip file")
	return cmd
}

// bundlePaths returns the package artifact of every succeeded job that
// still exists on disk.
func bundlePaths(jobs []types.Job) []string {
	var files []string
	for _, j := range jobs {
		if j.State != types.StateSucceeded {
			continue
		}
		path, ok := j.Artifact(pipeline.StagePackage)
		if !ok {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files
}

func buildHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [job-id]",
		Short: "Show journaled state transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return errors.New("journal is disabled (journal.path is empty)")
			}
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()

			var events []types.Event
			if len(args) == 1 {
				events, err = j.History(cmd.Context(), types.JobID(args[0]))
			} else {
				events, err = j.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEvents(events))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of recent transitions")
	return cmd
}
