package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/clipflow/internal/bus"
	"github.com/ChuLiYu/clipflow/internal/config"
	"github.com/ChuLiYu/clipflow/internal/controller"
	"github.com/ChuLiYu/clipflow/internal/executor"
	"github.com/ChuLiYu/clipflow/internal/intake"
	"github.com/ChuLiYu/clipflow/internal/jobmanager"
	"github.com/ChuLiYu/clipflow/internal/journal"
	"github.com/ChuLiYu/clipflow/internal/metrics"
	"github.com/ChuLiYu/clipflow/internal/server"
	"github.com/ChuLiYu/clipflow/internal/snapshot"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

const lockFileName = ".clipflow.lock"

// ErrAlreadyRunning is returned when another process holds the work dir lock.
var ErrAlreadyRunning = errors.New("another clipflow instance is running")

// engine is one running clipflow process: the controller plus every
// optional surface the config enables.
type engine struct {
	cfg       *config.Config
	ctrl      *controller.Controller
	bus       *bus.Bus
	collector *metrics.Collector
	journal   *journal.Journal
	watcher   *intake.Watcher
	grpc      *grpc.Server
	addr      string // bound gRPC address
	lock      *flock.Flock

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// startEngine assembles and starts the engine described by cfg.
func startEngine(cfg *config.Config, deps executor.Deps) (_ *engine, err error) {
	if err := os.MkdirAll(cfg.Paths.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.Paths.WorkDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is locked", ErrAlreadyRunning, lock.Path())
	}

	e := &engine{cfg: cfg, lock: lock}
	defer func() {
		if err != nil {
			e.Stop()
		}
	}()

	registry, err := executor.NewRegistry(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipelines: %w", err)
	}

	promReg := prometheus.NewRegistry()
	e.collector = metrics.NewCollectorWith(promReg, promReg)
	e.bus = bus.New(bus.WithHistory(cfg.Worker.History), bus.WithDropHook(e.collector.RecordBusDrop))

	opts := []controller.Option{controller.WithMetrics(e.collector)}
	if cfg.Snapshot.Path != "" {
		opts = append(opts, controller.WithSnapshot(snapshot.NewManager(cfg.Snapshot.Path)))
	}
	e.ctrl, err = controller.NewController(controller.Config{
		WorkerCount:      cfg.Worker.WorkerCount,
		SnapshotInterval: cfg.Snapshot.Interval,
		EventBuffer:      cfg.Worker.EventBuffer,
		SnapshotBackups:  cfg.Snapshot.Keep,
	}, registry, jobmanager.NewJobManager(), e.bus, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	// The journal follows the bus until it is closed, so it sees the
	// final transitions committed during shutdown.
	if cfg.Journal.Path != "" {
		e.journal, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		sub := e.bus.Subscribe(1024)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.journal.Follow(context.Background(), sub)
		}()
	}

	if err := e.ctrl.Start(); err != nil {
		return nil, fmt.Errorf("failed to start controller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if cfg.Metrics.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := e.collector.StartServer(ctx, cfg.Metrics.Port); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	if cfg.Paths.WatchDir != "" {
		e.watcher, err = intake.NewWatcher(cfg.Paths.WatchDir, e.submitOne, intake.WatcherOptions{})
		if err != nil {
			return nil, err
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			_ = e.watcher.Run(ctx)
		}()
	}

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		e.addr = lis.Addr().String()
		e.grpc = server.NewGRPCServer(e.ctrl)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			slog.Info("gRPC server listening", "addr", e.addr)
			if err := e.grpc.Serve(lis); err != nil {
				slog.Error("gRPC server failed", "error", err)
			}
		}()
	}

	return e, nil
}

func (e *engine) submitOne(ctx context.Context, src types.Source, mode types.Mode) (types.JobID, error) {
	ids, err := e.ctrl.Submit(ctx, []types.Source{src}, mode, controller.SubmitOptions{})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Stop shuts every surface down, then the controller, then the journal.
func (e *engine) Stop() {
	e.stopOnce.Do(func() {
		if e.grpc != nil {
			e.grpc.Stop()
		}
		if e.cancel != nil {
			e.cancel()
		}
		if e.ctrl != nil {
			e.ctrl.Stop()
		}
		if e.bus != nil {
			e.bus.Close()
		}
		e.wg.Wait()

		if e.watcher != nil {
			_ = e.watcher.Close()
		}
		if e.journal != nil {
			if err := e.journal.Close(); err != nil {
				slog.Warn("Failed to close journal", "error", err)
			}
		}
		if e.lock != nil {
			if err := e.lock.Unlock(); err != nil {
				slog.Warn("Failed to release lock", "error", err)
			}
		}
	})
}
