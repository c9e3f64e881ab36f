// ============================================================================
// clipflow Controller - pipeline scheduler
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Admits jobs into a bounded worker pool, runs each job's current
//          stage, and advances, retries or terminates the job afterwards.
//
// Components coordinated:
//   - JobManager: canonical job records and the FIFO ready queue
//   - Registry:   immutable stage list per mode
//   - Pool:       W workers, one stage attempt each
//   - Bus:        lossy event stream for observers
//   - Snapshot:   optional periodic persistence of the store
//
// Loops:
//   1. Dispatch Loop - take a free slot, pop the oldest ready job, check the
//                      cancel flag, mark it RUNNING and submit its stage
//   2. Result Loop   - commit the stage outcome, release the slot
//   3. Snapshot Loop - periodically write the store to disk
//
// Slot accounting:
//   A slot is taken before a job is popped and returned after its result is
//   committed, so at most W stages execute at once and a job only enters
//   RUNNING when a slot is free. The store lease guarantees a job is never
//   held by two slots.
//
// Retry:
//   A transient failure with attempt < max_retries moves the job to
//   RETRYING and arms a timer for the stage backoff. When the timer fires
//   the job goes back on the ready queue. Timers are not persisted; a
//   restored RETRYING job is re-queued immediately.
//
// Shutdown:
//   close(stopCh) -> dispatch loop exits -> pool.Stop() lets running stages
//   finish and the result loop commits them -> timers stopped -> final
//   snapshot.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/clipflow/internal/bus"
	"github.com/ChuLiYu/clipflow/internal/jobmanager"
	"github.com/ChuLiYu/clipflow/internal/metrics"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
	"github.com/ChuLiYu/clipflow/internal/snapshot"
	"github.com/ChuLiYu/clipflow/internal/worker"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

// ============================================================================
// Errors and configuration
// ============================================================================

var (
	// ErrControllerStopped is returned by Submit after Stop.
	ErrControllerStopped = errors.New("controller stopped")
	// ErrNoSources is returned when Submit gets an empty source list.
	ErrNoSources = errors.New("no sources submitted")
	// ErrInvalidSource is returned for a source missing its URL or path.
	ErrInvalidSource = errors.New("invalid source")
)

const (
	defaultWorkerCount  = 2
	defaultEventBuffer  = 64
	defaultPollInterval = 100 * time.Millisecond
)

// Config holds scheduler settings.
type Config struct {
	WorkerCount      int           // concurrent stages, W
	SnapshotInterval time.Duration // 0 disables the periodic snapshot
	EventBuffer      int           // default Subscribe buffer
	PollInterval     time.Duration // dispatch fallback tick
	SnapshotBackups  int           // older snapshots kept by the final snapshot on Stop
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaultWorkerCount
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// SubmitOptions carries per-submission settings.
type SubmitOptions struct {
	APIKey string // overrides the configured summarizer key
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSnapshot enables restore on Start and periodic/final snapshots.
func WithSnapshot(m *snapshot.Manager) Option {
	return func(c *Controller) { c.snapshot = m }
}

// WithMetrics reports scheduler activity to a Prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger replaces slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// ============================================================================
// Controller
// ============================================================================

// Controller is the scheduler and the caller-facing surface of the engine.
type Controller struct {
	mu       sync.Mutex
	config   Config
	registry pipeline.Registry
	store    *jobmanager.JobManager
	bus      *bus.Bus
	pool     *worker.Pool
	snapshot *snapshot.Manager
	metrics  *metrics.Collector
	log      *slog.Logger

	slots  chan struct{}
	wake   chan struct{}
	stopCh chan struct{}

	started   bool
	stopped   bool
	startTime time.Time

	dispatchWg sync.WaitGroup
	loopWg     sync.WaitGroup

	timersMu sync.Mutex
	timers   map[types.JobID]*time.Timer
}

// NewController wires a scheduler around an existing store and bus.
func NewController(config Config, registry pipeline.Registry, store *jobmanager.JobManager, eventBus *bus.Bus, opts ...Option) (*Controller, error) {
	if len(registry) == 0 {
		return nil, errors.New("controller: empty pipeline registry")
	}
	if store == nil {
		return nil, errors.New("controller: nil job store")
	}
	if eventBus == nil {
		eventBus = bus.New()
	}
	config = config.withDefaults()

	c := &Controller{
		config:   config,
		registry: registry,
		store:    store,
		bus:      eventBus,
		pool:     worker.NewPool(config.WorkerCount),
		log:      slog.Default(),
		slots:    make(chan struct{}, config.WorkerCount),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		timers:   make(map[types.JobID]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start restores the last snapshot (if configured) and launches the loops.
// Jobs submitted before Start are kept unless a snapshot is restored.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrControllerStopped
	}
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	if c.snapshot != nil {
		if err := c.loadSnapshot(); err != nil {
			return fmt.Errorf("loadSnapshot failed: %w", err)
		}
	}

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.dispatchWg.Add(1)
	go c.dispatchLoop()

	c.loopWg.Add(1)
	go c.resultLoop()

	if c.snapshot != nil && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	c.started = true
	c.signal()

	c.log.Info("Controller started", "workers", c.config.WorkerCount)
	return nil
}

func (c *Controller) loadSnapshot() error {
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return err
	}
	if len(data.Jobs) == 0 {
		return nil
	}

	requeued := c.store.Restore(data)
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.SetRecoveryTime(elapsed)
	}

	c.log.Info("Snapshot restored",
		"duration", elapsed,
		"jobs", len(data.Jobs),
		"requeued", requeued)
	return nil
}

// ============================================================================
// Dispatch loop
// ============================================================================

func (c *Controller) dispatchLoop() {
	defer c.dispatchWg.Done()

	for {
		select {
		case c.slots <- struct{}{}:
		case <-c.stopCh:
			c.log.Info("Dispatch loop stopped")
			return
		}

		job, ok := c.nextJob()
		if !ok {
			<-c.slots
			c.log.Info("Dispatch loop stopped")
			return
		}

		if !c.dispatch(job) {
			<-c.slots
		}
	}
}

// nextJob blocks until a job is popped from the ready queue or Stop is called.
func (c *Controller) nextJob() (types.Job, bool) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return types.Job{}, false
		default:
		}

		if job, ok := c.store.PopReady(); ok {
			return job, true
		}
		if c.metrics != nil {
			c.metrics.SetQueued(0)
		}

		select {
		case <-c.wake:
		case <-ticker.C:
		case <-c.stopCh:
			return types.Job{}, false
		}
	}
}

// dispatch runs the pre-stage checks for a leased job and submits its
// current stage. It reports whether a task now occupies the slot.
func (c *Controller) dispatch(job types.Job) bool {
	def, err := c.registry.Lookup(job.Mode)
	if err != nil {
		c.abort(job.ID, "", &pipeline.EngineError{Op: "dispatch", Err: err})
		return false
	}
	if job.StageIndex < 0 || job.StageIndex >= def.Len() {
		c.abort(job.ID, "", &pipeline.EngineError{
			Op:  "dispatch",
			Err: fmt.Errorf("stage index %d out of range for %s pipeline", job.StageIndex, job.Mode),
		})
		return false
	}
	stage := def.Stage(job.StageIndex)

	if job.CancelRequested {
		change, err := c.store.MarkCancelled(job.ID)
		c.release(job.ID)
		if err != nil {
			c.abort(job.ID, stage.Name, &pipeline.EngineError{Op: "cancel", Err: err})
			return false
		}
		c.publish(change, stage.Name, "cancelled before "+stage.Name)
		c.finished(change)
		c.log.Info("Job cancelled", "jobID", job.ID, "stage", stage.Name)
		return false
	}

	if job.State != types.StateRunning {
		change, err := c.store.MarkRunning(job.ID)
		if err != nil {
			c.abort(job.ID, stage.Name, &pipeline.EngineError{Op: "dispatch", Err: err})
			return false
		}
		job = change.Job
		c.publish(change, stage.Name, "")
	}

	task := worker.Task{
		JobID:      job.ID,
		StageIndex: job.StageIndex,
		Stage:      stage,
		Input:      c.buildInput(job),
		Progress:   c.progressFunc(job.ID, stage.Name, job.Attempt),
	}

	if c.metrics != nil {
		c.metrics.StageStarted()
	}
	if err := c.pool.Submit(task); err != nil {
		// Only happens during shutdown; the job stays RUNNING and is
		// re-queued by the next restore.
		if c.metrics != nil {
			c.metrics.StageFinished()
		}
		c.release(job.ID)
		if !errors.Is(err, worker.ErrPoolClosed) {
			c.log.Error("Failed to submit task", "jobID", job.ID, "error", err)
		}
		return false
	}

	c.log.Debug("Stage dispatched",
		"jobID", job.ID,
		"stage", stage.Name,
		"attempt", job.Attempt)
	return true
}

func (c *Controller) buildInput(job types.Job) pipeline.Input {
	in := pipeline.Input{
		JobID:     job.ID,
		Mode:      job.Mode,
		Source:    job.Source,
		Artifacts: job.Artifacts,
		APIKey:    job.APIKey,
		Attempt:   job.Attempt,
	}
	if n := len(job.Artifacts); n > 0 {
		in.Previous = job.Artifacts[n-1].Value
	}
	return in
}

func (c *Controller) progressFunc(id types.JobID, stage string, attempt int) pipeline.ProgressFunc {
	return func(percent float64, message string) {
		c.bus.Publish(types.Event{
			Kind:    types.EventProgress,
			JobID:   id,
			From:    types.StateRunning,
			To:      types.StateRunning,
			Stage:   stage,
			Attempt: attempt,
			Percent: percent,
			Message: message,
		})
	}
}

// ============================================================================
// Result loop
// ============================================================================

func (c *Controller) resultLoop() {
	defer c.loopWg.Done()

	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			c.log.Info("Result loop stopped")
			return
		}

		c.handleResult(result)
		<-c.slots
	}
}

func (c *Controller) handleResult(result worker.Result) {
	if c.metrics != nil {
		c.metrics.StageFinished()
	}

	job, err := c.store.Get(result.JobID)
	if err != nil {
		c.engineError(result.JobID, result.Stage, &pipeline.EngineError{Op: "result", Err: err})
		return
	}
	if !c.store.IsLeased(job.ID) || job.StageIndex != result.StageIndex || job.State != types.StateRunning {
		c.abort(job.ID, result.Stage, &pipeline.EngineError{
			Op: "result",
			Err: fmt.Errorf("stale result for stage %d (job at stage %d, state %s)",
				result.StageIndex, job.StageIndex, job.State),
		})
		return
	}

	def, err := c.registry.Lookup(job.Mode)
	if err != nil {
		c.abort(job.ID, result.Stage, &pipeline.EngineError{Op: "result", Err: err})
		return
	}
	stage := def.Stage(result.StageIndex)

	if result.Err == nil {
		c.recordStage(stage.Name, metrics.OutcomeSuccess, result.Duration)
		c.onSuccess(job, def, result)
		return
	}

	switch pipeline.Classify(result.Err) {
	case types.ErrorEngine:
		c.recordStage(stage.Name, metrics.OutcomeEngine, result.Duration)
		c.abort(job.ID, stage.Name, result.Err)

	case types.ErrorPermanent:
		c.recordStage(stage.Name, metrics.OutcomePermanent, result.Duration)
		c.fail(job.ID, stage.Name, result.Err, types.ErrorPermanent)

	default:
		c.recordStage(stage.Name, metrics.OutcomeTransient, result.Duration)
		if job.Attempt < stage.MaxRetries {
			c.retry(job.ID, stage, result.Err)
		} else {
			c.fail(job.ID, stage.Name, result.Err, types.ErrorTransient)
		}
	}
}

func (c *Controller) onSuccess(job types.Job, def *pipeline.Definition, result worker.Result) {
	artifact := types.Artifact{Stage: result.Stage, Value: result.Output}

	if result.StageIndex == def.Len()-1 {
		change, err := c.store.MarkSucceeded(job.ID, artifact)
		c.release(job.ID)
		if err != nil {
			c.abort(job.ID, result.Stage, &pipeline.EngineError{Op: "succeed", Err: err})
			return
		}
		c.publish(change, result.Stage, "")
		c.finished(change)
		c.log.Info("Job succeeded", "jobID", job.ID, "artifact", result.Output)
		return
	}

	change, err := c.store.Advance(job.ID, artifact)
	if err != nil {
		c.release(job.ID)
		c.abort(job.ID, result.Stage, &pipeline.EngineError{Op: "advance", Err: err})
		return
	}
	c.publish(change, def.Stage(change.Job.StageIndex).Name, result.Stage+" done")
	c.release(job.ID)
	c.requeue(job.ID)
}

func (c *Controller) retry(id types.JobID, stage pipeline.Stage, cause error) {
	change, err := c.store.MarkRetrying(id)
	c.release(id)
	if err != nil {
		c.abort(id, stage.Name, &pipeline.EngineError{Op: "retry", Err: err})
		return
	}
	c.publish(change, stage.Name, cause.Error())

	delay := stage.Backoff(change.Job.Attempt)
	c.log.Warn("Stage failed, retrying",
		"jobID", id,
		"stage", stage.Name,
		"attempt", change.Job.Attempt,
		"backoff", delay,
		"error", cause)

	c.scheduleRequeue(id, delay)
}

func (c *Controller) fail(id types.JobID, stage string, cause error, kind types.ErrorKind) {
	change, err := c.store.MarkFailed(id, types.JobError{Stage: stage, Message: cause.Error(), Kind: kind})
	c.release(id)
	if err != nil {
		c.abort(id, stage, &pipeline.EngineError{Op: "fail", Err: err})
		return
	}
	c.publish(change, stage, cause.Error())
	c.finished(change)
	c.log.Warn("Job failed", "jobID", id, "stage", stage, "kind", kind, "error", cause)
}

// abort terminates a job after an invariant violation.
func (c *Controller) abort(id types.JobID, stage string, cause error) {
	c.engineError(id, stage, cause)

	change, err := c.store.MarkAborted(id, types.JobError{Stage: stage, Message: cause.Error(), Kind: types.ErrorEngine})
	c.release(id)
	if err != nil {
		c.log.Error("Failed to abort job", "jobID", id, "error", err)
		return
	}
	c.publish(change, stage, cause.Error())
	c.finished(change)
}

func (c *Controller) engineError(id types.JobID, stage string, cause error) {
	if c.metrics != nil {
		c.metrics.RecordEngineError()
	}
	c.log.Error("Engine error", "jobID", id, "stage", stage, "error", cause)
}

// ============================================================================
// Queue helpers
// ============================================================================

func (c *Controller) release(id types.JobID) {
	if c.store.IsLeased(id) {
		_ = c.store.Release(id)
	}
}

func (c *Controller) requeue(id types.JobID) {
	if err := c.store.Requeue(id); err != nil {
		c.log.Debug("Requeue skipped", "jobID", id, "error", err)
		return
	}
	c.signal()
}

func (c *Controller) scheduleRequeue(id types.JobID, delay time.Duration) {
	if delay <= 0 {
		c.requeue(id)
		return
	}

	c.timersMu.Lock()
	select {
	case <-c.stopCh:
		c.timersMu.Unlock()
		return
	default:
	}

	c.timers[id] = time.AfterFunc(delay, func() {
		c.timersMu.Lock()
		delete(c.timers, id)
		c.timersMu.Unlock()

		select {
		case <-c.stopCh:
			return
		default:
		}
		c.requeue(id)
	})
	c.timersMu.Unlock()

	// A cancel that landed before the timer was registered found nothing
	// to expedite.
	if job, err := c.store.Get(id); err == nil && job.CancelRequested {
		c.expediteRetry(id)
	}
}

// expediteRetry fires a pending backoff timer early.
func (c *Controller) expediteRetry(id types.JobID) {
	c.timersMu.Lock()
	t, ok := c.timers[id]
	if ok && t.Stop() {
		delete(c.timers, id)
	} else {
		ok = false
	}
	c.timersMu.Unlock()

	if ok {
		c.requeue(id)
	}
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// ============================================================================
// Events and metrics
// ============================================================================

func (c *Controller) publish(change jobmanager.Change, stage, message string) {
	c.bus.Publish(types.Event{
		Kind:    types.EventTransition,
		JobID:   change.Job.ID,
		From:    change.From,
		To:      change.To,
		Stage:   stage,
		Attempt: change.Job.Attempt,
		Percent: jobPercent(change.Job),
		Message: message,
	})
}

// jobPercent is the share of stages completed.
func jobPercent(job types.Job) float64 {
	if job.State == types.StateSucceeded {
		return 100
	}
	if job.StageCount <= 0 {
		return 0
	}
	return float64(job.StageIndex) * 100 / float64(job.StageCount)
}

func (c *Controller) finished(change jobmanager.Change) {
	if c.metrics != nil {
		c.metrics.RecordFinished(string(change.To))
	}
}

func (c *Controller) recordStage(stage, outcome string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordStage(stage, outcome, d)
	}
}

// ============================================================================
// Snapshot loop
// ============================================================================

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Snapshot loop stopped")
			return

		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

func (c *Controller) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	data := c.store.Snapshot()
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	c.log.Debug("Snapshot taken",
		"duration", time.Since(start),
		"jobs", len(data.Jobs))
	return nil
}

// takeFinalSnapshot rotates the previous snapshot aside when backups are
// configured.
func (c *Controller) takeFinalSnapshot() error {
	if c.snapshot == nil || c.config.SnapshotBackups <= 0 {
		return c.takeSnapshot()
	}
	data := c.store.Snapshot()
	if err := c.snapshot.WriteWithBackup(data, c.config.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	c.log.Info("Final snapshot written", "jobs", len(data.Jobs), "backups", c.config.SnapshotBackups)
	return nil
}

// ============================================================================
// Caller-facing surface
// ============================================================================

// Submit creates one job per source. Either every source is accepted or
// none is.
func (c *Controller) Submit(ctx context.Context, sources []types.Source, mode types.Mode, opts SubmitOptions) ([]types.JobID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrControllerStopped
	}

	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	def, err := c.registry.Lookup(mode)
	if err != nil {
		return nil, err
	}
	for i, src := range sources {
		if err := validateSource(src); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
	}

	ids := make([]types.JobID, 0, len(sources))
	for _, src := range sources {
		id, err := c.store.Create(src, mode, jobmanager.CreateOptions{
			StageCount: def.Len(),
			APIKey:     opts.APIKey,
		})
		if err != nil {
			return ids, fmt.Errorf("failed to create job: %w", err)
		}
		ids = append(ids, id)

		c.bus.Publish(types.Event{
			Kind:    types.EventTransition,
			JobID:   id,
			To:      types.StatePending,
			Stage:   def.Stage(0).Name,
			Message: "submitted " + src.String(),
		})
	}

	if c.metrics != nil {
		c.metrics.RecordSubmitted(string(mode), len(ids))
	}
	c.log.Info("Jobs submitted", "count", len(ids), "mode", mode)

	c.signal()
	return ids, nil
}

func validateSource(src types.Source) error {
	switch src.Kind {
	case types.SourceURL:
		if src.URL == "" {
			return fmt.Errorf("%w: empty url", ErrInvalidSource)
		}
	case types.SourceUpload:
		if src.Path == "" {
			return fmt.Errorf("%w: empty upload path", ErrInvalidSource)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSource, src.Kind)
	}
	return nil
}

// Get returns a copy of one job.
func (c *Controller) Get(id types.JobID) (types.Job, error) {
	return c.store.Get(id)
}

// List returns copies of all jobs in creation order.
func (c *Controller) List() []types.Job {
	return c.store.List()
}

// Cancel flags a job. It takes effect before the job's next stage; a job
// waiting out a retry backoff is re-queued right away so it is observed.
func (c *Controller) Cancel(id types.JobID) error {
	if err := c.store.RequestCancel(id); err != nil {
		return err
	}
	c.expediteRetry(id)
	c.signal()
	return nil
}

// Subscribe returns a live event stream. buffer <= 0 uses the configured default.
func (c *Controller) Subscribe(buffer int) *bus.Subscription {
	if buffer <= 0 {
		buffer = c.config.EventBuffer
	}
	return c.bus.Subscribe(buffer)
}

// EventsSince returns retained events after seq, for pollers.
func (c *Controller) EventsSince(seq uint64) []types.Event {
	return c.bus.Since(seq)
}

// Wait blocks until the job reaches a terminal state or ctx ends.
func (c *Controller) Wait(ctx context.Context, id types.JobID) (types.Job, error) {
	sub := c.bus.Subscribe(c.config.EventBuffer)
	defer sub.Close()
	events := sub.C

	// The bus is lossy; polling the store closes any gap.
	ticker := time.NewTicker(c.config.PollInterval * 2)
	defer ticker.Stop()

	for {
		job, err := c.store.Get(id)
		if err != nil {
			return types.Job{}, err
		}
		if job.State.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

// GetStatus summarizes the engine for the status command.
func (c *Controller) GetStatus() map[string]interface{} {
	stats := c.store.Stats()
	if c.metrics != nil {
		c.metrics.SetQueued(stats["queued"])
	}

	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	status := map[string]interface{}{
		"uptime":  uptime.String(),
		"workers": c.config.WorkerCount,
		"total":   stats["total"],
		"queued":  stats["queued"],
		"running": stats["leased"],
	}
	for _, s := range []types.State{
		types.StatePending, types.StateRunning, types.StateRetrying,
		types.StateSucceeded, types.StateFailed, types.StateCancelled,
	} {
		status[string(s)] = stats[string(s)]
	}
	return status
}

// Stop shuts the engine down. Running stages are allowed to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	c.timersMu.Lock()
	close(c.stopCh)
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.timersMu.Unlock()

	if started {
		c.dispatchWg.Wait()
		c.pool.Stop()
		c.loopWg.Wait()
	}

	if err := c.takeFinalSnapshot(); err != nil {
		c.log.Error("Failed to take final snapshot", "error", err)
	}

	c.log.Info("Controller stopped")
}
