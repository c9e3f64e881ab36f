// ============================================================================
// clipflow Job Store - canonical job registry and state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Owns every Job record, validates state transitions and keeps the
//          FIFO ready queue the scheduler dispatches from.
//
// Data layout:
//   jobs  map[JobID]*Job   - single source of truth
//   order []JobID          - creation order, used by List()
//   ready []JobID          - FIFO of jobs waiting for a worker slot
//   queued / leased        - guards against double enqueue and double dispatch
//
// State machine (types.CanTransition):
//   PENDING  -> RUNNING | CANCELLED
//   RUNNING  -> RUNNING (advance) | RETRYING | SUCCEEDED | FAILED | CANCELLED
//   RETRYING -> RUNNING | FAILED | CANCELLED
//   SUCCEEDED / FAILED / CANCELLED are terminal.
//   MarkAborted moves any non-terminal job to FAILED after an engine error.
//
// Concurrency:
//   One mutex serializes all mutations. Readers receive deep copies, so no
//   caller outside the scheduler can mutate a live record.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/clipflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when the state machine forbids a move.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrDuplicateDispatch is returned when a job is queued or leased twice.
	ErrDuplicateDispatch = errors.New("job already queued or leased")
	// ErrNotLeased is returned when releasing a job no worker holds.
	ErrNotLeased = errors.New("job not leased")
)

// Reader is the caller-facing view of the store.
type Reader interface {
	Get(id types.JobID) (types.Job, error)
	List() []types.Job
	RequestCancel(id types.JobID) error
}

// CreateOptions carries per-job settings fixed at submission.
type CreateOptions struct {
	StageCount int
	APIKey     string
}

// Change describes one committed transition.
type Change struct {
	From types.State
	To   types.State
	Job  types.Job
}

// JobManager is the in-memory job store.
type JobManager struct {
	mu     sync.RWMutex
	jobs   map[types.JobID]*types.Job
	order  []types.JobID
	ready  []types.JobID
	queued map[types.JobID]bool
	leased map[types.JobID]bool

	newID func() string
	now   func() time.Time
}

// Option customizes a JobManager.
type Option func(*JobManager)

// WithIDGenerator overrides uuid-based ids (tests).
func WithIDGenerator(fn func() string) Option {
	return func(jm *JobManager) { jm.newID = fn }
}

// WithClock overrides time.Now (tests).
func WithClock(fn func() time.Time) Option {
	return func(jm *JobManager) { jm.now = fn }
}

// NewJobManager creates an empty store.
func NewJobManager(opts ...Option) *JobManager {
	jm := &JobManager{
		jobs:   make(map[types.JobID]*types.Job),
		order:  make([]types.JobID, 0),
		ready:  make([]types.JobID, 0),
		queued: make(map[types.JobID]bool),
		leased: make(map[types.JobID]bool),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// ============================================================================
// Caller-facing operations
// ============================================================================

// Create registers a PENDING job and appends it to the ready queue.
func (jm *JobManager) Create(source types.Source, mode types.Mode, opts CreateOptions) (types.JobID, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	id := types.JobID(jm.newID())
	if _, exists := jm.jobs[id]; exists {
		return "", fmt.Errorf("create %s: %w", id, ErrDuplicateDispatch)
	}

	now := jm.now()
	jm.jobs[id] = &types.Job{
		ID:         id,
		Source:     source,
		Mode:       mode,
		State:      types.StatePending,
		StageCount: opts.StageCount,
		APIKey:     opts.APIKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	jm.order = append(jm.order, id)
	jm.ready = append(jm.ready, id)
	jm.queued[id] = true
	return id, nil
}

// Get returns a snapshot of one job.
func (jm *JobManager) Get(id types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// List returns snapshots of all jobs in creation order.
func (jm *JobManager) List() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, jm.jobs[id].Clone())
	}
	return out
}

// RequestCancel flags a job for cancellation at its next stage boundary.
// Cancelling a terminal job is a no-op.
func (jm *JobManager) RequestCancel(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.IsTerminal() {
		return nil
	}
	job.CancelRequested = true
	job.UpdatedAt = jm.now()
	return nil
}

// ============================================================================
// Scheduler-side operations
// ============================================================================

// PopReady removes the oldest ready job from the queue and leases it to the
// caller. It returns false when the queue is empty.
func (jm *JobManager) PopReady() (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.ready) > 0 {
		id := jm.ready[0]
		jm.ready = jm.ready[1:]
		delete(jm.queued, id)

		job, ok := jm.jobs[id]
		if !ok || job.State.IsTerminal() {
			continue
		}
		jm.leased[id] = true
		return job.Clone(), true
	}
	return types.Job{}, false
}

// Requeue appends a leased-then-released job to the ready queue.
func (jm *JobManager) Requeue(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if jm.queued[id] || jm.leased[id] {
		return fmt.Errorf("requeue %s: %w", id, ErrDuplicateDispatch)
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("requeue %s in state %s: %w", id, job.State, ErrInvalidTransition)
	}
	jm.ready = append(jm.ready, id)
	jm.queued[id] = true
	return nil
}

// Release drops the worker lease on a job.
func (jm *JobManager) Release(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if !jm.leased[id] {
		return fmt.Errorf("release %s: %w", id, ErrNotLeased)
	}
	delete(jm.leased, id)
	return nil
}

// IsLeased reports whether a worker currently holds the job.
func (jm *JobManager) IsLeased(id types.JobID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.leased[id]
}

// MarkRunning moves a PENDING or RETRYING job to RUNNING.
func (jm *JobManager) MarkRunning(id types.JobID) (Change, error) {
	return jm.transition(id, types.StateRunning, func(job *types.Job) error {
		if job.State != types.StatePending && job.State != types.StateRetrying {
			return fmt.Errorf("mark running from %s: %w", job.State, ErrInvalidTransition)
		}
		return nil
	})
}

// Advance records the current stage's artifact and moves to the next stage.
func (jm *JobManager) Advance(id types.JobID, artifact types.Artifact) (Change, error) {
	return jm.transition(id, types.StateRunning, func(job *types.Job) error {
		if job.State != types.StateRunning {
			return fmt.Errorf("advance from %s: %w", job.State, ErrInvalidTransition)
		}
		if job.StageCount > 0 && job.StageIndex+1 >= job.StageCount {
			return fmt.Errorf("advance past last stage %d: %w", job.StageIndex, ErrInvalidTransition)
		}
		job.Artifacts = append(job.Artifacts, artifact)
		job.StageIndex++
		job.Attempt = 0
		return nil
	})
}

// MarkSucceeded records the last stage's artifact and finishes the job.
func (jm *JobManager) MarkSucceeded(id types.JobID, artifact types.Artifact) (Change, error) {
	return jm.transition(id, types.StateSucceeded, func(job *types.Job) error {
		job.Artifacts = append(job.Artifacts, artifact)
		return nil
	})
}

// MarkRetrying increments the attempt counter of the current stage.
func (jm *JobManager) MarkRetrying(id types.JobID) (Change, error) {
	return jm.transition(id, types.StateRetrying, func(job *types.Job) error {
		job.Attempt++
		return nil
	})
}

// MarkFailed finishes the job with the given error.
func (jm *JobManager) MarkFailed(id types.JobID, jobErr types.JobError) (Change, error) {
	return jm.transition(id, types.StateFailed, func(job *types.Job) error {
		job.Error = &jobErr
		return nil
	})
}

// MarkAborted fails a job after an engine invariant violation. Unlike
// MarkFailed it also applies to PENDING jobs, which the regular state
// machine never fails.
func (jm *JobManager) MarkAborted(id types.JobID, jobErr types.JobError) (Change, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	from := job.State
	if from.IsTerminal() {
		return Change{}, fmt.Errorf("abort %s in state %s: %w", id, from, ErrInvalidTransition)
	}
	jobErr.Kind = types.ErrorEngine
	job.Error = &jobErr
	job.State = types.StateFailed
	job.UpdatedAt = jm.now()
	return Change{From: from, To: types.StateFailed, Job: job.Clone()}, nil
}

// MarkCancelled finishes the job as cancelled.
func (jm *JobManager) MarkCancelled(id types.JobID) (Change, error) {
	return jm.transition(id, types.StateCancelled, nil)
}

func (jm *JobManager) transition(id types.JobID, to types.State, mutate func(*types.Job) error) (Change, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	from := job.State
	if !types.CanTransition(from, to) {
		return Change{}, fmt.Errorf("%s -> %s for %s: %w", from, to, id, ErrInvalidTransition)
	}
	if mutate != nil {
		if err := mutate(job); err != nil {
			return Change{}, err
		}
	}
	job.State = to
	job.UpdatedAt = jm.now()
	return Change{From: from, To: to, Job: job.Clone()}, nil
}

// Stats counts jobs per state plus the ready queue length.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		"total":  len(jm.jobs),
		"queued": len(jm.ready),
		"leased": len(jm.leased),
	}
	for _, job := range jm.jobs {
		stats[string(job.State)]++
	}
	return stats
}

// ============================================================================
// Snapshot and restore
// ============================================================================

// Snapshot deep-copies every job in creation order.
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*types.Job, 0, len(jm.order))
	for _, id := range jm.order {
		c := jm.jobs[id].Clone()
		jobs = append(jobs, &c)
	}
	return types.SnapshotData{
		Jobs:      jobs,
		SchemaVer: 1,
		TakenAt:   jm.now(),
	}
}

// Restore replaces the store contents with a snapshot. Unfinished jobs go
// back on the ready queue at their current stage; leases are dropped.
func (jm *JobManager) Restore(data types.SnapshotData) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.order = make([]types.JobID, 0, len(data.Jobs))
	jm.ready = make([]types.JobID, 0)
	jm.queued = make(map[types.JobID]bool)
	jm.leased = make(map[types.JobID]bool)

	requeued := 0
	for _, j := range data.Jobs {
		if j == nil {
			continue
		}
		if _, dup := jm.jobs[j.ID]; dup {
			continue
		}
		c := j.Clone()
		jm.jobs[c.ID] = &c
		jm.order = append(jm.order, c.ID)
		if !c.State.IsTerminal() {
			jm.ready = append(jm.ready, c.ID)
			jm.queued[c.ID] = true
			requeued++
		}
	}
	return requeued
}
