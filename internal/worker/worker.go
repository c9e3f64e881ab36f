// ============================================================================
// clipflow Worker - stage execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Runs one stage attempt at a time in its own goroutine.
//
// Loop:
//   1. Receive a Task from taskCh (blocking)
//   2. Run the stage through pipeline.Run (timeout + panic guard)
//   3. Send the Result to resultCh
//   4. Repeat until taskCh is closed
//
// The result send blocks: the controller's result loop drains resultCh
// until the pool closes it, so no outcome is lost during shutdown.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/clipflow/internal/pipeline"
)

// Worker represents a work execution unit.
type Worker struct {
	id       int
	ctx      context.Context
	taskCh   <-chan Task
	resultCh chan<- Result
}

func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of the worker.
func (w *Worker) Run() {
	for task := range w.taskCh {
		w.resultCh <- w.execute(task)
	}
}

func (w *Worker) execute(task Task) Result {
	start := time.Now()

	ctx := w.ctx
	if task.Progress != nil {
		ctx = pipeline.WithProgress(ctx, task.Progress)
	}

	out, err := pipeline.Run(ctx, task.Stage, task.Input)

	log.Debug("Stage attempt finished",
		"worker", w.id,
		"jobID", task.JobID,
		"stage", task.Stage.Name,
		"attempt", task.Input.Attempt,
		"error", err)

	return Result{
		JobID:      task.JobID,
		StageIndex: task.StageIndex,
		Stage:      task.Stage.Name,
		Attempt:    task.Input.Attempt,
		Output:     out,
		Err:        err,
		Duration:   time.Since(start),
	}
}
