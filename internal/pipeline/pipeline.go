// ============================================================================
// clipflow Pipeline - stage definitions and execution wrapper
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Purpose: Describes the ordered stages a job passes through and wraps each
//          executor call with the engine-owned timeout.
//
// Stage lists per mode:
//   archive: download -> package
//   analyze: download -> audio_extract -> transcribe -> summarize -> package
//
// Timeout handling:
//   Run derives a context with the stage timeout and waits on both the
//   executor result and the context. Once the deadline passes the attempt
//   is a timeout, but Run still waits for the executor to return so the
//   slot and the job stay held by one attempt. Late output is discarded.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/clipflow/pkg/types"
)

// Stage names used by the default definitions.
const (
	StageDownload     = "download"
	StageAudioExtract = "audio_extract"
	StageTranscribe   = "transcribe"
	StageSummarize    = "summarize"
	StagePackage      = "package"
)

// ErrUnknownMode is returned when no definition is registered for a mode.
var ErrUnknownMode = errors.New("no pipeline defined for mode")

// Input is what an executor receives for one attempt.
type Input struct {
	JobID     types.JobID
	Mode      types.Mode
	Source    types.Source
	Previous  string           // output of the preceding stage, empty for the first
	Artifacts []types.Artifact // all outputs so far, in stage order
	APIKey    string
	Attempt   int
}

// Artifact returns the output of an earlier stage.
func (in Input) Artifact(stage string) (string, bool) {
	for _, a := range in.Artifacts {
		if a.Stage == stage {
			return a.Value, true
		}
	}
	return "", false
}

// Executor runs one external capability.
// Failures should be *TransientError or *PermanentError.
type Executor interface {
	Execute(ctx context.Context, in Input) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in Input) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (string, error) {
	return f(ctx, in)
}

// Stage is one step of a pipeline.
type Stage struct {
	Name             string
	Executor         Executor
	MaxRetries       int
	Timeout          time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	TimeoutPermanent bool
}

// Backoff returns the wait before retry number attempt (1-based).
func (s Stage) Backoff(attempt int) time.Duration {
	if s.BackoffBase <= 0 || attempt <= 0 {
		return 0
	}
	d := s.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if s.BackoffMax > 0 && d >= s.BackoffMax {
			return s.BackoffMax
		}
	}
	if s.BackoffMax > 0 && d > s.BackoffMax {
		return s.BackoffMax
	}
	return d
}

// Definition is an immutable ordered list of stages shared by all jobs of a mode.
type Definition struct {
	mode   types.Mode
	stages []Stage
}

// NewDefinition validates and freezes a stage list.
func NewDefinition(mode types.Mode, stages ...Stage) (*Definition, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %s: no stages", mode)
	}
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline %s: stage %d has no name", mode, i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("pipeline %s: duplicate stage %q", mode, s.Name)
		}
		if s.Executor == nil {
			return nil, fmt.Errorf("pipeline %s: stage %q has no executor", mode, s.Name)
		}
		if s.MaxRetries < 0 {
			return nil, fmt.Errorf("pipeline %s: stage %q has negative max_retries", mode, s.Name)
		}
		seen[s.Name] = true
	}
	return &Definition{mode: mode, stages: append([]Stage(nil), stages...)}, nil
}

// Mode returns the mode this definition serves.
func (d *Definition) Mode() types.Mode { return d.mode }

// Len returns the number of stages.
func (d *Definition) Len() int { return len(d.stages) }

// Stage returns the stage at index i.
func (d *Definition) Stage(i int) Stage { return d.stages[i] }

// Names lists stage names in order.
func (d *Definition) Names() []string {
	out := make([]string, len(d.stages))
	for i, s := range d.stages {
		out[i] = s.Name
	}
	return out
}

// Registry maps modes to definitions.
type Registry map[types.Mode]*Definition

// Lookup returns the definition for mode or ErrUnknownMode.
func (r Registry) Lookup(mode types.Mode) (*Definition, error) {
	d, ok := r[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return d, nil
}

// Run executes one attempt of stage with the stage timeout applied.
func Run(ctx context.Context, stage Stage, in Input) (string, error) {
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &EngineError{Op: "execute " + stage.Name, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		out, err := stage.Executor.Execute(ctx, in)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return "", timeoutError(stage)
		}
		return res.out, res.err
	case <-ctx.Done():
		cause := ctx.Err()
		res := <-done
		if errors.Is(cause, context.DeadlineExceeded) {
			if res.err == nil || !errors.Is(res.err, context.DeadlineExceeded) {
				slog.Warn("Stage returned after its deadline",
					"stage", stage.Name, "timeout", stage.Timeout, "job_id", in.JobID)
			}
			return "", timeoutError(stage)
		}
		return "", Transient(cause)
	}
}

func timeoutError(stage Stage) error {
	err := fmt.Errorf("stage %s timed out after %s", stage.Name, stage.Timeout)
	if stage.TimeoutPermanent {
		return Permanent(err)
	}
	return Transient(err)
}
