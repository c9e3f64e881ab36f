package worker

import (
	"time"

	"github.com/ChuLiYu/clipflow/internal/pipeline"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

// Task is one attempt of one stage of one job.
type Task struct {
	JobID      types.JobID
	StageIndex int
	Stage      pipeline.Stage
	Input      pipeline.Input
	Progress   pipeline.ProgressFunc // optional, receives intra-stage percent
}

// Result is what a worker reports after running a Task.
type Result struct {
	JobID      types.JobID
	StageIndex int
	Stage      string
	Attempt    int
	Output     string
	Err        error
	Duration   time.Duration
}

// Success reports whether the stage produced an output.
func (r Result) Success() bool {
	return r.Err == nil
}
