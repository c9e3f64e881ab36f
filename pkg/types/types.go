// Package types defines the core domain model shared across clipflow.
package types

import (
	"time"
)

// JobID is the opaque unique identifier of a job.
type JobID string

// Mode selects which pipeline definition a job runs through.
type Mode string

const (
	ModeArchive Mode = "archive" // download + package
	ModeAnalyze Mode = "analyze" // download, extract, transcribe, summarize, package
)

// ParseMode converts user input into a Mode.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeArchive, ModeAnalyze:
		return Mode(s), true
	}
	return "", false
}

// State is the job lifecycle state.
type State string

const (
	StatePending   State = "PENDING"   // created, waiting for a worker slot
	StateRunning   State = "RUNNING"   // a stage is executing or the job is queued for its next stage
	StateRetrying  State = "RETRYING"  // waiting for backoff before re-running the current stage
	StateSucceeded State = "SUCCEEDED" // last stage succeeded
	StateFailed    State = "FAILED"    // permanent failure or retries exhausted
	StateCancelled State = "CANCELLED" // cancel observed at a stage boundary
)

// IsTerminal reports whether no further transition may leave s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// CanTransition enforces the job state machine edges.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateRunning || to == StateRetrying || to == StateSucceeded ||
			to == StateFailed || to == StateCancelled
	case StateRetrying:
		return to == StateRunning || to == StateFailed || to == StateCancelled
	default:
		return false
	}
}

// SourceKind tells whether a source is fetched remotely or already local.
type SourceKind string

const (
	SourceURL    SourceKind = "url"
	SourceUpload SourceKind = "upload"
)

// Source describes the media a job operates on.
type Source struct {
	Kind SourceKind `json:"kind"`
	URL  string     `json:"url,omitempty"`  // set for SourceURL
	Path string     `json:"path,omitempty"` // local file for SourceUpload
	Name string     `json:"name,omitempty"` // original upload filename
}

// URLSource is shorthand for a remote source.
func URLSource(url string) Source {
	return Source{Kind: SourceURL, URL: url}
}

// UploadSource is shorthand for an already uploaded file.
func UploadSource(path, name string) Source {
	return Source{Kind: SourceUpload, Path: path, Name: name}
}

// String returns the URL or the upload path.
func (s Source) String() string {
	if s.Kind == SourceUpload {
		return s.Path
	}
	return s.URL
}

// Artifact is the output one stage produced.
type Artifact struct {
	Stage string `json:"stage"`
	Value string `json:"value"`
}

// ErrorKind classifies a recorded failure.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
	ErrorEngine    ErrorKind = "engine"
)

// JobError is the failure detail recorded on a FAILED job.
type JobError struct {
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`
}

func (e *JobError) Error() string {
	return e.Stage + ": " + e.Message
}

// Job is the unit of work carried through a pipeline.
// Values handed out by the store are deep copies.
type Job struct {
	ID     JobID  `json:"id"`
	Source Source `json:"source"`
	Mode   Mode   `json:"mode"`

	State           State      `json:"state"`
	StageIndex      int        `json:"stage_index"`
	StageCount      int        `json:"stage_count"`
	Attempt         int        `json:"attempt"`
	Artifacts       []Artifact `json:"artifacts,omitempty"`
	Error           *JobError  `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`

	// APIKey overrides the configured summarizer key for this job only.
	APIKey string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact returns the output of the named stage.
func (j *Job) Artifact(stage string) (string, bool) {
	for _, a := range j.Artifacts {
		if a.Stage == stage {
			return a.Value, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() Job {
	c := *j
	if j.Artifacts != nil {
		c.Artifacts = append([]Artifact(nil), j.Artifacts...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return c
}

// EventKind distinguishes state transitions from intra-stage progress.
type EventKind string

const (
	EventTransition EventKind = "transition"
	EventProgress   EventKind = "progress"
)

// Event is one message on the progress bus.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	JobID     JobID     `json:"job_id"`
	From      State     `json:"from_state,omitempty"`
	To        State     `json:"to_state"`
	Stage     string    `json:"stage_name,omitempty"`
	Attempt   int       `json:"attempt_count"`
	Percent   float64   `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// SnapshotData is the persisted form of the job store.
type SnapshotData struct {
	Jobs      []*Job    `json:"jobs"` // creation order
	SchemaVer int       `json:"schema_ver"`
	TakenAt   time.Time `json:"taken_at"`
}
