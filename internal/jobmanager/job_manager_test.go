package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ChuLiYu/clipflow/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJobManager creates a store with predictable ids job-1, job-2, ...
func newTestJobManager() *JobManager {
	var mu sync.Mutex
	n := 0
	return NewJobManager(WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("job-%d", n)
	}))
}

// createJob creates a two-stage archive job
func createJob(t *testing.T, jm *JobManager, url string) types.JobID {
	t.Helper()
	id, err := jm.Create(types.URLSource(url), types.ModeArchive, CreateOptions{StageCount: 2})
	assertNoError(t, err)
	return id
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected error %v, got %v", want, err)
	}
}

// assertState asserts job state
func assertState(t *testing.T, jm *JobManager, id types.JobID, want types.State) {
	t.Helper()
	job, err := jm.Get(id)
	assertNoError(t, err)
	if job.State != want {
		t.Errorf("job %s state: got %s, want %s", id, job.State, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	if jm.jobs == nil || jm.queued == nil || jm.leased == nil {
		t.Fatal("maps not initialized")
	}
	stats := jm.Stats()
	if stats["total"] != 0 || stats["queued"] != 0 {
		t.Errorf("unexpected initial stats: %v", stats)
	}
}

func TestCreate(t *testing.T) {
	jm := newTestJobManager()

	id, err := jm.Create(types.URLSource("https://x/a.mp4"), types.ModeAnalyze, CreateOptions{StageCount: 5, APIKey: "sk-1"})
	assertNoError(t, err)

	job, err := jm.Get(id)
	assertNoError(t, err)

	if job.State != types.StatePending {
		t.Errorf("state = %s, want PENDING", job.State)
	}
	if job.StageIndex != 0 || job.Attempt != 0 {
		t.Errorf("index/attempt = %d/%d, want 0/0", job.StageIndex, job.Attempt)
	}
	if job.Source.URL != "https://x/a.mp4" || job.Mode != types.ModeAnalyze {
		t.Errorf("source/mode not stored: %+v", job)
	}
	if job.APIKey != "sk-1" {
		t.Errorf("api key not stored")
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestCreateUsesUUIDByDefault(t *testing.T) {
	jm := NewJobManager()
	a, err := jm.Create(types.URLSource("https://x/a"), types.ModeArchive, CreateOptions{})
	assertNoError(t, err)
	b, err := jm.Create(types.URLSource("https://x/b"), types.ModeArchive, CreateOptions{})
	assertNoError(t, err)

	if a == b || len(a) != 36 {
		t.Errorf("expected distinct uuids, got %q and %q", a, b)
	}
}

func TestGetNotFound(t *testing.T) {
	jm := newTestJobManager()
	_, err := jm.Get("missing")
	assertError(t, err, ErrJobNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	jm := newTestJobManager()
	id := createJob(t, jm, "https://x/a")
	job, ok := jm.PopReady()
	if !ok {
		t.Fatal("expected ready job")
	}
	_, err := jm.MarkRunning(job.ID)
	assertNoError(t, err)
	_, err = jm.Advance(id, types.Artifact{Stage: "download", Value: "/tmp/a"})
	assertNoError(t, err)

	snap, err := jm.Get(id)
	assertNoError(t, err)
	snap.Artifacts[0].Value = "mutated"
	snap.State = types.StateFailed

	again, _ := jm.Get(id)
	if again.Artifacts[0].Value != "/tmp/a" {
		t.Error("artifact mutated through snapshot")
	}
	if again.State != types.StateRunning {
		t.Error("state mutated through snapshot")
	}
}

func TestListOrder(t *testing.T) {
	jm := newTestJobManager()
	ids := []types.JobID{
		createJob(t, jm, "https://x/1"),
		createJob(t, jm, "https://x/2"),
		createJob(t, jm, "https://x/3"),
	}

	list := jm.List()
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	for i, job := range list {
		if job.ID != ids[i] {
			t.Errorf("list[%d] = %s, want %s", i, job.ID, ids[i])
		}
	}
}

func TestPopReadyFIFO(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*testing.T, *JobManager)
		wantID  types.JobID
		wantNil bool
	}{
		{
			name:    "Empty queue",
			setup:   func(t *testing.T, jm *JobManager) {},
			wantNil: true,
		},
		{
			name: "FIFO order",
			setup: func(t *testing.T, jm *JobManager) {
				createJob(t, jm, "https://x/1")
				createJob(t, jm, "https://x/2")
			},
			wantID: "job-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := newTestJobManager()
			tt.setup(t, jm)

			job, ok := jm.PopReady()
			if tt.wantNil {
				if ok {
					t.Errorf("expected empty queue, got %s", job.ID)
				}
				return
			}
			if !ok || job.ID != tt.wantID {
				t.Errorf("PopReady = %s,%v want %s", job.ID, ok, tt.wantID)
			}
			if !jm.IsLeased(job.ID) {
				t.Error("popped job should be leased")
			}
		})
	}
}

func TestPopReadySkipsTerminal(t *testing.T) {
	jm := newTestJobManager()
	first := createJob(t, jm, "https://x/1")
	second := createJob(t, jm, "https://x/2")

	_, err := jm.MarkCancelled(first)
	assertNoError(t, err)

	job, ok := jm.PopReady()
	if !ok || job.ID != second {
		t.Fatalf("PopReady = %s, want %s", job.ID, second)
	}
}

func TestRequeueRejectsDuplicates(t *testing.T) {
	jm := newTestJobManager()
	id := createJob(t, jm, "https://x/1")

	// still queued from Create
	assertError(t, jm.Requeue(id), ErrDuplicateDispatch)

	if _, ok := jm.PopReady(); !ok {
		t.Fatal("expected ready job")
	}
	// leased
	assertError(t, jm.Requeue(id), ErrDuplicateDispatch)

	assertNoError(t, jm.Release(id))
	assertNoError(t, jm.Requeue(id))
	assertError(t, jm.Requeue(id), ErrDuplicateDispatch)
}

func TestReleaseNotLeased(t *testing.T) {
	jm := newTestJobManager()
	id := createJob(t, jm, "https://x/1")
	assertError(t, jm.Release(id), ErrNotLeased)
}

func TestLifecycleSuccess(t *testing.T) {
	jm := newTestJobManager()
	id := createJob(t, jm, "https://x/a.mp4")

	jm.PopReady()
	change, err := jm.MarkRunning(id)
	assertNoError(t, err)
	if change.From != types.StatePending || change.To != types.StateRunning {
		t.Errorf("change = %s->%s", change.From, change.To)
	}

	change, err = jm.Advance(id, types.Artifact{Stage: "download", Value: "/w/a.mp4"})
	assertNoError(t, err)
	if change.Job.StageIndex != 1 || change.Job.Attempt != 0 {
		t.Errorf("after advance index=%d attempt=%d", change.Job.StageIndex, change.Job.Attempt)
	}

	// advancing past the last stage is refused
	_, err = jm.Advance(id, types.Artifact{Stage: "package", Value: "x"})
	assertError(t, err, ErrInvalidTransition)

	change, err = jm.MarkSucceeded(id, types.Artifact{Stage: "package", Value: "/w/a.zip"})
	assertNoError(t, err)
	if len(change.Job.Artifacts) != 2 {
		t.Errorf("artifacts = %d, want 2", len(change.Job.Artifacts))
	}
	assertState(t, jm, id, types.StateSucceeded)
}

func TestRetryingResetsOnAdvance(t *testing.T) {
	jm := newTestJobManager()
	id := createJob(t, jm, "https://x/a")
	jm.PopReady()
	jm.MarkRunning(id)

	for i := 1; i <= 2; i++ {
		change, err := jm.MarkRetrying(id)
		assertNoError(t, err)
		if change.Job.Attempt != i {
			t.Errorf("attempt = %d, want %d", change.Job.Attempt, i)
		}
		_, err = jm.MarkRunning(id)
		assertNoError(t, err)
	}

	change, err := jm.Advance(id, types.Artifact{Stage: "download", Value: "p"})
	assertNoError(t, err)
	if change.Job.Attempt != 0 {
		t.Errorf("attempt after advance = %d, want 0", change.Job.Attempt)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	finish := map[string]func(*JobManager, types.JobID) error{
		"succeeded": func(jm *JobManager, id types.JobID) error {
			_, err := jm.MarkSucceeded(id, types.Artifact{Stage: "s", Value: "v"})
			return err
		},
		"failed": func(jm *JobManager, id types.JobID) error {
			_, err := jm.MarkFailed(id, types.JobError{Stage: "s", Message: "boom", Kind: types.ErrorPermanent})
			return err
		},
		"cancelled": func(jm *JobManager, id types.JobID) error {
			_, err := jm.MarkCancelled(id)
			return err
		},
	}

	for name, fn := range finish {
		t.Run(name, func(t *testing.T) {
			jm := newTestJobManager()
			id := createJob(t, jm, "https://x/a")
			jm.PopReady()
			jm.MarkRunning(id)
			assertNoError(t, fn(jm, id))

			before, _ := jm.Get(id)
			for _, next := range finish {
				assertError(t, next(jm, id), ErrInvalidTransition)
			}
			_, err := jm.MarkRunning(id)
			assertError(t, err, ErrInvalidTransition)
			_, err = jm.MarkRetrying(id)
			assertError(t, err, ErrInvalidTransition)

			after, _ := jm.Get(id)
			if after.State != before.State {
				t.Errorf("state changed %s -> %s", before.State, after.State)
			}
		})
	}
}

func TestPendingCannotRetryOrSucceed(t *testing.T) {
	jm := newTestJobManager()
	id := createJob(t, jm, "https://x/a")

	_, err := jm.MarkRetrying(id)
	assertError(t, err, ErrInvalidTransition)
	_, err = jm.MarkSucceeded(id, types.Artifact{})
	assertError(t, err, ErrInvalidTransition)
	_, err = jm.Advance(id, types.Artifact{})
	assertError(t, err, ErrInvalidTransition)
}

func TestMarkFailedRecordsError(t *testing.T) {
	jm := newTestJobManager()
	id := createJob(t, jm, "https://x/a")
	jm.PopReady()
	jm.MarkRunning(id)

	_, err := jm.MarkFailed(id, types.JobError{Stage: "download", Message: "HTTP 404", Kind: types.ErrorPermanent})
	assertNoError(t, err)

	job, _ := jm.Get(id)
	if job.Error == nil || job.Error.Message != "HTTP 404" || job.Error.Stage != "download" {
		t.Errorf("error not recorded: %+v", job.Error)
	}
}

func TestMarkAborted(t *testing.T) {
	jm := newTestJobManager()
	pending := createJob(t, jm, "https://x/a")
	jm.PopReady()

	change, err := jm.MarkAborted(pending, types.JobError{Message: "no pipeline for mode"})
	assertNoError(t, err)
	if change.From != types.StatePending || change.To != types.StateFailed {
		t.Errorf("change = %s -> %s", change.From, change.To)
	}
	job, _ := jm.Get(pending)
	if job.State != types.StateFailed || job.Error == nil || job.Error.Kind != types.ErrorEngine {
		t.Errorf("aborted job = %s %+v", job.State, job.Error)
	}

	_, err = jm.MarkAborted(pending, types.JobError{Message: "again"})
	assertError(t, err, ErrInvalidTransition)

	// The regular path still refuses PENDING -> FAILED.
	other := createJob(t, jm, "https://x/b")
	_, err = jm.MarkFailed(other, types.JobError{Message: "x"})
	assertError(t, err, ErrInvalidTransition)
}

func TestRequestCancel(t *testing.T) {
	jm := newTestJobManager()
	id := createJob(t, jm, "https://x/a")

	assertNoError(t, jm.RequestCancel(id))
	job, _ := jm.Get(id)
	if !job.CancelRequested {
		t.Error("cancel flag not set")
	}

	assertError(t, jm.RequestCancel("nope"), ErrJobNotFound)

	jm.PopReady()
	jm.MarkCancelled(id)
	assertNoError(t, jm.RequestCancel(id))
}

func TestSnapshotRestore(t *testing.T) {
	jm := newTestJobManager()
	done := createJob(t, jm, "https://x/done")
	waiting := createJob(t, jm, "https://x/wait")

	jm.PopReady()
	jm.MarkRunning(done)
	jm.MarkSucceeded(done, types.Artifact{Stage: "package", Value: "/w/done.zip"})

	data := jm.Snapshot()
	if data.SchemaVer != 1 || len(data.Jobs) != 2 {
		t.Fatalf("snapshot = %+v", data)
	}

	restored := newTestJobManager()
	requeued := restored.Restore(data)
	if requeued != 1 {
		t.Errorf("requeued = %d, want 1", requeued)
	}

	assertState(t, restored, done, types.StateSucceeded)
	job, ok := restored.PopReady()
	if !ok || job.ID != waiting {
		t.Errorf("PopReady after restore = %s, want %s", job.ID, waiting)
	}
}

func TestConcurrentCreate(t *testing.T) {
	jm := NewJobManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := jm.Create(types.URLSource(fmt.Sprintf("https://x/%d", i)), types.ModeArchive, CreateOptions{StageCount: 2})
			if err != nil {
				t.Errorf("create: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(jm.List()); got != 50 {
		t.Errorf("jobs = %d, want 50", got)
	}
	if got := jm.Stats()[string(types.StatePending)]; got != 50 {
		t.Errorf("pending = %d, want 50", got)
	}
}
