package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/clipflow/internal/bus"
	"github.com/ChuLiYu/clipflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func transition(seq uint64, id string, from, to types.State, stage string) types.Event {
	return types.Event{
		Seq:       seq,
		Kind:      types.EventTransition,
		JobID:     types.JobID(id),
		From:      from,
		To:        to,
		Stage:     stage,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, int(seq), time.UTC),
	}
}

func TestRecordAndHistory(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, transition(1, "a", "", types.StatePending, "")))
	require.NoError(t, j.Record(ctx, transition(2, "b", "", types.StatePending, "")))
	require.NoError(t, j.Record(ctx, transition(3, "a", types.StatePending, types.StateRunning, "download")))
	require.NoError(t, j.Record(ctx, types.Event{Seq: 4, Kind: types.EventProgress, JobID: "a", Percent: 50}))
	require.NoError(t, j.Record(ctx, transition(5, "a", types.StateRunning, types.StateSucceeded, "package")))

	hist, err := j.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, hist, 3, "progress events are not journaled")

	assert.Equal(t, []uint64{1, 3, 5}, []uint64{hist[0].Seq, hist[1].Seq, hist[2].Seq})
	assert.Equal(t, types.StateRunning, hist[1].To)
	assert.Equal(t, "download", hist[1].Stage)
	assert.Equal(t, types.EventTransition, hist[2].Kind)
	assert.True(t, hist[2].Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 5, time.UTC)))

	none, err := j.History(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, j.Record(ctx, transition(i, "job", types.StateRunning, types.StateRunning, "s")))
	}

	recent, err := j.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(8), recent[0].Seq)
	assert.Equal(t, uint64(10), recent[2].Seq)
}

func TestFollowRecordsBusTransitions(t *testing.T) {
	j := openTestJournal(t)
	b := bus.New()
	sub := b.Subscribe(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		j.Follow(ctx, sub)
		close(done)
	}()

	b.Publish(types.Event{Kind: types.EventTransition, JobID: "x", To: types.StatePending})
	b.Publish(types.Event{Kind: types.EventProgress, JobID: "x", Percent: 10})
	b.Publish(types.Event{Kind: types.EventTransition, JobID: "x", From: types.StatePending, To: types.StateCancelled})

	// Closing the bus closes the subscription and ends Follow once drained.
	b.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after bus close")
	}

	hist, err := j.History(context.Background(), "x")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, types.StateCancelled, hist[1].To)
	assert.Equal(t, uint64(3), hist[1].Seq)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), transition(1, "a", "", types.StatePending, "")))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	hist, err := j.History(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Equal(t, path, j.Path())
}

func TestTimestampStoredAsUnixNanos(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	at := time.Date(2026, 10, 17, 8, 30, 0, 123456789, time.FixedZone("CST", 8*3600))
	ev := transition(1, "a", types.StatePending, types.StateRunning, "download")
	ev.Timestamp = at
	require.NoError(t, j.Record(ctx, ev))

	var kind string
	var ns int64
	require.NoError(t, j.db.QueryRowContext(ctx, `SELECT typeof(at_ns), at_ns FROM transitions`).Scan(&kind, &ns))
	assert.Equal(t, "integer", kind)
	assert.Equal(t, at.UnixNano(), ns)

	hist, err := j.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Timestamp.Equal(at))
	assert.Equal(t, time.UTC, hist[0].Timestamp.Location())
}
