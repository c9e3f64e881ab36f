package intake

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/clipflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractURLs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single url",
			text: "https://example.com/a.mp4",
			want: []string{"https://example.com/a.mp4"},
		},
		{
			name: "trailing punctuation and quotes",
			text: `check this out: "https://youtu.be/abc123". And (https://tiktok.com/@u/video/1)!`,
			want: []string{"https://youtu.be/abc123", "https://tiktok.com/@u/video/1"},
		},
		{
			name: "duplicates keep first-seen order",
			text: "https://b.com/x\nhttps://a.com/y https://b.com/x,",
			want: []string{"https://b.com/x", "https://a.com/y"},
		},
		{
			name: "fallback to trimmed lines",
			text: "  youtu.be/abc  \n\n   \nvimeo.com/42\n",
			want: []string{"youtu.be/abc", "vimeo.com/42"},
		},
		{
			name: "empty input",
			text: "  \n ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractURLs(tt.text))
		})
	}
}

func TestIsMedia(t *testing.T) {
	assert.True(t, IsMedia("/in/Talk.MP4"))
	assert.True(t, IsMedia("clip.webm"))
	assert.False(t, IsMedia("notes.txt"))
	assert.False(t, IsMedia("clip.mp4.part"))
}

type recorder struct {
	mu      sync.Mutex
	sources []types.Source
	modes   []types.Mode
	ch      chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 16)} }

func (r *recorder) submit(ctx context.Context, src types.Source, mode types.Mode) (types.JobID, error) {
	r.mu.Lock()
	r.sources = append(r.sources, src)
	r.modes = append(r.modes, mode)
	r.mu.Unlock()
	r.ch <- struct{}{}
	return types.JobID("job-" + src.Name), nil
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for submission")
	}
}

func startWatcher(t *testing.T, dir string, submit SubmitFunc, opts WatcherOptions) {
	t.Helper()
	w, err := NewWatcher(dir, submit, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
}

func TestWatcherSubmitsDroppedMedia(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	startWatcher(t, dir, rec.submit, WatcherOptions{Mode: types.ModeArchive, Settle: 50 * time.Millisecond})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))

	rec.wait(t)

	// Give a stray duplicate a chance to show up.
	time.Sleep(200 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.sources, 1)
	assert.Equal(t, types.UploadSource(path, "clip.mp4"), rec.sources[0])
	assert.Equal(t, types.ModeArchive, rec.modes[0])
}

func TestWatcherDefaultsToAnalyze(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	startWatcher(t, dir, rec.submit, WatcherOptions{Settle: 20 * time.Millisecond})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "talk.mov"), []byte("v"), 0o644))
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, types.ModeAnalyze, rec.modes[0])
}

func TestNewWatcherRequiresSubmit(t *testing.T) {
	_, err := NewWatcher(t.TempDir(), nil, WatcherOptions{})
	assert.Error(t, err)
}
