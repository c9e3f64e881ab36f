package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ChuLiYu/clipflow/pkg/types"
)

var log = slog.Default()

// SubmitFunc hands a new source to the engine.
type SubmitFunc func(ctx context.Context, src types.Source, mode types.Mode) (types.JobID, error)

// mediaExts are the file types picked up from the watch directory.
var mediaExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
	".m4v": true, ".flv": true, ".mp3": true, ".m4a": true, ".wav": true,
}

// IsMedia reports whether path has a supported media extension.
func IsMedia(path string) bool {
	return mediaExts[strings.ToLower(filepath.Ext(path))]
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Mode   types.Mode    // pipeline for dropped files, analyze by default
	Settle time.Duration // quiet period before a new file is considered complete
}

// Watcher submits media files created in a directory as upload jobs.
type Watcher struct {
	dir     string
	submit  SubmitFunc
	opts    WatcherOptions
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]bool
	wg      sync.WaitGroup
}

// NewWatcher starts watching dir. Call Run to process events.
func NewWatcher(dir string, submit SubmitFunc, opts WatcherOptions) (*Watcher, error) {
	if submit == nil {
		return nil, errors.New("intake: submit func is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watch dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("add watch path: %w", err)
	}

	if opts.Mode == "" {
		opts.Mode = types.ModeAnalyze
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	return &Watcher{
		dir:     dir,
		submit:  submit,
		opts:    opts,
		watcher: fw,
		pending: make(map[string]*time.Timer),
		seen:    make(map[string]bool),
	}, nil
}

// Run processes filesystem events until ctx is cancelled. Writes to a file
// restart its settle timer, so a file is submitted once it stops growing.
func (w *Watcher) Run(ctx context.Context) error {
	log.Info("upload watcher started", "dir", w.dir, "mode", w.opts.Mode)
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			log.Info("upload watcher stopped", "dir", w.dir)
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !IsMedia(event.Name) {
				log.Debug("ignoring non-media file", "path", event.Name)
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			log.Error("watcher error", "error", err)
		}
	}
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	w.stopTimers()
	return w.watcher.Close()
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen[path] {
		return
	}
	if t, ok := w.pending[path]; ok {
		// A timer that already fired is about to submit; leave it alone.
		if t.Stop() {
			t.Reset(w.opts.Settle)
		}
		return
	}
	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.opts.Settle, func() {
		defer w.wg.Done()
		w.fire(ctx, path)
	})
}

func (w *Watcher) fire(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if w.seen[path] || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.seen[path] = true
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	src := types.UploadSource(path, filepath.Base(path))
	id, err := w.submit(ctx, src, w.opts.Mode)
	if err != nil {
		log.Error("failed to submit upload", "path", path, "error", err)
		return
	}
	log.Info("upload submitted", "path", path, "job_id", id)
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
