// Package bundle implements the package stage: it collects a job's
// artifacts into one zip file.
package bundle

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/clipflow/internal/executor/transcribe"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
)

var log = slog.Default()

// Entry names used for text artifacts.
const (
	TranscriptName = "transcript.txt"
	SummaryName    = "summary.md"
)

// Executor writes <WorkDir>/<job>/clipflow_<job>.zip.
type Executor struct {
	WorkDir string
	// CleanupAudio removes the extracted wav once the bundle is written.
	CleanupAudio bool
}

// New returns a package executor rooted at workDir.
func New(workDir string) *Executor {
	return &Executor{WorkDir: workDir}
}

// Execute bundles every artifact produced so far. File artifacts are added
// under their base name; text artifacts become transcript.txt, summary.md or
// <stage>.txt. Extracted audio is an intermediate and is left out.
func (e *Executor) Execute(ctx context.Context, in pipeline.Input) (string, error) {
	if len(in.Artifacts) == 0 {
		return "", pipeline.Permanentf("package: no artifacts to bundle")
	}

	dir := filepath.Join(e.WorkDir, string(in.JobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", pipeline.Transient(fmt.Errorf("package: create dir: %w", err))
	}
	dest := filepath.Join(dir, "clipflow_"+string(in.JobID)+".zip")

	entries := make([]entry, 0, len(in.Artifacts))
	for _, a := range in.Artifacts {
		if a.Stage == pipeline.StageAudioExtract {
			continue
		}
		if info, err := os.Stat(a.Value); err == nil && info.Mode().IsRegular() {
			entries = append(entries, entry{name: filepath.Base(a.Value), path: a.Value})
			continue
		}
		if a.Stage == pipeline.StageTranscribe {
			segments := filepath.Join(dir, transcribe.SegmentsFile)
			if _, err := os.Stat(segments); err == nil {
				entries = append(entries, entry{name: transcribe.SegmentsFile, path: segments})
			}
			// A refined transcript written by the summarize stage replaces the raw one.
			refined := filepath.Join(dir, TranscriptName)
			if _, err := os.Stat(refined); err == nil {
				entries = append(entries, entry{name: TranscriptName, path: refined})
				continue
			}
		}
		entries = append(entries, entry{name: textName(a.Stage), text: a.Value})
	}

	if err := writeZip(ctx, dest, entries); err != nil {
		return "", err
	}
	if e.CleanupAudio {
		removeAudio(dir, in)
	}
	pipeline.ReportProgress(ctx, 100, "bundle written")
	return dest, nil
}

// removeAudio deletes the extracted wav of a packaged job. Only files inside
// the job directory are touched, never an uploaded original.
func removeAudio(dir string, in pipeline.Input) {
	wav, ok := in.Artifact(pipeline.StageAudioExtract)
	if !ok || filepath.Dir(wav) != filepath.Clean(dir) {
		return
	}
	if err := os.Remove(wav); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to remove audio", "path", wav, "error", err)
	}
}

func textName(stage string) string {
	switch stage {
	case pipeline.StageTranscribe:
		return TranscriptName
	case pipeline.StageSummarize:
		return SummaryName
	default:
		return stage + ".txt"
	}
}

// WriteBatch zips the given files into dest, one entry per file base name.
func WriteBatch(ctx context.Context, dest string, files []string) error {
	if len(files) == 0 {
		return errors.New("batch: no files")
	}
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, entry{name: filepath.Base(f), path: f})
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return writeZip(ctx, dest, entries)
}

type entry struct {
	name string
	path string // copied from disk when set
	text string
}

// writeZip builds the archive in a temp file and renames it over dest, so a
// retried attempt never sees a half-written bundle.
func writeZip(ctx context.Context, dest string, entries []entry) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".bundle-*.zip")
	if err != nil {
		return pipeline.Transient(fmt.Errorf("package: temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	seen := make(map[string]int)
	for _, e := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = zw.Close()
			_ = tmp.Close()
			return pipeline.Transient(ctxErr)
		}
		name := uniqueName(e.name, seen)
		if e.path != "" {
			err = addFile(zw, name, e.path)
		} else {
			err = addText(zw, name, e.text)
		}
		if err != nil {
			_ = zw.Close()
			_ = tmp.Close()
			return err
		}
	}

	if err = zw.Close(); err != nil {
		_ = tmp.Close()
		return pipeline.Transient(fmt.Errorf("package: finalize zip: %w", err))
	}
	if err = tmp.Close(); err != nil {
		return pipeline.Transient(fmt.Errorf("package: close zip: %w", err))
	}
	if err = os.Rename(tmpPath, dest); err != nil {
		return pipeline.Transient(fmt.Errorf("package: move zip into place: %w", err))
	}
	return nil
}

func uniqueName(name string, seen map[string]int) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
}

func addFile(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pipeline.Permanentf("package: artifact missing: %s", path)
		}
		return pipeline.Transient(fmt.Errorf("package: open %s: %w", path, err))
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("package: add %s: %w", name, err))
	}
	if _, err := io.Copy(w, src); err != nil {
		return pipeline.Transient(fmt.Errorf("package: copy %s: %w", name, err))
	}
	return nil
}

func addText(zw *zip.Writer, name, text string) error {
	w, err := zw.Create(name)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("package: add %s: %w", name, err))
	}
	if _, err := io.WriteString(w, text); err != nil {
		return pipeline.Transient(fmt.Errorf("package: write %s: %w", name, err))
	}
	return nil
}
