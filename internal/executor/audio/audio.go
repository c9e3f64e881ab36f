// Package audio implements the audio extraction stage with ffmpeg.
package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/clipflow/internal/executor/command"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
)

// Executor converts downloaded media into 16 kHz mono PCM WAV written to
// <WorkDir>/<job>/.
type Executor struct {
	FFmpeg  string
	WorkDir string
	Runner  command.Runner
}

// New returns an extractor using the given ffmpeg binary.
func New(ffmpeg, workDir string, runner command.Runner) *Executor {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if runner == nil {
		runner = command.New()
	}
	return &Executor{FFmpeg: ffmpeg, WorkDir: workDir, Runner: runner}
}

// Args builds the ffmpeg command line.
func Args(src, dest string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", src,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", "16000",
		dest,
	}
}

// OutputPath is <dir>/<media base name>.wav. Uploads live outside the
// work dir, so the wav never lands next to a watched file.
func OutputPath(dir, media string) string {
	base := filepath.Base(media)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".wav")
}

// Execute extracts the audio track of the previous stage's media file.
func (e *Executor) Execute(ctx context.Context, in pipeline.Input) (string, error) {
	media := in.Previous
	if media == "" {
		return "", pipeline.Permanentf("audio_extract: no media file")
	}
	if _, err := os.Stat(media); err != nil {
		return "", pipeline.Permanentf("audio_extract: media not found: %s", media)
	}

	dir := filepath.Join(e.WorkDir, string(in.JobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", pipeline.Transient(fmt.Errorf("audio_extract: create dir: %w", err))
	}
	dest := OutputPath(dir, media)
	if dest == media {
		dest = strings.TrimSuffix(media, filepath.Ext(media)) + ".16k.wav"
	}

	pipeline.ReportProgress(ctx, 0, "extracting audio")
	if _, err := e.Runner.Run(ctx, e.FFmpeg, Args(media, dest)...); err != nil {
		return "", command.StageError(pipeline.StageAudioExtract, err)
	}
	if _, err := os.Stat(dest); err != nil {
		return "", pipeline.Permanentf("audio_extract: ffmpeg produced no output")
	}
	return dest, nil
}
