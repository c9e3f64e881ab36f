// Package transcribe implements the transcription stage on top of the
// whisper.cpp command line tool.
package transcribe

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/clipflow/internal/executor/command"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
)

var log = slog.Default()

// SegmentsFile is written next to the audio with one "[mm:ss] text" line
// per recognised segment.
const SegmentsFile = "segments.txt"

// Options configures an Executor.
type Options struct {
	Whisper  string // whisper.cpp binary (whisper-cli)
	Model    string // ggml model file
	Language string // "auto" or an ISO code
	Runner   command.Runner
}

// Executor turns a wav file into transcript text.
type Executor struct {
	opts Options
}

// New returns a transcription executor.
func New(opts Options) *Executor {
	if opts.Whisper == "" {
		opts.Whisper = "whisper-cli"
	}
	if opts.Language == "" {
		opts.Language = "auto"
	}
	if opts.Runner == nil {
		opts.Runner = command.New()
	}
	return &Executor{opts: opts}
}

// Args builds the whisper.cpp command line. The transcript is written to
// <prefix>.txt and the timed segments to <prefix>.csv.
func (e *Executor) Args(audio, prefix string) []string {
	return []string{
		"-m", e.opts.Model,
		"-f", audio,
		"-otxt",
		"-ocsv",
		"-l", e.opts.Language,
		"--output-file", prefix,
	}
}

// Execute transcribes the previous stage's audio file and returns the text.
func (e *Executor) Execute(ctx context.Context, in pipeline.Input) (string, error) {
	audio := in.Previous
	if audio == "" {
		return "", pipeline.Permanentf("transcribe: no audio file")
	}
	if _, err := os.Stat(audio); err != nil {
		return "", pipeline.Permanentf("transcribe: audio not found: %s", audio)
	}
	if e.opts.Model != "" {
		if _, err := os.Stat(e.opts.Model); err != nil {
			return "", pipeline.Permanentf("transcribe: model not found: %s", e.opts.Model)
		}
	}

	prefix := strings.TrimSuffix(audio, filepath.Ext(audio))
	txt := prefix + ".txt"
	segments := filepath.Join(filepath.Dir(audio), SegmentsFile)
	for _, stale := range []string{txt, prefix + ".csv", segments} {
		_ = os.Remove(stale)
	}

	pipeline.ReportProgress(ctx, 0, "transcribing")
	if _, err := e.opts.Runner.Run(ctx, e.opts.Whisper, e.Args(audio, prefix)...); err != nil {
		return "", command.StageError(pipeline.StageTranscribe, err)
	}

	raw, err := os.ReadFile(txt)
	if err != nil {
		return "", pipeline.Permanent(fmt.Errorf("transcribe: read transcript: %w", err))
	}
	text := Normalize(string(raw))
	if text == "" {
		return "", pipeline.Permanentf("transcribe: no speech detected")
	}

	writeSegments(prefix+".csv", segments)
	return text, nil
}

// writeSegments renders whisper's CSV output as timestamped lines. Segments
// are optional: a missing or malformed CSV is logged and skipped.
func writeSegments(csvPath, dest string) {
	f, err := os.Open(csvPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("Failed to open segments", "path", csvPath, "error", err)
		}
		return
	}
	defer f.Close()

	segs, err := ParseSegments(f)
	if err != nil {
		log.Warn("Failed to parse segments", "path", csvPath, "error", err)
		return
	}
	if len(segs) == 0 {
		return
	}
	if err := os.WriteFile(dest, []byte(FormatSegments(segs)), 0o644); err != nil {
		log.Warn("Failed to write segments", "path", dest, "error", err)
	}
}

// Segment is one timed piece of the transcript.
type Segment struct {
	Start time.Duration
	Text  string
}

// ParseSegments reads whisper.cpp CSV output: start,end,text with times in
// milliseconds and an optional header row.
func ParseSegments(r io.Reader) ([]Segment, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var segs []Segment
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return segs, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 3 {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			if len(segs) == 0 && strings.TrimSpace(rec[0]) == "start" {
				continue
			}
			return nil, fmt.Errorf("segment start %q: %w", rec[0], err)
		}
		text := strings.TrimSpace(strings.Join(rec[2:], ","))
		if text == "" {
			continue
		}
		segs = append(segs, Segment{Start: time.Duration(ms) * time.Millisecond, Text: text})
	}
}

// FormatSegments renders "[mm:ss] text" lines. Minutes are not wrapped at 60.
func FormatSegments(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		sec := int(s.Start / time.Second)
		fmt.Fprintf(&b, "[%02d:%02d] %s\n", sec/60, sec%60, s.Text)
	}
	return b.String()
}

// Normalize trims each line and drops empty ones.
func Normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
