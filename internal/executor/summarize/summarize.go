// Package summarize implements the summarization stage against a remote
// language model. Two backends exist: any OpenAI-compatible chat API
// (OpenAI, DeepSeek) and Google Gemini.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/clipflow/internal/executor/bundle"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
)

var log = slog.Default()

// ErrNoAPIKey is returned when neither the job nor the config carries a key.
var ErrNoAPIKey = errors.New("no API key configured")

const DefaultSummaryPrompt = `You are a video content analyst. Write a clearly structured summary of the following video transcript.
Requirements:
1. Answer in the language of the transcript.
2. Use Markdown with these sections:
   - **Core idea**: one sentence describing what the video is about.
   - **Key points**: 3-5 bullet points.
   - **Summary**: a short closing paragraph.
3. Keep it concise and easy to skim.`

const DefaultRefinePrompt = `You are a professional editor. The user provides a raw video transcript that may lack punctuation and paragraphs.
Rewrite it as a readable transcript:
1. Add correct punctuation.
2. Split the text into logical paragraphs.
3. Fix obvious typos and capitalization.
4. Keep the content verbatim: do not summarize, drop words or change the meaning.
5. Return only the formatted text.`

// Backend sends one system+user exchange to a model and returns the reply.
// Errors are already classified as transient or permanent.
type Backend interface {
	Name() string
	Complete(ctx context.Context, apiKey, system, user string) (string, error)
}

// Options configures an Executor.
type Options struct {
	Backend       Backend
	APIKey        string // used when the job carries no key
	Refine        bool   // tidy the transcript before summarizing
	WorkDir       string // refined transcript goes to <WorkDir>/<job>/transcript.txt
	SummaryPrompt string
	RefinePrompt  string
}

// Executor produces the summary text of a transcript.
type Executor struct {
	opts Options
}

// New returns a summarization executor.
func New(opts Options) *Executor {
	if opts.SummaryPrompt == "" {
		opts.SummaryPrompt = DefaultSummaryPrompt
	}
	if opts.RefinePrompt == "" {
		opts.RefinePrompt = DefaultRefinePrompt
	}
	return &Executor{opts: opts}
}

// Execute summarizes the transcript produced by the transcribe stage.
func (e *Executor) Execute(ctx context.Context, in pipeline.Input) (string, error) {
	transcript, ok := in.Artifact(pipeline.StageTranscribe)
	if !ok {
		transcript = in.Previous
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", pipeline.Permanentf("summarize: empty transcript")
	}
	if e.opts.Backend == nil {
		return "", pipeline.Permanentf("summarize: no backend configured")
	}

	key := in.APIKey
	if key == "" {
		key = e.opts.APIKey
	}
	if key == "" {
		return "", pipeline.Permanent(fmt.Errorf("summarize: %w", ErrNoAPIKey))
	}

	text := transcript
	if e.opts.Refine {
		pipeline.ReportProgress(ctx, 10, "refining transcript")
		refined, err := e.refine(ctx, key, in, transcript)
		if err != nil {
			return "", err
		}
		text = refined
	}

	pipeline.ReportProgress(ctx, 50, "summarizing")
	summary, err := e.opts.Backend.Complete(ctx, key, e.opts.SummaryPrompt, text)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", pipeline.Transientf("summarize: %s returned an empty summary", e.opts.Backend.Name())
	}
	return summary, nil
}

// refine returns the tidied transcript. A failed refine falls back to the
// raw text; only cancellation aborts the stage.
func (e *Executor) refine(ctx context.Context, key string, in pipeline.Input, transcript string) (string, error) {
	refined, err := e.opts.Backend.Complete(ctx, key, e.opts.RefinePrompt, transcript)
	if err != nil {
		if ctx.Err() != nil {
			return "", pipeline.Transient(fmt.Errorf("summarize: refine: %w", ctx.Err()))
		}
		log.Warn("Refine failed, using raw transcript", "jobID", in.JobID, "error", err)
		return transcript, nil
	}
	refined = strings.TrimSpace(refined)
	if refined == "" {
		return transcript, nil
	}

	if e.opts.WorkDir != "" {
		dir := filepath.Join(e.opts.WorkDir, string(in.JobID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", pipeline.Transient(fmt.Errorf("summarize: create dir: %w", err))
		}
		if err := os.WriteFile(filepath.Join(dir, bundle.TranscriptName), []byte(refined+"\n"), 0o644); err != nil {
			return "", pipeline.Transient(fmt.Errorf("summarize: write refined transcript: %w", err))
		}
	}
	return refined, nil
}
