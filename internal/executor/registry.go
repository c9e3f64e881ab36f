// ============================================================================
// clipflow Executors - pipeline registry assembly
// ============================================================================
//
// Package: internal/executor
// File: registry.go
// Purpose: Builds the archive and analyze pipeline definitions from config,
//          binding each stage name to its executor and resolved policy.
//
// ============================================================================

package executor

import (
	"fmt"
	"net/http"

	"github.com/ChuLiYu/clipflow/internal/config"
	"github.com/ChuLiYu/clipflow/internal/executor/audio"
	"github.com/ChuLiYu/clipflow/internal/executor/bundle"
	"github.com/ChuLiYu/clipflow/internal/executor/command"
	"github.com/ChuLiYu/clipflow/internal/executor/download"
	"github.com/ChuLiYu/clipflow/internal/executor/summarize"
	"github.com/ChuLiYu/clipflow/internal/executor/transcribe"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

// Deps are the injectable collaborators of the built-in executors.
// Zero values select the real implementations.
type Deps struct {
	Runner     command.Runner
	HTTPClient *http.Client
	APIKey     string // overrides cfg.APIKey()
}

// NewRegistry returns the archive and analyze pipelines.
func NewRegistry(cfg *config.Config, deps Deps) (pipeline.Registry, error) {
	if deps.Runner == nil {
		deps.Runner = command.New()
	}
	apiKey := deps.APIKey
	if apiKey == "" {
		apiKey = cfg.APIKey()
	}

	backend, err := NewBackend(cfg.Summarizer, deps.HTTPClient)
	if err != nil {
		return nil, err
	}

	dl := download.New(download.Options{
		WorkDir: cfg.Paths.WorkDir,
		Method:  download.Method(cfg.Tools.DownloadMethod),
		YtDlp:   cfg.Tools.YtDlp,
		Client:  deps.HTTPClient,
		Runner:  deps.Runner,
	})
	extract := audio.New(cfg.Tools.FFmpeg, cfg.Paths.WorkDir, deps.Runner)
	tr := transcribe.New(transcribe.Options{
		Whisper:  cfg.Tools.Whisper,
		Model:    cfg.Tools.WhisperModel,
		Language: cfg.Tools.Language,
		Runner:   deps.Runner,
	})
	sum := summarize.New(summarize.Options{
		Backend:       backend,
		APIKey:        apiKey,
		Refine:        cfg.Summarizer.Refine,
		WorkDir:       cfg.Paths.WorkDir,
		SummaryPrompt: cfg.Summarizer.Prompt,
	})
	pkg := bundle.New(cfg.Paths.WorkDir)
	pkg.CleanupAudio = cfg.Tools.CleanupAudio

	stage := func(name string, exec pipeline.Executor) pipeline.Stage {
		p := cfg.Stages.Stage(name)
		return pipeline.Stage{
			Name:             name,
			Executor:         exec,
			MaxRetries:       p.MaxRetries,
			Timeout:          p.Timeout,
			BackoffBase:      p.BackoffBase,
			BackoffMax:       p.BackoffMax,
			TimeoutPermanent: p.TimeoutPermanent,
		}
	}

	archive, err := pipeline.NewDefinition(types.ModeArchive,
		stage(pipeline.StageDownload, dl),
		stage(pipeline.StagePackage, pkg),
	)
	if err != nil {
		return nil, err
	}
	analyze, err := pipeline.NewDefinition(types.ModeAnalyze,
		stage(pipeline.StageDownload, dl),
		stage(pipeline.StageAudioExtract, extract),
		stage(pipeline.StageTranscribe, tr),
		stage(pipeline.StageSummarize, sum),
		stage(pipeline.StagePackage, pkg),
	)
	if err != nil {
		return nil, err
	}

	return pipeline.Registry{
		types.ModeArchive: archive,
		types.ModeAnalyze: analyze,
	}, nil
}

// NewBackend picks the summarizer backend for the configured provider.
func NewBackend(cfg config.SummarizerConfig, httpClient *http.Client) (summarize.Backend, error) {
	switch cfg.Provider {
	case "", "openai":
		return summarize.NewOpenAI(cfg.BaseURL, cfg.Model, httpClient), nil
	case "gemini":
		return summarize.NewGemini(cfg.BaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Provider)
	}
}
