package summarize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/ChuLiYu/clipflow/internal/pipeline"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini is a Backend for the Google Gemini API.
type Gemini struct {
	model   string
	baseURL string
}

// NewGemini returns a Gemini backend. baseURL is optional.
func NewGemini(baseURL, model string) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{model: model, baseURL: baseURL}
}

// Name implements Backend.
func (g *Gemini) Name() string { return "gemini:" + g.model }

// Complete implements Backend. A client is built per call because the key
// may differ per job.
func (g *Gemini) Complete(ctx context.Context, apiKey, system, user string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: g.baseURL},
	})
	if err != nil {
		return "", pipeline.Permanent(fmt.Errorf("summarize: create client: %w", err))
	}

	prompt := system + "\n\n---\n" + user + "\n---"
	result, err := client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", classifyGemini(err)
	}

	if result != nil && len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
		var b strings.Builder
		for _, part := range result.Candidates[0].Content.Parts {
			if part != nil && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
		return b.String(), nil
	}
	return "", pipeline.Transientf("summarize: empty response from Gemini")
}

// classifyGemini maps the API status code: rate limits, timeouts and server
// errors are transient, other 4xx responses permanent. Errors without a
// status (network, decoding) are transient.
func classifyGemini(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return pipeline.Transient(fmt.Errorf("summarize: %w", err))
	}
	if code, ok := geminiStatus(err); ok {
		switch {
		case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
			return pipeline.Transient(fmt.Errorf("summarize: API status %d: %w", code, err))
		case code >= 400:
			return pipeline.Permanent(fmt.Errorf("summarize: API status %d: %w", code, err))
		}
	}
	return pipeline.Transient(fmt.Errorf("summarize: %w", err))
}

func geminiStatus(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
