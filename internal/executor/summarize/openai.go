package summarize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/ChuLiYu/clipflow/internal/pipeline"
)

// DeepSeek defaults; the API speaks the OpenAI chat protocol.
const (
	DeepSeekBaseURL = "https://api.deepseek.com/v1"
	DeepSeekModel   = "deepseek-chat"
)

// OpenAI is a Backend for OpenAI-compatible chat completion APIs.
type OpenAI struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAI returns a backend. An empty baseURL uses the SDK default
// (api.openai.com); httpClient may be nil.
func NewOpenAI(baseURL, model string, httpClient *http.Client) *OpenAI {
	if model == "" {
		model = DeepSeekModel
	}
	return &OpenAI{baseURL: baseURL, model: model, httpClient: httpClient}
}

// Name implements Backend.
func (o *OpenAI) Name() string { return "openai:" + o.model }

// Complete implements Backend. The SDK's own retries are disabled; the
// scheduler owns retry policy.
func (o *OpenAI) Complete(ctx context.Context, apiKey, system, user string) (string, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if o.baseURL != "" {
		opts = append(opts, option.WithBaseURL(o.baseURL))
	}
	if o.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(o.httpClient))
	}
	client := openai.NewClient(opts...)

	completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", classifyOpenAI(err)
	}
	if len(completion.Choices) == 0 {
		return "", pipeline.Transientf("summarize: no completion choices returned")
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// classifyOpenAI maps API status codes onto the failure taxonomy:
// bad request and auth problems are permanent, rate limits and server
// errors transient.
func classifyOpenAI(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return pipeline.Transient(fmt.Errorf("summarize: %w", err))
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
			return pipeline.Transient(fmt.Errorf("summarize: API status %d: %w", code, err))
		case code >= 400:
			return pipeline.Permanent(fmt.Errorf("summarize: API status %d: %w", code, err))
		}
	}
	return pipeline.Transient(fmt.Errorf("summarize: %w", err))
}
