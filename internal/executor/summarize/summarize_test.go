package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"google.golang.org/genai"

	"github.com/ChuLiYu/clipflow/internal/executor/bundle"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
	"github.com/ChuLiYu/clipflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake OpenAI-compatible server
// ============================================================================

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"messages"`
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []chatRequest
	keys     []string
	status   int
	reply    func(req chatRequest) string
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.keys = append(f.keys, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	status := f.status
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"error":{"message":"status %d","type":"invalid_request_error","code":"x"}}`, status)
		return
	}

	content, _ := json.Marshal(f.reply(req))
	_, _ = fmt.Fprintf(w, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": %q,
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": %s}}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
	}`, req.Model, content)
}

func newFakeAPI(t *testing.T, reply func(req chatRequest) string) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)
	return api, srv
}

func systemPrompt(req chatRequest) string {
	for _, m := range req.Messages {
		if m.Role == "system" {
			return fmt.Sprint(m.Content)
		}
	}
	return ""
}

func analyzeInput(id, transcript, key string) pipeline.Input {
	return pipeline.Input{
		JobID:    types.JobID(id),
		Previous: transcript,
		APIKey:   key,
		Artifacts: []types.Artifact{
			{Stage: pipeline.StageDownload, Value: "/media/a.mp4"},
			{Stage: pipeline.StageAudioExtract, Value: "/media/a.wav"},
			{Stage: pipeline.StageTranscribe, Value: transcript},
		},
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestSummarizeWithOpenAIBackend(t *testing.T) {
	api, srv := newFakeAPI(t, func(req chatRequest) string { return "  # Summary\n- point  " })

	e := New(Options{Backend: NewOpenAI(srv.URL, "", srv.Client()), APIKey: "sk-config"})
	out, err := e.Execute(context.Background(), analyzeInput("job-1", "raw transcript text", ""))
	require.NoError(t, err)
	assert.Equal(t, "# Summary\n- point", out)

	require.Len(t, api.requests, 1)
	req := api.requests[0]
	assert.Equal(t, DeepSeekModel, req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "raw transcript text", fmt.Sprint(req.Messages[1].Content))
	assert.Equal(t, "sk-config", api.keys[0])
}

func TestPerJobKeyOverridesConfig(t *testing.T) {
	api, srv := newFakeAPI(t, func(req chatRequest) string { return "ok" })

	e := New(Options{Backend: NewOpenAI(srv.URL, "gpt-4o-mini", srv.Client()), APIKey: "sk-config"})
	_, err := e.Execute(context.Background(), analyzeInput("job-1", "text", "sk-job"))
	require.NoError(t, err)

	assert.Equal(t, []string{"sk-job"}, api.keys)
	assert.Equal(t, "gpt-4o-mini", api.requests[0].Model)
}

func TestRefineWritesTranscript(t *testing.T) {
	api, srv := newFakeAPI(t, func(req chatRequest) string {
		if systemPrompt(req) == DefaultRefinePrompt {
			return "Raw transcript, tidied."
		}
		return "summary of: " + fmt.Sprint(req.Messages[1].Content)
	})
	workDir := t.TempDir()

	e := New(Options{Backend: NewOpenAI(srv.URL, "", srv.Client()), APIKey: "k", Refine: true, WorkDir: workDir})
	out, err := e.Execute(context.Background(), analyzeInput("job-5", "raw transcript tidied", ""))
	require.NoError(t, err)

	assert.Equal(t, "summary of: Raw transcript, tidied.", out)
	assert.Len(t, api.requests, 2)

	refined, err := os.ReadFile(filepath.Join(workDir, "job-5", bundle.TranscriptName))
	require.NoError(t, err)
	assert.Equal(t, "Raw transcript, tidied.\n", string(refined))
}

func TestRefineFailureFallsBack(t *testing.T) {
	calls := 0
	backend := backendFunc(func(ctx context.Context, key, system, user string) (string, error) {
		calls++
		if system == DefaultRefinePrompt {
			return "", pipeline.Transientf("refine overloaded")
		}
		return "summary of " + user, nil
	})

	e := New(Options{Backend: backend, APIKey: "k", Refine: true, WorkDir: t.TempDir()})
	out, err := e.Execute(context.Background(), analyzeInput("job-6", "raw", ""))
	require.NoError(t, err)
	assert.Equal(t, "summary of raw", out)
	assert.Equal(t, 2, calls)
}

func TestOpenAIStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   types.ErrorKind
	}{
		{http.StatusBadRequest, types.ErrorPermanent},
		{http.StatusUnauthorized, types.ErrorPermanent},
		{http.StatusForbidden, types.ErrorPermanent},
		{http.StatusTooManyRequests, types.ErrorTransient},
		{http.StatusInternalServerError, types.ErrorTransient},
		{http.StatusServiceUnavailable, types.ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			api, srv := newFakeAPI(t, nil)
			api.status = tt.status

			e := New(Options{Backend: NewOpenAI(srv.URL, "", srv.Client()), APIKey: "k"})
			_, err := e.Execute(context.Background(), analyzeInput("j", "text", ""))
			require.Error(t, err)
			assert.Equal(t, tt.want, pipeline.Classify(err))
			assert.Len(t, api.requests, 1, "SDK retries must be disabled")
		})
	}
}

func TestOpenAINetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewOpenAI(addr, "", nil).Complete(context.Background(), "k", "s", "u")
	require.Error(t, err)
	assert.Equal(t, types.ErrorTransient, pipeline.Classify(err))
}

func TestSummarizePreconditions(t *testing.T) {
	ok := backendFunc(func(ctx context.Context, key, system, user string) (string, error) { return "s", nil })

	_, err := New(Options{Backend: ok, APIKey: "k"}).Execute(context.Background(), analyzeInput("j", "   ", ""))
	assert.Equal(t, types.ErrorPermanent, pipeline.Classify(err))

	_, err = New(Options{Backend: ok}).Execute(context.Background(), analyzeInput("j", "text", ""))
	assert.Equal(t, types.ErrorPermanent, pipeline.Classify(err))
	assert.True(t, errors.Is(err, ErrNoAPIKey))

	_, err = New(Options{APIKey: "k"}).Execute(context.Background(), analyzeInput("j", "text", ""))
	assert.Equal(t, types.ErrorPermanent, pipeline.Classify(err))

	empty := backendFunc(func(ctx context.Context, key, system, user string) (string, error) { return " ", nil })
	_, err = New(Options{Backend: empty, APIKey: "k"}).Execute(context.Background(), analyzeInput("j", "text", ""))
	assert.Equal(t, types.ErrorTransient, pipeline.Classify(err))
}

func TestClassifyGemini(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"rate limited", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, types.ErrorTransient},
		{"overloaded", genai.APIError{Code: 503, Status: "UNAVAILABLE"}, types.ErrorTransient},
		{"bad key", genai.APIError{Code: 400, Message: "API key not valid", Status: "INVALID_ARGUMENT"}, types.ErrorPermanent},
		{"denied mentioning quota", genai.APIError{Code: 403, Message: "quota project 500 denied", Status: "PERMISSION_DENIED"}, types.ErrorPermanent},
		{"wrapped", fmt.Errorf("generate: %w", genai.APIError{Code: 401}), types.ErrorPermanent},
		{"pointer", &genai.APIError{Code: 502}, types.ErrorTransient},
		{"network", errors.New("dial tcp: connection refused 403"), types.ErrorTransient},
		{"deadline", context.DeadlineExceeded, types.ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pipeline.Classify(classifyGemini(tt.err)))
		})
	}
}

func TestGeminiStatusFromServer(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   types.ErrorKind
	}{
		{http.StatusForbidden, `{"error":{"code":403,"message":"quota exceeded, retry after 500ms","status":"PERMISSION_DENIED"}}`, types.ErrorPermanent},
		{http.StatusTooManyRequests, `{"error":{"code":429,"message":"slow down","status":"RESOURCE_EXHAUSTED"}}`, types.ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewGemini(srv.URL, "gemini-test").Complete(context.Background(), "key", "system", "user")
			require.Error(t, err)
			assert.Equal(t, tt.want, pipeline.Classify(err))
		})
	}
}

func TestBackendNames(t *testing.T) {
	assert.Equal(t, "openai:deepseek-chat", NewOpenAI("", "", nil).Name())
	assert.Equal(t, "gemini:"+DefaultGeminiModel, NewGemini("", "").Name())
}

type backendFunc func(ctx context.Context, key, system, user string) (string, error)

func (f backendFunc) Name() string { return "func" }

func (f backendFunc) Complete(ctx context.Context, key, system, user string) (string, error) {
	return f(ctx, key, system, user)
}
