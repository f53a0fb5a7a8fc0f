package rag

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/prompt"
)

// GenerationParams tune one completion call. A zero Temperature or
// TopP defers to the backend default.
type GenerationParams struct {
	Model       string
	Temperature float32
	TopP        float32
	MaxTokens   int
}

// Generator produces an answer from a chat transcript. Implementations
// wrap one LLM backend.
type Generator interface {
	Complete(ctx context.Context, messages []prompt.ChatMessage, params GenerationParams) (string, error)
	DefaultModel() string
	Close() error
}

// DefaultOpenAIKeyEnv names the API key variable the OpenAI generator
// reads when the config names none.
const DefaultOpenAIKeyEnv = "OPENAI_API_KEY"

// OpenAIConfig configures the OpenAI-compatible generator. BaseURL
// points it at any server speaking the chat completions API, in which
// case the API key becomes optional.
type OpenAIConfig struct {
	Model     string        `yaml:"model" json:"model"`
	APIKeyEnv string        `yaml:"api_key_env" json:"api_key_env,omitempty"`
	BaseURL   string        `yaml:"api_base_url" json:"api_base_url,omitempty"`
	MaxTokens int           `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// OpenAIGenerator answers through the chat completions API.
type OpenAIGenerator struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator builds the generator, resolving the API key from
// the environment at construction so a missing key fails fast.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = DefaultOpenAIKeyEnv
	}
	key := os.Getenv(keyEnv)
	if key == "" && cfg.BaseURL == "" {
		return nil, mmerrors.Newf(mmerrors.KindProviderAuth,
			"environment variable %s is not set", keyEnv).
			WithDetail("provider", "openai")
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIGenerator{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// Complete runs one chat completion.
func (g *OpenAIGenerator) Complete(ctx context.Context, messages []prompt.ChatMessage, params GenerationParams) (string, error) {
	if len(messages) == 0 {
		return "", mmerrors.Newf(mmerrors.KindConfigInvalid, "no messages to complete")
	}

	chat := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		chat[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	model := params.Model
	if model == "" {
		model = g.DefaultModel()
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    chat,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}
	req.MaxTokens = params.MaxTokens
	if req.MaxTokens == 0 {
		req.MaxTokens = g.cfg.MaxTokens
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", g.classifyError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", mmerrors.Newf(mmerrors.KindTransport, "openai returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// DefaultModel returns the configured model or the library default.
func (g *OpenAIGenerator) DefaultModel() string {
	if g.cfg.Model != "" {
		return g.cfg.Model
	}
	return openai.GPT4oMini
}

// Close releases the generator. The HTTP client needs no teardown.
func (g *OpenAIGenerator) Close() error { return nil }

// classifyError maps client errors onto the error taxonomy.
func (g *OpenAIGenerator) classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return mmerrors.Wrap(mmerrors.KindCancelled, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mmerrors.Wrap(mmerrors.KindTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyChatStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= 400 {
		return classifyChatStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return mmerrors.Wrap(mmerrors.KindTransport, err)
}

func classifyChatStatus(status int, msg string) error {
	msg = strings.TrimSpace(msg)
	if len(msg) > 200 {
		msg = msg[:200]
	}

	var kind mmerrors.Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = mmerrors.KindProviderAuth
	case status == http.StatusNotFound:
		kind = mmerrors.KindModelNotFound
	case status == http.StatusTooManyRequests:
		kind = mmerrors.KindRateLimited
	case status >= 500:
		kind = mmerrors.KindRemoteUnavailable
	default:
		kind = mmerrors.KindTransport
	}
	return mmerrors.Newf(kind, "openai chat request failed with status %d: %s", status, msg).
		WithDetail("provider", "openai").
		WithDetail("status", strconv.Itoa(status))
}
