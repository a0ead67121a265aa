package dialog

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// defaultSystemPrompt keeps model replies short enough to synthesise and
// play within a conversational pause.
const defaultSystemPrompt = "You are a voice assistant. Reply in one or two short " +
	"spoken sentences. Never use markdown, lists, or emoji."

// OpenAIOption is a functional option for OpenAIPolicy.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	baseURL      string
	systemPrompt string
	timeout      time.Duration
	maxTokens    int
}

// WithBaseURL overrides the default OpenAI API base URL. Any endpoint
// speaking the chat completions protocol works, including local servers.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) {
		c.baseURL = url
	}
}

// WithSystemPrompt replaces the default voice-assistant system prompt.
func WithSystemPrompt(prompt string) OpenAIOption {
	return func(c *openaiConfig) {
		c.systemPrompt = prompt
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openaiConfig) {
		c.timeout = d
	}
}

// WithMaxTokens caps the reply length in completion tokens.
func WithMaxTokens(n int) OpenAIOption {
	return func(c *openaiConfig) {
		c.maxTokens = n
	}
}

// OpenAIPolicy delegates the reply decision to an OpenAI chat model. Each
// turn is decided independently; no conversation history is carried, which
// keeps decision latency flat regardless of call length.
type OpenAIPolicy struct {
	client       oai.Client
	model        string
	systemPrompt string
	maxTokens    int
}

var _ Policy = (*OpenAIPolicy)(nil)

// NewOpenAIPolicy constructs an OpenAI-backed policy.
func NewOpenAIPolicy(apiKey, model string, opts ...OpenAIOption) (*OpenAIPolicy, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("dialog: openai apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("dialog: openai model must not be empty")
	}

	cfg := &openaiConfig{
		systemPrompt: defaultSystemPrompt,
		maxTokens:    120,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &OpenAIPolicy{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: cfg.systemPrompt,
		maxTokens:    cfg.maxTokens,
	}, nil
}

// Decide implements Policy.
func (p *OpenAIPolicy) Decide(ctx context.Context, transcript string) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", nil
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(p.systemPrompt),
			oai.UserMessage(transcript),
		},
		MaxCompletionTokens: param.NewOpt(int64(p.maxTokens)),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("dialog: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("dialog: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
