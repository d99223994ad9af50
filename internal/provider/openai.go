package provider

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"orgcrm/internal/upstream"
)

const (
	OpenAIName         = "openai"
	OpenAIDefaultModel = openai.GPT3Dot5Turbo
)

type OpenAIConfig struct {
	APIKey string
	Model  string

	// BaseURL overrides the public API endpoint.
	BaseURL    string
	HTTPClient *http.Client
}

// OpenAI completes prompts with the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a new OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = cfg.HTTPClient
	if clientCfg.HTTPClient == nil {
		clientCfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}

	model := cfg.Model
	if model == "" {
		model = OpenAIDefaultModel
	}

	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), model: model}
}

func (o *OpenAI) Name() string {
	return OpenAIName
}

func (o *OpenAI) Model() string {
	return o.model
}

// Complete asks for a deterministic completion.
func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   DefaultMaxTokens,
		Temperature: math.SmallestNonzeroFloat32, // 0 is dropped by omitempty
	})
	if err != nil {
		return "", upstream.Wrap(OpenAIName, fmt.Errorf("failed to create chat completion: %w", err))
	}

	if len(resp.Choices) == 0 {
		return "", upstream.Wrap(OpenAIName, ErrEmptyCompletion)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", upstream.Wrap(OpenAIName, ErrEmptyCompletion)
	}
	return content, nil
}
