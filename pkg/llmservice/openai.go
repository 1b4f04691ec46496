package llmservice

import (
	"context"
	"strings"
	"time"

	"exceltranslator/pkg/logger"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig holds the configuration for an OpenAI-compatible backend.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Prompt      string // replaces the default system prompt when set
	Temperature float64
	Timeout     time.Duration
}

// OpenAIClient translates through the chat completions streaming API.
type OpenAIClient struct {
	config OpenAIConfig
	client *openai.Client
	logger *logger.Logger
}

// NewOpenAIClient creates a client. The SDK's own retries are disabled; the
// caller's retry policy owns retrying.
func NewOpenAIClient(config OpenAIConfig, log *logger.Logger) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	client := openai.NewClient(opts...)
	return &OpenAIClient{
		config: config,
		client: &client,
		logger: log,
	}
}

// Translate streams the completion and returns the concatenated, trimmed deltas.
func (c *OpenAIClient) Translate(ctx context.Context, req Request) (string, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	system, user := BuildPrompt(req, c.config.Prompt)
	c.logger.Tracef("Sending request to %s for text: %s", c.config.Model, logger.Truncate(req.Text, 80))

	stream := c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model:       c.config.Model,
		Temperature: openai.Float(c.config.Temperature),
	})
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return "", Classify(err)
	}

	result := strings.TrimSpace(sb.String())
	if result == "" {
		return "", &BackendError{Kind: Invalid, Err: ErrEmptyTranslation}
	}
	c.logger.Tracef("Received translation result: %s", logger.Truncate(result, 200))
	return result, nil
}
