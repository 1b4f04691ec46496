package llmservice

import (
	"context"
	"strings"

	"exceltranslator/pkg/logger"

	"google.golang.org/genai"
)

// GeminiConfig holds the configuration for the Gemini backend.
type GeminiConfig struct {
	BaseURL     string // overrides the public Gemini API endpoint when set
	APIKey      string
	Model       string
	Prompt      string
	Temperature float64
}

// GeminiClient is a blocking backend over the official genai client.
type GeminiClient struct {
	cli    *genai.Client
	config GeminiConfig
	logger *logger.Logger
}

func NewGeminiClient(ctx context.Context, config GeminiConfig, log *logger.Logger) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		cc.HTTPOptions.BaseURL = config.BaseURL
	}
	cli, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &GeminiClient{cli: cli, config: config, logger: log}, nil
}

func (g *GeminiClient) Translate(ctx context.Context, req Request) (string, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	system, user := BuildPrompt(req, g.config.Prompt)
	temperature := float32(g.config.Temperature)

	resp, err := g.cli.Models.GenerateContent(ctx, g.config.Model,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: user}}}},
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
			Temperature:       &temperature,
		},
	)
	if err != nil {
		return "", Classify(err)
	}

	var sb strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil {
				sb.WriteString(part.Text)
			}
		}
	}
	result := strings.TrimSpace(sb.String())
	if result == "" {
		return "", &BackendError{Kind: Invalid, Err: ErrEmptyTranslation}
	}
	g.logger.Tracef("Gemini translated %s -> %s", logger.Truncate(req.Text, 80), logger.Truncate(result, 200))
	return result, nil
}
