// Package llmservice wraps the translation backends behind a single-call
// contract: submit one text, get back its translation or a classified error.
package llmservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/config"
	"exceltranslator/pkg/logger"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Request is one unit of work for a backend.
type Request struct {
	Text       string
	Context    string
	SourceLang string
	TargetLang string
	// Timeout bounds this single call. Zero means no per-call bound.
	Timeout time.Duration
}

// Client translates one text. Whether the provider streams tokens or blocks is
// invisible to callers: the call resolves to the full text or an error.
type Client interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Translate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// DefaultPrompt is the system prompt template. %[1]s is the source language
// name, %[2]s the target language name.
const DefaultPrompt = "You are a direct %[1]s-to-%[2]s translator. ONLY translate the exact %[1]s text provided. " +
	"Do not add ANY formatting, explanations, or extra words. Keep punctuation, numbers, " +
	"and special characters exactly as they appear in the original. Your job is ONLY literal translation."

// BuildPrompt returns the system and user messages for req. A non-empty
// custom prompt replaces the default system prompt verbatim.
func BuildPrompt(req Request, custom string) (system, user string) {
	src, tgt := LanguageName(req.SourceLang), LanguageName(req.TargetLang)
	system = custom
	if strings.TrimSpace(system) == "" {
		system = fmt.Sprintf(DefaultPrompt, src, tgt)
	}
	if req.Context != "" {
		system += "\nContext: " + req.Context
	}
	user = fmt.Sprintf("Translate this text to %s (provide ONLY the direct translation without ANY additional text): %s", tgt, req.Text)
	return system, user
}

// LanguageName returns the English name of a BCP 47 code, or the code itself.
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

// New builds the Client for the configured provider, wrapped in a circuit
// breaker when breaker.MaxFailures > 0.
func New(ctx context.Context, llm config.LLMConfig, breaker config.BreakerConfig, log *logger.Logger) (Client, error) {
	if strings.TrimSpace(llm.APIKey) == "" {
		return nil, apperr.Configf("no API key configured for provider %q", llm.Provider)
	}

	var (
		client Client
		err    error
	)
	switch llm.Provider {
	case config.ProviderOpenAI:
		client = NewOpenAIClient(OpenAIConfig{
			BaseURL:     llm.BaseURL,
			APIKey:      llm.APIKey,
			Model:       llm.Model,
			Prompt:      llm.Prompt,
			Temperature: llm.Temperature,
			Timeout:     llm.Timeout.D(),
		}, log)
	case config.ProviderGemini:
		client, err = NewGeminiClient(ctx, GeminiConfig{
			BaseURL:     llm.BaseURL,
			APIKey:      llm.APIKey,
			Model:       llm.Model,
			Prompt:      llm.Prompt,
			Temperature: llm.Temperature,
		}, log)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.Configuration, "create gemini client")
		}
	default:
		return nil, apperr.Configf("unsupported provider %q", llm.Provider)
	}

	if breaker.MaxFailures > 0 {
		client = NewBreaker(client, llm.Provider, breaker.MaxFailures, breaker.OpenTimeout.D(), log)
	}
	return client, nil
}
