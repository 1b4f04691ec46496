package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"exceltranslator/pkg/apperr"

	"github.com/pelletier/go-toml/v2"
)

const (
	AppName    = "Excel-Translator"
	ConfigName = "config.toml"
)

// Provider names accepted in [llm].provider.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Cache backends accepted in [cache].backend.
const (
	CacheBackendJSON   = "json"
	CacheBackendSQLite = "sqlite"
)

// AppConfig represents the persistent application configuration.
type AppConfig struct {
	LLM         LLMConfig         `toml:"llm" json:"llm"`
	Translation TranslationConfig `toml:"translation" json:"translation"`
	Run         RunConfig         `toml:"run" json:"run"`
	Retry       RetryConfig       `toml:"retry" json:"retry"`
	Cache       CacheConfig       `toml:"cache" json:"cache"`
	Breaker     BreakerConfig     `toml:"breaker" json:"breaker"`
	Extractor   ExtractorConfig   `toml:"extractor" json:"extractor"`
}

type LLMConfig struct {
	Provider    string   `toml:"provider" json:"provider"`
	BaseURL     string   `toml:"base_url" json:"base_url"`
	APIKey      string   `toml:"api_key" json:"api_key"`
	Model       string   `toml:"model" json:"model"`
	Prompt      string   `toml:"prompt" json:"prompt"`
	Temperature float64  `toml:"temperature" json:"temperature"`
	Timeout     Duration `toml:"timeout" json:"timeout"`
}

// TranslationConfig is passed through unmodified to every backend call.
type TranslationConfig struct {
	SourceLang string `toml:"source_lang" json:"source_lang"`
	TargetLang string `toml:"target_lang" json:"target_lang"`
	Context    string `toml:"context" json:"context"`
}

type RunConfig struct {
	BatchSize         int  `toml:"batch_size" json:"batch_size"`
	MaxRetries        int  `toml:"max_retries" json:"max_retries"`
	ConcurrencyLimit  int  `toml:"concurrency_limit" json:"concurrency_limit"`
	SaveInterval      int  `toml:"save_interval" json:"save_interval"`
	ClearCacheAtStart bool `toml:"clear_cache_at_start" json:"clear_cache_at_start"`
	SkipBackup        bool `toml:"skip_backup" json:"skip_backup"`
}

// RetryConfig holds the backoff constants. The delay for attempt n is
// min(BaseDelay * 2^n, MaxDelay) with +/- Jitter applied as a fraction.
type RetryConfig struct {
	BaseDelay Duration `toml:"base_delay" json:"base_delay"`
	MaxDelay  Duration `toml:"max_delay" json:"max_delay"`
	Jitter    float64  `toml:"jitter" json:"jitter"`
}

type CacheConfig struct {
	Backend       string `toml:"backend" json:"backend"`
	Dir           string `toml:"dir" json:"dir"`
	MemoryEntries int    `toml:"memory_entries" json:"memory_entries"`
}

// BreakerConfig configures the circuit breaker in front of the backend.
// MaxFailures of 0 disables the breaker.
type BreakerConfig struct {
	MaxFailures uint32   `toml:"max_failures" json:"max_failures"`
	OpenTimeout Duration `toml:"open_timeout" json:"open_timeout"`
}

type ExtractorConfig struct {
	// DetectLanguage skips text already written in the target language when
	// source and target share a script.
	DetectLanguage bool `toml:"detect_language" json:"detect_language"`
}

// DefaultConfig returns the default configuration. The model and API key
// depend on the provider and are left to ResolveProvider.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			BaseURL:     "",
			Temperature: 0.1,
			Timeout:     Duration(90 * time.Second),
		},
		Translation: TranslationConfig{
			SourceLang: "zh",
			TargetLang: "en",
			Context:    "spreadsheet",
		},
		Run: RunConfig{
			BatchSize:        5,
			MaxRetries:       5,
			ConcurrencyLimit: 4,
			SaveInterval:     20,
		},
		Retry: RetryConfig{
			BaseDelay: Duration(time.Second),
			MaxDelay:  Duration(time.Minute),
			Jitter:    0.2,
		},
		Cache: CacheConfig{
			Backend:       CacheBackendJSON,
			Dir:           "translation_cache",
			MemoryEntries: 4096,
		},
		Breaker: BreakerConfig{
			MaxFailures: 10,
			OpenTimeout: Duration(30 * time.Second),
		},
	}
}

// Validate checks the bounds of every numeric setting and the enumerations.
func (c *AppConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Run.BatchSize < 1 {
		add("run.batch_size must be >= 1, got %d", c.Run.BatchSize)
	}
	if c.Run.MaxRetries < 0 {
		add("run.max_retries must be >= 0, got %d", c.Run.MaxRetries)
	}
	if c.Run.ConcurrencyLimit < 1 {
		add("run.concurrency_limit must be >= 1, got %d", c.Run.ConcurrencyLimit)
	}
	if c.Run.SaveInterval < 1 {
		add("run.save_interval must be >= 1, got %d", c.Run.SaveInterval)
	}
	if c.Retry.BaseDelay < 0 {
		add("retry.base_delay must not be negative")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry.max_delay (%s) must be >= retry.base_delay (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		add("retry.jitter must be in [0, 1), got %v", c.Retry.Jitter)
	}
	if c.LLM.Timeout <= 0 {
		add("llm.timeout must be positive")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		add("llm.provider %q is not supported (openai, gemini)", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		add("llm.model is required")
	}
	if strings.TrimSpace(c.Translation.SourceLang) == "" || strings.TrimSpace(c.Translation.TargetLang) == "" {
		add("translation.source_lang and translation.target_lang are required")
	}
	switch c.Cache.Backend {
	case CacheBackendJSON, CacheBackendSQLite:
	default:
		add("cache.backend %q is not supported (json, sqlite)", c.Cache.Backend)
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		add("cache.dir is required")
	}

	if len(problems) > 0 {
		return apperr.Configf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DefaultPath returns the full path to the configuration file.
// It ensures the configuration directory exists.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config dir: %w", err)
	}

	appConfigDir := filepath.Join(configDir, AppName)
	if err := os.MkdirAll(appConfigDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}

	return filepath.Join(appConfigDir, ConfigName), nil
}

// Load reads the configuration at path, or at DefaultPath when path is empty.
// Missing files yield the default configuration; keys absent from the file
// keep their default values.
func Load(path string) (*AppConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, apperr.Wrap(err, apperr.Configuration, "locate config file")
		}
		path = p
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Configuration, "failed to read config file").With("path", path)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, apperr.Wrap(err, apperr.Configuration, "failed to parse config file").With("path", path)
	}
	return cfg, nil
}

// DefaultModel returns the model used for provider when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case ProviderGemini:
		return "gemini-2.0-flash"
	default:
		return "gpt-4o"
	}
}

// APIKeyEnv returns the environment variable holding the API key of provider.
func APIKeyEnv(provider string) string {
	switch provider {
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// ResolveProvider fills the model and API key from the provider's defaults
// where they are empty. It must run after every override of the provider,
// so the key of one provider is never sent to another.
func (c *AppConfig) ResolveProvider() {
	if strings.TrimSpace(c.LLM.Model) == "" {
		c.LLM.Model = DefaultModel(c.LLM.Provider)
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv(APIKeyEnv(c.LLM.Provider))
	}
}
