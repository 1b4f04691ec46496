package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/config"
	"exceltranslator/pkg/logger"
	"exceltranslator/pkg/runner"
	"exceltranslator/pkg/translator"
	"exceltranslator/pkg/workbook"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// flags holds values that are not part of the persistent configuration.
type flags struct {
	ConfigFile string
	Input      string
	Output     string
	LogLevel   string
	LogFile    string
}

// overrides maps flag names (and XLT_* environment variables) onto the
// configuration. Only flags that were set, or whose variable is present,
// override the config file.
var overrides = []struct {
	key   string
	apply func(v *viper.Viper, cfg *config.AppConfig)
}{
	{"provider", func(v *viper.Viper, c *config.AppConfig) { c.LLM.Provider = v.GetString("provider") }},
	{"model", func(v *viper.Viper, c *config.AppConfig) { c.LLM.Model = v.GetString("model") }},
	{"base-url", func(v *viper.Viper, c *config.AppConfig) { c.LLM.BaseURL = v.GetString("base-url") }},
	{"api-key", func(v *viper.Viper, c *config.AppConfig) { c.LLM.APIKey = v.GetString("api-key") }},
	{"timeout", func(v *viper.Viper, c *config.AppConfig) { c.LLM.Timeout = config.Duration(v.GetDuration("timeout")) }},
	{"source-lang", func(v *viper.Viper, c *config.AppConfig) { c.Translation.SourceLang = v.GetString("source-lang") }},
	{"target-lang", func(v *viper.Viper, c *config.AppConfig) { c.Translation.TargetLang = v.GetString("target-lang") }},
	{"context", func(v *viper.Viper, c *config.AppConfig) { c.Translation.Context = v.GetString("context") }},
	{"batch-size", func(v *viper.Viper, c *config.AppConfig) { c.Run.BatchSize = v.GetInt("batch-size") }},
	{"max-retries", func(v *viper.Viper, c *config.AppConfig) { c.Run.MaxRetries = v.GetInt("max-retries") }},
	{"concurrency", func(v *viper.Viper, c *config.AppConfig) { c.Run.ConcurrencyLimit = v.GetInt("concurrency") }},
	{"save-interval", func(v *viper.Viper, c *config.AppConfig) { c.Run.SaveInterval = v.GetInt("save-interval") }},
	{"no-backup", func(v *viper.Viper, c *config.AppConfig) { c.Run.SkipBackup = v.GetBool("no-backup") }},
	{"clear-cache", func(v *viper.Viper, c *config.AppConfig) { c.Run.ClearCacheAtStart = v.GetBool("clear-cache") }},
	{"cache-dir", func(v *viper.Viper, c *config.AppConfig) { c.Cache.Dir = v.GetString("cache-dir") }},
	{"cache-backend", func(v *viper.Viper, c *config.AppConfig) { c.Cache.Backend = v.GetString("cache-backend") }},
	{"detect-language", func(v *viper.Viper, c *config.AppConfig) { c.Extractor.DetectLanguage = v.GetBool("detect-language") }},
}

// app carries what a command run needs besides its flags; tests swap it.
type app struct {
	stdout io.Writer
	stderr io.Writer
	run    func(ctx context.Context, opts runner.Options) (*runner.Summary, error)
	code   int
}

func newRootCommand(a *app) *cobra.Command {
	f := &flags{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "xlsxtranslate [INPUT] -o OUTPUT",
		Short: "Translate the text of an Excel workbook",
		Long: `xlsxtranslate translates text cells and string literals inside formulas of
an .xlsx workbook with an LLM backend, keeping every other part of the
workbook unchanged.

Translations are cached, so re-running on the same or a similar workbook
only calls the backend for new text. An interrupted run (Ctrl+C) saves its
progress and resumes when started again with the same arguments.

Examples:
  xlsxtranslate report.xlsx -o report_en.xlsx
  xlsxtranslate -i report.xlsx -o report_ja.xlsx --target-lang ja --context "finance"`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Input = args[0]
			}
			return a.execute(cmd.Context(), v, f)
		},
	}

	cmd.Flags().StringVar(&f.ConfigFile, "config", "", "config file (default is <user config dir>/Excel-Translator/config.toml)")
	cmd.Flags().StringVarP(&f.Input, "input", "i", "", "input Excel file")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "output Excel file (required)")
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "INFO", "log level: TRACE, DEBUG, INFO, WARN, ERROR")
	cmd.Flags().StringVar(&f.LogFile, "log-file", "", "also write the log to this file")

	cmd.Flags().String("provider", config.ProviderOpenAI, "backend provider: openai or gemini")
	cmd.Flags().String("model", "", "model identifier")
	cmd.Flags().String("base-url", "", "API base URL of an OpenAI-compatible or Gemini endpoint")
	cmd.Flags().String("api-key", "", "API key (default from OPENAI_API_KEY or GEMINI_API_KEY)")
	cmd.Flags().Duration("timeout", 90*time.Second, "timeout of a single backend call")
	cmd.Flags().String("source-lang", "zh", "source language code")
	cmd.Flags().String("target-lang", "en", "target language code")
	cmd.Flags().StringP("context", "c", "", "context passed to every translation")
	cmd.Flags().IntP("batch-size", "b", 5, "texts per batch")
	cmd.Flags().IntP("max-retries", "r", 5, "retries per text after the first attempt")
	cmd.Flags().Int("concurrency", 4, "maximum concurrent backend calls")
	cmd.Flags().IntP("save-interval", "s", 20, "checkpoint every N translated texts")
	cmd.Flags().Bool("no-backup", false, "do not back up the input file")
	cmd.Flags().Bool("clear-cache", false, "clear the translation cache before starting")
	cmd.Flags().String("cache-dir", "", "translation cache directory")
	cmd.Flags().String("cache-backend", "", "cache backend: json or sqlite")
	cmd.Flags().Bool("detect-language", false, "skip text already in the target language")

	_ = v.BindPFlags(cmd.Flags())
	v.SetEnvPrefix("XLT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	return cmd
}

// loadConfig reads the config file and applies command-line and environment
// overrides on top.
func loadConfig(v *viper.Viper, path string) (*config.AppConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(v, cfg)
		}
	}
	cfg.ResolveProvider()
	return cfg, cfg.Validate()
}

func (a *app) execute(ctx context.Context, v *viper.Viper, f *flags) error {
	input := strings.Trim(f.Input, `"'`)
	output := strings.Trim(f.Output, `"'`)
	if input == "" || output == "" {
		a.code = exitFailure
		return apperr.Configf("both an input file and --output are required")
	}
	if !workbook.IsWorkbook(input) {
		a.code = exitFailure
		return apperr.Configf("input must be an .xlsx workbook: %s", input)
	}

	cfg, err := loadConfig(v, f.ConfigFile)
	if err != nil {
		a.code = exitFailure
		return err
	}

	f.LogLevel, f.LogFile = v.GetString("log-level"), v.GetString("log-file")
	log, err := newLogger(a.stdout, f)
	if err != nil {
		a.code = exitFailure
		return err
	}
	defer log.Close()

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		a.code = exitFailure
		return apperr.Wrap(err, apperr.DocumentIO, "create output directory")
	}

	log.Infof("Translating %s -> %s (%s to %s, %s/%s)", input, output,
		cfg.Translation.SourceLang, cfg.Translation.TargetLang, cfg.LLM.Provider, cfg.LLM.Model)

	summary, err := a.run(ctx, runner.Options{
		InputPath:  input,
		OutputPath: output,
		Config:     cfg,
		Logger:     log,
		Callbacks: runner.TranslationCallbacks{
			TranslationCallbacks: progressCallbacks(log),
		},
	})
	if summary != nil && summary.State != runner.Init {
		summary.Report(a.stdout)
	}

	switch {
	case err == nil:
		a.code = exitOK
	case apperr.IsType(err, apperr.Canceled), errors.Is(err, context.Canceled):
		a.code = exitInterrupted
	default:
		a.code = exitFailure
	}
	return err
}

func newLogger(stdout io.Writer, f *flags) (*logger.Logger, error) {
	level, err := logger.ParseLevel(f.LogLevel)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Configuration, "invalid --log-level")
	}
	var log *logger.Logger
	if f.LogFile != "" {
		log, err = logger.NewFileLogger(f.LogFile, 200)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.Configuration, "open log file")
		}
	} else {
		log = logger.New(stdout, 200)
	}
	log.SetLevel(level)
	return log, nil
}

func progressCallbacks(log *logger.Logger) (cb translator.TranslationCallbacks) {
	cb.OnTranslated = func(original, translated string) {
		log.Infof("Translated: %s -> %s", logger.Truncate(original, 40), logger.Truncate(translated, 40))
	}
	cb.OnProgress = func(phase string, done, total int) {
		if phase == "translate" && total > 0 && (done == total || done%10 == 0) {
			log.Infof("Progress: %d/%d (%.0f%%)", done, total, float64(done)*100/float64(total))
		}
	}
	return cb
}

func exitMessage(w io.Writer, err error) {
	if err == nil {
		return
	}
	if apperr.IsType(err, apperr.Canceled) {
		fmt.Fprintln(w, "Interrupted:", err)
		return
	}
	fmt.Fprintln(w, "Error:", err)
}
