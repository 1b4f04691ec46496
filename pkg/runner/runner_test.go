package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/checkpoint"
	"exceltranslator/pkg/config"
	"exceltranslator/pkg/llmservice"
	"exceltranslator/pkg/logger"
	"exceltranslator/pkg/translator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// fakeBackend translates deterministically and counts calls per text.
type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[string]int{}, fail: map[string]error{}}
}

func (b *fakeBackend) Translate(ctx context.Context, req llmservice.Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[req.Text]++
	if err, ok := b.fail[req.Text]; ok {
		return "", err
	}
	return "EN(" + req.Text + ")", nil
}

func (b *fakeBackend) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

var cells = map[string]any{
	"A1": "你好",
	"A2": "你好", // duplicate text, one backend call
	"A3": "世界",
	"A4": 123,
	"A5": "Hello",
	"A6": "早上好",
	"A7": "谢谢",
	"A8": "再见",
	"B1": "中文",
	"B2": "表格",
}

func writeInput(t *testing.T, dir string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for cell, v := range cells {
		require.NoError(t, f.SetCellValue("Sheet1", cell, v))
	}
	require.NoError(t, f.SetCellFormula("Sheet1", "C1", `IF(A4>1,"是","否")`))
	require.NoError(t, f.SetCellValue("Sheet1", "D1", "尾"))
	path := filepath.Join(dir, "input.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func testConfig(dir string) *config.AppConfig {
	cfg := config.DefaultConfig()
	cfg.LLM.APIKey = "unused"
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Run.BatchSize = 2
	cfg.Run.ConcurrencyLimit = 2
	cfg.Run.SaveInterval = 2
	cfg.Run.MaxRetries = 2
	cfg.Retry.BaseDelay = 0
	cfg.Retry.MaxDelay = 0
	cfg.Retry.Jitter = 0
	return cfg
}

func readSheet(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	out := map[string]string{}
	for _, cell := range []string{"A1", "A2", "A3", "A4", "A5", "A6", "A7", "A8", "B1", "B2", "D1"} {
		v, err := f.GetCellValue("Sheet1", cell)
		require.NoError(t, err)
		out[cell] = v
	}
	formula, err := f.GetCellFormula("Sheet1", "C1")
	require.NoError(t, err)
	out["C1"] = formula
	return out
}

func TestRunTranslatesWorkbook(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	output := filepath.Join(dir, "output.xlsx")
	backend := newFakeBackend()

	var states []State
	summary, err := RunTranslation(context.Background(), Options{
		InputPath:  input,
		OutputPath: output,
		Config:     testConfig(dir),
		Client:     backend,
		Logger:     logger.Discard(),
		Callbacks: TranslationCallbacks{
			OnStateChange: func(from, to State) { states = append(states, to) },
		},
	})
	require.NoError(t, err)

	assert.Equal(t, Done, summary.State)
	assert.Equal(t, []State{Extracting, Filtering, Dispatching, Merging, Finalizing, Done}, states)
	assert.Equal(t, 12, summary.TotalUnits, "9 string cells, 2 formula literals and D1")
	assert.Equal(t, 11, summary.EligibleUnits)
	assert.Equal(t, 10, summary.DistinctTexts)
	assert.Equal(t, 10, summary.NewlyTranslated)
	assert.Zero(t, summary.CacheHits)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, 1, backend.calls["你好"])
	assert.NotEmpty(t, summary.BackupPath)
	assert.FileExists(t, summary.BackupPath)

	got := readSheet(t, output)
	assert.Equal(t, "EN(你好)", got["A1"])
	assert.Equal(t, "EN(你好)", got["A2"])
	assert.Equal(t, "123", got["A4"])
	assert.Equal(t, "Hello", got["A5"])
	assert.Equal(t, `IF(A4>1,"EN(是)","EN(否)")`, got["C1"])

	// the input is never modified
	assert.Equal(t, "你好", readSheet(t, input)["A1"])

	cp, err := checkpoint.Load(checkpoint.PathFor(output))
	require.NoError(t, err)
	assert.True(t, cp.Completed)
}

func TestSecondRunUsesCacheOnly(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	cfg := testConfig(dir)
	cfg.Run.SkipBackup = true

	first := newFakeBackend()
	_, err := RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: filepath.Join(dir, "out1.xlsx"), Config: cfg, Client: first,
	})
	require.NoError(t, err)

	second := newFakeBackend()
	summary, err := RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: filepath.Join(dir, "out2.xlsx"), Config: cfg, Client: second,
	})
	require.NoError(t, err)

	assert.Zero(t, second.total(), "warm cache issues no backend calls")
	assert.Equal(t, 10, summary.CacheHits)
	assert.Zero(t, summary.NewlyTranslated)
	assert.Equal(t, readSheet(t, filepath.Join(dir, "out1.xlsx")), readSheet(t, filepath.Join(dir, "out2.xlsx")))
}

func TestClearCacheAtStart(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	cfg := testConfig(dir)
	cfg.Run.SkipBackup = true

	_, err := RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: filepath.Join(dir, "out.xlsx"), Config: cfg, Client: newFakeBackend(),
	})
	require.NoError(t, err)

	cfg.Run.ClearCacheAtStart = true
	backend := newFakeBackend()
	_, err = RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: filepath.Join(dir, "out.xlsx"), Config: cfg, Client: backend,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, backend.total())
}

func TestPartialFailureStillCompletes(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	output := filepath.Join(dir, "output.xlsx")
	backend := newFakeBackend()
	backend.fail["世界"] = &llmservice.BackendError{Kind: llmservice.Transient, Err: errors.New("503")}

	summary, err := RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: output, Config: testConfig(dir), Client: backend,
	})
	require.NoError(t, err)
	assert.Equal(t, Done, summary.State)
	assert.Equal(t, 3, backend.calls["世界"], "max_retries 2 means 3 attempts")

	require.Len(t, summary.Failed, 1)
	gap := summary.Failed[0]
	assert.Equal(t, "世界", gap.OriginalText)
	assert.Equal(t, []string{"Sheet1!A3"}, gap.Locations)

	got := readSheet(t, output)
	assert.Equal(t, "世界", got["A3"])
	assert.Equal(t, "EN(你好)", got["A1"])

	var buf bytes.Buffer
	summary.Report(&buf)
	assert.Contains(t, buf.String(), "untranslated:     1")
	assert.Contains(t, buf.String(), "Sheet1!A3")
}

func TestFatalBackendErrorFailsRun(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	output := filepath.Join(dir, "output.xlsx")
	unauthorized := llmservice.ClientFunc(func(ctx context.Context, req llmservice.Request) (string, error) {
		return "", &llmservice.BackendError{Kind: llmservice.Invalid, StatusCode: 401, Fatal: true, Err: errors.New("bad key")}
	})

	summary, err := RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: output, Config: testConfig(dir), Client: unauthorized,
	})
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.Backend))
	assert.Equal(t, Failed, summary.State)

	cp, err := checkpoint.Load(checkpoint.PathFor(output))
	require.NoError(t, err, "best-effort checkpoint on failure")
	assert.False(t, cp.Completed)
}

func TestInvalidConfigFailsBeforeWork(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	cfg := testConfig(dir)
	cfg.Run.BatchSize = 0
	backend := newFakeBackend()

	summary, err := RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: filepath.Join(dir, "out.xlsx"), Config: cfg, Client: backend,
	})
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.Configuration))
	assert.Equal(t, Failed, summary.State)
	assert.Zero(t, backend.total())
	assert.NoFileExists(t, filepath.Join(dir, "out.xlsx"))
}

func TestMissingInputIsDocumentError(t *testing.T) {
	dir := t.TempDir()
	_, err := RunTranslation(context.Background(), Options{
		InputPath: filepath.Join(dir, "nope.xlsx"), OutputPath: filepath.Join(dir, "out.xlsx"),
		Config: testConfig(dir), Client: newFakeBackend(),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.DocumentIO))
}

func TestInterruptedRunResumesToSameOutput(t *testing.T) {
	// reference: one uninterrupted run
	refDir := t.TempDir()
	refInput := writeInput(t, refDir)
	refOutput := filepath.Join(refDir, "output.xlsx")
	_, err := RunTranslation(context.Background(), Options{
		InputPath: refInput, OutputPath: refOutput, Config: testConfig(refDir), Client: newFakeBackend(),
	})
	require.NoError(t, err)

	dir := t.TempDir()
	input := writeInput(t, dir)
	output := filepath.Join(dir, "output.xlsx")
	cfg := testConfig(dir)
	cfg.Run.ConcurrencyLimit = 1
	cfg.Run.BatchSize = 1
	cfg.Run.SaveInterval = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	translated := 0
	first := newFakeBackend()
	summary, err := RunTranslation(ctx, Options{
		InputPath: input, OutputPath: output, Config: cfg, Client: first,
		Callbacks: TranslationCallbacks{
			TranslationCallbacks: translator.TranslationCallbacks{
				OnTranslated: func(original, result string) {
					translated++
					if translated == 4 {
						cancel()
					}
				},
			},
		},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.Canceled))
	assert.Equal(t, Interrupted, summary.State)
	assert.Equal(t, 4, first.total())

	cp, err := checkpoint.Load(checkpoint.PathFor(output))
	require.NoError(t, err)
	assert.False(t, cp.Completed)
	assert.Equal(t, 4, cp.ProcessedCount)

	second := newFakeBackend()
	summary, err = RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: output, Config: cfg, Client: second,
	})
	require.NoError(t, err)
	assert.True(t, summary.Resumed)
	assert.Empty(t, summary.BackupPath, "no second backup when resuming")
	assert.Equal(t, 10, first.total()+second.total(), "no text is translated twice")
	assert.Equal(t, readSheet(t, refOutput), readSheet(t, output))
}

func TestCheckpointSnapshotIsValidWorkbook(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	output := filepath.Join(dir, "output.xlsx")
	cfg := testConfig(dir)
	cfg.Run.ConcurrencyLimit = 1
	cfg.Run.BatchSize = 1
	cfg.Run.SaveInterval = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	_, err := RunTranslation(ctx, Options{
		InputPath: input, OutputPath: output, Config: cfg, Client: newFakeBackend(),
		Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
		Callbacks: TranslationCallbacks{
			TranslationCallbacks: translator.TranslationCallbacks{
				OnTranslated: func(string, string) {
					if n++; n == 2 {
						cancel()
					}
				},
			},
		},
	})
	require.Error(t, err)

	got := readSheet(t, output)
	translatedCells := 0
	for _, v := range got {
		if len(v) > 3 && v[:3] == "EN(" {
			translatedCells++
		}
	}
	assert.Positive(t, translatedCells, "partial output holds the translations made so far")

	_, err = os.Stat(input + ".backup_20240101_000000")
	assert.NoError(t, err)
}

func TestInterruptBeforeDispatchOfCachedWorkbook(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	cfg := testConfig(dir)
	cfg.Run.SkipBackup = true

	_, err := RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: filepath.Join(dir, "out1.xlsx"), Config: cfg, Client: newFakeBackend(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := newFakeBackend()
	output := filepath.Join(dir, "out2.xlsx")
	summary, err := RunTranslation(ctx, Options{
		InputPath: input, OutputPath: output, Config: cfg, Client: backend,
	})
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.Canceled))
	assert.Equal(t, Interrupted, summary.State)
	assert.Zero(t, backend.total())

	cp, err := checkpoint.Load(checkpoint.PathFor(output))
	require.NoError(t, err)
	assert.False(t, cp.Completed)
}

func TestFreshRunDropsStaleCheckpoint(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "broken.xlsx")
	require.NoError(t, os.WriteFile(input, []byte("not a zip archive"), 0o644))
	output := filepath.Join(dir, "out.xlsx")
	stale := checkpoint.PathFor(output)
	require.NoError(t, os.WriteFile(stale, []byte(`{"version":1,"input_digest":"other"}`), 0o644))

	cfg := testConfig(dir)
	cfg.Run.SkipBackup = true
	summary, err := RunTranslation(context.Background(), Options{
		InputPath: input, OutputPath: output, Config: cfg, Client: newFakeBackend(),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.DocumentIO))
	assert.Equal(t, Failed, summary.State)
	assert.NoFileExists(t, stale)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Dispatching", Dispatching.String())
	assert.True(t, Interrupted.Terminal())
	assert.False(t, Merging.Terminal())
}
