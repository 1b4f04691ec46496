// Package runner drives one translation run of a workbook from extraction
// to the final save.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/cache"
	"exceltranslator/pkg/checkpoint"
	"exceltranslator/pkg/config"
	"exceltranslator/pkg/fsutil"
	"exceltranslator/pkg/llmservice"
	"exceltranslator/pkg/logger"
	"exceltranslator/pkg/textextractor"
	"exceltranslator/pkg/translator"
	"exceltranslator/pkg/workbook"
)

// TranslationCallbacks 定义翻译流程中的回调。
type TranslationCallbacks struct {
	translator.TranslationCallbacks
	OnStateChange func(from, to State)
	OnComplete    func(summary *Summary, err error)
}

// Options describe one run. Client and Store are optional; when nil they are
// built from Config and owned by the run.
type Options struct {
	InputPath  string
	OutputPath string
	Config     *config.AppConfig
	Client     llmservice.Client
	Store      cache.Store
	Logger     *logger.Logger
	Callbacks  TranslationCallbacks
	Now        func() time.Time
}

// Orchestrator runs the state machine
// Init → Extracting → Filtering → Dispatching → Merging → Finalizing → Done.
type Orchestrator struct {
	opts Options
	cfg  *config.AppConfig
	log  *logger.Logger

	mu    sync.Mutex
	state State

	store      cache.Store
	ownsStore  bool
	client     llmservice.Client
	filter     *textextractor.Filter
	keyer      cache.Keyer
	doc        *workbook.Document
	checkpoint *checkpoint.Manager

	// fingerprint -> translation for everything known so far in this run
	resultsMu sync.Mutex
	results   map[string]string
	eligible  []unitWithKey

	summary *Summary
}

type unitWithKey struct {
	unit        workbook.TextUnit
	fingerprint string
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	return &Orchestrator{
		opts:    opts,
		cfg:     opts.Config,
		log:     opts.Logger,
		results: make(map[string]string),
		summary: &Summary{OutputPath: opts.OutputPath},
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	o.log.Debugf("Run state %s -> %s", from, to)
	if cb := o.opts.Callbacks.OnStateChange; cb != nil {
		cb(from, to)
	}
}

func (o *Orchestrator) advance(from State) {
	if o.State() != from {
		panic(fmt.Sprintf("runner: advance from %s while in %s", from, o.State()))
	}
	o.transition(next[from])
}

// Run executes the whole run. A run with untranslatable texts still ends in
// Done; they are listed in Summary.Failed. Interruption through ctx ends in
// Interrupted with an apperr.Canceled error once a checkpoint is written.
func (o *Orchestrator) Run(ctx context.Context) (summary *Summary, err error) {
	start := o.opts.Now()
	defer func() {
		o.summary.State = o.State()
		o.summary.Elapsed = o.opts.Now().Sub(start)
		o.close()
		if cb := o.opts.Callbacks.OnComplete; cb != nil {
			cb(o.summary, err)
		}
	}()

	if err := o.init(ctx); err != nil {
		return o.summary, o.fail(err)
	}
	o.advance(Init)

	units, err := o.extract()
	if err != nil {
		return o.summary, o.fail(err)
	}
	o.advance(Extracting)

	tasks := o.filterUnits(units)
	o.advance(Filtering)

	report, err := o.dispatch(ctx, tasks)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return o.summary, o.interrupt(err)
		}
		return o.summary, o.fail(err)
	}
	o.advance(Dispatching)

	replacements := o.merge(report)
	o.advance(Merging)

	if err := o.finalize(replacements); err != nil {
		return o.summary, o.fail(err)
	}
	o.advance(Finalizing)

	o.log.Infof("Translation finished: %d new, %d from cache, %d untranslated",
		o.summary.NewlyTranslated, o.summary.CacheHits, len(o.summary.Failed))
	return o.summary, nil
}

func (o *Orchestrator) init(ctx context.Context) error {
	o.cfg.ResolveProvider()
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	if o.opts.InputPath == "" || o.opts.OutputPath == "" {
		return apperr.Configf("input and output paths are required")
	}
	if _, err := os.Stat(o.opts.InputPath); err != nil {
		return apperr.Wrap(err, apperr.DocumentIO, "input workbook not readable").With("path", o.opts.InputPath)
	}

	tr := o.cfg.Translation
	filter, err := textextractor.NewFilter(tr.SourceLang, tr.TargetLang, o.cfg.Extractor.DetectLanguage)
	if err != nil {
		return apperr.Wrap(err, apperr.Configuration, "unsupported source language")
	}
	o.filter = filter
	o.keyer = cache.Keyer{SourceLang: tr.SourceLang, TargetLang: tr.TargetLang, Context: tr.Context}

	o.store = o.opts.Store
	if o.store == nil {
		store, err := cache.Open(o.cfg.Cache.Backend, o.cfg.Cache.Dir, o.cfg.Cache.MemoryEntries, o.log)
		if err != nil {
			return err
		}
		o.store, o.ownsStore = store, true
	}

	o.client = o.opts.Client
	if o.client == nil {
		client, err := llmservice.New(ctx, o.cfg.LLM, o.cfg.Breaker, o.log)
		if err != nil {
			return err
		}
		o.client = client
	}

	digest, err := checkpoint.DigestFile(o.opts.InputPath)
	if err != nil {
		return apperr.Wrap(err, apperr.DocumentIO, "read input workbook").With("path", o.opts.InputPath)
	}
	o.checkpoint = checkpoint.NewManager(checkpoint.Options{
		Path:         checkpoint.PathFor(o.opts.OutputPath),
		Interval:     o.cfg.Run.SaveInterval,
		Store:        o.store,
		CacheRef:     o.cfg.Cache.Dir,
		DocumentPath: o.opts.OutputPath,
		Snapshot:     o.snapshot,
		Identity: checkpoint.Identity{
			InputPath:   o.opts.InputPath,
			InputDigest: digest,
			Settings: fmt.Sprintf("%s>%s|%s|%s/%s", tr.SourceLang, tr.TargetLang, tr.Context,
				o.cfg.LLM.Provider, o.cfg.LLM.Model),
		},
		Logger: o.log,
		Now:    o.opts.Now,
	})

	if cp, ok := o.checkpoint.Resume(); ok {
		o.summary.Resumed = true
		o.log.Infof("Resuming run from checkpoint of %s (%d/%d processed)",
			cp.Timestamp.Local().Format(time.DateTime), cp.ProcessedCount, cp.TotalCount)
		if o.cfg.Run.ClearCacheAtStart {
			o.log.Warnf("Not clearing the cache: it holds the progress of the run being resumed")
		}
	} else {
		// a record of another or finished run must not describe this one
		if err := o.checkpoint.Remove(); err != nil {
			o.log.Warnf("Failed to remove stale checkpoint: %v", err)
		}
		if o.cfg.Run.ClearCacheAtStart {
			if err := o.store.Clear(); err != nil {
				o.log.Warnf("Failed to clear cache: %v", err)
			} else {
				o.log.Infof("Cache cleared")
			}
		}
		if !o.cfg.Run.SkipBackup {
			backup, err := workbook.Backup(o.opts.InputPath, o.opts.Now())
			if err != nil {
				return err
			}
			o.summary.BackupPath = backup
			o.log.Infof("Backup created: %s", backup)
		}
		if o.opts.OutputPath != o.opts.InputPath {
			if err := fsutil.CopyFile(o.opts.InputPath, o.opts.OutputPath); err != nil {
				return apperr.Wrap(err, apperr.DocumentIO, "prepare output workbook").With("path", o.opts.OutputPath)
			}
		}
	}

	// Units always come from the untouched input; the warm cache carries
	// the progress of a resumed run.
	doc, err := workbook.Open(o.opts.InputPath, o.log)
	if err != nil {
		return err
	}
	o.doc = doc
	return nil
}

func (o *Orchestrator) extract() ([]workbook.TextUnit, error) {
	o.progress("extract", 0, 1)
	units, err := o.doc.ReadUnits()
	if err != nil {
		return nil, err
	}
	o.summary.TotalUnits = len(units)
	o.log.Infof("Found %d text units in %s", len(units), o.opts.InputPath)
	o.progress("extract", 1, 1)
	return units, nil
}

// filterUnits groups eligible units by fingerprint and returns a task for
// every fingerprint the cache cannot answer.
func (o *Orchestrator) filterUnits(units []workbook.TextUnit) []*translator.Task {
	var tasks []*translator.Task
	seen := make(map[string]bool)

	for _, unit := range units {
		if !o.filter.NeedsTranslation(unit.OriginalText) {
			continue
		}
		fp := o.keyer.Key(unit.OriginalText)
		o.eligible = append(o.eligible, unitWithKey{unit: unit, fingerprint: fp})
		if seen[fp] {
			continue
		}
		seen[fp] = true

		if entry, ok := o.store.Lookup(fp); ok {
			o.results[fp] = entry.TranslatedText
			o.summary.CacheHits++
			continue
		}
		tasks = append(tasks, &translator.Task{Fingerprint: fp, OriginalText: unit.OriginalText})
	}

	o.summary.EligibleUnits = len(o.eligible)
	o.summary.DistinctTexts = len(seen)
	o.log.Infof("%d of %d units need translation: %d distinct texts, %d cached, %d to translate",
		len(o.eligible), len(units), len(seen), o.summary.CacheHits, len(tasks))
	return tasks
}

func (o *Orchestrator) dispatch(ctx context.Context, tasks []*translator.Task) (*translator.Report, error) {
	run := o.cfg.Run
	policy := translator.Policy{
		Client: o.client,
		Template: llmservice.Request{
			Context:    o.cfg.Translation.Context,
			SourceLang: o.cfg.Translation.SourceLang,
			TargetLang: o.cfg.Translation.TargetLang,
			Timeout:    o.cfg.LLM.Timeout.D(),
		},
		MaxRetries: run.MaxRetries,
		Backoff: &translator.Backoff{
			Base:   o.cfg.Retry.BaseDelay.D(),
			Max:    o.cfg.Retry.MaxDelay.D(),
			Jitter: o.cfg.Retry.Jitter,
		},
		Logger: o.log,
	}
	d := translator.NewDispatcher(policy, o.store,
		translator.DispatcherConfig{BatchSize: run.BatchSize, ConcurrencyLimit: run.ConcurrencyLimit},
		o.opts.Callbacks.TranslationCallbacks, o.log)

	processed := 0
	o.checkpoint.Begin(len(tasks))
	d.OnResult = func(task *translator.Task) {
		processed++
		if task.State == translator.Succeeded {
			o.resultsMu.Lock()
			o.results[task.Fingerprint] = task.Result
			o.resultsMu.Unlock()
		}
		if err := o.checkpoint.MaybeCheckpoint(processed); err != nil {
			o.reportError("checkpoint", err)
		}
	}

	report, err := d.Run(ctx, tasks)
	if report != nil {
		o.summary.NewlyTranslated = report.Succeeded
		o.summary.CacheHits += report.CacheHits
	}
	return report, err
}

// merge builds the replacements for every eligible unit with a translation
// and records the gaps.
func (o *Orchestrator) merge(report *translator.Report) []workbook.Replacement {
	replacements := o.replacements()

	failed := make(map[string]*Gap)
	for _, task := range report.Failed {
		reason := "translation failed"
		if task.Reason != nil {
			reason = task.Reason.Error()
		}
		failed[task.Fingerprint] = &Gap{Fingerprint: task.Fingerprint, OriginalText: task.OriginalText, Reason: reason}
	}
	for _, u := range o.eligible {
		if gap, ok := failed[u.fingerprint]; ok {
			gap.Locations = append(gap.Locations, u.unit.Location.String())
		}
	}
	for _, task := range report.Failed {
		o.summary.Failed = append(o.summary.Failed, *failed[task.Fingerprint])
	}
	if len(o.summary.Failed) > 0 {
		o.log.Warnf("%d texts could not be translated and keep their original text", len(o.summary.Failed))
	}
	return replacements
}

func (o *Orchestrator) replacements() []workbook.Replacement {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	out := make([]workbook.Replacement, 0, len(o.eligible))
	for _, u := range o.eligible {
		if text, ok := o.results[u.fingerprint]; ok {
			out = append(out, workbook.Replacement{Location: u.unit.Location, Text: text})
		}
	}
	return out
}

// snapshot writes the workbook with every translation known so far to the
// output path. It backs checkpoints.
func (o *Orchestrator) snapshot() error {
	if o.doc == nil {
		return nil
	}
	if err := o.doc.WriteBack(o.replacements()); err != nil {
		return err
	}
	return o.doc.SaveAtomic(o.opts.OutputPath)
}

func (o *Orchestrator) finalize(replacements []workbook.Replacement) error {
	o.progress("save", 0, 1)
	if err := o.doc.WriteBack(replacements); err != nil {
		return err
	}
	if err := o.doc.SaveAtomic(o.opts.OutputPath); err != nil {
		return err
	}
	if err := o.store.Flush(); err != nil {
		o.log.Warnf("Cache flush failed, translations of this run may need to be redone: %v", err)
		o.reportError("cache", err)
	}
	if err := o.checkpoint.Complete(); err != nil {
		o.log.Warnf("Final checkpoint failed: %v", err)
	}
	o.progress("save", 1, 1)
	o.log.Infof("Saved translated workbook to %s", o.opts.OutputPath)
	return nil
}

func (o *Orchestrator) progress(phase string, done, total int) {
	if cb := o.opts.Callbacks.OnProgress; cb != nil {
		cb(phase, done, total)
	}
}

func (o *Orchestrator) reportError(stage string, err error) {
	if cb := o.opts.Callbacks.OnError; cb != nil {
		cb(stage, err)
	}
}

// fail moves to Failed after one best-effort checkpoint.
func (o *Orchestrator) fail(err error) error {
	o.log.Errorf("Run failed in state %s: %v", o.State(), err)
	if o.checkpoint != nil && o.doc != nil {
		if cpErr := o.checkpoint.CheckpointNow(); cpErr != nil {
			o.log.Warnf("Checkpoint after failure incomplete: %v", cpErr)
		}
	}
	o.reportError("run", err)
	o.transition(Failed)
	return err
}

func (o *Orchestrator) interrupt(cause error) error {
	o.log.Warnf("Run interrupted, saving progress")
	if err := o.checkpoint.CheckpointNow(); err != nil {
		o.log.Errorf("Checkpoint after interruption incomplete: %v", err)
	}
	o.transition(Interrupted)
	return apperr.Wrap(cause, apperr.Canceled, "run interrupted; run again with the same arguments to resume").
		With("output", o.opts.OutputPath)
}

func (o *Orchestrator) close() {
	if o.doc != nil {
		if err := o.doc.Close(); err != nil {
			o.log.Warnf("Closing workbook: %v", err)
		}
	}
	if o.ownsStore && o.store != nil {
		if err := o.store.Close(); err != nil {
			o.log.Warnf("Closing cache: %v", err)
		}
	}
}

// RunTranslation 执行翻译流程，通过回调报告状态。
func RunTranslation(ctx context.Context, opts Options) (*Summary, error) {
	return New(opts).Run(ctx)
}
