package translator

import (
	"context"
	"sync"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/cache"
	"exceltranslator/pkg/logger"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DispatcherConfig 控制分批和并发
type DispatcherConfig struct {
	BatchSize        int
	ConcurrencyLimit int
}

// Report 汇总一次派发的结果
type Report struct {
	Succeeded   int
	CacheHits   int // 派发过程中才在缓存里出现的指纹
	Failed      []*Task
	Pending     []*Task // 中断时尚未完成的任务
	CacheErrors int
}

// Dispatcher 把任务切成批次，批次之间并发执行，任务之间互不阻塞。
// 同时在途的后端调用数由信号量限制为 ConcurrencyLimit。
type Dispatcher struct {
	policy    Policy
	store     cache.Store
	cfg       DispatcherConfig
	logger    *logger.Logger
	callbacks TranslationCallbacks

	// OnResult 在每个任务到达终态后串行调用，可用于进度统计和检查点
	OnResult func(task *Task)

	mu sync.Mutex
}

func NewDispatcher(policy Policy, store cache.Store, cfg DispatcherConfig, callbacks TranslationCallbacks, log *logger.Logger) *Dispatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.ConcurrencyLimit < 1 {
		cfg.ConcurrencyLimit = 1
	}
	if policy.Logger == nil {
		policy.Logger = log
	}
	if policy.Backoff == nil {
		policy.Backoff = &Backoff{}
	}
	return &Dispatcher{policy: policy, store: store, cfg: cfg, logger: log, callbacks: callbacks}
}

// Batches 把任务按 size 切分，保持原有顺序
func Batches(tasks []*Task, size int) [][]*Task {
	if size < 1 {
		size = 1
	}
	var out [][]*Task
	for start := 0; start < len(tasks); start += size {
		end := start + size
		if end > len(tasks) {
			end = len(tasks)
		}
		out = append(out, tasks[start:end])
	}
	return out
}

// Run 派发全部任务并等待它们到达终态或运行被中断。
// 中断时返回 ctx.Err()，未完成的任务保持 Pending；
// 后端拒绝凭据时停止接收新任务并返回 Backend 类型错误。
func (d *Dispatcher) Run(ctx context.Context, tasks []*Task) (*Report, error) {
	report := &Report{}
	if len(tasks) == 0 {
		return report, ctx.Err()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(d.cfg.ConcurrencyLimit))
	policy := d.policy
	policy.Acquire = func(ctx context.Context) (func(), error) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		return func() { sem.Release(1) }, nil
	}

	var (
		fatalOnce sync.Once
		fatalErr  error
		done      int
	)
	total := len(tasks)

	finish := func(task *Task) {
		d.mu.Lock()
		defer d.mu.Unlock()
		done++
		switch task.State {
		case Succeeded:
			if task.FromCache {
				report.CacheHits++
			} else {
				report.Succeeded++
				if err := d.store.Insert(task.Fingerprint, task.Result); err != nil {
					// 译文仍保留在内存中，写回工作簿不受影响
					report.CacheErrors++
					d.logger.Errorf("Failed to cache translation for %s: %v", logger.Truncate(task.OriginalText, 40), err)
					d.callbacks.error("cache", err)
				}
			}
			d.callbacks.translated(task.OriginalText, task.Result)
		case Failed:
			report.Failed = append(report.Failed, task)
			d.callbacks.error("translate", task.Reason)
		}
		d.callbacks.progress("translate", done, total)
		if d.OnResult != nil {
			d.OnResult(task)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(d.cfg.ConcurrencyLimit)

	batches := Batches(tasks, d.cfg.BatchSize)
	d.logger.Infof("Dispatching %d tasks in %d batches (batch size %d, concurrency %d)",
		total, len(batches), d.cfg.BatchSize, d.cfg.ConcurrencyLimit)

	for i, batch := range batches {
		if runCtx.Err() != nil {
			break
		}
		batchNo := i + 1
		g.Go(func() error {
			d.logger.Debugf("Batch %d/%d started with %d tasks", batchNo, len(batches), len(batch))
			var wg sync.WaitGroup
			for _, task := range batch {
				if gctx.Err() != nil {
					break
				}
				if entry, ok := d.store.Lookup(task.Fingerprint); ok {
					task.State = Succeeded
					task.Result = entry.TranslatedText
					task.FromCache = true
					finish(task)
					continue
				}
				wg.Add(1)
				go func(task *Task) {
					defer wg.Done()
					if err := policy.Execute(gctx, task); err != nil {
						return
					}
					if task.State == Failed && task.Fatal {
						fatalOnce.Do(func() {
							fatalErr = apperr.Wrap(task.Reason, apperr.Backend, "backend rejected the request credentials")
							d.logger.Errorf("Fatal backend error, stopping dispatch: %v", task.Reason)
							cancel()
						})
					}
					finish(task)
				}(task)
			}
			wg.Wait()
			d.logger.Debugf("Batch %d/%d finished", batchNo, len(batches))
			return nil
		})
	}
	_ = g.Wait()

	for _, task := range tasks {
		if !task.State.Terminal() {
			task.State = Pending
			report.Pending = append(report.Pending, task)
		}
	}

	if fatalErr != nil {
		return report, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
