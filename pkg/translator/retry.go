package translator

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"exceltranslator/pkg/llmservice"
	"exceltranslator/pkg/logger"
)

// Backoff 计算第 n 次失败后的等待时间：min(Base*2^n, Max)，再叠加 ±Jitter 比例的抖动
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu   sync.Mutex
	rand *rand.Rand
}

// Delay 返回第 attempt 次（从 0 开始）失败之后的等待时间
func (b *Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		b.mu.Lock()
		if b.rand == nil {
			b.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		r := b.rand.Float64()
		b.mu.Unlock()
		d *= 1 + b.Jitter*(2*r-1)
		if b.Max > 0 && d > float64(b.Max) {
			d = float64(b.Max)
		}
	}
	return time.Duration(d)
}

// Policy 对单个任务调用后端并按失败类型决定是否重试。
// 这里是判定“可重试/致命”的唯一位置，调用方不再检查后端原始错误。
type Policy struct {
	Client     llmservice.Client
	Template   llmservice.Request // Text 以外的字段原样透传给每次调用
	MaxRetries int
	Backoff    *Backoff
	// Acquire 在每次后端调用前获取并发槽位，返回释放函数；为空时不限制
	Acquire func(ctx context.Context) (release func(), err error)
	Logger  *logger.Logger

	// sleep 可在测试中替换，默认基于 timer 实现且可被取消
	sleep func(ctx context.Context, d time.Duration) error
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute 把任务推进到 Succeeded 或 Failed。
// 如果运行在此之前被中断，任务会被重置为 Pending 并返回 ctx.Err()。
// 已发出的后端调用不会因中断而被取消，只受单次调用超时约束，
// 因此中断前完成的结果不会丢失。
func (p *Policy) Execute(ctx context.Context, task *Task) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = timerSleep
	}

	for {
		if err := ctx.Err(); err != nil {
			task.State = Pending
			return err
		}

		release := func() {}
		if p.Acquire != nil {
			r, err := p.Acquire(ctx)
			if err != nil {
				task.State = Pending
				return err
			}
			release = r
		}

		task.State = InFlight
		task.AttemptCount++
		req := p.Template
		req.Text = task.OriginalText
		result, err := p.Client.Translate(context.WithoutCancel(ctx), req)
		release()

		if err == nil {
			task.State = Succeeded
			task.Result = result
			task.Reason = nil
			return nil
		}

		be := llmservice.Classify(err)
		task.Reason = be
		if !be.Kind.Retryable() || be.Fatal {
			p.Logger.Errorf("Attempt %d for %s failed with %s, not retrying: %v",
				task.AttemptCount, logger.Truncate(task.OriginalText, 40), be.Kind, be.Err)
			task.State = Failed
			task.Fatal = be.Fatal
			return nil
		}
		if task.AttemptCount > p.MaxRetries {
			p.Logger.Errorf("Translation of %s failed after %d attempts: %v",
				logger.Truncate(task.OriginalText, 40), task.AttemptCount, be)
			task.State = Failed
			return nil
		}

		delay := p.Backoff.Delay(task.AttemptCount - 1)
		p.Logger.Warnf("Attempt %d/%d for %s failed (%s): %v. Retrying in %s",
			task.AttemptCount, p.MaxRetries+1, logger.Truncate(task.OriginalText, 40), be.Kind, be.Err, delay)

		task.State = Pending
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}
