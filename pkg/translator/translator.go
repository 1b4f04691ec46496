// Package translator 负责把去重后的待翻译文本分批并发地交给翻译后端，
// 并对单个任务执行带指数退避的重试。
package translator

import (
	"fmt"
)

// State 表示翻译任务的生命周期状态
type State int

const (
	Pending State = iota
	InFlight
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case InFlight:
		return "InFlight"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal 判断状态是否为终态
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// Task 对应一个需要调用后端的不同文本（按指纹去重）
type Task struct {
	Fingerprint  string // 缓存键
	OriginalText string // 原始文本
	AttemptCount int    // 已尝试次数
	State        State

	Result    string // 成功时的译文
	FromCache bool   // 派发开始后在缓存中命中
	Reason    error  // 失败时最后一次的后端错误
	// Fatal 由 Policy 设置：失败影响所有调用（如凭据被拒），整个运行应停止
	Fatal bool
}

// TranslationCallbacks 定义翻译流程中的回调
type TranslationCallbacks struct {
	OnTranslated func(original, translated string)
	OnProgress   func(phase string, done, total int)
	OnError      func(stage string, err error)
}

func (cb TranslationCallbacks) translated(original, translated string) {
	if cb.OnTranslated != nil && original != translated {
		cb.OnTranslated(original, translated)
	}
}

func (cb TranslationCallbacks) progress(phase string, done, total int) {
	if cb.OnProgress != nil {
		cb.OnProgress(phase, done, total)
	}
}

func (cb TranslationCallbacks) error(stage string, err error) {
	if cb.OnError != nil {
		cb.OnError(stage, err)
	}
}
