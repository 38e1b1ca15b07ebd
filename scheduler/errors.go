package scheduler

import (
	"errors"
	"fmt"
)

// 调用方可用 errors.Is 判别的错误类别
var (
	// ErrInvalidConfiguration 配置参数无效（并发数、速率、空键列表等）
	ErrInvalidConfiguration = errors.New("scheduler: invalid configuration")

	// ErrSessionNotFound 会话不存在或已按留存窗口清理
	ErrSessionNotFound = errors.New("scheduler: session not found")

	// ErrResultsNotReady 会话尚未到达终态，结果不可读
	ErrResultsNotReady = errors.New("scheduler: results not ready")

	// ErrSchedulerClosed 调度器已关闭
	ErrSchedulerClosed = errors.New("scheduler: closed")
)

// TaskExecutionError 单个任务的分析失败。附着在对应任务上，
// 不会中断会话内的其他任务。
type TaskExecutionError struct {
	ItemKey string
	Err     error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("analysis of item %q failed: %v", e.ItemKey, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// IsTaskExecutionError 判断错误是否为任务执行失败
func IsTaskExecutionError(err error) bool {
	var te *TaskExecutionError
	return errors.As(err, &te)
}
