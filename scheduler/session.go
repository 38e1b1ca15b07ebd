package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/scanflow/analysis"
	"github.com/BaSui01/scanflow/cache"
	"github.com/BaSui01/scanflow/internal/metrics"
	"github.com/BaSui01/scanflow/ratelimit"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SessionState 会话状态
type SessionState string

const (
	SessionRunning         SessionState = "running"
	SessionCompleted       SessionState = "completed"
	SessionPartiallyFailed SessionState = "partially_failed"
	SessionCancelled       SessionState = "cancelled"
)

// IsTerminal 判断是否为终态
func (s SessionState) IsTerminal() bool {
	return s != SessionRunning
}

// Progress 进度通知。每个任务到达终态后从工作协程同步发出，
// 回调执行期间不持有任何内部锁。
type Progress struct {
	SessionID   string      `json:"session_id"`
	Completed   int         `json:"completed"` // 已到达终态的任务数
	Total       int         `json:"total"`
	LastOutcome TaskOutcome `json:"last_outcome"`
}

// ProgressFunc 同步进度回调。调用方应保证回调快速返回，
// 长时间阻塞会拖慢对应工作协程。
type ProgressFunc func(Progress)

// SessionConfig 会话配置
type SessionConfig struct {
	// ItemKeys 待分析的目录项键，提交顺序即结果顺序
	ItemKeys []string
	// Concurrency 会话固定工作协程数，必须为正
	Concurrency int
	// RatePerSecond 会话专属限流速率；0 表示继承进程共享限流器
	RatePerSecond float64
	// Priority 全部任务的统一优先级
	Priority Priority
	// OnProgress 任务终态后的同步进度回调，可为 nil
	OnProgress ProgressFunc
}

// TaskSnapshot 快照中的单任务视图
type TaskSnapshot struct {
	ID       string    `json:"id"`
	ItemKey  string    `json:"item_key"`
	Priority Priority  `json:"priority"`
	State    TaskState `json:"state"`
	CacheHit bool      `json:"cache_hit"`
}

// SessionSnapshot 会话状态快照
type SessionSnapshot struct {
	ID         string         `json:"id"`
	State      SessionState   `json:"state"`
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	Running    int            `json:"running"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Cancelled  int            `json:"cancelled"`
	CacheHits  int            `json:"cache_hits"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Tasks      []TaskSnapshot `json:"tasks"`
}

// session 一次批量分析会话。tasks 按提交顺序排列，
// results 槽位与任务 Index 一一对应。
type session struct {
	id    string
	total int

	analyzer   analysis.Analyzer
	onProgress ProgressFunc
	limiter    *ratelimit.Limiter
	store      *cache.Store
	collector  *metrics.Collector
	tracer     trace.Tracer
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	tasks          []*Task
	results        []*TaskResult
	queue          *taskQueue
	state          SessionState
	cancelled      bool
	terminalCount  int
	failedCount    int
	cancelledCount int
	cacheHits      int
	createdAt      time.Time
	finishedAt     time.Time

	doneCh chan struct{}
	wg     sync.WaitGroup
}

// start 启动固定规模的工作协程池。协程数不超过任务数。
func (s *session) start(concurrency int) {
	if concurrency > s.total {
		concurrency = s.total
	}
	for i := 0; i < concurrency; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// markCancelled 取消会话：队列中未开始的任务原子地转入 cancelled，
// 已在运行的任务继续执行完毕，但结果被弃置。重复取消为空操作。
func (s *session) markCancelled() {
	s.mu.Lock()
	if s.cancelled || s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.cancelled = true

	drained := s.queue.drain()
	now := time.Now()
	notices := make([]Progress, 0, len(drained))
	for _, task := range drained {
		task.State = TaskCancelled
		task.FinishedAt = &now
		s.results[task.Index] = &TaskResult{
			ItemKey: task.ItemKey,
			Index:   task.Index,
			State:   TaskCancelled,
		}
		s.terminalCount++
		s.cancelledCount++
		notices = append(notices, s.progressLocked(task))
	}
	finalized := s.maybeFinalizeLocked()
	s.mu.Unlock()

	// 中止限流等待；运行中的分析使用已分离的 ctx，不受影响
	s.cancel()

	for range drained {
		s.collector.RecordTaskFinished(string(TaskCancelled), false, 0)
	}
	if s.onProgress != nil {
		for _, p := range notices {
			s.onProgress(p)
		}
	}
	if finalized {
		s.afterFinalize()
	}
	s.logger.Info("session cancelled",
		zap.String("session_id", s.id),
		zap.Int("cancelled_pending", len(drained)))
}

// beginTask 将任务转入 running。取消指令之后不再启动新任务。
func (s *session) beginTask(task *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return false
	}
	now := time.Now()
	task.State = TaskRunning
	task.StartedAt = &now
	return true
}

// finishTask 记录任务终态与结果，必要时收尾整个会话
func (s *session) finishTask(task *Task, result *TaskResult) {
	s.mu.Lock()
	now := time.Now()
	task.FinishedAt = &now

	// 取消瞬间仍在运行的任务：保留真实终态，结果弃置
	if s.cancelled {
		result.Discarded = true
		result.Value = nil
	}

	task.State = result.State
	task.CacheHit = result.CacheHit
	task.Error = result.Error
	if result.State == TaskFailed {
		s.failedCount++
	}
	if result.CacheHit {
		s.cacheHits++
	}

	s.results[task.Index] = result
	s.terminalCount++
	progress := s.progressLocked(task)
	finalized := s.maybeFinalizeLocked()
	s.mu.Unlock()

	s.collector.RecordTaskFinished(string(result.State), result.CacheHit, result.Duration)
	if s.onProgress != nil {
		s.onProgress(progress)
	}
	if finalized {
		s.afterFinalize()
	}
}

// finishCancelledTask 已出队但尚未开始的任务在取消时转入 cancelled
func (s *session) finishCancelledTask(task *Task) {
	s.mu.Lock()
	now := time.Now()
	task.State = TaskCancelled
	task.FinishedAt = &now
	s.results[task.Index] = &TaskResult{
		ItemKey: task.ItemKey,
		Index:   task.Index,
		State:   TaskCancelled,
	}
	s.terminalCount++
	s.cancelledCount++
	progress := s.progressLocked(task)
	finalized := s.maybeFinalizeLocked()
	s.mu.Unlock()

	s.collector.RecordTaskFinished(string(TaskCancelled), false, 0)
	if s.onProgress != nil {
		s.onProgress(progress)
	}
	if finalized {
		s.afterFinalize()
	}
}

func (s *session) progressLocked(task *Task) Progress {
	return Progress{
		SessionID: s.id,
		Completed: s.terminalCount,
		Total:     s.total,
		LastOutcome: TaskOutcome{
			ItemKey:  task.ItemKey,
			State:    task.State,
			CacheHit: task.CacheHit,
			Error:    task.Error,
		},
	}
}

// maybeFinalizeLocked 全部任务终态后确定会话终态
func (s *session) maybeFinalizeLocked() bool {
	if s.state.IsTerminal() || s.terminalCount < s.total {
		return false
	}
	switch {
	case s.cancelled:
		s.state = SessionCancelled
	case s.failedCount > 0:
		s.state = SessionPartiallyFailed
	default:
		s.state = SessionCompleted
	}
	s.finishedAt = time.Now()
	close(s.doneCh)
	return true
}

func (s *session) afterFinalize() {
	s.collector.RecordSessionFinished(string(s.state), s.finishedAt.Sub(s.createdAt))
	s.logger.Info("session finished",
		zap.String("session_id", s.id),
		zap.String("state", string(s.state)),
		zap.Int("total", s.total),
		zap.Int("failed", s.failedCount),
		zap.Int("cancelled", s.cancelledCount),
		zap.Int("cache_hits", s.cacheHits),
		zap.Duration("duration", s.finishedAt.Sub(s.createdAt)))
}

// snapshot 返回当前状态快照
func (s *session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SessionSnapshot{
		ID:        s.id,
		State:     s.state,
		Total:     s.total,
		CacheHits: s.cacheHits,
		CreatedAt: s.createdAt,
		Tasks:     make([]TaskSnapshot, 0, len(s.tasks)),
	}
	for _, task := range s.tasks {
		switch task.State {
		case TaskPending:
			snap.Pending++
		case TaskRunning:
			snap.Running++
		case TaskCompleted:
			snap.Completed++
		case TaskFailed:
			snap.Failed++
		case TaskCancelled:
			snap.Cancelled++
		}
		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			ID:       task.ID,
			ItemKey:  task.ItemKey,
			Priority: task.Priority,
			State:    task.State,
			CacheHit: task.CacheHit,
		})
	}
	if s.state.IsTerminal() {
		finished := s.finishedAt
		snap.FinishedAt = &finished
	}
	return snap
}

// resultList 返回按提交顺序排列的最终结果。未到终态时不可读。
func (s *session) resultList() ([]TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.IsTerminal() {
		return nil, ErrResultsNotReady
	}
	out := make([]TaskResult, len(s.results))
	for i, r := range s.results {
		out[i] = *r
	}
	return out, nil
}

// wait 阻塞直到会话终态或 ctx 结束
func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
