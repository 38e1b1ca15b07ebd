package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/scanflow/analysis"
	"github.com/BaSui01/scanflow/cache"
	"github.com/BaSui01/scanflow/internal/metrics"
	"github.com/BaSui01/scanflow/ratelimit"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config 调度器配置
type Config struct {
	// RatePerSecond 进程共享限流速率：所有会话的真实计算派发共用一个桶。
	// 0 使用默认值，负数非法。
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// Burst 限流突发容量，默认 1（严格匀速）
	Burst int `yaml:"burst" json:"burst"`
	// RetentionWindow 终态会话的保留窗口，超出后对 Status/Results 不可见
	RetentionWindow time.Duration `yaml:"retention_window" json:"retention_window"`
	// EvictionInterval 留存清理周期
	EvictionInterval time.Duration `yaml:"eviction_interval" json:"eviction_interval"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		RatePerSecond:    10,
		Burst:            1,
		RetentionWindow:  30 * time.Minute,
		EvictionInterval: time.Minute,
	}
}

// Scheduler 批量分析调度器。管理会话的创建、执行、取消与留存，
// 真实计算经进程共享限流器匀速派发，缓存命中不占用限流额度。
type Scheduler struct {
	config Config

	store     *cache.Store
	limiter   *ratelimit.Limiter
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 创建调度器。store 传 nil 时不启用结果缓存，
// collector 传 nil 时不上报指标。
func New(config Config, store *cache.Store, collector *metrics.Collector, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RatePerSecond < 0 {
		return nil, fmt.Errorf("%w: rate_per_second must not be negative, got %v",
			ErrInvalidConfiguration, config.RatePerSecond)
	}

	def := DefaultConfig()
	if config.RatePerSecond == 0 {
		config.RatePerSecond = def.RatePerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = def.RetentionWindow
	}
	if config.EvictionInterval <= 0 {
		config.EvictionInterval = def.EvictionInterval
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		RatePerSecond: config.RatePerSecond,
		Burst:         config.Burst,
	}, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	sch := &Scheduler{
		config:    config,
		store:     store,
		limiter:   limiter,
		collector: collector,
		tracer:    otel.Tracer("scanflow/scheduler"),
		logger:    logger.With(zap.String("component", "scheduler")),
		sessions:  make(map[string]*session),
		stopCh:    make(chan struct{}),
	}

	// 留存清理循环
	sch.wg.Add(1)
	go sch.evictionLoop()

	sch.logger.Info("scheduler started",
		zap.Float64("rate_per_second", config.RatePerSecond),
		zap.Duration("retention_window", config.RetentionWindow))
	return sch, nil
}

// CreateSession 创建并立即开始一次批量分析会话，全部任务使用统一优先级。
// 返回的会话 ID 用于后续的 Status/Cancel/Results 调用。
func (sch *Scheduler) CreateSession(ctx context.Context, config SessionConfig, analyzer analysis.Analyzer) (string, error) {
	items := make([]Item, len(config.ItemKeys))
	for i, key := range config.ItemKeys {
		items[i] = Item{Key: key, Priority: config.Priority}
	}
	return sch.createSession(ctx, config, items, analyzer)
}

// CreateSessionItems 与 CreateSession 相同，但每个提交项可携带独立优先级。
// config.ItemKeys 与 config.Priority 被忽略。
func (sch *Scheduler) CreateSessionItems(ctx context.Context, config SessionConfig, items []Item, analyzer analysis.Analyzer) (string, error) {
	return sch.createSession(ctx, config, items, analyzer)
}

func (sch *Scheduler) createSession(ctx context.Context, config SessionConfig, items []Item, analyzer analysis.Analyzer) (string, error) {
	if sch.closed.Load() {
		return "", ErrSchedulerClosed
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: item keys must not be empty", ErrInvalidConfiguration)
	}
	if config.Concurrency <= 0 {
		return "", fmt.Errorf("%w: concurrency must be positive, got %d",
			ErrInvalidConfiguration, config.Concurrency)
	}
	if config.RatePerSecond < 0 {
		return "", fmt.Errorf("%w: rate_per_second must not be negative, got %v",
			ErrInvalidConfiguration, config.RatePerSecond)
	}
	if analyzer == nil {
		return "", fmt.Errorf("%w: analyzer is required", ErrInvalidConfiguration)
	}
	for _, item := range items {
		if strings.TrimSpace(item.Key) == "" {
			return "", fmt.Errorf("%w: item key must not be empty", ErrInvalidConfiguration)
		}
		if !item.Priority.Valid() {
			return "", fmt.Errorf("%w: unknown priority %d", ErrInvalidConfiguration, item.Priority)
		}
	}

	// 限流器：默认共享进程级别的桶，显式配置速率时独享
	limiter := sch.limiter
	if config.RatePerSecond > 0 {
		var err error
		limiter, err = ratelimit.New(ratelimit.Config{
			RatePerSecond: config.RatePerSecond,
			Burst:         sch.config.Burst,
		}, sch.collector, sch.logger)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
	}

	id := uuid.NewString()
	// 会话生命周期与创建调用解耦，仅保留追踪上下文
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	now := time.Now()
	tasks := make([]*Task, len(items))
	queue := newTaskQueue()
	for i, item := range items {
		tasks[i] = &Task{
			ID:         fmt.Sprintf("%d-%s", i, item.Key),
			ItemKey:    item.Key,
			Index:      i,
			Priority:   item.Priority,
			State:      TaskPending,
			EnqueuedAt: now,
		}
	}
	// 按提交顺序入桶，保证同级先进先出
	for _, task := range tasks {
		queue.push(task)
	}

	sess := &session{
		id:         id,
		total:      len(tasks),
		analyzer:   analyzer,
		onProgress: config.OnProgress,
		limiter:    limiter,
		store:      sch.store,
		collector:  sch.collector,
		tracer:     sch.tracer,
		logger:     sch.logger,
		ctx:        sctx,
		cancel:     cancel,
		tasks:      tasks,
		results:    make([]*TaskResult, len(tasks)),
		queue:      queue,
		state:      SessionRunning,
		createdAt:  now,
		doneCh:     make(chan struct{}),
	}

	sch.mu.Lock()
	if sch.closed.Load() {
		sch.mu.Unlock()
		cancel()
		return "", ErrSchedulerClosed
	}
	sch.sessions[id] = sess
	sch.mu.Unlock()

	sch.collector.RecordSessionCreated()
	sess.start(config.Concurrency)

	sch.logger.Info("session created",
		zap.String("session_id", id),
		zap.Int("items", len(items)),
		zap.Int("concurrency", config.Concurrency))
	return id, nil
}

// Status 返回会话状态快照
func (sch *Scheduler) Status(id string) (SessionSnapshot, error) {
	sess, err := sch.lookup(id)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return sess.snapshot(), nil
}

// Cancel 取消会话：未开始的任务立即转入 cancelled，
// 运行中的任务执行完毕但结果弃置。对终态会话为空操作。
func (sch *Scheduler) Cancel(id string) error {
	sess, err := sch.lookup(id)
	if err != nil {
		return err
	}
	sess.markCancelled()
	return nil
}

// Results 返回按提交顺序排列的最终结果。
// 会话尚未到达终态时返回 ErrResultsNotReady。
func (sch *Scheduler) Results(id string) ([]TaskResult, error) {
	sess, err := sch.lookup(id)
	if err != nil {
		return nil, err
	}
	return sess.resultList()
}

// Wait 阻塞直到会话到达终态或 ctx 结束
func (sch *Scheduler) Wait(ctx context.Context, id string) error {
	sess, err := sch.lookup(id)
	if err != nil {
		return err
	}
	return sess.wait(ctx)
}

// Sessions 返回当前留存的全部会话快照
func (sch *Scheduler) Sessions() []SessionSnapshot {
	sch.mu.RLock()
	sessions := make([]*session, 0, len(sch.sessions))
	for _, sess := range sch.sessions {
		sessions = append(sessions, sess)
	}
	sch.mu.RUnlock()

	snaps := make([]SessionSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.snapshot())
	}
	return snaps
}

// Limiter 返回进程共享限流器，供在线调整速率
func (sch *Scheduler) Limiter() *ratelimit.Limiter {
	return sch.limiter
}

// Close 停止接收新会话，取消未完成的会话并等待全部工作协程退出。
// 可重复调用。
func (sch *Scheduler) Close() error {
	if sch.closed.Swap(true) {
		return nil
	}
	close(sch.stopCh)

	sch.mu.RLock()
	sessions := make([]*session, 0, len(sch.sessions))
	for _, sess := range sch.sessions {
		sessions = append(sessions, sess)
	}
	sch.mu.RUnlock()

	for _, sess := range sessions {
		sess.markCancelled()
	}
	for _, sess := range sessions {
		<-sess.doneCh
		sess.wg.Wait()
	}
	sch.wg.Wait()

	sch.logger.Info("scheduler closed")
	return nil
}

func (sch *Scheduler) lookup(id string) (*session, error) {
	sch.mu.RLock()
	sess, ok := sch.sessions[id]
	sch.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// evictionLoop 周期性清理超出留存窗口的终态会话
func (sch *Scheduler) evictionLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.stopCh:
			return
		case <-ticker.C:
			sch.evictOnce(time.Now())
		}
	}
}

func (sch *Scheduler) evictOnce(now time.Time) int {
	sch.mu.Lock()
	evicted := 0
	for id, sess := range sch.sessions {
		sess.mu.Lock()
		expired := sess.state.IsTerminal() && now.Sub(sess.finishedAt) > sch.config.RetentionWindow
		sess.mu.Unlock()
		if expired {
			delete(sch.sessions, id)
			evicted++
		}
	}
	sch.mu.Unlock()

	if evicted > 0 {
		for i := 0; i < evicted; i++ {
			sch.collector.RecordSessionEvicted()
		}
		sch.logger.Debug("terminal sessions evicted", zap.Int("count", evicted))
	}
	return evicted
}
