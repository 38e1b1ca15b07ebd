package scheduler

import (
	"context"
	"time"

	"github.com/BaSui01/scanflow/internal/ctxkeys"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// worker 从会话队列中持续取任务执行，队列耗尽后退出
func (s *session) worker() {
	defer s.wg.Done()
	for {
		task, ok := s.queue.next()
		if !ok {
			return
		}
		s.runTask(task)
	}
}

// runTask 执行单个任务的完整流程：
// 缓存命中直接完成且不消耗限流令牌；未命中则先取令牌再转 running，
// 运行中的分析不被取消中断。
func (s *session) runTask(task *Task) {
	// 1. 查缓存。命中时零计算完成。
	if s.store != nil {
		if value, ok := s.store.Get(s.ctx, task.ItemKey); ok {
			if !s.beginTask(task) {
				s.finishCancelledTask(task)
				return
			}
			s.finishTask(task, &TaskResult{
				ItemKey:  task.ItemKey,
				Index:    task.Index,
				State:    TaskCompleted,
				Value:    value,
				CacheHit: true,
			})
			return
		}
	}

	// 2. 真实计算需要限流令牌。取消会中止等待并归还预约。
	if err := s.limiter.Wait(s.ctx); err != nil {
		s.finishCancelledTask(task)
		return
	}

	// 3. 拿到令牌后转 running。取消指令已下达时不再启动。
	if !s.beginTask(task) {
		s.finishCancelledTask(task)
		return
	}

	// 4. 执行分析。ctx 与会话取消解耦：已开始的任务总是执行完毕。
	runCtx := context.WithoutCancel(s.ctx)
	runCtx = ctxkeys.WithSessionID(runCtx, s.id)
	runCtx = ctxkeys.WithTaskID(runCtx, task.ID)
	runCtx, span := s.tracer.Start(runCtx, "scheduler.analyze",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("task.item_key", task.ItemKey),
			attribute.String("task.priority", task.Priority.String()),
		))
	started := time.Now()
	value, err := s.analyzer.Analyze(runCtx, task.ItemKey)
	duration := time.Since(started)
	if err != nil {
		span.RecordError(err)
		span.End()
		s.finishTask(task, &TaskResult{
			ItemKey:  task.ItemKey,
			Index:    task.Index,
			State:    TaskFailed,
			Error:    &TaskExecutionError{ItemKey: task.ItemKey, Err: err},
			Duration: duration,
		})
		return
	}
	span.End()

	// 5. 回写缓存（尽力而为，失败不影响任务结果）
	if s.store != nil {
		if perr := s.store.Put(runCtx, task.ItemKey, value, false); perr != nil {
			s.logger.Warn("result cache write failed",
				zap.String("item_key", task.ItemKey), zap.Error(perr))
		}
	}

	s.finishTask(task, &TaskResult{
		ItemKey:  task.ItemKey,
		Index:    task.Index,
		State:    TaskCompleted,
		Value:    value,
		Duration: duration,
	})
}
