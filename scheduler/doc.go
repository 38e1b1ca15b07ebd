// 版权所有 2025 ScanFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package scheduler 实现并发批量分析调度。

# 概述

一次批量提交称为会话（Session），会话内每个条目对应一个任务（Task）。
任务按优先级（URGENT > HIGH > NORMAL > LOW）出队，同级先进先出，
由会话独立的固定规模工作协程池执行。真实计算经进程共享限流器匀速派发，
缓存命中直接返回且不占用限流额度。

# 核心类型

  - Scheduler: 调度器入口，管理会话生命周期与留存清理
  - SessionConfig: 单次会话的条目、并发度、优先级与进度回调
  - Task / TaskResult: 任务及其终态结果，结果按提交顺序返回
  - Priority: 四级任务优先级

# 会话生命周期

	running ──> completed          全部任务成功
	        ──> partially_failed   至少一个任务失败
	        ──> cancelled          被取消

取消会话时未开始的任务立即终止，已在执行的任务运行完毕但结果弃置。
单个任务失败只记录在该任务上，不会中断会话中的其他任务。

# 使用示例

	sch, err := scheduler.New(scheduler.DefaultConfig(), store, collector, logger)
	if err != nil {
		return err
	}
	defer sch.Close()

	id, err := sch.CreateSession(ctx, scheduler.SessionConfig{
		ItemKeys:    []string{"item-a", "item-b"},
		Concurrency: 4,
		Priority:    scheduler.PriorityHigh,
	}, analyzer)
	if err != nil {
		return err
	}
	if err := sch.Wait(ctx, id); err != nil {
		return err
	}
	results, err := sch.Results(id)
*/
package scheduler
