// 版权所有 2025 ScanFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package ratelimit 提供进程内共享的令牌桶限流器。

# 概述

调度器的所有真实计算派发（缓存未命中）共同经过一个 Limiter，
缓存命中不消耗令牌。基于 golang.org/x/time/rate 实现，
支持取消等待（归还预约）与在线调整速率。

# 核心类型

  - Config: 速率与突发容量配置
  - Limiter: 令牌桶，Wait 阻塞获取，Allow 非阻塞尝试
  - Stats: 获取与等待次数统计

# 使用示例

	limiter, err := ratelimit.New(ratelimit.Config{RatePerSecond: 5}, collector, logger)
	if err != nil {
		return err
	}
	if err := limiter.Wait(ctx); err != nil {
		return err // ctx 取消，令牌已归还
	}
*/
package ratelimit
