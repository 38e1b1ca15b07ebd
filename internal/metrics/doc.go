// 版权所有 2025 ScanFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
会话、任务、缓存、限流与数据库五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。Collector 为 nil 时
    所有记录方法均为空操作，组件无需判空。

# 主要能力

  - 会话指标：创建总数、按终态分组的完成总数、会话耗时、
    活跃会话数 Gauge。
  - 任务指标：按终态与是否缓存命中分组的完成总数、执行耗时。
  - 缓存指标：按层级分组的命中计数、未命中计数、淘汰计数
    （按层级与原因）、提升计数、IO 错误计数、条目数 Gauge。
  - 限流指标：令牌等待耗时 Histogram、等待总数。
  - 预热指标：单轮耗时、按结果（computed/skipped/failed）分组的
    键处理计数。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram，
    按 database/operation 分组。
*/
package metrics
