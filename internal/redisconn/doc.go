// 版权所有 2025 ScanFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 redisconn 提供 Redis 连接的统一构建与后台健康检查，
供缓存 DISK 层使用。

# 概述

本包封装 go-redis 客户端的创建流程：按配置组装连接池参数、
可选 TLS 加固，并在返回前以 Ping 验证连通性，保证拿到的客户端
立即可用。Watchdog 对运行中的连接做周期巡检，异常时通过 zap
日志告警。

# 核心类型

  - Config：连接配置，包含地址、密码、库编号、重试次数、
    连接池大小与 TLS 开关。
  - Watchdog：健康检查器，周期性 Ping 并记录连接池统计，
    不持有客户端所有权。

# 主要能力

  - 连接验证：Dial 在返回前完成一次带超时的 Ping，失败即报错。
  - TLS 加固：启用 TLS 时套用集中式的安全 TLS 配置。
  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康巡检：后台定时 Ping 检测，输出连接池占用与超时计数。
*/
package redisconn
