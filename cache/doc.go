// 版权所有 2025 ScanFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供分析结果的两级缓存实现，通过 MEMORY 层 LRU 与可插拔的
DISK 持久层协同避免重复计算，降低延迟与令牌消耗。

# 概述

同一目录项的分析结果在留存窗口内可以复用。本包提供一个两级 Store：
MEMORY 层（进程内 LRU）负责低延迟命中，DISK 层（SQL 或 Redis）负责
进程重启后的结果留存；DISK 命中的条目会提升到 MEMORY 层。

# 核心类型

  - Store：两级缓存门面，定义 Get/Put/Invalidate/InvalidateAll/Stats 操作。
  - MemoryTier：MEMORY 层 LRU 实现（双向链表 + 哈希表，O(1) 操作）。
  - DiskTier：DISK 持久层接口，SQLTier（GORM）与 RedisTier 两种实现。
  - Warmer：缓存预热器，按需或周期性补齐一批键的缓存。
  - Entry：缓存条目模型，携带创建时间、过期时间与访问计数。

# 主要能力

  - 双档 TTL：标准档与延长档，访问次数达到阈值或显式热门提示时升级。
  - 提升回填：DISK 命中自动提升到 MEMORY，后续访问零 IO。
  - 降级读写：DISK 故障按未命中处理并继续服务，绝不阻塞调用方。
  - 后台清理：周期性删除过期条目，超出预算时按最先过期顺序裁剪。
  - 预热：跳过离过期尚远的键，其余经共享限流重新计算。

# 使用方式

	store := cache.NewStore(cache.DefaultConfig(), diskTier, collector, logger)
	if value, ok := store.Get(ctx, itemKey); ok {
		return value, nil
	}
*/
package cache
