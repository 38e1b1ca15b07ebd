// 版权所有 2025 ScanFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package testutil 提供 ScanFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与基准测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。所有测试应优先使用此包
中的工具函数和 Mock 实现。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertResultsInSubmissionOrder / AssertResultKeys /
    AssertAllCompleted / AssertJSONEqual / AssertNoError / AssertError 等
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 会话辅助: WaitForSession 等待批量分析会话到达终态并返回快照
  - 数据工具: MustJSON / MustParseJSON / CopyResults，
    简化测试数据构造与深拷贝
  - 基准辅助: BenchmarkHelper 封装 testing.B 常用操作

# 子包

  - testutil/mocks: Mock 实现，包括 MockAnalyzer（脚本化分析器，
    支持按键延迟、错误注入、阻塞直至取消与调用记录）和
    ProgressRecorder（线程安全的进度回调记录器）
  - testutil/fixtures: 测试数据工厂，提供确定性的分析结果载荷、
    目录项批次与 YAML 配置样例

# 使用示例

	ctx := testutil.TestContext(t)
	analyzer := mocks.NewMockAnalyzer().WithDelay(10 * time.Millisecond)
	id, err := sch.CreateSession(ctx, cfg, analyzer)
	testutil.AssertNoError(t, err)
*/
package testutil
