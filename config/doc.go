// 版权所有 2025 ScanFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 ScanFlow 的配置管理功能。
//
// 包含配置加载、校验、文件监视与热重载。
// 支持从 YAML 文件和环境变量（SCANFLOW_ 前缀）加载配置，
// 可热重载字段（限流速率、缓存 TTL、日志级别等）在运行时
// 经 HotReloadManager 生效，其余字段需要重启。
package config
