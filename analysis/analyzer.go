// Package analysis 定义目录项分析计算的抽象接口。
// 调度器通过 Analyzer 派发真实计算，缓存层保存其序列化结果。
package analysis

import (
	"context"
	"encoding/json"
)

// Analyzer 定义单个目录项的分析计算接口
type Analyzer interface {
	// Analyze 对指定目录项执行分析，返回可序列化的结果。
	// 实现必须尊重 ctx 取消，并保证并发安全：
	// 同一实例会被多个工作协程同时调用。
	Analyze(ctx context.Context, itemKey string) (json.RawMessage, error)
}

// AnalyzeFunc 将普通函数适配为 Analyzer
type AnalyzeFunc func(ctx context.Context, itemKey string) (json.RawMessage, error)

// Analyze 实现 Analyzer 接口
func (f AnalyzeFunc) Analyze(ctx context.Context, itemKey string) (json.RawMessage, error) {
	return f(ctx, itemKey)
}

var _ Analyzer = (AnalyzeFunc)(nil)
