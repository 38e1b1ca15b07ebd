// MockAnalyzer 的分析计算测试模拟实现。
//
// 支持固定载荷、按键延迟、错误注入与阻塞直至取消场景。
package mocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/scanflow/analysis"
)

// --- MockAnalyzer 结构 ---

// MockAnalyzer 是 analysis.Analyzer 的模拟实现
type MockAnalyzer struct {
	mu sync.Mutex

	// 响应配置
	payloads       map[string]json.RawMessage
	defaultPayload json.RawMessage
	errs           map[string]error
	err            error

	// 调用记录
	calls       []AnalyzerCall
	analyzeFunc func(ctx context.Context, itemKey string) (json.RawMessage, error)

	// 行为控制
	delay      time.Duration            // 全局模拟延迟
	delays     map[string]time.Duration // 按键延迟，优先于全局
	blocking   map[string]bool          // 阻塞直至 ctx 取消的键
	blockAll   bool
	failAfter  int // 在第 N 次调用后失败
	callCount  int
	dispatched chan string // 每次派发时发送键，便于测试同步
}

// AnalyzerCall 记录单次调用
type AnalyzerCall struct {
	ItemKey string
	At      time.Time
	Err     error
}

// --- 构造函数和 Builder 方法 ---

// NewMockAnalyzer 创建新的 MockAnalyzer。
// 默认对每个键返回 {"item":"<key>"} 形式的载荷。
func NewMockAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{
		payloads: map[string]json.RawMessage{},
		errs:     map[string]error{},
		delays:   map[string]time.Duration{},
		blocking: map[string]bool{},
		calls:    []AnalyzerCall{},
	}
}

// WithPayload 设置指定键的返回载荷
func (m *MockAnalyzer) WithPayload(itemKey string, payload json.RawMessage) *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[itemKey] = payload
	return m
}

// WithDefaultPayload 设置未显式配置的键的返回载荷
func (m *MockAnalyzer) WithDefaultPayload(payload json.RawMessage) *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultPayload = payload
	return m
}

// WithError 设置所有调用返回错误
func (m *MockAnalyzer) WithError(err error) *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithKeyError 设置指定键返回错误
func (m *MockAnalyzer) WithKeyError(itemKey string, err error) *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[itemKey] = err
	return m
}

// WithDelay 设置全局模拟延迟
func (m *MockAnalyzer) WithDelay(d time.Duration) *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithKeyDelay 设置指定键的模拟延迟
func (m *MockAnalyzer) WithKeyDelay(itemKey string, d time.Duration) *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[itemKey] = d
	return m
}

// WithBlocking 设置指定键阻塞直至上下文取消
func (m *MockAnalyzer) WithBlocking(itemKeys ...string) *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range itemKeys {
		m.blocking[k] = true
	}
	return m
}

// WithBlockAll 设置所有键阻塞直至上下文取消
func (m *MockAnalyzer) WithBlockAll() *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockAll = true
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockAnalyzer) WithFailAfter(n int) *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithAnalyzeFunc 设置自定义 Analyze 函数
func (m *MockAnalyzer) WithAnalyzeFunc(fn func(ctx context.Context, itemKey string) (json.RawMessage, error)) *MockAnalyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzeFunc = fn
	return m
}

// WithDispatchChannel 开启派发通知通道。
// 每次 Analyze 被调用时向返回的通道发送键（带缓冲，不阻塞派发）。
func (m *MockAnalyzer) WithDispatchChannel(size int) (*MockAnalyzer, <-chan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched = make(chan string, size)
	return m, m.dispatched
}

// --- Analyzer 接口实现 ---

// Analyze 按脚本配置模拟一次分析计算
func (m *MockAnalyzer) Analyze(ctx context.Context, itemKey string) (json.RawMessage, error) {
	m.mu.Lock()
	m.callCount++
	count := m.callCount

	if m.dispatched != nil {
		select {
		case m.dispatched <- itemKey:
		default:
		}
	}

	fn := m.analyzeFunc
	block := m.blockAll || m.blocking[itemKey]
	delay := m.delay
	if d, ok := m.delays[itemKey]; ok {
		delay = d
	}
	keyErr, hasKeyErr := m.errs[itemKey]
	globalErr := m.err
	failAfter := m.failAfter
	payload, hasPayload := m.payloads[itemKey]
	defaultPayload := m.defaultPayload
	m.mu.Unlock()

	record := func(err error) {
		m.mu.Lock()
		m.calls = append(m.calls, AnalyzerCall{ItemKey: itemKey, At: time.Now(), Err: err})
		m.mu.Unlock()
	}

	// 自定义函数优先
	if fn != nil {
		result, err := fn(ctx, itemKey)
		record(err)
		return result, err
	}

	// 阻塞直至取消
	if block {
		<-ctx.Done()
		record(ctx.Err())
		return nil, ctx.Err()
	}

	// 模拟计算耗时，同时尊重取消
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			record(ctx.Err())
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	// 检查是否应该失败
	if failAfter > 0 && count > failAfter {
		err := errors.New("mock analyzer: configured to fail after N calls")
		record(err)
		return nil, err
	}

	if hasKeyErr {
		record(keyErr)
		return nil, keyErr
	}
	if globalErr != nil {
		record(globalErr)
		return nil, globalErr
	}

	if !hasPayload {
		payload = defaultPayload
	}
	if payload == nil {
		payload = json.RawMessage(fmt.Sprintf(`{"item":%q}`, itemKey))
	}

	record(nil)
	return payload, nil
}

// --- 查询方法 ---

// Calls 获取所有调用记录
func (m *MockAnalyzer) Calls() []AnalyzerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AnalyzerCall{}, m.calls...)
}

// CallCount 获取调用次数
func (m *MockAnalyzer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// CallsFor 获取指定键的调用次数
func (m *MockAnalyzer) CallsFor(itemKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.ItemKey == itemKey {
			n++
		}
	}
	return n
}

// DispatchTimes 获取所有派发时间戳，按调用顺序排列
func (m *MockAnalyzer) DispatchTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	times := make([]time.Time, len(m.calls))
	for i, c := range m.calls {
		times[i] = c.At
	}
	return times
}

// Reset 重置所有状态
func (m *MockAnalyzer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = []AnalyzerCall{}
	m.callCount = 0
	m.err = nil
	m.errs = map[string]error{}
}

// --- 预设 Analyzer 工厂 ---

// NewEchoAnalyzer 创建回显键名载荷的 Analyzer
func NewEchoAnalyzer() *MockAnalyzer {
	return NewMockAnalyzer()
}

// NewErrorAnalyzer 创建总是失败的 Analyzer
func NewErrorAnalyzer(err error) *MockAnalyzer {
	return NewMockAnalyzer().WithError(err)
}

// NewSlowAnalyzer 创建固定延迟的 Analyzer
func NewSlowAnalyzer(d time.Duration) *MockAnalyzer {
	return NewMockAnalyzer().WithDelay(d)
}

// NewBlockingAnalyzer 创建阻塞直至取消的 Analyzer
func NewBlockingAnalyzer() *MockAnalyzer {
	return NewMockAnalyzer().WithBlockAll()
}

var _ analysis.Analyzer = (*MockAnalyzer)(nil)
