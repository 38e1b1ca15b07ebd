// =============================================================================
// 📦 测试数据工厂 - 分析结果测试数据
// =============================================================================
// 提供确定性的分析载荷、目录项批次与配置样例，用于测试
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"testing"

	"github.com/BaSui01/scanflow/scheduler"
)

// =============================================================================
// 🎯 分析载荷工厂
// =============================================================================

// AnalysisPayload 返回指定键的确定性分析载荷。
// 同一个键总是产生相同的 JSON，便于断言缓存命中返回原值。
func AnalysisPayload(itemKey string) json.RawMessage {
	h := fnv.New32a()
	h.Write([]byte(itemKey))
	score := h.Sum32() % 100

	return json.RawMessage(fmt.Sprintf(`{"item":%q,"score":%d,"summary":"analysis of %s"}`, itemKey, score, itemKey))
}

// PayloadMap 为每个键构建确定性载荷表
func PayloadMap(itemKeys ...string) map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, len(itemKeys))
	for _, k := range itemKeys {
		m[k] = AnalysisPayload(k)
	}
	return m
}

// =============================================================================
// 📋 目录项批次工厂
// =============================================================================

// ItemKeys 生成 n 个形如 item-000 的目录项键
func ItemKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("item-%03d", i)
	}
	return keys
}

// Items 将键批量包装为普通优先级的提交项
func Items(itemKeys ...string) []scheduler.Item {
	return ItemsWithPriority(scheduler.PriorityNormal, itemKeys...)
}

// ItemsWithPriority 将键批量包装为指定优先级的提交项
func ItemsWithPriority(p scheduler.Priority, itemKeys ...string) []scheduler.Item {
	items := make([]scheduler.Item, len(itemKeys))
	for i, k := range itemKeys {
		items[i] = scheduler.Item{Key: k, Priority: p}
	}
	return items
}

// =============================================================================
// ⚙️ 配置样例工厂
// =============================================================================

// ConfigYAML 返回一份可加载的最小配置文档
func ConfigYAML() string {
	return `cache:
  memory_max_entries: 100
  standard_ttl: 1h
  extended_ttl: 3h
  popular_threshold: 2
scheduler:
  rate_per_second: 100.0
  burst: 10
  retention_window: 5m
log:
  level: debug
  format: console
`
}

// WriteConfigFile 将配置内容写入临时文件并返回路径
func WriteConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scanflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}
	return path
}
