package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	k1 := DeriveKey("catalog/item-42")
	k2 := DeriveKey("catalog/item-42")
	assert.Equal(t, k1, k2)
}

func TestDeriveKey_NormalizesCaseAndSpace(t *testing.T) {
	// 规整后等价的键映射到同一条目
	base := DeriveKey("catalog/item-42")
	assert.Equal(t, base, DeriveKey("  catalog/item-42  "))
	assert.Equal(t, base, DeriveKey("Catalog/Item-42"))
}

func TestDeriveKey_DistinctItemsDiffer(t *testing.T) {
	assert.NotEqual(t, DeriveKey("item-1"), DeriveKey("item-2"))
}

func TestDeriveKey_Prefixed(t *testing.T) {
	key := DeriveKey("anything")
	assert.True(t, strings.HasPrefix(key, "scanflow:item:"))
	// 前缀 + 128 位十六进制摘要
	assert.Len(t, key, len("scanflow:item:")+32)
}
