package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// keyPrefix 缓存键命名空间，避免与同一存储后端中的其他数据冲突
const keyPrefix = "scanflow:item:"

// DeriveKey 从 item key 确定性地派生缓存键。
// 先做大小写与空白归一化，再取 SHA-256 前 16 字节的十六进制，
// 保证同一条目在两个层级中使用同一个键。
func DeriveKey(itemKey string) string {
	normalized := strings.ToLower(strings.TrimSpace(itemKey))
	hash := sha256.Sum256([]byte(normalized))
	return keyPrefix + hex.EncodeToString(hash[:16]) // 使用前 16 字节
}
