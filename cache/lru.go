package cache

import (
	"sync"
	"time"
)

// ============================================================
// MEMORY 层：LRU 缓存（双向链表实现 O(1) 操作）
// ============================================================

// MemoryTier 进程内缓存层。条目各自携带过期时间（标准/延长两档 TTL），
// 容量满时淘汰最久未使用的条目。
type MemoryTier struct {
	mu       sync.RWMutex
	capacity int
	items    map[string]*lruNode
	head     *lruNode // 最近使用
	tail     *lruNode // 最久未使用
}

type lruNode struct {
	key   string
	entry *Entry
	prev  *lruNode
	next  *lruNode
}

// NewMemoryTier 创建内存缓存层
func NewMemoryTier(capacity int) *MemoryTier {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryTier{
		capacity: capacity,
		items:    make(map[string]*lruNode),
	}
}

// Get 查找条目。命中时累加访问计数并返回副本；过期条目当场移除。
func (m *MemoryTier) Get(key string, now time.Time) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.items[key]
	if !ok {
		return nil, false
	}

	// 检查过期
	if node.entry.Expired(now) {
		m.removeNode(node)
		delete(m.items, key)
		return nil, false
	}

	// 移动到头部（O(1) 操作）
	m.moveToHead(node)
	node.entry.AccessCount++
	node.entry.LastAccess = now

	return node.entry.clone(), true
}

// Peek 查看条目但不更新访问统计与 LRU 顺序，供预热探测使用
func (m *MemoryTier) Peek(key string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.items[key]
	if !ok {
		return nil, false
	}
	return node.entry.clone(), true
}

// Set 写入条目。已存在则更新并移动到头部；容量满时先淘汰尾部。
// 返回是否发生了容量淘汰。
func (m *MemoryTier) Set(key string, entry *Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.Tier = TierMemory

	if node, ok := m.items[key]; ok {
		node.entry = entry
		m.moveToHead(node)
		return false
	}

	evicted := false
	if len(m.items) >= m.capacity {
		m.evictTail()
		evicted = true
	}

	node := &lruNode{key: key, entry: entry}
	m.items[key] = node
	m.addToHead(node)
	return evicted
}

// Upgrade 将条目提升为热门档：标记 popular 并延长过期时间。
// 条目不存在时为空操作。
func (m *MemoryTier) Upgrade(key string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node, ok := m.items[key]; ok {
		node.entry.Popular = true
		node.entry.ExpiresAt = expiresAt
	}
}

// Delete 删除条目
func (m *MemoryTier) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node, ok := m.items[key]; ok {
		m.removeNode(node)
		delete(m.items, key)
	}
}

// Clear 清空缓存
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*lruNode)
	m.head = nil
	m.tail = nil
}

// Len 当前条目数
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// addToHead 添加节点到头部 O(1)
func (m *MemoryTier) addToHead(node *lruNode) {
	node.prev = nil
	node.next = m.head
	if m.head != nil {
		m.head.prev = node
	}
	m.head = node
	if m.tail == nil {
		m.tail = node
	}
}

// removeNode 从链表中移除节点 O(1)
func (m *MemoryTier) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		m.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		m.tail = node.prev
	}
}

// moveToHead 移动节点到头部 O(1)
func (m *MemoryTier) moveToHead(node *lruNode) {
	if node == m.head {
		return
	}
	m.removeNode(node)
	m.addToHead(node)
}

// evictTail 淘汰尾部节点 O(1)
func (m *MemoryTier) evictTail() {
	if m.tail == nil {
		return
	}
	delete(m.items, m.tail.key)
	m.removeNode(m.tail)
}
