package dispatch

import (
	"sync"
	"time"
)

// DefaultLedgerCapacity 是账本默认保留的条目数量。
const DefaultLedgerCapacity = 1000

// Snapshot 是账本的持久化形式。
type Snapshot struct {
	ProcessedIDs []string  `json:"processedIds"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// Ledger 是有界的有序集合，超出容量时淘汰最早加入的 ID。
type Ledger struct {
	mu          sync.RWMutex
	capacity    int
	ids         []string
	index       map[string]struct{}
	lastUpdated time.Time
}

// NewLedger 创建账本，capacity 不大于 0 时使用默认容量。
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &Ledger{
		capacity: capacity,
		index:    make(map[string]struct{}, capacity),
	}
}

// Restore 用快照替换账本内容，超出容量的部分只保留最新的 ID。
func (l *Ledger) Restore(snapshot Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ids = l.ids[:0]
	l.index = make(map[string]struct{}, l.capacity)
	for _, id := range snapshot.ProcessedIDs {
		l.addLocked(id)
	}
	l.lastUpdated = snapshot.LastUpdated
}

// Contains 判断 ID 是否已处理。
func (l *Ledger) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[id]
	return ok
}

// Add 记录 ID，返回是否为新加入。
func (l *Ledger) Add(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := l.addLocked(id)
	if added {
		l.lastUpdated = now
	}
	return added
}

func (l *Ledger) addLocked(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := l.index[id]; ok {
		return false
	}
	l.ids = append(l.ids, id)
	l.index[id] = struct{}{}
	if overflow := len(l.ids) - l.capacity; overflow > 0 {
		for _, evicted := range l.ids[:overflow] {
			delete(l.index, evicted)
		}
		l.ids = append(l.ids[:0:0], l.ids[overflow:]...)
	}
	return true
}

// Len 返回当前条目数量。
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// IDs 按加入顺序返回所有 ID。
func (l *Ledger) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.ids...)
}

// SnapshotWith 返回加入 id 之后的快照，账本本身不变。id 已存在或为空时等同 Snapshot。
func (l *Ledger) SnapshotWith(id string, now time.Time) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.index[id]; ok || id == "" {
		return Snapshot{
			ProcessedIDs: append(make([]string, 0, len(l.ids)), l.ids...),
			LastUpdated:  l.lastUpdated,
		}
	}
	ids := append(make([]string, 0, len(l.ids)+1), l.ids...)
	ids = append(ids, id)
	if overflow := len(ids) - l.capacity; overflow > 0 {
		ids = ids[overflow:]
	}
	return Snapshot{ProcessedIDs: ids, LastUpdated: now}
}

// Snapshot 返回当前状态的副本。
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		ProcessedIDs: append(make([]string, 0, len(l.ids)), l.ids...),
		LastUpdated:  l.lastUpdated,
	}
}
