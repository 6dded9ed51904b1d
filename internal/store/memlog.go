package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemRaftLog is a RaftLog kept entirely in memory. It loses everything on
// restart unless the same value is reused, which makes it handy for
// simulating a node that crashes and keeps its disk.
type MemRaftLog struct {
	mu         sync.Mutex
	items      []*LogItem
	firstIndex uint64
	lastTerm   uint32 // term of firstIndex-1 when items is empty
	installing bool
	closed     bool
	appends    int
}

// NewMemRaftLog creates an empty in-memory log starting at index 1.
func NewMemRaftLog() *MemRaftLog {
	return &MemRaftLog{firstIndex: 1}
}

var _ RaftLog = (*MemRaftLog)(nil)

// Init implements RaftLog. Calling it again on a closed log reopens it.
func (m *MemRaftLog) Init(ctx context.Context) (uint32, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	if m.installing {
		m.items = nil
		m.firstIndex = 1
		m.lastTerm = 0
		m.installing = false
	}
	return m.lastTermLocked(), m.lastIndexLocked(), nil
}

func (m *MemRaftLog) lastIndexLocked() uint64 {
	return m.firstIndex + uint64(len(m.items)) - 1
}

func (m *MemRaftLog) lastTermLocked() uint32 {
	if len(m.items) == 0 {
		return m.lastTerm
	}
	return m.items[len(m.items)-1].Term
}

// Append implements RaftLog.
func (m *MemRaftLog) Append(ctx context.Context, items []*LogItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.installing {
		return ErrInstalling
	}
	for _, it := range items {
		if it.Index != m.lastIndexLocked()+1 {
			return fmt.Errorf("append %d after %d: %w", it.Index, m.lastIndexLocked(), ErrIndexGap)
		}
		cp := *it
		cp.Data = append([]byte(nil), it.Data...)
		m.items = append(m.items, &cp)
	}
	m.appends++
	return nil
}

// Appends returns how many Append calls succeeded.
func (m *MemRaftLog) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}

// TruncateTail implements RaftLog.
func (m *MemRaftLog) TruncateTail(ctx context.Context, index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= m.lastIndexLocked() {
		return nil
	}
	if index+1 < m.firstIndex {
		return ErrTruncateCommitted
	}
	m.items = m.items[:index+1-m.firstIndex]
	return nil
}

// FirstIndex implements RaftLog and TermSource.
func (m *MemRaftLog) FirstIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstIndex
}

// LastIndex implements TermSource.
func (m *MemRaftLog) LastIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIndexLocked()
}

// TermAt implements TermSource.
func (m *MemRaftLog) TermAt(ctx context.Context, index uint64) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < m.firstIndex {
		return 0, ErrIndexDeleted
	}
	if index > m.lastIndexLocked() {
		return 0, ErrIndexOutOfRange
	}
	return m.items[index-m.firstIndex].Term, nil
}

// TryFindMatchPos implements RaftLog.
func (m *MemRaftLog) TryFindMatchPos(ctx context.Context, suggestTerm uint32, suggestIndex uint64) (uint32, uint64, bool, error) {
	return SearchMatchPos(ctx, m, suggestTerm, suggestIndex)
}

// MarkTruncateByIndex drops items at or below index immediately.
func (m *MemRaftLog) MarkTruncateByIndex(index uint64, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < m.firstIndex {
		return
	}
	if last := m.lastIndexLocked(); index > last {
		index = last
	}
	n := index + 1 - m.firstIndex
	if n == 0 {
		return
	}
	m.lastTerm = m.items[n-1].Term
	m.items = append([]*LogItem(nil), m.items[n:]...)
	m.firstIndex = index + 1
}

// MarkTruncateByTimestamp drops items whose timestamp is not after ts.
func (m *MemRaftLog) MarkTruncateByTimestamp(ts time.Time, delay time.Duration) {
	m.mu.Lock()
	var bound uint64
	for _, it := range m.items {
		if time.Unix(0, it.Timestamp).After(ts) {
			break
		}
		bound = it.Index
	}
	m.mu.Unlock()
	if bound > 0 {
		m.MarkTruncateByIndex(bound, delay)
	}
}

// BeginInstall implements RaftLog.
func (m *MemRaftLog) BeginInstall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	m.installing = true
	return nil
}

// FinishInstall implements RaftLog. The position is ignored.
func (m *MemRaftLog) FinishInstall(ctx context.Context, nextIndex, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	m.firstIndex = nextIndex
	m.lastTerm = 0
	m.installing = false
	return nil
}

// LoadNextItemPos returns index+1; positions have no meaning in memory.
func (m *MemRaftLog) LoadNextItemPos(ctx context.Context, index uint64) (uint64, error) {
	return index + 1, nil
}

// OpenIterator implements RaftLog.
func (m *MemRaftLog) OpenIterator() LogIterator {
	return &memIterator{m: m}
}

// Close implements RaftLog.
func (m *MemRaftLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memIterator struct {
	m *MemRaftLog
}

func (it *memIterator) Next(ctx context.Context, index uint64, limit int, bytesLimit int) ([]*LogItem, error) {
	m := it.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < m.firstIndex {
		return nil, ErrIndexDeleted
	}
	if index > m.lastIndexLocked() {
		return nil, ErrIndexOutOfRange
	}
	var out []*LogItem
	bytes := 0
	for i := index - m.firstIndex; i < uint64(len(m.items)); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		src := m.items[i]
		if len(out) > 0 && bytesLimit > 0 && bytes+len(src.Data) > bytesLimit {
			break
		}
		cp := *src
		cp.Data = append([]byte(nil), src.Data...)
		out = append(out, &cp)
		bytes += len(src.Data)
	}
	return out, nil
}

func (it *memIterator) Close() {}
