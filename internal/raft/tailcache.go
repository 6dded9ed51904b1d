package raft

import (
	"context"

	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

// TailCache holds the contiguous tail of the log that is not yet both
// applied and fsynced. Everything below FirstIndex is committed.
type TailCache struct {
	first uint64
	tasks []*RaftTask
	bytes int
}

// NewTailCache creates an empty cache whose next entry is first.
func NewTailCache(first uint64) *TailCache {
	return &TailCache{first: first}
}

// FirstIndex implements store.TermSource.
func (c *TailCache) FirstIndex() uint64 {
	return c.first
}

// LastIndex implements store.TermSource. It is FirstIndex-1 when empty.
func (c *TailCache) LastIndex() uint64 {
	return c.first + uint64(len(c.tasks)) - 1
}

// Len returns the number of cached entries.
func (c *TailCache) Len() int {
	return len(c.tasks)
}

// Bytes returns the payload size of the cached entries.
func (c *TailCache) Bytes() int {
	return c.bytes
}

// TermAt implements store.TermSource.
func (c *TailCache) TermAt(_ context.Context, index uint64) (uint32, error) {
	t := c.Get(index)
	if t == nil {
		return 0, store.ErrIndexOutOfRange
	}
	return t.Item.Term, nil
}

// Get returns the task at index or nil.
func (c *TailCache) Get(index uint64) *RaftTask {
	if index < c.first || index > c.LastIndex() || len(c.tasks) == 0 {
		return nil
	}
	return c.tasks[index-c.first]
}

// Put appends a task whose item continues the cache.
func (c *TailCache) Put(t *RaftTask) {
	if t.Item.Index != c.LastIndex()+1 {
		panic("raft: tail cache gap")
	}
	c.tasks = append(c.tasks, t)
	c.bytes += len(t.Item.Data)
}

// TruncateAfter removes every task after index and returns them.
func (c *TailCache) TruncateAfter(index uint64) []*RaftTask {
	if index >= c.LastIndex() {
		return nil
	}
	if index+1 < c.first {
		index = c.first - 1
	}
	n := index + 1 - c.first
	removed := append([]*RaftTask(nil), c.tasks[n:]...)
	for i := n; i < uint64(len(c.tasks)); i++ {
		c.bytes -= len(c.tasks[i].Item.Data)
		c.tasks[i] = nil
	}
	c.tasks = c.tasks[:n]
	return removed
}

// RemoveUpTo drops tasks with index <= bound.
func (c *TailCache) RemoveUpTo(bound uint64) {
	if bound < c.first {
		return
	}
	n := bound + 1 - c.first
	if n > uint64(len(c.tasks)) {
		n = uint64(len(c.tasks))
	}
	for i := uint64(0); i < n; i++ {
		c.bytes -= len(c.tasks[i].Item.Data)
		c.tasks[i] = nil
	}
	c.tasks = c.tasks[n:]
	c.first += n
}

// Reset empties the cache so that the next entry is first.
func (c *TailCache) Reset(first uint64) []*RaftTask {
	removed := c.tasks
	c.tasks = nil
	c.bytes = 0
	c.first = first
	return removed
}

// Items returns up to limit items from index, bounded by bytes of payload.
// The first item is always included.
func (c *TailCache) Items(index uint64, limit, bytesLimit int) []*store.LogItem {
	var out []*store.LogItem
	size := 0
	for i := index; i <= c.LastIndex(); i++ {
		t := c.Get(i)
		if t == nil || len(out) >= limit {
			break
		}
		if len(out) > 0 && size+len(t.Item.Data) > bytesLimit {
			break
		}
		out = append(out, t.Item)
		size += len(t.Item.Data)
	}
	return out
}

// ForEach calls fn for each cached task in index order.
func (c *TailCache) ForEach(fn func(t *RaftTask)) {
	for _, t := range c.tasks {
		fn(t)
	}
}
