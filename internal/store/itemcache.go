package store

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"
)

// itemCache keeps recently read or written frames keyed by log index, so
// that lagging followers and the apply loop rarely touch the disk.
// Frames larger than 64KB are not cached.
type itemCache struct {
	c *fastcache.Cache
}

func newItemCache(maxBytes int) *itemCache {
	if maxBytes <= 0 {
		return nil
	}
	return &itemCache{c: fastcache.New(maxBytes)}
}

func cacheKey(index uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], index)
	return k[:]
}

func (c *itemCache) get(index uint64) (*LogItem, bool) {
	if c == nil {
		return nil, false
	}
	frame, ok := c.c.HasGet(nil, cacheKey(index))
	if !ok {
		return nil, false
	}
	it, _, err := DecodeItem(frame)
	if err != nil || it.Index != index {
		c.c.Del(cacheKey(index))
		return nil, false
	}
	return it, true
}

func (c *itemCache) put(index uint64, frame []byte) {
	if c == nil {
		return
	}
	c.c.Set(cacheKey(index), frame)
}

func (c *itemCache) reset() {
	if c == nil {
		return
	}
	c.c.Reset()
}
