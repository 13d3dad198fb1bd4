package btree

import (
	"container/list"
	"fmt"
	"slices"

	"blockfs/pkg/storage"
)

// cacheEntry is a resident node.
type cacheEntry[K any, V any] struct {
	n      *node[K, V]
	dirty  bool
	pinned bool
}

// nodeCache keeps decoded nodes resident with LRU eviction and write-back of
// dirty nodes. Nodes touched by the current operation are pinned and cannot
// be evicted until release, so pointers handed out stay valid for the whole
// operation. The cache is not safe for concurrent use.
type nodeCache[K any, V any] struct {
	dev      storage.BlockDevice
	layout   layout
	kc       Codec[K]
	vc       Codec[V]
	capacity int
	entries  map[uint64]*list.Element
	lru      *list.List // front is most recently used
	pinned   []uint64
	buf      []byte

	hits   uint64
	misses uint64
}

// CacheStats contains node cache statistics.
type CacheStats struct {
	Entries  int
	Capacity int
	Dirty    int
	Hits     uint64
	Misses   uint64
	HitRate  float64
}

func newNodeCache[K any, V any](dev storage.BlockDevice, l layout, kc Codec[K], vc Codec[V], capacity int) *nodeCache[K, V] {
	return &nodeCache[K, V]{
		dev:      dev,
		layout:   l,
		kc:       kc,
		vc:       vc,
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		lru:      list.New(),
		buf:      make([]byte, storage.BlockSize),
	}
}

// get returns the node stored at block, reading it on a miss, and pins it.
func (c *nodeCache[K, V]) get(block uint64) (*node[K, V], error) {
	if elem, ok := c.entries[block]; ok {
		c.hits++
		c.lru.MoveToFront(elem)
		e := elem.Value.(*cacheEntry[K, V])
		c.pin(e)
		return e.n, nil
	}

	c.misses++
	if err := c.dev.ReadBlock(block, c.buf); err != nil {
		return nil, fmt.Errorf("read node %d: %w", block, err)
	}
	n, err := decodeNode(c.layout, c.kc, c.vc, block, c.buf)
	if err != nil {
		return nil, err
	}
	e := &cacheEntry[K, V]{n: n}
	c.entries[block] = c.lru.PushFront(e)
	c.pin(e)
	return n, nil
}

// add makes a freshly built node resident, dirty and pinned.
func (c *nodeCache[K, V]) add(n *node[K, V]) {
	if elem, ok := c.entries[n.block]; ok {
		e := elem.Value.(*cacheEntry[K, V])
		e.n = n
		e.dirty = true
		c.lru.MoveToFront(elem)
		c.pin(e)
		return
	}
	e := &cacheEntry[K, V]{n: n, dirty: true}
	c.entries[n.block] = c.lru.PushFront(e)
	c.pin(e)
}

// markDirty schedules n for write-back. n must be resident.
func (c *nodeCache[K, V]) markDirty(n *node[K, V]) {
	if elem, ok := c.entries[n.block]; ok {
		elem.Value.(*cacheEntry[K, V]).dirty = true
	}
}

func (c *nodeCache[K, V]) pin(e *cacheEntry[K, V]) {
	if !e.pinned {
		e.pinned = true
		c.pinned = append(c.pinned, e.n.block)
	}
}

// release unpins every node pinned since the last release and evicts the
// least recently used nodes until the cache is back within capacity.
func (c *nodeCache[K, V]) release() error {
	for _, block := range c.pinned {
		if elem, ok := c.entries[block]; ok {
			elem.Value.(*cacheEntry[K, V]).pinned = false
		}
	}
	c.pinned = c.pinned[:0]

	for elem := c.lru.Back(); elem != nil && c.lru.Len() > c.capacity; {
		prev := elem.Prev()
		e := elem.Value.(*cacheEntry[K, V])
		if !e.pinned {
			if err := c.evict(elem); err != nil {
				return err
			}
		}
		elem = prev
	}
	return nil
}

// evict writes the entry back if dirty and drops it.
func (c *nodeCache[K, V]) evict(elem *list.Element) error {
	e := elem.Value.(*cacheEntry[K, V])
	if e.dirty {
		if err := c.write(e.n); err != nil {
			return err
		}
	}
	delete(c.entries, e.n.block)
	c.lru.Remove(elem)
	return nil
}

func (c *nodeCache[K, V]) write(n *node[K, V]) error {
	encodeNode(c.layout, c.kc, c.vc, n, c.buf)
	if err := c.dev.WriteBlock(n.block, c.buf); err != nil {
		return fmt.Errorf("write node %d: %w", n.block, err)
	}
	return nil
}

// flush writes every dirty node in block order and returns the blocks
// written.
func (c *nodeCache[K, V]) flush() ([]uint64, error) {
	var blocks []uint64
	for block, elem := range c.entries {
		if elem.Value.(*cacheEntry[K, V]).dirty {
			blocks = append(blocks, block)
		}
	}
	slices.Sort(blocks)

	for _, block := range blocks {
		e := c.entries[block].Value.(*cacheEntry[K, V])
		if err := c.write(e.n); err != nil {
			return nil, err
		}
		e.dirty = false
	}
	return blocks, nil
}

// reset drops every resident node without writing anything.
func (c *nodeCache[K, V]) reset() {
	c.entries = make(map[uint64]*list.Element)
	c.lru.Init()
	c.pinned = c.pinned[:0]
}

func (c *nodeCache[K, V]) stats() CacheStats {
	dirty := 0
	for _, elem := range c.entries {
		if elem.Value.(*cacheEntry[K, V]).dirty {
			dirty++
		}
	}

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}
	return CacheStats{
		Entries:  len(c.entries),
		Capacity: c.capacity,
		Dirty:    dirty,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  hitRate,
	}
}
