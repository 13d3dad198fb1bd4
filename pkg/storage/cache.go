package storage

import (
	"container/list"
	"fmt"
	"sync"
)

// CachePolicy defines the eviction order of a CachedDevice.
type CachePolicy string

const (
	// CachePolicyLRU evicts the least recently used blocks.
	CachePolicyLRU CachePolicy = "lru"
	// CachePolicyFIFO evicts the oldest blocks first.
	CachePolicyFIFO CachePolicy = "fifo"
)

// ParseCachePolicy converts a policy name to a CachePolicy.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch p := CachePolicy(s); p {
	case CachePolicyLRU, CachePolicyFIFO:
		return p, nil
	case "":
		return CachePolicyLRU, nil
	}
	return "", fmt.Errorf("unknown cache policy %q", s)
}

// CachedDevice keeps recently read blocks of another device in memory.
// Writes go straight through to the device, so the cache never holds data
// the device does not; a crash loses nothing the device would have kept.
// Every write to the device must go through the CachedDevice.
type CachedDevice struct {
	device  BlockDevice
	policy  CachePolicy
	maxSize int

	mu        sync.Mutex
	cache     map[uint64]*list.Element
	order     *list.List // front is the next block kept longest
	hits      uint64
	misses    uint64
	evictions uint64
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	MaxSize   int
	HitRate   float64
}

type cacheEntry struct {
	num  uint64
	data []byte
}

// NewCachedDevice wraps device with a cache of up to maxSize blocks.
func NewCachedDevice(device BlockDevice, policy CachePolicy, maxSize int) *CachedDevice {
	if maxSize < 1 {
		maxSize = 1
	}
	if policy == "" {
		policy = CachePolicyLRU
	}
	return &CachedDevice{
		device:  device,
		policy:  policy,
		maxSize: maxSize,
		cache:   make(map[uint64]*list.Element),
		order:   list.New(),
	}
}

// ReadBlock returns the cached copy of a block or reads it from the device.
func (c *CachedDevice) ReadBlock(num uint64, data []byte) error {
	if err := checkAccess(num, c.device.BlockCount(), data); err != nil {
		return err
	}

	c.mu.Lock()
	if elem, ok := c.cache[num]; ok {
		c.hits++
		copy(data, elem.Value.(*cacheEntry).data)
		if c.policy == CachePolicyLRU {
			c.order.MoveToFront(elem)
		}
		c.mu.Unlock()
		return nil
	}
	c.misses++
	c.mu.Unlock()

	if err := c.device.ReadBlock(num, data); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent write may have cached a newer copy meanwhile.
	if _, ok := c.cache[num]; !ok {
		c.insertLocked(num, data)
	}
	return nil
}

// WriteBlock writes through to the device and refreshes the cached copy.
func (c *CachedDevice) WriteBlock(num uint64, data []byte) error {
	if err := checkAccess(num, c.device.BlockCount(), data); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.device.WriteBlock(num, data); err != nil {
		// The device may hold either version now.
		c.invalidateLocked(num)
		return err
	}
	if elem, ok := c.cache[num]; ok {
		copy(elem.Value.(*cacheEntry).data, data)
		if c.policy == CachePolicyLRU {
			c.order.MoveToFront(elem)
		}
		return nil
	}
	c.insertLocked(num, data)
	return nil
}

func (c *CachedDevice) insertLocked(num uint64, data []byte) {
	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.cache, oldest.Value.(*cacheEntry).num)
		c.evictions++
	}
	entry := &cacheEntry{num: num, data: append([]byte(nil), data...)}
	c.cache[num] = c.order.PushFront(entry)
}

func (c *CachedDevice) invalidateLocked(num uint64) {
	if elem, ok := c.cache[num]; ok {
		c.order.Remove(elem)
		delete(c.cache, num)
	}
}

// Invalidate drops a block from the cache.
func (c *CachedDevice) Invalidate(num uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(num)
}

// InvalidateAll empties the cache.
func (c *CachedDevice) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cache)
	c.order.Init()
}

// Prefetch reads count blocks starting at start into the cache. Blocks past
// the end of the device are ignored.
func (c *CachedDevice) Prefetch(start uint64, count int) error {
	buf := make([]byte, BlockSize)
	for num := start; num < start+uint64(count) && num < c.device.BlockCount(); num++ {
		c.mu.Lock()
		_, ok := c.cache[num]
		c.mu.Unlock()
		if ok {
			continue
		}
		if err := c.device.ReadBlock(num, buf); err != nil {
			return err
		}
		c.mu.Lock()
		if _, ok := c.cache[num]; !ok {
			c.insertLocked(num, buf)
		}
		c.mu.Unlock()
	}
	return nil
}

// Stats returns cache statistics.
func (c *CachedDevice) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		MaxSize:   c.maxSize,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// AllocBlock forwards to the underlying device.
func (c *CachedDevice) AllocBlock() (uint64, error) {
	return c.device.AllocBlock()
}

// SyncRange forwards to the underlying device. Cached blocks are never
// dirty, so there is nothing to write first.
func (c *CachedDevice) SyncRange(start, end uint64) error {
	return c.device.SyncRange(start, end)
}

// BlockSize returns the underlying device's block size.
func (c *CachedDevice) BlockSize() int {
	return c.device.BlockSize()
}

// BlockCount returns the underlying device's block count.
func (c *CachedDevice) BlockCount() uint64 {
	return c.device.BlockCount()
}

// Kind names the device type.
func (c *CachedDevice) Kind() string { return "cached" }

// NextAlloc forwards to the underlying device when it tracks allocation.
func (c *CachedDevice) NextAlloc() uint64 {
	if a, ok := c.device.(Allocator); ok {
		return a.NextAlloc()
	}
	return 0
}

// SetNextAlloc forwards to the underlying device when it tracks allocation.
func (c *CachedDevice) SetNextAlloc(next uint64) error {
	if a, ok := c.device.(Allocator); ok {
		return a.SetNextAlloc(next)
	}
	return nil
}
