/*
Package btree implements a generic B+ tree whose nodes live in blocks of a
storage.BlockDevice.

Keys are any ordered type and values any fixed-size type; both are encoded
through a Codec. Values live only in leaves. Internal nodes hold separator
keys: child[i] holds keys below keys[i] and child[i+1] holds keys at or
above it. Every node records its parent's block number.

The first block of a tree is its metadata block. Nodes are cached in a
write-back LRU cache; call Flush to make the tree's on-disk image current.
A Tree is not safe for concurrent use; callers serialize access.

Example Usage:

	t, err := btree.Create(dev, btree.Uint64Codec{}, btree.Uint64Codec{}, btree.Options{})
	if err != nil {
		log.Fatal(err)
	}
	if err := t.Insert(42, 7); err != nil {
		log.Fatal(err)
	}
	v, err := t.Get(42)
*/
package btree

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"blockfs/pkg/storage"
)

// MetaMagic identifies a tree metadata block ("BTRE").
const MetaMagic uint32 = 0x42545245

const (
	// DefaultMaxHeight bounds the number of levels.
	DefaultMaxHeight = 16
	// DefaultCacheSize is the number of resident nodes kept between operations.
	DefaultCacheSize = 64
	// MinOrder is the smallest supported order.
	MinOrder = 3
)

// Tree errors.
var (
	ErrKeyNotFound   = errors.New("btree: key not found")
	ErrTreeTooDeep   = errors.New("btree: tree would exceed maximum height")
	ErrCorruptedNode = errors.New("btree: corrupted node")
	ErrCorruptedMeta = errors.New("btree: corrupted metadata block")
	ErrInvalidOrder  = errors.New("btree: invalid order")
)

// Options configures a Tree.
type Options struct {
	// Order is the maximum number of children of an internal node. Zero
	// picks the largest order that fits a block.
	Order int

	// MaxHeight caps the number of levels. Zero means DefaultMaxHeight.
	MaxHeight int

	// CacheSize is the number of nodes kept resident. Zero means
	// DefaultCacheSize.
	CacheSize int

	Logger *slog.Logger
}

// Tree is a B+ tree over a block device.
type Tree[K cmp.Ordered, V any] struct {
	dev       storage.BlockDevice
	meta      uint64
	kc        Codec[K]
	vc        Codec[V]
	layout    layout
	maxHeight int
	cache     *nodeCache[K, V]
	log       *slog.Logger

	root      uint64
	height    int
	count     uint64
	freeList  uint64
	metaDirty bool
}

// Stats describes a tree.
type Stats struct {
	Height  int
	Entries uint64
	Order   int
	Root    uint64
	Cache   CacheStats
}

func (o *Options) fill(keySize, valSize int) error {
	if o.Order == 0 {
		o.Order = MaxOrder(keySize, valSize)
	}
	if o.Order < MinOrder || !newLayout(o.Order, keySize, valSize).fits() {
		return fmt.Errorf("%w: order %d with %d-byte keys and %d-byte values", ErrInvalidOrder, o.Order, keySize, valSize)
	}
	if o.MaxHeight == 0 {
		o.MaxHeight = DefaultMaxHeight
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

func newTree[K cmp.Ordered, V any](dev storage.BlockDevice, meta uint64, kc Codec[K], vc Codec[V], opts Options) *Tree[K, V] {
	l := newLayout(opts.Order, kc.Size(), vc.Size())
	return &Tree[K, V]{
		dev:       dev,
		meta:      meta,
		kc:        kc,
		vc:        vc,
		layout:    l,
		maxHeight: opts.MaxHeight,
		cache:     newNodeCache(dev, l, kc, vc, opts.CacheSize),
		log:       opts.Logger.With("component", "btree", "meta", meta),
	}
}

// Create allocates a metadata block and an empty root leaf and writes both.
func Create[K cmp.Ordered, V any](dev storage.BlockDevice, kc Codec[K], vc Codec[V], opts Options) (*Tree[K, V], error) {
	if err := opts.fill(kc.Size(), vc.Size()); err != nil {
		return nil, err
	}
	meta, err := dev.AllocBlock()
	if err != nil {
		return nil, fmt.Errorf("allocate metadata block: %w", err)
	}

	t := newTree(dev, meta, kc, vc, opts)
	root, err := t.newNode(kindLeaf)
	if err != nil {
		return nil, err
	}
	t.root = root.block
	t.height = 1
	t.metaDirty = true

	if err := t.Flush(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open loads the tree whose metadata lives at block meta. The order and
// codec widths recorded there must match.
func Open[K cmp.Ordered, V any](dev storage.BlockDevice, meta uint64, kc Codec[K], vc Codec[V], opts Options) (*Tree[K, V], error) {
	buf := make([]byte, storage.BlockSize)
	if err := dev.ReadBlock(meta, buf); err != nil {
		return nil, fmt.Errorf("read metadata block %d: %w", meta, err)
	}
	m, err := decodeMeta(buf)
	if err != nil {
		return nil, err
	}
	if opts.Order == 0 {
		opts.Order = int(m.order)
	}
	if err := opts.fill(kc.Size(), vc.Size()); err != nil {
		return nil, err
	}
	if int(m.order) != opts.Order || int(m.keySize) != kc.Size() || int(m.valSize) != vc.Size() {
		return nil, fmt.Errorf("%w: stored order %d key %d value %d, want %d/%d/%d",
			ErrCorruptedMeta, m.order, m.keySize, m.valSize, opts.Order, kc.Size(), vc.Size())
	}
	if m.height < 1 || int(m.height) > opts.MaxHeight {
		return nil, fmt.Errorf("%w: height %d", ErrCorruptedMeta, m.height)
	}

	t := newTree(dev, meta, kc, vc, opts)
	t.load(m)
	return t, nil
}

func (t *Tree[K, V]) load(m metaBlock) {
	t.root = m.root
	t.height = int(m.height)
	t.count = m.count
	t.freeList = m.freeList
	t.metaDirty = false
}

// Discard drops all cached state, including unflushed changes, and reloads
// the metadata block. Use it after the writes of an operation were thrown
// away, for example when a journal transaction was aborted.
func (t *Tree[K, V]) Discard() error {
	t.cache.reset()
	buf := make([]byte, storage.BlockSize)
	if err := t.dev.ReadBlock(t.meta, buf); err != nil {
		return fmt.Errorf("read metadata block %d: %w", t.meta, err)
	}
	m, err := decodeMeta(buf)
	if err != nil {
		return err
	}
	t.load(m)
	return nil
}

// MetaBlock returns the block holding the tree's metadata.
func (t *Tree[K, V]) MetaBlock() uint64 { return t.meta }

// Len returns the number of entries.
func (t *Tree[K, V]) Len() uint64 { return t.count }

// Height returns the number of levels; an empty tree has height 1.
func (t *Tree[K, V]) Height() int { return t.height }

// Order returns the tree's order.
func (t *Tree[K, V]) Order() int { return t.layout.order }

// Stats returns a snapshot of the tree and its cache.
func (t *Tree[K, V]) Stats() Stats {
	return Stats{
		Height:  t.height,
		Entries: t.count,
		Order:   t.layout.order,
		Root:    t.root,
		Cache:   t.cache.stats(),
	}
}

// Flush writes every dirty node and the metadata block.
func (t *Tree[K, V]) Flush() error {
	if _, err := t.cache.flush(); err != nil {
		return err
	}
	if t.metaDirty {
		buf := make([]byte, storage.BlockSize)
		t.metaBlock().encode(buf)
		if err := t.dev.WriteBlock(t.meta, buf); err != nil {
			return fmt.Errorf("write metadata block %d: %w", t.meta, err)
		}
		t.metaDirty = false
	}
	return t.cache.release()
}

// Get returns the value stored under key.
func (t *Tree[K, V]) Get(key K) (V, error) {
	var zero V
	leaf, err := t.findLeaf(key)
	if err != nil {
		return zero, t.done(err)
	}
	i, found := slices.BinarySearch(leaf.keys, key)
	if !found {
		return zero, t.done(ErrKeyNotFound)
	}
	v := leaf.vals[i]
	return v, t.done(nil)
}

// Update replaces the value of an existing key.
func (t *Tree[K, V]) Update(key K, val V) error {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return t.done(err)
	}
	i, found := slices.BinarySearch(leaf.keys, key)
	if !found {
		return t.done(ErrKeyNotFound)
	}
	leaf.vals[i] = val
	t.cache.markDirty(leaf)
	return t.done(nil)
}

// Insert adds key or overwrites its value if already present.
func (t *Tree[K, V]) Insert(key K, val V) error {
	return t.done(t.insert(key, val))
}

// done ends an operation: pinned nodes are released and the cache trimmed.
func (t *Tree[K, V]) done(err error) error {
	if rerr := t.cache.release(); err == nil {
		err = rerr
	}
	return err
}

// findLeaf descends exactly height-1 levels from the root.
func (t *Tree[K, V]) findLeaf(key K) (*node[K, V], error) {
	n, err := t.cache.get(t.root)
	if err != nil {
		return nil, err
	}
	for level := 1; level < t.height; level++ {
		if n.leaf() {
			return nil, fmt.Errorf("%w: leaf %d above level %d", ErrCorruptedNode, n.block, t.height)
		}
		i, found := slices.BinarySearch(n.keys, key)
		if found {
			i++
		}
		if n, err = t.cache.get(n.children[i]); err != nil {
			return nil, err
		}
	}
	if !n.leaf() {
		return nil, fmt.Errorf("%w: block %d at leaf level is kind %d", ErrCorruptedNode, n.block, n.kind)
	}
	return n, nil
}

func (t *Tree[K, V]) insert(key K, val V) error {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	i, found := slices.BinarySearch(leaf.keys, key)
	if found {
		leaf.vals[i] = val
		t.cache.markDirty(leaf)
		return nil
	}

	if len(leaf.keys) == t.layout.maxKeys {
		if err := t.checkSplitDepth(leaf); err != nil {
			return err
		}
	}

	leaf.keys = slices.Insert(leaf.keys, i, key)
	leaf.vals = slices.Insert(leaf.vals, i, val)
	t.cache.markDirty(leaf)
	t.count++
	t.metaDirty = true

	if len(leaf.keys) > t.layout.maxKeys {
		return t.splitLeaf(leaf)
	}
	return nil
}

// checkSplitDepth fails if inserting into the full leaf n would split every
// ancestor and grow the tree past its maximum height. Nothing is modified.
func (t *Tree[K, V]) checkSplitDepth(n *node[K, V]) error {
	if t.height < t.maxHeight {
		return nil
	}
	for n.parent != nilBlock {
		p, err := t.cache.get(n.parent)
		if err != nil {
			return err
		}
		if len(p.keys) < t.layout.maxKeys {
			return nil
		}
		n = p
	}
	return ErrTreeTooDeep
}

// splitLeaf moves the upper half of an overflowing leaf into a new right
// sibling and promotes the sibling's first key.
func (t *Tree[K, V]) splitLeaf(left *node[K, V]) error {
	right, err := t.newNode(kindLeaf)
	if err != nil {
		return err
	}
	mid := len(left.keys) / 2
	right.keys = append(right.keys, left.keys[mid:]...)
	right.vals = append(right.vals, left.vals[mid:]...)
	left.keys = slices.Delete(left.keys, mid, len(left.keys))
	left.vals = slices.Delete(left.vals, mid, len(left.vals))
	t.cache.markDirty(left)

	return t.insertIntoParent(left, right.keys[0], right)
}

// splitInternal moves the keys above the median of an overflowing internal
// node into a new right sibling and promotes the median.
func (t *Tree[K, V]) splitInternal(left *node[K, V]) error {
	right, err := t.newNode(kindInternal)
	if err != nil {
		return err
	}
	mid := len(left.keys) / 2
	sep := left.keys[mid]

	right.keys = append(right.keys, left.keys[mid+1:]...)
	right.children = append(right.children, left.children[mid+1:]...)
	left.keys = slices.Delete(left.keys, mid, len(left.keys))
	left.children = slices.Delete(left.children, mid+1, len(left.children))
	t.cache.markDirty(left)

	if err := t.adopt(right, right.children); err != nil {
		return err
	}
	return t.insertIntoParent(left, sep, right)
}

// insertIntoParent links right next to left under sep, growing a new root
// when left was the root.
func (t *Tree[K, V]) insertIntoParent(left *node[K, V], sep K, right *node[K, V]) error {
	if left.parent == nilBlock {
		root, err := t.newNode(kindInternal)
		if err != nil {
			return err
		}
		root.keys = append(root.keys, sep)
		root.children = append(root.children, left.block, right.block)
		left.parent = root.block
		right.parent = root.block
		t.cache.markDirty(left)
		t.cache.markDirty(right)

		t.root = root.block
		t.height++
		t.metaDirty = true
		t.log.Debug("tree grew", "height", t.height, "root", t.root)
		return nil
	}

	p, err := t.cache.get(left.parent)
	if err != nil {
		return err
	}
	i, err := p.childIndex(left.block)
	if err != nil {
		return err
	}
	p.keys = slices.Insert(p.keys, i, sep)
	p.children = slices.Insert(p.children, i+1, right.block)
	right.parent = p.block
	t.cache.markDirty(p)
	t.cache.markDirty(right)

	if len(p.keys) > t.layout.maxKeys {
		return t.splitInternal(p)
	}
	return nil
}

// adopt points the parent link of every listed child at n.
func (t *Tree[K, V]) adopt(n *node[K, V], children []uint64) error {
	for _, block := range children {
		c, err := t.cache.get(block)
		if err != nil {
			return err
		}
		if c.parent != n.block {
			c.parent = n.block
			t.cache.markDirty(c)
		}
	}
	return nil
}

// newNode returns an empty node, reusing the free list before allocating.
func (t *Tree[K, V]) newNode(kind nodeKind) (*node[K, V], error) {
	var block uint64
	if t.freeList != nilBlock {
		free, err := t.cache.get(t.freeList)
		if err != nil {
			return nil, err
		}
		if free.kind != kindFree {
			return nil, fmt.Errorf("%w: free list entry %d has kind %d", ErrCorruptedNode, free.block, free.kind)
		}
		block = free.block
		t.freeList = free.parent
	} else {
		var err error
		if block, err = t.dev.AllocBlock(); err != nil {
			return nil, fmt.Errorf("allocate node: %w", err)
		}
	}
	t.metaDirty = true

	n := &node[K, V]{
		block: block,
		kind:  kind,
		keys:  make([]K, 0, t.layout.maxKeys+1),
	}
	if kind == kindLeaf {
		n.vals = make([]V, 0, t.layout.maxKeys+1)
	} else {
		n.children = make([]uint64, 0, t.layout.order+1)
	}
	t.cache.add(n)
	return n, nil
}

// freeNode pushes n onto the free list. The block is rewritten as a free
// node on the next write-back.
func (t *Tree[K, V]) freeNode(n *node[K, V]) {
	n.kind = kindFree
	n.parent = t.freeList
	n.keys = nil
	n.vals = nil
	n.children = nil
	t.freeList = n.block
	t.metaDirty = true
	t.cache.markDirty(n)
}

// metaBlock is the decoded metadata block.
type metaBlock struct {
	height   uint32
	count    uint64
	freeList uint64
	root     uint64
	order    uint32
	keySize  uint32
	valSize  uint32
}

const metaSize = 44

func (t *Tree[K, V]) metaBlock() metaBlock {
	return metaBlock{
		height:   uint32(t.height),
		count:    t.count,
		freeList: t.freeList,
		root:     t.root,
		order:    uint32(t.layout.order),
		keySize:  uint32(t.layout.keySize),
		valSize:  uint32(t.layout.valSize),
	}
}

func (m metaBlock) encode(buf []byte) {
	clear(buf)
	le.PutUint32(buf[0:4], MetaMagic)
	le.PutUint32(buf[4:8], m.height)
	le.PutUint64(buf[8:16], m.count)
	le.PutUint64(buf[16:24], m.freeList)
	le.PutUint64(buf[24:32], m.root)
	le.PutUint32(buf[32:36], m.order)
	le.PutUint32(buf[36:40], m.keySize)
	le.PutUint32(buf[40:44], m.valSize)
}

func decodeMeta(buf []byte) (metaBlock, error) {
	if len(buf) < metaSize {
		return metaBlock{}, fmt.Errorf("%w: %d bytes", ErrCorruptedMeta, len(buf))
	}
	if magic := le.Uint32(buf[0:4]); magic != MetaMagic {
		return metaBlock{}, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptedMeta, magic)
	}
	return metaBlock{
		height:   le.Uint32(buf[4:8]),
		count:    le.Uint64(buf[8:16]),
		freeList: le.Uint64(buf[16:24]),
		root:     le.Uint64(buf[24:32]),
		order:    le.Uint32(buf[32:36]),
		keySize:  le.Uint32(buf[36:40]),
		valSize:  le.Uint32(buf[40:44]),
	}, nil
}
