package btree

import (
	"fmt"
	"slices"
)

type frame struct {
	block uint64
	next  int // next child to visit
}

// Ascend calls fn for every entry in key order until fn returns false. The
// tree must not be modified during iteration.
func (t *Tree[K, V]) Ascend(fn func(key K, val V) bool) error {
	return t.AscendFrom(nil, fn)
}

// AscendFrom is Ascend starting at the first key >= *from, or at the
// smallest key when from is nil.
func (t *Tree[K, V]) AscendFrom(from *K, fn func(key K, val V) bool) error {
	// The stack never holds more than one frame per level.
	stack := make([]frame, 0, t.height)
	stack = append(stack, frame{block: t.root})

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		n, err := t.cache.get(top.block)
		if err != nil {
			return t.done(err)
		}

		if n.leaf() {
			start := 0
			if from != nil {
				start, _ = slices.BinarySearch(n.keys, *from)
			}
			keys := slices.Clone(n.keys)
			vals := slices.Clone(n.vals)
			stack = stack[:len(stack)-1]
			if err := t.cache.release(); err != nil {
				return err
			}
			for i := start; i < len(keys); i++ {
				if !fn(keys[i], vals[i]) {
					return nil
				}
			}
			from = nil
			continue
		}

		if top.next == 0 && from != nil {
			i, found := slices.BinarySearch(n.keys, *from)
			if found {
				i++
			}
			top.next = i
		}
		if top.next >= len(n.children) {
			stack = stack[:len(stack)-1]
			continue
		}
		child := n.children[top.next]
		top.next++
		if len(stack) >= t.height {
			return t.done(fmt.Errorf("%w: internal node %d below level %d", ErrCorruptedNode, n.block, t.height))
		}
		stack = append(stack, frame{block: child})
	}
	return t.done(nil)
}

// Min returns the smallest key and its value.
func (t *Tree[K, V]) Min() (K, V, error) {
	var (
		key   K
		val   V
		found bool
	)
	err := t.Ascend(func(k K, v V) bool {
		key, val, found = k, v, true
		return false
	})
	if err == nil && !found {
		err = ErrKeyNotFound
	}
	return key, val, err
}

// Check walks the whole tree and verifies its structural invariants: key
// order and bounds, node occupancy, uniform leaf depth, parent links, the
// entry count and the free list. It is meant for tests and fsck-style tools.
func (t *Tree[K, V]) Check() error {
	var entries uint64
	if err := t.checkNode(t.root, nilBlock, 1, nil, nil, &entries); err != nil {
		return t.done(err)
	}
	if entries != t.count {
		return t.done(fmt.Errorf("%w: counted %d entries, metadata says %d", ErrCorruptedNode, entries, t.count))
	}

	// Each free block is distinct, so the list is no longer than the device.
	seen := 0
	for b := t.freeList; b != nilBlock; seen++ {
		if uint64(seen) >= t.dev.BlockCount() {
			return t.done(fmt.Errorf("%w: free list does not terminate", ErrCorruptedNode))
		}
		n, err := t.cache.get(b)
		if err != nil {
			return t.done(err)
		}
		if n.kind != kindFree {
			return t.done(fmt.Errorf("%w: free list entry %d has kind %d", ErrCorruptedNode, b, n.kind))
		}
		b = n.parent
		if err := t.cache.release(); err != nil {
			return err
		}
	}
	return t.done(nil)
}

// checkNode verifies the subtree at block whose keys must lie in [lo, hi).
func (t *Tree[K, V]) checkNode(block, parent uint64, depth int, lo, hi *K, entries *uint64) error {
	n, err := t.cache.get(block)
	if err != nil {
		return err
	}
	if n.parent != parent {
		return fmt.Errorf("%w: node %d has parent %d, expected %d", ErrCorruptedNode, block, n.parent, parent)
	}
	if len(n.keys) > t.layout.maxKeys {
		return fmt.Errorf("%w: node %d holds %d keys", ErrCorruptedNode, block, len(n.keys))
	}
	if block != t.root && len(n.keys) < t.layout.minKeys {
		return fmt.Errorf("%w: node %d holds %d keys, minimum %d", ErrCorruptedNode, block, len(n.keys), t.layout.minKeys)
	}
	for i, k := range n.keys {
		if i > 0 && n.keys[i-1] >= k {
			return fmt.Errorf("%w: node %d keys out of order at %d", ErrCorruptedNode, block, i)
		}
		if (lo != nil && k < *lo) || (hi != nil && k >= *hi) {
			return fmt.Errorf("%w: node %d key %v outside its parent's range", ErrCorruptedNode, block, k)
		}
	}

	if n.leaf() {
		if depth != t.height {
			return fmt.Errorf("%w: leaf %d at depth %d, height %d", ErrCorruptedNode, block, depth, t.height)
		}
		if len(n.vals) != len(n.keys) {
			return fmt.Errorf("%w: leaf %d has %d values for %d keys", ErrCorruptedNode, block, len(n.vals), len(n.keys))
		}
		*entries += uint64(len(n.keys))
		return t.cache.release()
	}

	if n.kind != kindInternal || depth >= t.height {
		return fmt.Errorf("%w: node %d of kind %d at depth %d", ErrCorruptedNode, block, n.kind, depth)
	}
	if len(n.keys) == 0 {
		return fmt.Errorf("%w: internal node %d has no keys", ErrCorruptedNode, block)
	}
	if len(n.children) != len(n.keys)+1 {
		return fmt.Errorf("%w: node %d has %d children for %d keys", ErrCorruptedNode, block, len(n.children), len(n.keys))
	}

	keys := slices.Clone(n.keys)
	children := slices.Clone(n.children)
	if err := t.cache.release(); err != nil {
		return err
	}
	for i, child := range children {
		clo, chi := lo, hi
		if i > 0 {
			clo = &keys[i-1]
		}
		if i < len(keys) {
			chi = &keys[i]
		}
		if err := t.checkNode(child, block, depth+1, clo, chi, entries); err != nil {
			return err
		}
	}
	return nil
}
