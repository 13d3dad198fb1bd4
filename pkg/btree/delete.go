package btree

import (
	"fmt"
	"slices"
)

// Remove deletes key. Underfull nodes borrow from a sibling through the
// parent or are merged with one; the root collapses when it is left with
// a single child.
func (t *Tree[K, V]) Remove(key K) error {
	return t.done(t.remove(key))
}

func (t *Tree[K, V]) remove(key K) error {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	i, found := slices.BinarySearch(leaf.keys, key)
	if !found {
		return ErrKeyNotFound
	}

	leaf.keys = slices.Delete(leaf.keys, i, i+1)
	leaf.vals = slices.Delete(leaf.vals, i, i+1)
	t.cache.markDirty(leaf)
	t.count--
	t.metaDirty = true

	return t.rebalance(leaf)
}

// rebalance restores the occupancy of n and, after a merge, of each
// ancestor in turn. It climbs at most height levels.
func (t *Tree[K, V]) rebalance(n *node[K, V]) error {
	for range t.height {
		if n.block == t.root {
			return t.collapseRoot(n)
		}
		if len(n.keys) >= t.layout.minKeys {
			return nil
		}

		p, err := t.cache.get(n.parent)
		if err != nil {
			return err
		}
		idx, err := p.childIndex(n.block)
		if err != nil {
			return err
		}

		var left, right *node[K, V]
		if idx > 0 {
			if left, err = t.cache.get(p.children[idx-1]); err != nil {
				return err
			}
			if len(left.keys) > t.layout.minKeys {
				return t.borrowFromLeft(n, left, p, idx)
			}
		}
		if idx < len(p.children)-1 {
			if right, err = t.cache.get(p.children[idx+1]); err != nil {
				return err
			}
			if len(right.keys) > t.layout.minKeys {
				return t.borrowFromRight(n, right, p, idx)
			}
		}

		switch {
		case left != nil:
			err = t.merge(left, n, p, idx-1)
		case right != nil:
			err = t.merge(n, right, p, idx)
		default:
			err = fmt.Errorf("%w: node %d has no siblings under %d", ErrCorruptedNode, n.block, p.block)
		}
		if err != nil {
			return err
		}
		n = p
	}
	return fmt.Errorf("%w: rebalance did not reach the root", ErrCorruptedNode)
}

// collapseRoot replaces an internal root that has lost its last key by its
// only child.
func (t *Tree[K, V]) collapseRoot(root *node[K, V]) error {
	if root.leaf() || len(root.keys) > 0 {
		return nil
	}
	child, err := t.cache.get(root.children[0])
	if err != nil {
		return err
	}
	child.parent = nilBlock
	t.cache.markDirty(child)

	t.root = child.block
	t.height--
	t.freeNode(root)
	t.log.Debug("tree shrank", "height", t.height, "root", t.root)
	return nil
}

// borrowFromLeft rotates the last entry of left through the parent into n,
// which sits at position idx of p.
func (t *Tree[K, V]) borrowFromLeft(n, left, p *node[K, V], idx int) error {
	last := len(left.keys) - 1
	if n.leaf() {
		n.keys = slices.Insert(n.keys, 0, left.keys[last])
		n.vals = slices.Insert(n.vals, 0, left.vals[last])
		left.keys = left.keys[:last]
		left.vals = left.vals[:last]
		p.keys[idx-1] = n.keys[0]
	} else {
		moved := left.children[last+1]
		n.keys = slices.Insert(n.keys, 0, p.keys[idx-1])
		n.children = slices.Insert(n.children, 0, moved)
		p.keys[idx-1] = left.keys[last]
		left.keys = left.keys[:last]
		left.children = left.children[:last+1]
		if err := t.adopt(n, []uint64{moved}); err != nil {
			return err
		}
	}
	t.cache.markDirty(n)
	t.cache.markDirty(left)
	t.cache.markDirty(p)
	return nil
}

// borrowFromRight rotates the first entry of right through the parent into
// n, which sits at position idx of p.
func (t *Tree[K, V]) borrowFromRight(n, right, p *node[K, V], idx int) error {
	if n.leaf() {
		n.keys = append(n.keys, right.keys[0])
		n.vals = append(n.vals, right.vals[0])
		right.keys = slices.Delete(right.keys, 0, 1)
		right.vals = slices.Delete(right.vals, 0, 1)
		p.keys[idx] = right.keys[0]
	} else {
		moved := right.children[0]
		n.keys = append(n.keys, p.keys[idx])
		n.children = append(n.children, moved)
		p.keys[idx] = right.keys[0]
		right.keys = slices.Delete(right.keys, 0, 1)
		right.children = slices.Delete(right.children, 0, 1)
		if err := t.adopt(n, []uint64{moved}); err != nil {
			return err
		}
	}
	t.cache.markDirty(n)
	t.cache.markDirty(right)
	t.cache.markDirty(p)
	return nil
}

// merge folds right into left. sep is the index in p of the key separating
// them; it is pulled down into internal nodes and dropped for leaves.
func (t *Tree[K, V]) merge(left, right, p *node[K, V], sep int) error {
	if left.leaf() {
		left.keys = append(left.keys, right.keys...)
		left.vals = append(left.vals, right.vals...)
	} else {
		left.keys = append(left.keys, p.keys[sep])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
		if err := t.adopt(left, right.children); err != nil {
			return err
		}
	}
	p.keys = slices.Delete(p.keys, sep, sep+1)
	p.children = slices.Delete(p.children, sep+1, sep+2)

	t.cache.markDirty(left)
	t.cache.markDirty(p)
	t.freeNode(right)
	return nil
}
