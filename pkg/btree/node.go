package btree

import (
	"fmt"
	"slices"

	"blockfs/pkg/storage"
)

type nodeKind uint8

const (
	kindLeaf     nodeKind = 1
	kindInternal nodeKind = 2
	kindFree     nodeKind = 3
)

// nodeHeaderSize covers kind, pad, count, reserved and parent.
const nodeHeaderSize = 16

// nilBlock marks an absent parent, root or free-list link. Nodes are always
// allocated after the metadata block, so no node lives at block 0.
const nilBlock uint64 = 0

// node is the decoded form of one tree block. Identity is the block number;
// links to other nodes are block numbers, never pointers.
type node[K any, V any] struct {
	block    uint64
	kind     nodeKind
	parent   uint64 // next free block when kind == kindFree
	keys     []K
	vals     []V      // leaf only
	children []uint64 // internal only, len(keys)+1
}

func (n *node[K, V]) leaf() bool { return n.kind == kindLeaf }

// layout describes where fields sit inside a node block for a given order.
type layout struct {
	order   int
	keySize int
	valSize int
	valsOff int // also the children offset for internal nodes
	maxKeys int
	minKeys int
}

func newLayout(order, keySize, valSize int) layout {
	return layout{
		order:   order,
		keySize: keySize,
		valSize: valSize,
		valsOff: nodeHeaderSize + (order-1)*keySize,
		maxKeys: order - 1,
		minKeys: (order+1)/2 - 1,
	}
}

// MaxOrder returns the largest order whose leaf and internal nodes both fit
// in one block for the given key and value widths.
func MaxOrder(keySize, valSize int) int {
	leaf := (storage.BlockSize-nodeHeaderSize)/(keySize+valSize) + 1
	internal := (storage.BlockSize - nodeHeaderSize + keySize) / (keySize + 8)
	return min(leaf, internal)
}

func (l layout) fits() bool {
	leaf := l.valsOff + l.maxKeys*l.valSize
	internal := l.valsOff + l.order*8
	return leaf <= storage.BlockSize && internal <= storage.BlockSize
}

func encodeNode[K any, V any](l layout, kc Codec[K], vc Codec[V], n *node[K, V], buf []byte) {
	clear(buf)
	buf[0] = byte(n.kind)
	le.PutUint16(buf[2:4], uint16(len(n.keys)))
	le.PutUint64(buf[8:16], n.parent)
	if n.kind == kindFree {
		return
	}

	for i, k := range n.keys {
		off := nodeHeaderSize + i*l.keySize
		kc.Put(buf[off:off+l.keySize], k)
	}
	if n.leaf() {
		for i, v := range n.vals {
			off := l.valsOff + i*l.valSize
			vc.Put(buf[off:off+l.valSize], v)
		}
		return
	}
	for i, c := range n.children {
		off := l.valsOff + i*8
		le.PutUint64(buf[off:off+8], c)
	}
}

func decodeNode[K any, V any](l layout, kc Codec[K], vc Codec[V], block uint64, buf []byte) (*node[K, V], error) {
	n := &node[K, V]{
		block:  block,
		kind:   nodeKind(buf[0]),
		parent: le.Uint64(buf[8:16]),
	}
	count := int(le.Uint16(buf[2:4]))

	switch n.kind {
	case kindFree:
		return n, nil
	case kindLeaf, kindInternal:
	default:
		return nil, fmt.Errorf("%w: block %d has kind %d", ErrCorruptedNode, block, n.kind)
	}
	if count > l.maxKeys {
		return nil, fmt.Errorf("%w: block %d holds %d keys, order %d", ErrCorruptedNode, block, count, l.order)
	}

	n.keys = make([]K, count, l.maxKeys+1)
	for i := range n.keys {
		off := nodeHeaderSize + i*l.keySize
		n.keys[i] = kc.Get(buf[off : off+l.keySize])
	}
	if n.leaf() {
		n.vals = make([]V, count, l.maxKeys+1)
		for i := range n.vals {
			off := l.valsOff + i*l.valSize
			n.vals[i] = vc.Get(buf[off : off+l.valSize])
		}
		return n, nil
	}
	n.children = make([]uint64, count+1, l.order+1)
	for i := range n.children {
		off := l.valsOff + i*8
		n.children[i] = le.Uint64(buf[off : off+8])
	}
	return n, nil
}

// childIndex returns the position of block among n's children.
func (n *node[K, V]) childIndex(block uint64) (int, error) {
	i := slices.Index(n.children, block)
	if i < 0 {
		return 0, fmt.Errorf("%w: block %d is not a child of %d", ErrCorruptedNode, block, n.block)
	}
	return i, nil
}
