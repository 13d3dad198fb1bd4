package btree

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"testing"

	"blockfs/pkg/storage"
)

func newDevice(t *testing.T, blocks uint64) *storage.MemoryBlockDevice {
	t.Helper()
	dev, err := storage.NewMemoryBlockDevice(blocks)
	if err != nil {
		t.Fatalf("NewMemoryBlockDevice() error = %v", err)
	}
	return dev
}

func quietOptions(order int) Options {
	return Options{
		Order:  order,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestTree(t *testing.T, dev storage.BlockDevice, opts Options) *Tree[uint64, uint64] {
	t.Helper()
	tree, err := Create(dev, Uint64Codec{}, Uint64Codec{}, opts)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return tree
}

func TestInsertScenario(t *testing.T) {
	tree := newTestTree(t, newDevice(t, 64), quietOptions(4))

	for _, k := range []uint64{50, 10, 40, 20, 30} {
		if err := tree.Insert(k, k*100); err != nil {
			t.Fatalf("Insert(%d) error = %v", k, err)
		}
	}

	v, err := tree.Get(30)
	if err != nil {
		t.Fatalf("Get(30) error = %v", err)
	}
	if v != 3000 {
		t.Errorf("Get(30) = %d, want 3000", v)
	}
	if tree.Height() != 2 {
		t.Errorf("Height() = %d, want 2", tree.Height())
	}
	if tree.Len() != 5 {
		t.Errorf("Len() = %d, want 5", tree.Len())
	}
	if err := tree.Check(); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}

func TestInsertGetSorted(t *testing.T) {
	for _, order := range []int{3, 4, 5, 8, 0} {
		t.Run(fmt.Sprintf("order=%d", order), func(t *testing.T) {
			tree := newTestTree(t, newDevice(t, 4096), quietOptions(order))
			rng := rand.New(rand.NewPCG(1, uint64(order)))

			keys := rng.Perm(1500)
			for _, k := range keys {
				if err := tree.Insert(uint64(k), uint64(k)*3); err != nil {
					t.Fatalf("Insert(%d) error = %v", k, err)
				}
			}
			if err := tree.Check(); err != nil {
				t.Fatalf("Check() error = %v", err)
			}

			for _, k := range keys {
				v, err := tree.Get(uint64(k))
				if err != nil || v != uint64(k)*3 {
					t.Fatalf("Get(%d) = %d, %v", k, v, err)
				}
			}

			var got []uint64
			if err := tree.Ascend(func(k, v uint64) bool {
				got = append(got, k)
				return true
			}); err != nil {
				t.Fatalf("Ascend() error = %v", err)
			}
			if len(got) != len(keys) || !slices.IsSorted(got) {
				t.Errorf("Ascend() returned %d keys, sorted=%v", len(got), slices.IsSorted(got))
			}
		})
	}
}

func TestInsertOverwrites(t *testing.T) {
	tree := newTestTree(t, newDevice(t, 64), quietOptions(4))
	if err := tree.Insert(7, 1); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(7, 2); err != nil {
		t.Fatal(err)
	}
	if v, _ := tree.Get(7); v != 2 {
		t.Errorf("Get(7) = %d, want 2", v)
	}
	if tree.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tree.Len())
	}
}

func TestUpdateAndMissingKeys(t *testing.T) {
	tree := newTestTree(t, newDevice(t, 64), quietOptions(4))
	for k := range uint64(10) {
		if err := tree.Insert(k*2, k); err != nil {
			t.Fatal(err)
		}
	}

	if err := tree.Update(4, 99); err != nil {
		t.Fatalf("Update(4) error = %v", err)
	}
	if v, _ := tree.Get(4); v != 99 {
		t.Errorf("Get(4) = %d, want 99", v)
	}

	tests := []struct {
		name string
		op   func() error
	}{
		{"get", func() error { _, err := tree.Get(5); return err }},
		{"update", func() error { return tree.Update(5, 1) }},
		{"remove", func() error { return tree.Remove(5) }},
		{"get past end", func() error { _, err := tree.Get(1000); return err }},
	}
	for _, tt := range tests {
		if err := tt.op(); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, ErrKeyNotFound)
		}
	}
	if tree.Len() != 10 {
		t.Errorf("Len() = %d after failed ops, want 10", tree.Len())
	}
}

func TestRemoveRebalances(t *testing.T) {
	for _, order := range []int{3, 4, 5, 6} {
		t.Run(fmt.Sprintf("order=%d", order), func(t *testing.T) {
			tree := newTestTree(t, newDevice(t, 2048), quietOptions(order))
			rng := rand.New(rand.NewPCG(7, uint64(order)))

			keys := rng.Perm(400)
			for _, k := range keys {
				if err := tree.Insert(uint64(k), uint64(k)); err != nil {
					t.Fatalf("Insert(%d) error = %v", k, err)
				}
			}

			rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
			for i, k := range keys {
				if err := tree.Remove(uint64(k)); err != nil {
					t.Fatalf("Remove(%d) error = %v", k, err)
				}
				if err := tree.Check(); err != nil {
					t.Fatalf("Check() after removing %d (%d of %d): %v", k, i+1, len(keys), err)
				}
				if _, err := tree.Get(uint64(k)); !errors.Is(err, ErrKeyNotFound) {
					t.Fatalf("Get(%d) after Remove error = %v", k, err)
				}
			}

			if tree.Height() != 1 {
				t.Errorf("Height() = %d, want 1", tree.Height())
			}
			if tree.Len() != 0 {
				t.Errorf("Len() = %d, want 0", tree.Len())
			}
			if _, _, err := tree.Min(); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("Min() on empty tree error = %v", err)
			}
		})
	}
}

func TestInterleavedInsertRemove(t *testing.T) {
	tree := newTestTree(t, newDevice(t, 2048), quietOptions(4))
	rng := rand.New(rand.NewPCG(3, 9))
	live := map[uint64]uint64{}

	for i := range 3000 {
		k := uint64(rng.IntN(300))
		if _, ok := live[k]; ok && rng.IntN(2) == 0 {
			if err := tree.Remove(k); err != nil {
				t.Fatalf("step %d: Remove(%d) error = %v", i, k, err)
			}
			delete(live, k)
		} else {
			if err := tree.Insert(k, uint64(i)); err != nil {
				t.Fatalf("step %d: Insert(%d) error = %v", i, k, err)
			}
			live[k] = uint64(i)
		}
		if i%50 == 0 {
			if err := tree.Check(); err != nil {
				t.Fatalf("step %d: Check() error = %v", i, err)
			}
		}
	}

	if tree.Len() != uint64(len(live)) {
		t.Errorf("Len() = %d, want %d", tree.Len(), len(live))
	}
	for k, want := range live {
		if v, err := tree.Get(k); err != nil || v != want {
			t.Errorf("Get(%d) = %d, %v; want %d", k, v, err, want)
		}
	}
	if err := tree.Check(); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}

func TestTreeTooDeep(t *testing.T) {
	opts := quietOptions(3)
	opts.MaxHeight = 2
	tree := newTestTree(t, newDevice(t, 64), opts)

	var inserted uint64
	var err error
	for k := uint64(1); k <= 100; k++ {
		if err = tree.Insert(k, k); err != nil {
			break
		}
		inserted++
	}
	if !errors.Is(err, ErrTreeTooDeep) {
		t.Fatalf("Insert() error = %v, want %v", err, ErrTreeTooDeep)
	}
	if tree.Height() != 2 {
		t.Errorf("Height() = %d, want 2", tree.Height())
	}
	if tree.Len() != inserted {
		t.Errorf("Len() = %d, want %d", tree.Len(), inserted)
	}
	if _, err := tree.Get(inserted + 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("rejected key is present: %v", err)
	}
	if err := tree.Check(); err != nil {
		t.Errorf("Check() after rejected insert: %v", err)
	}

	// Keys that fit without splitting the root still go in.
	if err := tree.Remove(1); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(0, 0); err != nil {
		t.Errorf("Insert(0) error = %v", err)
	}
}

func TestPersistence(t *testing.T) {
	dev := newDevice(t, 1024)
	tree := newTestTree(t, dev, quietOptions(5))
	for k := range uint64(300) {
		if err := tree.Insert(k, k+1); err != nil {
			t.Fatal(err)
		}
	}
	for k := uint64(0); k < 300; k += 3 {
		if err := tree.Remove(k); err != nil {
			t.Fatal(err)
		}
	}
	if err := tree.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	reopened, err := Open(dev, tree.MetaBlock(), Uint64Codec{}, Uint64Codec{}, quietOptions(0))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if reopened.Len() != 200 || reopened.Height() != tree.Height() || reopened.Order() != 5 {
		t.Errorf("reopened tree: len %d height %d order %d", reopened.Len(), reopened.Height(), reopened.Order())
	}
	for k := range uint64(300) {
		v, err := reopened.Get(k)
		if k%3 == 0 {
			if !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("Get(%d) error = %v, want %v", k, err, ErrKeyNotFound)
			}
			continue
		}
		if err != nil || v != k+1 {
			t.Errorf("Get(%d) = %d, %v", k, v, err)
		}
	}
	if err := reopened.Check(); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}

func TestDiscardDropsUnflushedChanges(t *testing.T) {
	dev := newDevice(t, 256)
	tree := newTestTree(t, dev, quietOptions(4))
	for k := range uint64(20) {
		_ = tree.Insert(k, k)
	}
	if err := tree.Flush(); err != nil {
		t.Fatal(err)
	}

	// Large cache: nothing is written back before Flush.
	for k := uint64(20); k < 25; k++ {
		_ = tree.Insert(k, k)
	}
	if err := tree.Discard(); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if tree.Len() != 20 {
		t.Errorf("Len() after Discard = %d, want 20", tree.Len())
	}
	if _, err := tree.Get(22); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(22) after Discard error = %v", err)
	}
	if err := tree.Check(); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}

func TestFreeListReuse(t *testing.T) {
	dev := newDevice(t, 1024)
	tree := newTestTree(t, dev, quietOptions(4))

	fill := func() {
		for k := range uint64(200) {
			if err := tree.Insert(k, k); err != nil {
				t.Fatalf("Insert(%d) error = %v", k, err)
			}
		}
	}
	fill()
	high := dev.NextAlloc()

	for k := range uint64(200) {
		if err := tree.Remove(k); err != nil {
			t.Fatalf("Remove(%d) error = %v", k, err)
		}
	}
	if err := tree.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	fill()
	if got := dev.NextAlloc(); got != high {
		t.Errorf("NextAlloc() = %d after refill, want %d (free list not reused)", got, high)
	}
	if err := tree.Check(); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}

func TestCacheStaysBounded(t *testing.T) {
	opts := quietOptions(4)
	opts.CacheSize = 4
	tree := newTestTree(t, newDevice(t, 2048), opts)

	for k := range uint64(1000) {
		if err := tree.Insert(k, k); err != nil {
			t.Fatal(err)
		}
		if st := tree.Stats(); st.Cache.Entries > 4 {
			t.Fatalf("cache holds %d nodes after insert %d, capacity 4", st.Cache.Entries, k)
		}
	}
	for k := range uint64(1000) {
		if v, err := tree.Get(k); err != nil || v != k {
			t.Fatalf("Get(%d) = %d, %v", k, v, err)
		}
	}
	st := tree.Stats()
	if st.Cache.Misses == 0 || st.Cache.Hits == 0 {
		t.Errorf("cache stats = %+v", st.Cache)
	}
	if err := tree.Check(); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}

func TestAscendFrom(t *testing.T) {
	tree := newTestTree(t, newDevice(t, 256), quietOptions(4))
	for k := uint64(0); k < 100; k += 2 {
		_ = tree.Insert(k, k)
	}

	from := uint64(31)
	var got []uint64
	err := tree.AscendFrom(&from, func(k, v uint64) bool {
		got = append(got, k)
		return len(got) < 5
	})
	if err != nil {
		t.Fatalf("AscendFrom() error = %v", err)
	}
	if want := []uint64{32, 34, 36, 38, 40}; !slices.Equal(got, want) {
		t.Errorf("AscendFrom(31) = %v, want %v", got, want)
	}

	k, v, err := tree.Min()
	if err != nil || k != 0 || v != 0 {
		t.Errorf("Min() = %d, %d, %v", k, v, err)
	}
}

func TestOpenAndOptionErrors(t *testing.T) {
	dev := newDevice(t, 64)
	tree := newTestTree(t, dev, quietOptions(4))

	if _, err := Open(dev, tree.MetaBlock(), Uint64Codec{}, Uint32Codec{}, quietOptions(0)); !errors.Is(err, ErrCorruptedMeta) {
		t.Errorf("Open(wrong value codec) error = %v, want %v", err, ErrCorruptedMeta)
	}
	if _, err := Open(dev, 60, Uint64Codec{}, Uint64Codec{}, quietOptions(0)); !errors.Is(err, ErrCorruptedMeta) {
		t.Errorf("Open(blank block) error = %v, want %v", err, ErrCorruptedMeta)
	}

	for _, order := range []int{2, MaxOrder(8, 8) + 1} {
		if _, err := Create(dev, Uint64Codec{}, Uint64Codec{}, quietOptions(order)); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("Create(order %d) error = %v, want %v", order, err, ErrInvalidOrder)
		}
	}
}

func TestMaxOrder(t *testing.T) {
	tests := []struct {
		keySize, valSize int
		want             int
	}{
		{8, 8, 255},
		{8, 1, 255},
		{8, 136, 29},
		{4, 4, 340},
	}
	for _, tt := range tests {
		got := MaxOrder(tt.keySize, tt.valSize)
		if got != tt.want {
			t.Errorf("MaxOrder(%d, %d) = %d, want %d", tt.keySize, tt.valSize, got, tt.want)
		}
		if !newLayout(got, tt.keySize, tt.valSize).fits() {
			t.Errorf("order %d does not fit a block", got)
		}
		if newLayout(got+1, tt.keySize, tt.valSize).fits() {
			t.Errorf("order %d also fits; MaxOrder is not maximal", got+1)
		}
	}
}

func TestNodeRoundTrip(t *testing.T) {
	l := newLayout(4, 8, 8)
	buf := make([]byte, storage.BlockSize)

	leaf := &node[uint64, uint64]{block: 9, kind: kindLeaf, parent: 3, keys: []uint64{1, 2}, vals: []uint64{10, 20}}
	encodeNode(l, Uint64Codec{}, Uint64Codec{}, leaf, buf)
	got, err := decodeNode(l, Uint64Codec{}, Uint64Codec{}, 9, buf)
	if err != nil {
		t.Fatalf("decodeNode() error = %v", err)
	}
	if got.parent != 3 || !slices.Equal(got.keys, leaf.keys) || !slices.Equal(got.vals, leaf.vals) {
		t.Errorf("decoded leaf = %+v", got)
	}

	inner := &node[uint64, uint64]{block: 3, kind: kindInternal, keys: []uint64{5}, children: []uint64{9, 11}}
	encodeNode(l, Uint64Codec{}, Uint64Codec{}, inner, buf)
	got, err = decodeNode(l, Uint64Codec{}, Uint64Codec{}, 3, buf)
	if err != nil {
		t.Fatalf("decodeNode() error = %v", err)
	}
	if !slices.Equal(got.children, inner.children) {
		t.Errorf("children = %v, want %v", got.children, inner.children)
	}

	buf[0] = 0x7F
	if _, err := decodeNode(l, Uint64Codec{}, Uint64Codec{}, 3, buf); !errors.Is(err, ErrCorruptedNode) {
		t.Errorf("decodeNode(bad kind) error = %v, want %v", err, ErrCorruptedNode)
	}
}
