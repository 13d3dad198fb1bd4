package journal

type txEntry struct {
	block uint64
	data  []byte
}

// Transaction is a set of block images that are committed atomically.
// It is owned by the caller that began it until Commit or Abort.
type Transaction struct {
	j       *Journal
	seq     uint64
	entries []txEntry
	index   map[uint64]int
}

// Sequence returns the sequence number the transaction will commit under.
func (tx *Transaction) Sequence() uint64 {
	return tx.seq
}

// Len returns the number of distinct blocks in the transaction.
func (tx *Transaction) Len() int {
	tx.j.mu.Lock()
	defer tx.j.mu.Unlock()
	return len(tx.entries)
}

// Blocks returns the block numbers in the order they were first added.
func (tx *Transaction) Blocks() []uint64 {
	tx.j.mu.Lock()
	defer tx.j.mu.Unlock()

	out := make([]uint64, len(tx.entries))
	for i, e := range tx.entries {
		out[i] = e.block
	}
	return out
}

// Lookup returns a copy of the pending image for block, zero-padded to a
// full block, if the transaction holds one.
func (tx *Transaction) Lookup(block uint64) ([]byte, bool) {
	tx.j.mu.Lock()
	defer tx.j.mu.Unlock()

	i, ok := tx.index[block]
	if !ok {
		return nil, false
	}
	buf := make([]byte, JournalBlockSize)
	copy(buf, tx.entries[i].data)
	return buf, true
}
