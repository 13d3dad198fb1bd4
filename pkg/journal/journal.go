/*
Package journal implements a circular write-ahead journal that makes
multi-block updates atomic over a storage.BlockDevice.

The journal owns a contiguous extent of the device. The first block of the
extent holds the Header; the remaining Size blocks form a circular log.
A committed transaction is laid out in the log as

	TxnHeader | (Descriptor, data) x N | CommitBlock

and is durable once the header has been rewritten with the new head. After
that the blocks are installed at their home locations; Checkpoint reclaims
log space for transactions whose home locations are known to be durable.

Only one transaction may be open at a time:

	tx, err := j.Begin()
	if err != nil {
		return err
	}
	if err := j.AddBlock(tx, 5, data); err != nil {
		j.Abort(tx)
		return err
	}
	if err := j.Commit(tx); err != nil {
		j.Abort(tx)
		return err
	}
*/
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"blockfs/pkg/storage"
)

// Version is the on-disk format version written by Format.
const Version = 1

// JournalBlockSize is the largest payload a single AddBlock may carry.
const JournalBlockSize = storage.BlockSize

const (
	// DefaultMaxTransactionSize is the default cap on blocks per transaction.
	DefaultMaxTransactionSize = 64
	// MaxTransactionLimit is the largest cap Open accepts; replay rejects
	// transaction headers that claim more blocks.
	MaxTransactionLimit = 256
)

// Journal errors.
var (
	ErrTransactionActive      = errors.New("journal: transaction already active")
	ErrTransactionTooLarge    = errors.New("journal: transaction too large")
	ErrBlockTooLarge          = errors.New("journal: block larger than journal block size")
	ErrJournalFull            = errors.New("journal: not enough free space")
	ErrCorruptedHeader        = errors.New("journal: corrupted header")
	ErrCorruptedBlock         = errors.New("journal: corrupted block")
	ErrCorruptedCommit        = errors.New("journal: corrupted commit block")
	ErrUncommittedTransaction = errors.New("journal: uncommitted transaction")
	ErrNoTransaction          = errors.New("journal: transaction is not active")
	ErrJournalClosed          = errors.New("journal: closed")
	ErrInvalidGeometry        = errors.New("journal: invalid geometry")
)

// Options configures a Journal.
type Options struct {
	// Start is the device block holding the journal header.
	Start uint64

	// Size is the number of log blocks after the header. Format requires
	// it; Open takes it from the header when zero.
	Size uint32

	// MaxTransactionSize caps the distinct blocks in one transaction.
	// Zero means DefaultMaxTransactionSize.
	MaxTransactionSize int

	// Logger receives commit, checkpoint and replay events.
	Logger *slog.Logger

	// Now supplies commit timestamps. Defaults to time.Now.
	Now func() time.Time
}

// extent is the log range of a committed transaction that has not been
// checkpointed yet.
type extent struct {
	seq     uint64
	start   uint32
	end     uint32 // log offset just past the commit block
	applied bool   // home locations written and synced
}

// Journal is a write-ahead journal over a block device.
type Journal struct {
	dev   storage.BlockDevice
	start uint64
	size  uint32
	maxTx int
	log   *slog.Logger
	now   func() time.Time

	// mu guards the header fields, the active transaction and the
	// checkpoint bookkeeping.
	mu      sync.Mutex
	hdr     Header
	current *Transaction
	nextSeq uint64
	pending []extent
	closed  bool

	// commitMu serializes the on-disk commit, replay and checkpoint so
	// only one transaction is ever being written to the log.
	commitMu sync.Mutex
}

// Stats describes the journal's space usage.
type Stats struct {
	Sequence uint64
	Head     uint32
	Tail     uint32
	Size     uint32
	Used     uint32
	Free     uint32
	Pending  int // committed transactions not yet checkpointed
}

func (o *Options) fill() error {
	if o.MaxTransactionSize == 0 {
		o.MaxTransactionSize = DefaultMaxTransactionSize
	}
	if o.MaxTransactionSize < 1 || o.MaxTransactionSize > MaxTransactionLimit {
		return fmt.Errorf("%w: max transaction size %d not in [1, %d]", ErrInvalidGeometry, o.MaxTransactionSize, MaxTransactionLimit)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

// MinSize returns the smallest log that can hold one transaction of
// maxTx blocks plus the slot that separates head from tail.
func MinSize(maxTx int) uint32 {
	return uint32(recordBlocks(maxTx)) + 1
}

// recordBlocks is the log footprint of a transaction with n blocks.
func recordBlocks(n int) int {
	return 1 + 2*n + 1
}

func checkGeometry(dev storage.BlockDevice, start uint64, size uint32, maxTx int) error {
	if dev.BlockSize() != storage.BlockSize {
		return fmt.Errorf("%w: device block size %d", ErrInvalidGeometry, dev.BlockSize())
	}
	if size < MinSize(maxTx) {
		return fmt.Errorf("%w: %d log blocks cannot hold a %d-block transaction", ErrInvalidGeometry, size, maxTx)
	}
	if start+1+uint64(size) > dev.BlockCount() {
		return fmt.Errorf("%w: extent [%d, %d) exceeds device of %d blocks",
			ErrInvalidGeometry, start, start+1+uint64(size), dev.BlockCount())
	}
	return nil
}

// Format writes an empty journal header and returns the journal.
func Format(dev storage.BlockDevice, opts Options) (*Journal, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if err := checkGeometry(dev, opts.Start, opts.Size, opts.MaxTransactionSize); err != nil {
		return nil, err
	}

	j := newJournal(dev, opts)
	j.size = opts.Size
	j.hdr = Header{
		Magic:     HeaderMagic,
		Version:   Version,
		BlockSize: storage.BlockSize,
		Size:      opts.Size,
	}
	if err := j.writeHeader(); err != nil {
		return nil, fmt.Errorf("format journal: %w", err)
	}
	j.nextSeq = 1

	j.log.Info("journal formatted", "start", j.start, "size", j.size)
	return j, nil
}

// Open reads and validates the journal header. A corrupted header is fatal;
// the caller must not mount the filesystem. Call Replay before using the
// journal.
func Open(dev storage.BlockDevice, opts Options) (*Journal, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}

	buf := make([]byte, storage.BlockSize)
	if err := dev.ReadBlock(opts.Start, buf); err != nil {
		return nil, fmt.Errorf("read journal header: %w", err)
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.Version != Version || hdr.BlockSize != storage.BlockSize {
		return nil, fmt.Errorf("%w: version %d, block size %d", ErrCorruptedHeader, hdr.Version, hdr.BlockSize)
	}
	if opts.Size != 0 && opts.Size != hdr.Size {
		return nil, fmt.Errorf("%w: header size %d, expected %d", ErrCorruptedHeader, hdr.Size, opts.Size)
	}
	if hdr.Head >= hdr.Size || hdr.Tail >= hdr.Size {
		return nil, fmt.Errorf("%w: head %d / tail %d outside log of %d blocks", ErrCorruptedHeader, hdr.Head, hdr.Tail, hdr.Size)
	}
	if err := checkGeometry(dev, opts.Start, hdr.Size, opts.MaxTransactionSize); err != nil {
		return nil, err
	}

	j := newJournal(dev, opts)
	j.size = hdr.Size
	j.hdr = hdr
	j.nextSeq = hdr.Sequence + 1
	return j, nil
}

func newJournal(dev storage.BlockDevice, opts Options) *Journal {
	return &Journal{
		dev:   dev,
		start: opts.Start,
		maxTx: opts.MaxTransactionSize,
		log:   opts.Logger.With("component", "journal"),
		now:   opts.Now,
	}
}

// Begin opens a new transaction. It fails with ErrTransactionActive if one
// is already open.
func (j *Journal) Begin() (*Transaction, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}
	if j.current != nil {
		return nil, ErrTransactionActive
	}

	tx := &Transaction{
		j:     j,
		seq:   j.nextSeq,
		index: make(map[uint64]int),
	}
	j.nextSeq++
	j.current = tx
	return tx, nil
}

// AddBlock records a full or partial block image for blockNum. The data is
// copied. Adding the same block twice replaces the earlier image.
func (j *Journal) AddBlock(tx *Transaction, blockNum uint64, data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if tx == nil || tx != j.current {
		return ErrNoTransaction
	}
	if len(data) > JournalBlockSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(data))
	}
	if blockNum >= j.dev.BlockCount() {
		return fmt.Errorf("%w: %d", storage.ErrInvalidBlockNumber, blockNum)
	}
	if j.inExtent(blockNum) {
		return fmt.Errorf("%w: block %d lies inside the journal", storage.ErrInvalidBlockNumber, blockNum)
	}

	if i, ok := tx.index[blockNum]; ok {
		tx.entries[i].data = slices.Clone(data)
		return nil
	}
	if len(tx.entries) >= j.maxTx {
		return fmt.Errorf("%w: limit is %d blocks", ErrTransactionTooLarge, j.maxTx)
	}

	tx.index[blockNum] = len(tx.entries)
	tx.entries = append(tx.entries, txEntry{block: blockNum, data: slices.Clone(data)})
	return nil
}

// Abort discards the transaction without touching the device.
func (j *Journal) Abort(tx *Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if tx == nil || tx != j.current {
		return ErrNoTransaction
	}
	j.current = nil
	return nil
}

// Commit makes the transaction durable and installs its blocks at their
// home locations. If Commit fails before the header is rewritten the
// transaction is still active and the caller must Abort it. If it fails
// while installing, the transaction is durable and Replay will finish it.
func (j *Journal) Commit(tx *Transaction) error {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()

	j.mu.Lock()
	if tx == nil || tx != j.current {
		j.mu.Unlock()
		return ErrNoTransaction
	}
	need := uint32(recordBlocks(len(tx.entries)))
	free := j.freeLocked()
	j.mu.Unlock()

	if len(tx.entries) == 0 {
		return j.Abort(tx)
	}

	if free < need {
		if err := j.checkpoint(); err != nil {
			return fmt.Errorf("commit %d: %w", tx.seq, err)
		}
		j.mu.Lock()
		free = j.freeLocked()
		j.mu.Unlock()
		if free < need {
			return fmt.Errorf("%w: need %d blocks, %d free", ErrJournalFull, need, free)
		}
	}

	// Only commitMu holders move head, so it is stable here.
	j.mu.Lock()
	head := j.hdr.Head
	j.mu.Unlock()

	if err := j.writeRecord(tx, head); err != nil {
		return fmt.Errorf("commit %d: %w", tx.seq, err)
	}
	if err := j.syncLog(head, need); err != nil {
		return fmt.Errorf("commit %d: sync log: %w", tx.seq, err)
	}

	newHead := (head + need) % j.size

	j.mu.Lock()
	prev := j.hdr
	j.hdr.Sequence = tx.seq
	j.hdr.Head = newHead
	if err := j.writeHeader(); err != nil {
		j.hdr = prev
		j.mu.Unlock()
		return fmt.Errorf("commit %d: write header: %w", tx.seq, err)
	}
	j.current = nil
	j.pending = append(j.pending, extent{seq: tx.seq, start: head, end: newHead})
	j.mu.Unlock()

	j.log.Debug("transaction committed", "seq", tx.seq, "blocks", len(tx.entries), "head", newHead)

	if err := j.install(tx.entries); err != nil {
		j.log.Warn("transaction committed but not installed", "seq", tx.seq, "error", err)
		return fmt.Errorf("install %d: %w", tx.seq, err)
	}

	j.mu.Lock()
	for i := range j.pending {
		if j.pending[i].seq == tx.seq {
			j.pending[i].applied = true
		}
	}
	j.mu.Unlock()
	return nil
}

// writeRecord lays the transaction out in the log starting at head.
func (j *Journal) writeRecord(tx *Transaction, head uint32) error {
	buf := make([]byte, storage.BlockSize)
	ts := uint64(j.now().UnixNano())
	pos := head

	th := TxnHeader{
		Magic:      TxnMagic,
		Sequence:   tx.seq,
		Timestamp:  ts,
		BlockCount: uint32(len(tx.entries)),
	}
	th.Encode(buf)
	if err := j.writeLog(pos, buf); err != nil {
		return fmt.Errorf("transaction header: %w", err)
	}

	for _, e := range tx.entries {
		pos = j.advance(pos, 1)
		dataPos := j.advance(pos, 1)

		clear(buf)
		d := Descriptor{
			BlockNum: e.block,
			Offset:   dataPos,
			Size:     uint32(len(e.data)),
			Checksum: checksum(e.data),
		}
		d.Encode(buf)
		if err := j.writeLog(pos, buf); err != nil {
			return fmt.Errorf("descriptor for block %d: %w", e.block, err)
		}

		clear(buf)
		copy(buf, e.data)
		if err := j.writeLog(dataPos, buf); err != nil {
			return fmt.Errorf("data for block %d: %w", e.block, err)
		}
		pos = dataPos
	}

	pos = j.advance(pos, 1)
	c := CommitBlock{
		Magic:     CommitMagic,
		Sequence:  tx.seq,
		Timestamp: ts,
	}
	clear(buf)
	c.Encode(buf)
	if err := j.writeLog(pos, buf); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	return nil
}

// install writes every image to its home block and makes the writes durable.
func (j *Journal) install(entries []txEntry) error {
	buf := make([]byte, storage.BlockSize)
	blocks := make([]uint64, 0, len(entries))
	for _, e := range entries {
		clear(buf)
		copy(buf, e.data)
		if err := j.dev.WriteBlock(e.block, buf); err != nil {
			return fmt.Errorf("block %d: %w", e.block, err)
		}
		blocks = append(blocks, e.block)
	}
	return syncBlocks(j.dev, blocks)
}

// Checkpoint reclaims log space held by transactions whose home locations
// are durable. The new tail is always a transaction boundary and never
// passes head.
func (j *Journal) Checkpoint() error {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()
	return j.checkpoint()
}

// checkpoint requires commitMu.
func (j *Journal) checkpoint() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	n := 0
	newTail := j.hdr.Tail
	for n < len(j.pending) && j.pending[n].applied {
		newTail = j.pending[n].end
		n++
	}
	if n == 0 {
		return nil
	}

	prev := j.hdr
	j.hdr.Tail = newTail
	if err := j.writeHeader(); err != nil {
		j.hdr = prev
		return fmt.Errorf("checkpoint: %w", err)
	}
	j.pending = j.pending[n:]

	j.log.Debug("checkpoint", "tail", newTail, "reclaimed", n, "pending", len(j.pending))
	return nil
}

// Flush syncs the whole journal extent. It refuses to run while a
// transaction is open.
func (j *Journal) Flush() error {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if j.current != nil {
		return ErrTransactionActive
	}
	return j.dev.SyncRange(j.start, j.start+1+uint64(j.size))
}

// Close checkpoints and flushes the journal. It fails with
// ErrUncommittedTransaction while a transaction is open.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	if j.current != nil {
		j.mu.Unlock()
		return ErrUncommittedTransaction
	}
	j.mu.Unlock()

	if err := j.Checkpoint(); err != nil {
		return err
	}
	if err := j.Flush(); err != nil {
		return err
	}

	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the journal's space usage.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()

	used := j.usedLocked()
	return Stats{
		Sequence: j.hdr.Sequence,
		Head:     j.hdr.Head,
		Tail:     j.hdr.Tail,
		Size:     j.size,
		Used:     used,
		Free:     j.freeLocked(),
		Pending:  len(j.pending),
	}
}

// MaxTransactionSize returns the cap on blocks per transaction.
func (j *Journal) MaxTransactionSize() int {
	return j.maxTx
}

// Extent returns the device blocks [start, end) owned by the journal.
func (j *Journal) Extent() (start, end uint64) {
	return j.start, j.start + 1 + uint64(j.size)
}

func (j *Journal) usedLocked() uint32 {
	return (j.hdr.Head + j.size - j.hdr.Tail) % j.size
}

// freeLocked keeps one slot empty so head == tail always means empty.
func (j *Journal) freeLocked() uint32 {
	return j.size - 1 - j.usedLocked()
}

func (j *Journal) inExtent(block uint64) bool {
	return block >= j.start && block < j.start+1+uint64(j.size)
}

func (j *Journal) advance(pos, n uint32) uint32 {
	return (pos + n) % j.size
}

func (j *Journal) logBlock(pos uint32) uint64 {
	return j.start + 1 + uint64(pos)
}

func (j *Journal) writeLog(pos uint32, buf []byte) error {
	return j.dev.WriteBlock(j.logBlock(pos), buf)
}

func (j *Journal) readLog(pos uint32, buf []byte) error {
	return j.dev.ReadBlock(j.logBlock(pos), buf)
}

// syncLog syncs n log blocks starting at pos, in two ranges if they wrap.
func (j *Journal) syncLog(pos, n uint32) error {
	if pos+n <= j.size {
		return j.dev.SyncRange(j.logBlock(pos), j.logBlock(pos)+uint64(n))
	}
	first := j.size - pos
	if err := j.dev.SyncRange(j.logBlock(pos), j.logBlock(pos)+uint64(first)); err != nil {
		return err
	}
	return j.dev.SyncRange(j.logBlock(0), j.logBlock(0)+uint64(n-first))
}

// writeHeader persists j.hdr and syncs it. Requires mu (or exclusive use).
func (j *Journal) writeHeader() error {
	buf := make([]byte, storage.BlockSize)
	j.hdr.Encode(buf)
	if err := j.dev.WriteBlock(j.start, buf); err != nil {
		return err
	}
	return j.dev.SyncRange(j.start, j.start+1)
}

// syncBlocks syncs the given blocks, merging adjacent numbers into ranges.
func syncBlocks(dev storage.BlockDevice, blocks []uint64) error {
	if len(blocks) == 0 {
		return nil
	}
	slices.Sort(blocks)
	blocks = slices.Compact(blocks)

	start := blocks[0]
	end := start + 1
	for _, b := range blocks[1:] {
		if b == end {
			end++
			continue
		}
		if err := dev.SyncRange(start, end); err != nil {
			return err
		}
		start, end = b, b+1
	}
	return dev.SyncRange(start, end)
}
