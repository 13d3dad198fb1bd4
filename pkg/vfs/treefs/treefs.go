/*
Package treefs is a journaled filesystem backend for the VFS.

Block 0 of the device holds the superblock. The journal follows it, and
every other block is allocated from the device's bump allocator, whose
high-water mark is recorded in the superblock. Inodes live in a B+ tree
keyed by inode number; freed data blocks are kept in a second tree and
reused before the device hands out new ones. A directory stores its
entries as CBOR in its own data blocks.

Every mutating operation runs inside one journal transaction. The trees
are opened on a journal.TxDevice, so their node writes, the data blocks
and the superblock all join the same transaction and become durable
together at Commit. Mount replays the journal before reading anything
else, so an operation interrupted by a crash is either complete or absent.

Example Usage:

	dev, _ := storage.NewFileBlockDevice("disk.img", 65536)
	if err := treefs.Format(dev, treefs.Options{}); err != nil {
		log.Fatal(err)
	}
	v := vfs.New(vfs.Options{})
	if err := v.Mount("/", treefs.New(treefs.Options{}), dev, 0); err != nil {
		log.Fatal(err)
	}
*/
package treefs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"blockfs/pkg/btree"
	"blockfs/pkg/journal"
	"blockfs/pkg/storage"
	"blockfs/pkg/vfs"
)

// RootIno is the inode number of the root directory.
const RootIno uint64 = 1

const (
	// journalStart is the block holding the journal header.
	journalStart = superBlock + 1
	// DefaultJournalBlocks is the log size used by Format when none is given.
	DefaultJournalBlocks = 1024
	// DefaultMaxTransactionSize is the per-operation block budget.
	DefaultMaxTransactionSize = journal.MaxTransactionLimit
	// writeChunkBlocks bounds the data blocks written per transaction.
	writeChunkBlocks = 32
)

// Errors returned by treefs in addition to the vfs sentinels.
var (
	ErrBadSuperblock      = errors.New("treefs: bad superblock")
	ErrDeviceTooSmall     = errors.New("treefs: device too small")
	ErrNoAllocator        = errors.New("treefs: device does not expose its allocator")
	ErrNeedsRecovery      = errors.New("treefs: journal needs recovery")
	ErrCorruptedDirectory = errors.New("treefs: corrupted directory")
	ErrInconsistent       = errors.New("treefs: inconsistent filesystem")
	ErrFileTooLarge       = fmt.Errorf("%w: file too large", vfs.ErrNoSpace)
)

// Options configures Format and a mounted FS.
type Options struct {
	// JournalBlocks is the log size written by Format. Zero means
	// DefaultJournalBlocks. Mount reads it from the superblock.
	JournalBlocks uint32

	// MaxTransactionSize caps the blocks one operation may change. Zero
	// means DefaultMaxTransactionSize.
	MaxTransactionSize int

	// Order of the inode tree. Zero picks the largest that fits a block.
	Order int

	// CacheSize and MaxHeight are passed to both trees.
	CacheSize int
	MaxHeight int

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) fill() {
	if o.JournalBlocks == 0 {
		o.JournalBlocks = DefaultJournalBlocks
	}
	if o.MaxTransactionSize == 0 {
		o.MaxTransactionSize = DefaultMaxTransactionSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Options) journalOptions(sb superblock) journal.Options {
	return journal.Options{
		Start:              sb.JournalStart,
		Size:               sb.JournalSize,
		MaxTransactionSize: o.MaxTransactionSize,
		Logger:             o.Logger,
		Now:                o.Now,
	}
}

func (o *Options) inodeTreeOptions() btree.Options {
	return btree.Options{Order: o.Order, CacheSize: o.CacheSize, MaxHeight: o.MaxHeight, Logger: o.Logger}
}

func (o *Options) freeTreeOptions() btree.Options {
	return btree.Options{CacheSize: o.CacheSize, MaxHeight: o.MaxHeight, Logger: o.Logger}
}

// FS is a treefs instance. It serves one device at a time.
type FS struct {
	vfs.UnimplementedOps

	opts Options
	log  *slog.Logger
	now  func() time.Time

	// mu serializes every operation; the trees are single-writer.
	mu       sync.Mutex
	dev      storage.BlockDevice
	alloc    storage.Allocator
	j        *journal.Journal
	txd      *journal.TxDevice
	sb       superblock
	inodes   *btree.Tree[uint64, inodeRecord]
	free     *btree.Tree[uint64, uint8]
	opens    map[uint64]int
	readOnly bool
	mounted  bool
	failed   error
}

// New returns an unmounted FS. Pass it to vfs.VFS.Mount.
func New(opts Options) *FS {
	opts.fill()
	return &FS{
		opts: opts,
		log:  opts.Logger.With("component", "treefs"),
		now:  opts.Now,
	}
}

func allocator(dev storage.BlockDevice) (storage.Allocator, error) {
	a, ok := dev.(storage.Allocator)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNoAllocator, dev)
	}
	return a, nil
}

// Format writes an empty filesystem to dev: superblock, journal, both
// trees and the root directory. The trees and the superblock are written
// in a single journal transaction.
func Format(dev storage.BlockDevice, opts Options) error {
	opts.fill()
	alloc, err := allocator(dev)
	if err != nil {
		return err
	}

	sb := superblock{
		Version:      FormatVersion,
		ID:           uuid.New(),
		Blocks:       dev.BlockCount(),
		JournalStart: journalStart,
		JournalSize:  opts.JournalBlocks,
		NextIno:      RootIno + 1,
		Created:      opts.Now().UnixNano(),
	}
	dataStart := sb.JournalStart + 1 + uint64(sb.JournalSize)
	// Room for the two trees and at least a handful of data blocks.
	if dev.BlockCount() < dataStart+16 {
		return fmt.Errorf("%w: %d blocks, journal ends at %d", ErrDeviceTooSmall, dev.BlockCount(), dataStart)
	}
	if err := alloc.SetNextAlloc(dataStart); err != nil {
		return err
	}

	j, err := journal.Format(dev, opts.journalOptions(sb))
	if err != nil {
		return err
	}
	tx, err := j.Begin()
	if err != nil {
		return err
	}
	txd := journal.NewTxDevice(j)
	txd.Bind(tx)

	err = func() error {
		inodes, err := btree.Create(txd, btree.Uint64Codec{}, inodeCodec{}, opts.inodeTreeOptions())
		if err != nil {
			return fmt.Errorf("create inode tree: %w", err)
		}
		free, err := btree.Create(txd, btree.Uint64Codec{}, btree.Uint8Codec{}, opts.freeTreeOptions())
		if err != nil {
			return fmt.Errorf("create free tree: %w", err)
		}

		root := inodeRecord{Mode: vfs.ModeDir | 0755, Nlink: 2, Parent: RootIno}
		root.setTimes(opts.Now(), true, true)
		if err := inodes.Insert(RootIno, root); err != nil {
			return err
		}
		if err := inodes.Flush(); err != nil {
			return err
		}

		sb.InodeTree = inodes.MetaBlock()
		sb.FreeTree = free.MetaBlock()
		sb.NextAlloc = alloc.NextAlloc()
		buf := make([]byte, storage.BlockSize)
		if err := sb.encode(buf); err != nil {
			return err
		}
		return txd.WriteBlock(superBlock, buf)
	}()
	if err == nil {
		err = j.Commit(tx)
	}
	txd.Bind(nil)
	if err != nil {
		j.Abort(tx)
		return fmt.Errorf("format: %w", err)
	}
	if err := j.Close(); err != nil {
		return fmt.Errorf("format: %w", err)
	}

	opts.Logger.Info("filesystem formatted", "component", "treefs", "id", sb.ID, "blocks", sb.Blocks, "journal", sb.JournalSize)
	return nil
}

// Recover replays the journal of a formatted device without mounting it.
func Recover(dev storage.BlockDevice, opts Options) (journal.ReplayStats, error) {
	opts.fill()
	sb, err := readSuperblock(dev)
	if err != nil {
		return journal.ReplayStats{}, err
	}
	j, err := journal.Open(dev, opts.journalOptions(sb))
	if err != nil {
		return journal.ReplayStats{}, err
	}
	stats, err := j.Replay()
	if err != nil {
		return stats, err
	}
	return stats, j.Close()
}

// Mount implements vfs.FileSystemOps. The journal is replayed first;
// a read-only mount refuses a device whose journal is not empty.
func (fs *FS) Mount(dev storage.BlockDevice, flags vfs.MountFlags) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.mounted {
		return vfs.InodeAttr{}, vfs.ErrAlreadyMounted
	}
	readOnly := flags&vfs.MountReadOnly != 0
	alloc, err := allocator(dev)
	if err != nil {
		return vfs.InodeAttr{}, err
	}

	sb, err := readSuperblock(dev)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	j, err := journal.Open(dev, fs.opts.journalOptions(sb))
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	if readOnly {
		if j.Stats().Used > 0 {
			return vfs.InodeAttr{}, ErrNeedsRecovery
		}
	} else {
		stats, err := j.Replay()
		if err != nil {
			return vfs.InodeAttr{}, err
		}
		if stats.Applied > 0 || stats.Skipped > 0 {
			fs.log.Info("journal replayed", "applied", stats.Applied, "skipped", stats.Skipped, "blocks", stats.Blocks)
		}
		// Replay may have installed a newer superblock.
		if sb, err = readSuperblock(dev); err != nil {
			return vfs.InodeAttr{}, err
		}
	}
	if err := alloc.SetNextAlloc(sb.NextAlloc); err != nil {
		return vfs.InodeAttr{}, err
	}

	txd := journal.NewTxDevice(j)
	inodes, err := btree.Open(txd, sb.InodeTree, btree.Uint64Codec{}, inodeCodec{}, fs.opts.inodeTreeOptions())
	if err != nil {
		return vfs.InodeAttr{}, fmt.Errorf("open inode tree: %w", err)
	}
	free, err := btree.Open(txd, sb.FreeTree, btree.Uint64Codec{}, btree.Uint8Codec{}, fs.opts.freeTreeOptions())
	if err != nil {
		return vfs.InodeAttr{}, fmt.Errorf("open free tree: %w", err)
	}

	fs.dev, fs.alloc, fs.j, fs.txd, fs.sb = dev, alloc, j, txd, sb
	fs.inodes, fs.free = inodes, free
	fs.opens = make(map[uint64]int)
	fs.readOnly = readOnly
	fs.failed = nil

	if !readOnly {
		if err := fs.reclaimOrphans(); err != nil {
			return vfs.InodeAttr{}, err
		}
	}
	root, err := fs.inode(RootIno)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	fs.mounted = true
	fs.log.Info("mounted", "id", sb.ID, "read_only", readOnly, "inodes", inodes.Len())
	return attrOf(RootIno, root), nil
}

// reclaimOrphans releases inodes that were unlinked while open when the
// filesystem last went down.
func (fs *FS) reclaimOrphans() error {
	var orphans []uint64
	err := fs.inodes.Ascend(func(ino uint64, r inodeRecord) bool {
		if r.Nlink == 0 {
			orphans = append(orphans, ino)
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, ino := range orphans {
		if err := fs.update(func() error { return fs.release(ino) }); err != nil {
			return fmt.Errorf("reclaim orphan %d: %w", ino, err)
		}
	}
	if len(orphans) > 0 {
		fs.log.Info("reclaimed orphan inodes", "count", len(orphans))
	}
	return nil
}

// Unmount implements vfs.FileSystemOps. The journal is checkpointed and
// closed; the FS can be mounted again afterwards.
func (fs *FS) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return vfs.ErrNotMounted
	}
	var err error
	if !fs.readOnly {
		err = fs.j.Close()
	}
	fs.mounted = false
	fs.dev, fs.alloc, fs.j, fs.txd = nil, nil, nil, nil
	fs.inodes, fs.free, fs.opens = nil, nil, nil
	fs.log.Info("unmounted", "id", fs.sb.ID)
	return err
}

// Sync implements vfs.FileSystemOps. Committed operations are already
// durable, so Sync only checkpoints the journal to reclaim log space.
func (fs *FS) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return err
	}
	if fs.readOnly {
		return nil
	}
	return fs.j.Checkpoint()
}

// Statfs implements vfs.FileSystemOps.
func (fs *FS) Statfs() (vfs.StatFS, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return vfs.StatFS{}, err
	}

	total := fs.dev.BlockCount()
	free := total - fs.alloc.NextAlloc() + fs.free.Len()
	return vfs.StatFS{
		ID:         fs.sb.ID,
		BlockSize:  storage.BlockSize,
		Blocks:     total,
		FreeBlocks: free,
		Files:      fs.inodes.Len(),
		FreeFiles:  free,
		NameMax:    vfs.MaxNameLength,
	}, nil
}

// check reports whether the FS can serve requests.
func (fs *FS) check() error {
	if !fs.mounted {
		return vfs.ErrNotMounted
	}
	if fs.failed != nil {
		return fmt.Errorf("%w: %w", ErrNeedsRecovery, fs.failed)
	}
	return nil
}

// update runs fn inside one journal transaction. Changes fn makes to the
// trees are flushed into the transaction together with the superblock. If
// anything fails before the commit point the transaction is aborted and
// the in-memory state is rolled back to the last committed one.
func (fs *FS) update(fn func() error) error {
	if fs.readOnly {
		return vfs.ErrReadOnly
	}
	if fs.failed != nil {
		return fs.check()
	}

	tx, err := fs.j.Begin()
	if err != nil {
		return err
	}
	saved := fs.sb
	next := fs.alloc.NextAlloc()
	fs.txd.Bind(tx)

	err = fn()
	if err == nil {
		err = fs.flush()
	}
	if err == nil {
		err = fs.j.Commit(tx)
		if err != nil && fs.j.Abort(tx) != nil {
			// The commit record is durable but installing it failed. Home
			// blocks may be stale until the journal is replayed.
			fs.txd.Bind(nil)
			fs.failed = err
			fs.log.Error("transaction committed but not installed", "error", err)
			return err
		}
	} else {
		fs.j.Abort(tx)
	}
	fs.txd.Bind(nil)
	if err == nil {
		return nil
	}

	fs.sb = saved
	if rerr := fs.rollback(next); rerr != nil {
		fs.failed = rerr
		fs.log.Error("rollback failed", "error", rerr)
	}
	return err
}

// flush writes the trees and the superblock into the bound transaction.
func (fs *FS) flush() error {
	if err := fs.inodes.Flush(); err != nil {
		return err
	}
	if err := fs.free.Flush(); err != nil {
		return err
	}
	fs.sb.NextAlloc = fs.alloc.NextAlloc()
	buf := make([]byte, storage.BlockSize)
	if err := fs.sb.encode(buf); err != nil {
		return err
	}
	return fs.txd.WriteBlock(superBlock, buf)
}

func (fs *FS) rollback(next uint64) error {
	if err := fs.alloc.SetNextAlloc(next); err != nil {
		return err
	}
	if err := fs.inodes.Discard(); err != nil {
		return err
	}
	return fs.free.Discard()
}
