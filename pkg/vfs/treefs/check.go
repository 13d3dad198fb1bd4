package treefs

import (
	"fmt"

	"github.com/google/uuid"

	"blockfs/pkg/btree"
	"blockfs/pkg/journal"
	"blockfs/pkg/vfs"
)

// Ioctl commands understood by FS.
const (
	// IoctlStats returns Stats encoded as CBOR.
	IoctlStats uint32 = iota + 1
	// IoctlCheck runs Check and returns no data.
	IoctlCheck
	// IoctlCheckpoint checkpoints the journal.
	IoctlCheckpoint
)

// Stats describes a mounted filesystem.
type Stats struct {
	ID        uuid.UUID
	ReadOnly  bool
	NextIno   uint64
	NextAlloc uint64
	Journal   journal.Stats
	Inodes    btree.Stats
	FreeTree  btree.Stats
	Open      int
}

// DecodeStats decodes the reply to IoctlStats.
func DecodeStats(data []byte) (Stats, error) {
	var s Stats
	err := decMode.Unmarshal(data, &s)
	return s, err
}

// Stats returns a snapshot of the filesystem's internal state.
func (fs *FS) Stats() (Stats, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return Stats{}, err
	}
	return Stats{
		ID:        fs.sb.ID,
		ReadOnly:  fs.readOnly,
		NextIno:   fs.sb.NextIno,
		NextAlloc: fs.alloc.NextAlloc(),
		Journal:   fs.j.Stats(),
		Inodes:    fs.inodes.Stats(),
		FreeTree:  fs.free.Stats(),
		Open:      len(fs.opens),
	}, nil
}

// Ioctl implements vfs.FileSystemOps.
func (fs *FS) Ioctl(_ uint64, cmd uint32, _ []byte) ([]byte, error) {
	switch cmd {
	case IoctlStats:
		s, err := fs.Stats()
		if err != nil {
			return nil, err
		}
		return encMode.Marshal(s)
	case IoctlCheck:
		return nil, fs.Check()
	case IoctlCheckpoint:
		return nil, fs.Sync()
	}
	return nil, vfs.ErrInvalidArgument
}

// Check verifies both trees and the directory structure: every entry
// names a live inode, link counts match the entries, each directory's
// parent pointer matches the entry that names it, and freed blocks lie
// below the allocation mark.
func (fs *FS) Check() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return err
	}

	if err := fs.inodes.Check(); err != nil {
		return fmt.Errorf("inode tree: %w", err)
	}
	if err := fs.free.Check(); err != nil {
		return fmt.Errorf("free tree: %w", err)
	}

	next := fs.alloc.NextAlloc()
	var bad error
	err := fs.free.Ascend(func(blk uint64, _ uint8) bool {
		if blk >= next {
			bad = fmt.Errorf("%w: free block %d at or past allocation mark %d", ErrInconsistent, blk, next)
			return false
		}
		return true
	})
	if err == nil {
		err = bad
	}
	if err != nil {
		return err
	}

	records := make(map[uint64]inodeRecord)
	if err := fs.inodes.Ascend(func(ino uint64, r inodeRecord) bool {
		records[ino] = r
		return true
	}); err != nil {
		return err
	}
	if _, ok := records[RootIno]; !ok {
		return fmt.Errorf("%w: no root inode", ErrInconsistent)
	}

	refs := make(map[uint64]uint32)
	subdirs := make(map[uint64]uint32)
	for ino, r := range records {
		if !r.isDir() || r.Nlink == 0 {
			continue
		}
		ents, err := fs.readDir(&r)
		if err != nil {
			return fmt.Errorf("directory %d: %w", ino, err)
		}
		for _, e := range ents {
			child, ok := records[e.Ino]
			if !ok {
				return fmt.Errorf("%w: entry %q in directory %d names missing inode %d", ErrInconsistent, e.Name, ino, e.Ino)
			}
			refs[e.Ino]++
			if child.isDir() {
				subdirs[ino]++
				if child.Parent != ino {
					return fmt.Errorf("%w: directory %d is in %d but records parent %d", ErrInconsistent, e.Ino, ino, child.Parent)
				}
			}
		}
	}

	for ino, r := range records {
		switch {
		case r.Nlink == 0:
			// Orphan kept by an open file.
			if refs[ino] != 0 {
				return fmt.Errorf("%w: inode %d has no links but %d entries", ErrInconsistent, ino, refs[ino])
			}
		case r.isDir():
			if want := 2 + subdirs[ino]; r.Nlink != want {
				return fmt.Errorf("%w: directory %d has nlink %d, want %d", ErrInconsistent, ino, r.Nlink, want)
			}
			if ino != RootIno && refs[ino] != 1 {
				return fmt.Errorf("%w: directory %d is named by %d entries", ErrInconsistent, ino, refs[ino])
			}
		default:
			if r.Nlink != refs[ino] {
				return fmt.Errorf("%w: inode %d has nlink %d but %d entries", ErrInconsistent, ino, r.Nlink, refs[ino])
			}
		}
	}
	return nil
}
