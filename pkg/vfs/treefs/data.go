package treefs

import (
	"bytes"
	"errors"
	"fmt"

	"blockfs/pkg/btree"
	"blockfs/pkg/storage"
	"blockfs/pkg/vfs"
)

func attrOf(ino uint64, r inodeRecord) vfs.InodeAttr {
	return vfs.InodeAttr{
		Ino:   ino,
		Mode:  r.Mode,
		UID:   r.UID,
		GID:   r.GID,
		Nlink: r.Nlink,
		Size:  r.Size,
		Atime: unixTime(r.Atime),
		Mtime: unixTime(r.Mtime),
		Ctime: unixTime(r.Ctime),
	}
}

func (fs *FS) inode(ino uint64) (inodeRecord, error) {
	r, err := fs.inodes.Get(ino)
	if errors.Is(err, btree.ErrKeyNotFound) {
		return r, vfs.ErrNotFound
	}
	return r, err
}

func (fs *FS) dirInode(ino uint64) (inodeRecord, error) {
	r, err := fs.inode(ino)
	if err != nil {
		return r, err
	}
	if !r.isDir() {
		return r, vfs.ErrNotADirectory
	}
	return r, nil
}

func (fs *FS) putInode(ino uint64, r inodeRecord) error {
	return fs.inodes.Insert(ino, r)
}

// allocBlock hands out a freed block if there is one, otherwise a new
// block from the device.
func (fs *FS) allocBlock() (uint64, error) {
	if fs.free.Len() > 0 {
		blk, _, err := fs.free.Min()
		if err != nil {
			return 0, err
		}
		if err := fs.free.Remove(blk); err != nil {
			return 0, err
		}
		return blk, nil
	}
	blk, err := fs.txd.AllocBlock()
	if errors.Is(err, storage.ErrNoSpace) {
		return 0, vfs.ErrNoSpace
	}
	return blk, err
}

func (fs *FS) freeBlock(blk uint64) error {
	return fs.free.Insert(blk, 1)
}

func readPointers(fs *FS, blk uint64) ([]uint64, error) {
	buf := make([]byte, storage.BlockSize)
	if err := fs.txd.ReadBlock(blk, buf); err != nil {
		return nil, err
	}
	ptrs := make([]uint64, ptrsPerBlock)
	for i := range ptrs {
		ptrs[i] = le.Uint64(buf[i*8:])
	}
	return ptrs, nil
}

func writePointers(fs *FS, blk uint64, ptrs []uint64) error {
	buf := make([]byte, storage.BlockSize)
	for i, p := range ptrs {
		le.PutUint64(buf[i*8:], p)
	}
	return fs.txd.WriteBlock(blk, buf)
}

// bmap returns the device block holding file block idx, or 0 for a hole.
func (fs *FS) bmap(r *inodeRecord, idx int64) (uint64, error) {
	if idx < DirectBlocks {
		return r.Direct[idx], nil
	}
	if r.Indirect == 0 {
		return 0, nil
	}
	ptrs, err := readPointers(fs, r.Indirect)
	if err != nil {
		return 0, err
	}
	return ptrs[idx-DirectBlocks], nil
}

// bmapAlloc is bmap that fills holes. fresh reports a newly allocated
// block whose old contents must not be read.
func (fs *FS) bmapAlloc(r *inodeRecord, idx int64) (blk uint64, fresh bool, err error) {
	if idx < DirectBlocks {
		if r.Direct[idx] == 0 {
			if r.Direct[idx], err = fs.allocBlock(); err != nil {
				return 0, false, err
			}
			fresh = true
		}
		return r.Direct[idx], fresh, nil
	}

	var ptrs []uint64
	if r.Indirect == 0 {
		if r.Indirect, err = fs.allocBlock(); err != nil {
			return 0, false, err
		}
		ptrs = make([]uint64, ptrsPerBlock)
	} else if ptrs, err = readPointers(fs, r.Indirect); err != nil {
		return 0, false, err
	}
	i := idx - DirectBlocks
	if ptrs[i] == 0 {
		if ptrs[i], err = fs.allocBlock(); err != nil {
			return 0, false, err
		}
		if err := writePointers(fs, r.Indirect, ptrs); err != nil {
			return 0, false, err
		}
		fresh = true
	}
	return ptrs[i], fresh, nil
}

// readAt fills buf from the file at off and returns the bytes read. It
// stops at the end of the file; holes read as zeros.
func (fs *FS) readAt(r *inodeRecord, buf []byte, off int64) (int, error) {
	if off >= r.Size {
		return 0, nil
	}
	buf = buf[:min(int64(len(buf)), r.Size-off)]
	blkBuf := make([]byte, storage.BlockSize)

	n := 0
	for n < len(buf) {
		pos := off + int64(n)
		idx, boff := pos/storage.BlockSize, int(pos%storage.BlockSize)
		blk, err := fs.bmap(r, idx)
		if err != nil {
			return n, err
		}
		if blk == 0 {
			clear(blkBuf)
		} else if err := fs.txd.ReadBlock(blk, blkBuf); err != nil {
			return n, err
		}
		n += copy(buf[n:], blkBuf[boff:])
	}
	return n, nil
}

// writeAt copies data into the file at off, allocating blocks as needed,
// and grows Size. Blocks whose contents do not change are not rewritten.
func (fs *FS) writeAt(r *inodeRecord, data []byte, off int64) error {
	end := off + int64(len(data))
	if end > MaxFileSize {
		return ErrFileTooLarge
	}
	old := make([]byte, storage.BlockSize)
	blkBuf := make([]byte, storage.BlockSize)

	for n := 0; n < len(data); {
		pos := off + int64(n)
		idx, boff := pos/storage.BlockSize, int(pos%storage.BlockSize)
		blk, fresh, err := fs.bmapAlloc(r, idx)
		if err != nil {
			return err
		}
		if fresh {
			clear(old)
		} else if err := fs.txd.ReadBlock(blk, old); err != nil {
			return err
		}
		copy(blkBuf, old)
		c := copy(blkBuf[boff:], data[n:])
		if fresh || !bytes.Equal(blkBuf, old) {
			if err := fs.txd.WriteBlock(blk, blkBuf); err != nil {
				return err
			}
		}
		n += c
	}
	r.Size = max(r.Size, end)
	return nil
}

func blocksFor(size int64) int64 {
	return (size + storage.BlockSize - 1) / storage.BlockSize
}

// truncate sets the file size. Blocks past the new end are freed and the
// tail of the last block is zeroed so a later extension reads zeros.
func (fs *FS) truncate(r *inodeRecord, size int64) error {
	if size > MaxFileSize {
		return ErrFileTooLarge
	}
	if size >= r.Size {
		r.Size = size
		return nil
	}

	keep := blocksFor(size)
	for idx := min(keep, DirectBlocks); idx < DirectBlocks; idx++ {
		if r.Direct[idx] != 0 {
			if err := fs.freeBlock(r.Direct[idx]); err != nil {
				return err
			}
			r.Direct[idx] = 0
		}
	}
	if r.Indirect != 0 {
		ptrs, err := readPointers(fs, r.Indirect)
		if err != nil {
			return err
		}
		first := max(keep-DirectBlocks, 0)
		changed := false
		for i := first; i < ptrsPerBlock; i++ {
			if ptrs[i] != 0 {
				if err := fs.freeBlock(ptrs[i]); err != nil {
					return err
				}
				ptrs[i] = 0
				changed = true
			}
		}
		switch {
		case first == 0:
			if err := fs.freeBlock(r.Indirect); err != nil {
				return err
			}
			r.Indirect = 0
		case changed:
			if err := writePointers(fs, r.Indirect, ptrs); err != nil {
				return err
			}
		}
	}

	if tail := int(size % storage.BlockSize); tail != 0 {
		blk, err := fs.bmap(r, size/storage.BlockSize)
		if err != nil {
			return err
		}
		if blk != 0 {
			buf := make([]byte, storage.BlockSize)
			if err := fs.txd.ReadBlock(blk, buf); err != nil {
				return err
			}
			clear(buf[tail:])
			if err := fs.txd.WriteBlock(blk, buf); err != nil {
				return err
			}
		}
	}
	r.Size = size
	return nil
}

// release frees an inode's blocks and removes it from the inode tree.
func (fs *FS) release(ino uint64) error {
	r, err := fs.inode(ino)
	if err != nil {
		return err
	}
	if err := fs.truncate(&r, 0); err != nil {
		return err
	}
	return fs.inodes.Remove(ino)
}

// drop removes one link to ino and releases it when no name and no open
// file refers to it any more.
func (fs *FS) drop(ino uint64, r inodeRecord) error {
	if r.isDir() {
		r.Nlink = 0
	} else if r.Nlink > 0 {
		r.Nlink--
	}
	r.setTimes(fs.now(), false, false)
	if r.Nlink == 0 && fs.opens[ino] == 0 {
		if err := fs.putInode(ino, r); err != nil {
			return err
		}
		return fs.release(ino)
	}
	return fs.putInode(ino, r)
}

func (fs *FS) readDir(r *inodeRecord) ([]dirent, error) {
	data := make([]byte, r.Size)
	n, err := fs.readAt(r, data, 0)
	if err != nil {
		return nil, err
	}
	if int64(n) != r.Size {
		return nil, fmt.Errorf("%w: short read %d of %d", ErrCorruptedDirectory, n, r.Size)
	}
	return decodeDir(data)
}

// writeDir stores ents as the directory's contents. The caller writes the
// updated record.
func (fs *FS) writeDir(r *inodeRecord, ents []dirent) error {
	data, err := encodeDir(ents)
	if err != nil {
		return err
	}
	if err := fs.writeAt(r, data, 0); err != nil {
		return err
	}
	return fs.truncate(r, int64(len(data)))
}
