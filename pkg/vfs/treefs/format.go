package treefs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"blockfs/pkg/storage"
)

// SuperMagic identifies a treefs superblock ("BFSB").
const SuperMagic uint32 = 0x42465342

// FormatVersion is the on-disk format written by Format.
const FormatVersion = 1

const (
	// superBlock is the device block holding the superblock.
	superBlock = 0
	// superHeaderSize covers magic, body length and body checksum.
	superHeaderSize = 12
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("treefs: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("treefs: CBOR decoder initialization failed: " + err.Error())
	}
}

var le = binary.LittleEndian

// superblock describes the layout of a formatted device. Its CBOR body
// follows a fixed 12-byte header in block 0.
type superblock struct {
	Version      uint32    `cbor:"1,keyasint"`
	ID           uuid.UUID `cbor:"2,keyasint"`
	Blocks       uint64    `cbor:"3,keyasint"`
	JournalStart uint64    `cbor:"4,keyasint"`
	JournalSize  uint32    `cbor:"5,keyasint"`
	InodeTree    uint64    `cbor:"6,keyasint"`
	FreeTree     uint64    `cbor:"7,keyasint"`
	NextIno      uint64    `cbor:"8,keyasint"`
	NextAlloc    uint64    `cbor:"9,keyasint"`
	Created      int64     `cbor:"10,keyasint"`
}

func (sb *superblock) encode(buf []byte) error {
	body, err := encMode.Marshal(sb)
	if err != nil {
		return fmt.Errorf("encode superblock: %w", err)
	}
	if superHeaderSize+len(body) > len(buf) {
		return fmt.Errorf("encode superblock: %d-byte body does not fit a block", len(body))
	}
	clear(buf)
	le.PutUint32(buf[0:4], SuperMagic)
	le.PutUint32(buf[4:8], uint32(len(body)))
	le.PutUint32(buf[8:12], crc32.ChecksumIEEE(body))
	copy(buf[superHeaderSize:], body)
	return nil
}

func decodeSuperblock(buf []byte) (superblock, error) {
	var sb superblock
	if le.Uint32(buf[0:4]) != SuperMagic {
		return sb, fmt.Errorf("%w: bad magic %#x", ErrBadSuperblock, le.Uint32(buf[0:4]))
	}
	n := int(le.Uint32(buf[4:8]))
	if n == 0 || superHeaderSize+n > len(buf) {
		return sb, fmt.Errorf("%w: body length %d", ErrBadSuperblock, n)
	}
	body := buf[superHeaderSize : superHeaderSize+n]
	if crc32.ChecksumIEEE(body) != le.Uint32(buf[8:12]) {
		return sb, fmt.Errorf("%w: checksum mismatch", ErrBadSuperblock)
	}
	if err := decMode.Unmarshal(body, &sb); err != nil {
		return sb, fmt.Errorf("%w: %v", ErrBadSuperblock, err)
	}
	if sb.Version != FormatVersion {
		return sb, fmt.Errorf("%w: version %d", ErrBadSuperblock, sb.Version)
	}
	return sb, nil
}

func readSuperblock(dev storage.BlockDevice) (superblock, error) {
	buf := make([]byte, storage.BlockSize)
	if err := dev.ReadBlock(superBlock, buf); err != nil {
		return superblock{}, fmt.Errorf("read superblock: %w", err)
	}
	return decodeSuperblock(buf)
}

const (
	// DirectBlocks is the number of block pointers held in an inode.
	DirectBlocks = 12
	// ptrsPerBlock is the fan-out of the single indirect block.
	ptrsPerBlock = storage.BlockSize / 8
	// MaxFileSize is the largest file an inode can map.
	MaxFileSize = (DirectBlocks + ptrsPerBlock) * storage.BlockSize
)

// inodeRecord is the fixed-size value stored in the inode tree. Block
// number 0 is the superblock, so a zero pointer marks a hole.
type inodeRecord struct {
	Mode     os.FileMode
	UID      uint32
	GID      uint32
	Nlink    uint32
	Size     int64
	Atime    int64 // unix nanoseconds
	Mtime    int64
	Ctime    int64
	Parent   uint64 // directories only
	Direct   [DirectBlocks]uint64
	Indirect uint64
}

func (r *inodeRecord) isDir() bool     { return r.Mode.IsDir() }
func (r *inodeRecord) isSymlink() bool { return r.Mode&os.ModeSymlink != 0 }

func (r *inodeRecord) setTimes(now time.Time, atime, mtime bool) {
	ns := now.UnixNano()
	if atime {
		r.Atime = ns
	}
	if mtime {
		r.Mtime = ns
	}
	r.Ctime = ns
}

func unixTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func timeNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// inodeCodec is the btree codec for inodeRecord.
type inodeCodec struct{}

const inodeRecordSize = 4*4 + 8*4 + 8 + DirectBlocks*8 + 8

func (inodeCodec) Size() int { return inodeRecordSize }

func (inodeCodec) Put(b []byte, r inodeRecord) {
	le.PutUint32(b[0:4], uint32(r.Mode))
	le.PutUint32(b[4:8], r.UID)
	le.PutUint32(b[8:12], r.GID)
	le.PutUint32(b[12:16], r.Nlink)
	le.PutUint64(b[16:24], uint64(r.Size))
	le.PutUint64(b[24:32], uint64(r.Atime))
	le.PutUint64(b[32:40], uint64(r.Mtime))
	le.PutUint64(b[40:48], uint64(r.Ctime))
	le.PutUint64(b[48:56], r.Parent)
	off := 56
	for _, p := range r.Direct {
		le.PutUint64(b[off:off+8], p)
		off += 8
	}
	le.PutUint64(b[off:off+8], r.Indirect)
}

func (inodeCodec) Get(b []byte) inodeRecord {
	r := inodeRecord{
		Mode:   os.FileMode(le.Uint32(b[0:4])),
		UID:    le.Uint32(b[4:8]),
		GID:    le.Uint32(b[8:12]),
		Nlink:  le.Uint32(b[12:16]),
		Size:   int64(le.Uint64(b[16:24])),
		Atime:  int64(le.Uint64(b[24:32])),
		Mtime:  int64(le.Uint64(b[32:40])),
		Ctime:  int64(le.Uint64(b[40:48])),
		Parent: le.Uint64(b[48:56]),
	}
	off := 56
	for i := range r.Direct {
		r.Direct[i] = le.Uint64(b[off : off+8])
		off += 8
	}
	r.Indirect = le.Uint64(b[off : off+8])
	return r
}

// dirent is one directory entry. A directory's data is the CBOR array of
// its entries sorted by name; an empty directory has no data.
type dirent struct {
	_    struct{} `cbor:",toarray"`
	Name string
	Ino  uint64
	Mode uint32 // type bits
}

func encodeDir(ents []dirent) ([]byte, error) {
	if len(ents) == 0 {
		return nil, nil
	}
	return encMode.Marshal(ents)
}

func decodeDir(data []byte) ([]dirent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ents []dirent
	if err := decMode.Unmarshal(data, &ents); err != nil {
		return nil, errors.Join(ErrCorruptedDirectory, err)
	}
	return ents, nil
}
