package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// On-disk magic numbers.
const (
	HeaderMagic uint32 = 0x4A524E4C // "JRNL"
	TxnMagic    uint32 = 0x54584E53 // "TXNS"
	CommitMagic uint32 = 0x54584E43 // "TXNC"
)

// Encoded sizes of the on-disk records. Every record starts at the beginning
// of its own block.
const (
	headerSize     = 36
	txnHeaderSize  = 32
	descriptorSize = 20
	commitSize     = 24
)

// All journal records are little-endian and packed.
var byteOrder = binary.LittleEndian

// Header is the journal superblock stored in the first block of the journal
// extent.
type Header struct {
	Magic     uint32
	Version   uint32
	BlockSize uint32
	Size      uint32 // log blocks following the header block
	Sequence  uint64 // last committed transaction
	Head      uint32 // next log offset to write
	Tail      uint32 // oldest log offset still needed
	Checksum  uint32
}

// TxnHeader opens a transaction record.
type TxnHeader struct {
	Magic      uint32
	Sequence   uint64
	Timestamp  uint64
	BlockCount uint32
	Flags      uint32
	Checksum   uint32
}

// Descriptor names the home location of the data block that follows it.
type Descriptor struct {
	BlockNum uint64
	Offset   uint32 // log offset of the data block
	Size     uint32 // meaningful bytes in the data block
	Checksum uint32 // CRC32 of the meaningful bytes
}

// CommitBlock closes a transaction record.
type CommitBlock struct {
	Magic     uint32
	Sequence  uint64
	Timestamp uint64
	Checksum  uint32
}

// checksum is CRC32 (IEEE) over b.
func checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Encode writes h into buf and fills in its checksum.
func (h *Header) Encode(buf []byte) {
	clear(buf[:headerSize])
	byteOrder.PutUint32(buf[0:4], h.Magic)
	byteOrder.PutUint32(buf[4:8], h.Version)
	byteOrder.PutUint32(buf[8:12], h.BlockSize)
	byteOrder.PutUint32(buf[12:16], h.Size)
	byteOrder.PutUint64(buf[16:24], h.Sequence)
	byteOrder.PutUint32(buf[24:28], h.Head)
	byteOrder.PutUint32(buf[28:32], h.Tail)
	h.Checksum = checksum(buf[:headerSize])
	byteOrder.PutUint32(buf[32:36], h.Checksum)
}

// DecodeHeader parses and verifies a journal header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrCorruptedHeader, len(buf))
	}
	h := Header{
		Magic:     byteOrder.Uint32(buf[0:4]),
		Version:   byteOrder.Uint32(buf[4:8]),
		BlockSize: byteOrder.Uint32(buf[8:12]),
		Size:      byteOrder.Uint32(buf[12:16]),
		Sequence:  byteOrder.Uint64(buf[16:24]),
		Head:      byteOrder.Uint32(buf[24:28]),
		Tail:      byteOrder.Uint32(buf[28:32]),
		Checksum:  byteOrder.Uint32(buf[32:36]),
	}
	if h.Magic != HeaderMagic {
		return Header{}, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptedHeader, h.Magic)
	}
	if sum := checksumZeroed(buf[:headerSize], 32); sum != h.Checksum {
		return Header{}, fmt.Errorf("%w: checksum 0x%08x, computed 0x%08x", ErrCorruptedHeader, h.Checksum, sum)
	}
	return h, nil
}

// Encode writes h into buf and fills in its checksum.
func (h *TxnHeader) Encode(buf []byte) {
	clear(buf[:txnHeaderSize])
	byteOrder.PutUint32(buf[0:4], h.Magic)
	byteOrder.PutUint64(buf[4:12], h.Sequence)
	byteOrder.PutUint64(buf[12:20], h.Timestamp)
	byteOrder.PutUint32(buf[20:24], h.BlockCount)
	byteOrder.PutUint32(buf[24:28], h.Flags)
	h.Checksum = checksum(buf[:txnHeaderSize])
	byteOrder.PutUint32(buf[28:32], h.Checksum)
}

// DecodeTxnHeader parses and verifies a transaction header.
func DecodeTxnHeader(buf []byte) (TxnHeader, error) {
	h := TxnHeader{
		Magic:      byteOrder.Uint32(buf[0:4]),
		Sequence:   byteOrder.Uint64(buf[4:12]),
		Timestamp:  byteOrder.Uint64(buf[12:20]),
		BlockCount: byteOrder.Uint32(buf[20:24]),
		Flags:      byteOrder.Uint32(buf[24:28]),
		Checksum:   byteOrder.Uint32(buf[28:32]),
	}
	if h.Magic != TxnMagic {
		return TxnHeader{}, fmt.Errorf("%w: bad transaction magic 0x%08x", ErrCorruptedBlock, h.Magic)
	}
	if sum := checksumZeroed(buf[:txnHeaderSize], 28); sum != h.Checksum {
		return TxnHeader{}, fmt.Errorf("%w: transaction header checksum mismatch", ErrCorruptedBlock)
	}
	return h, nil
}

// Encode writes d into buf.
func (d *Descriptor) Encode(buf []byte) {
	clear(buf[:descriptorSize])
	byteOrder.PutUint64(buf[0:8], d.BlockNum)
	byteOrder.PutUint32(buf[8:12], d.Offset)
	byteOrder.PutUint32(buf[12:16], d.Size)
	byteOrder.PutUint32(buf[16:20], d.Checksum)
}

// DecodeDescriptor parses a block descriptor. The data checksum is verified
// by the caller once the data block has been read.
func DecodeDescriptor(buf []byte) Descriptor {
	return Descriptor{
		BlockNum: byteOrder.Uint64(buf[0:8]),
		Offset:   byteOrder.Uint32(buf[8:12]),
		Size:     byteOrder.Uint32(buf[12:16]),
		Checksum: byteOrder.Uint32(buf[16:20]),
	}
}

// Encode writes c into buf and fills in its checksum.
func (c *CommitBlock) Encode(buf []byte) {
	clear(buf[:commitSize])
	byteOrder.PutUint32(buf[0:4], c.Magic)
	byteOrder.PutUint64(buf[4:12], c.Sequence)
	byteOrder.PutUint64(buf[12:20], c.Timestamp)
	c.Checksum = checksum(buf[:commitSize])
	byteOrder.PutUint32(buf[20:24], c.Checksum)
}

// DecodeCommit parses and verifies a commit block.
func DecodeCommit(buf []byte) (CommitBlock, error) {
	c := CommitBlock{
		Magic:     byteOrder.Uint32(buf[0:4]),
		Sequence:  byteOrder.Uint64(buf[4:12]),
		Timestamp: byteOrder.Uint64(buf[12:20]),
		Checksum:  byteOrder.Uint32(buf[20:24]),
	}
	if c.Magic != CommitMagic {
		return CommitBlock{}, fmt.Errorf("%w: bad commit magic 0x%08x", ErrCorruptedCommit, c.Magic)
	}
	if sum := checksumZeroed(buf[:commitSize], 20); sum != c.Checksum {
		return CommitBlock{}, fmt.Errorf("%w: commit checksum mismatch", ErrCorruptedCommit)
	}
	return c, nil
}

// checksumZeroed computes the checksum of rec as if the 4-byte checksum
// field at off were zero.
func checksumZeroed(rec []byte, off int) uint32 {
	var tmp [headerSize]byte
	n := copy(tmp[:], rec)
	clear(tmp[off : off+4])
	return checksum(tmp[:n])
}
