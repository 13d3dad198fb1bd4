/*
Package storage provides the fixed-size block device abstraction consumed by
the journal, the B-tree and the filesystem backends.

All components in this module agree on a single block size (BlockSize).
Devices hand out new blocks from a bump allocator whose high-water mark can
be saved and restored by the filesystem that owns the device.

Example Usage:

	// Create a memory-backed block device
	device, err := storage.NewMemoryBlockDevice(1024)
	if err != nil {
		log.Fatal(err)
	}
	defer device.Close()

	num, err := device.AllocBlock()
	if err != nil {
		log.Fatal(err)
	}
	data := make([]byte, storage.BlockSize)
	if err := device.WriteBlock(num, data); err != nil {
		log.Fatal(err)
	}
	if err := device.SyncRange(num, num+1); err != nil {
		log.Fatal(err)
	}
*/
package storage

import (
	"errors"
	"fmt"
	"sync"
)

// BlockSize is the size in bytes of every block on every device.
const BlockSize = 4096

// Common errors
var (
	ErrInvalidBlockNumber = errors.New("invalid block number")
	ErrBadBufferSize      = errors.New("buffer length does not match block size")
	ErrDeviceClosed       = errors.New("device is closed")
	ErrReadOnly           = errors.New("device is read-only")
	ErrNoSpace            = errors.New("no free blocks on device")
	ErrInvalidRange       = errors.New("invalid sync range")
)

// BlockDevice interface defines the operations for a block storage device.
type BlockDevice interface {
	// ReadBlock reads block num into data.
	// The data slice must have length equal to BlockSize().
	ReadBlock(num uint64, data []byte) error

	// WriteBlock writes data to block num.
	// The data slice must have length equal to BlockSize().
	WriteBlock(num uint64, data []byte) error

	// AllocBlock returns the number of a block that has never been handed
	// out by this device.
	AllocBlock() (uint64, error)

	// SyncRange makes every write to blocks in [start, end) durable.
	SyncRange(start, end uint64) error

	// BlockSize returns the size of each block in bytes.
	BlockSize() int

	// BlockCount returns the total number of blocks on the device.
	BlockCount() uint64
}

// Allocator is implemented by devices whose allocation high-water mark can
// be persisted by the owner of the device.
type Allocator interface {
	// NextAlloc returns the block AllocBlock will hand out next.
	NextAlloc() uint64

	// SetNextAlloc moves the high-water mark. Blocks below it are never
	// returned by AllocBlock.
	SetNextAlloc(next uint64) error
}

// bumpAllocator hands out blocks in increasing order.
type bumpAllocator struct {
	mu    sync.Mutex
	next  uint64
	limit uint64
}

func (a *bumpAllocator) alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next >= a.limit {
		return 0, ErrNoSpace
	}
	num := a.next
	a.next++
	return num, nil
}

// NextAlloc returns the next block the allocator will hand out.
func (a *bumpAllocator) NextAlloc() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// SetNextAlloc moves the allocator high-water mark.
func (a *bumpAllocator) SetNextAlloc(next uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if next > a.limit {
		return fmt.Errorf("%w: %d beyond device end %d", ErrInvalidBlockNumber, next, a.limit)
	}
	a.next = next
	return nil
}

// checkAccess validates a block number and buffer against the device geometry.
func checkAccess(num, count uint64, data []byte) error {
	if num >= count {
		return fmt.Errorf("%w: %d (device has %d blocks)", ErrInvalidBlockNumber, num, count)
	}
	if len(data) != BlockSize {
		return fmt.Errorf("%w: %d != %d", ErrBadBufferSize, len(data), BlockSize)
	}
	return nil
}

// checkRange validates a SyncRange request.
func checkRange(start, end, count uint64) error {
	if start > end || end > count {
		return fmt.Errorf("%w: [%d, %d) on %d blocks", ErrInvalidRange, start, end, count)
	}
	return nil
}

// MemoryBlockDevice is a simple in-memory block device.
type MemoryBlockDevice struct {
	bumpAllocator
	data       [][]byte
	blockCount uint64
	syncs      uint64
	closed     bool
	mu         sync.RWMutex
}

// NewMemoryBlockDevice creates a new memory-backed block device. Block 0 is
// the first block handed out by AllocBlock.
func NewMemoryBlockDevice(blockCount uint64) (*MemoryBlockDevice, error) {
	if blockCount == 0 {
		return nil, ErrInvalidBlockNumber
	}

	data := make([][]byte, blockCount)
	for i := range data {
		data[i] = make([]byte, BlockSize)
	}

	return &MemoryBlockDevice{
		bumpAllocator: bumpAllocator{limit: blockCount},
		data:          data,
		blockCount:    blockCount,
	}, nil
}

// ReadBlock reads a block from memory.
func (d *MemoryBlockDevice) ReadBlock(num uint64, data []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if err := checkAccess(num, d.blockCount, data); err != nil {
		return err
	}

	copy(data, d.data[num])
	return nil
}

// WriteBlock writes a block to memory.
func (d *MemoryBlockDevice) WriteBlock(num uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if err := checkAccess(num, d.blockCount, data); err != nil {
		return err
	}

	copy(d.data[num], data)
	return nil
}

// AllocBlock hands out the next unused block.
func (d *MemoryBlockDevice) AllocBlock() (uint64, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return 0, ErrDeviceClosed
	}
	return d.alloc()
}

// SyncRange only validates the range; memory is always "durable".
func (d *MemoryBlockDevice) SyncRange(start, end uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if err := checkRange(start, end, d.blockCount); err != nil {
		return err
	}
	d.syncs++
	return nil
}

// Syncs returns how many SyncRange calls succeeded.
func (d *MemoryBlockDevice) Syncs() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.syncs
}

// BlockSize returns the configured block size.
func (d *MemoryBlockDevice) BlockSize() int {
	return BlockSize
}

// BlockCount returns the total number of blocks.
func (d *MemoryBlockDevice) BlockCount() uint64 {
	return d.blockCount
}

// Kind names the device type.
func (d *MemoryBlockDevice) Kind() string { return "memory" }

// Close marks the device as closed.
func (d *MemoryBlockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.data = nil
	return nil
}

// ReadOnlyDevice wraps a BlockDevice to make it read-only.
type ReadOnlyDevice struct {
	device BlockDevice
}

// NewReadOnlyDevice creates a read-only wrapper around a BlockDevice.
func NewReadOnlyDevice(device BlockDevice) *ReadOnlyDevice {
	return &ReadOnlyDevice{device: device}
}

// ReadBlock reads a block from the underlying device.
func (d *ReadOnlyDevice) ReadBlock(num uint64, data []byte) error {
	return d.device.ReadBlock(num, data)
}

// WriteBlock returns an error as the device is read-only.
func (d *ReadOnlyDevice) WriteBlock(num uint64, data []byte) error {
	return ErrReadOnly
}

// AllocBlock returns an error as the device is read-only.
func (d *ReadOnlyDevice) AllocBlock() (uint64, error) {
	return 0, ErrReadOnly
}

// SyncRange forwards to the underlying device.
func (d *ReadOnlyDevice) SyncRange(start, end uint64) error {
	return d.device.SyncRange(start, end)
}

// BlockSize returns the underlying device's block size.
func (d *ReadOnlyDevice) BlockSize() int {
	return d.device.BlockSize()
}

// BlockCount returns the underlying device's block count.
func (d *ReadOnlyDevice) BlockCount() uint64 {
	return d.device.BlockCount()
}

// Kind names the device type.
func (d *ReadOnlyDevice) Kind() string { return "readonly" }

// DeviceInfo contains metadata about a block device.
type DeviceInfo struct {
	Type       string `json:"type"`
	BlockSize  int    `json:"blockSize"`
	BlockCount uint64 `json:"blockCount"`
	TotalSize  uint64 `json:"totalSize"`
	NextAlloc  uint64 `json:"nextAlloc"`
	ReadOnly   bool   `json:"readOnly"`
}

// GetInfo returns metadata about the device.
func GetInfo(device BlockDevice) DeviceInfo {
	info := DeviceInfo{
		BlockSize:  device.BlockSize(),
		BlockCount: device.BlockCount(),
		TotalSize:  uint64(device.BlockSize()) * device.BlockCount(),
	}
	if a, ok := device.(Allocator); ok {
		info.NextAlloc = a.NextAlloc()
	}

	if k, ok := device.(interface{ Kind() string }); ok {
		info.Type = k.Kind()
	} else {
		info.Type = "unknown"
	}
	if _, ok := device.(*ReadOnlyDevice); ok {
		info.ReadOnly = true
	}

	return info
}
