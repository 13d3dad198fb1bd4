package storage

import (
	"errors"
	"sync"
)

// ErrInjectedFault is returned by FaultyDevice once its write budget is spent.
var ErrInjectedFault = errors.New("injected device fault")

// FaultyDevice wraps a BlockDevice, counts writes and syncs, and can be told
// to fail every write after a budget is spent. Failed writes never reach the
// underlying device, which simulates power loss at that point.
type FaultyDevice struct {
	device BlockDevice
	mu     sync.Mutex
	budget int // remaining writes; negative means unlimited
	writes int
	syncs  int
}

// NewFaultyDevice wraps device with an unlimited write budget.
func NewFaultyDevice(device BlockDevice) *FaultyDevice {
	return &FaultyDevice{device: device, budget: -1}
}

// FailAfter allows n more writes; every write after that fails.
func (d *FaultyDevice) FailAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.budget = n
}

// Heal removes the write budget.
func (d *FaultyDevice) Heal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.budget = -1
}

// Writes returns how many writes reached the underlying device.
func (d *FaultyDevice) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Syncs returns how many SyncRange calls reached the underlying device.
func (d *FaultyDevice) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

// ReadBlock reads from the underlying device.
func (d *FaultyDevice) ReadBlock(num uint64, data []byte) error {
	return d.device.ReadBlock(num, data)
}

// WriteBlock writes to the underlying device unless the budget is spent.
func (d *FaultyDevice) WriteBlock(num uint64, data []byte) error {
	d.mu.Lock()
	if d.budget == 0 {
		d.mu.Unlock()
		return ErrInjectedFault
	}
	if d.budget > 0 {
		d.budget--
	}
	d.writes++
	d.mu.Unlock()

	return d.device.WriteBlock(num, data)
}

// AllocBlock forwards to the underlying device.
func (d *FaultyDevice) AllocBlock() (uint64, error) {
	return d.device.AllocBlock()
}

// SyncRange fails once the budget is spent, like a write.
func (d *FaultyDevice) SyncRange(start, end uint64) error {
	d.mu.Lock()
	if d.budget == 0 {
		d.mu.Unlock()
		return ErrInjectedFault
	}
	d.syncs++
	d.mu.Unlock()

	return d.device.SyncRange(start, end)
}

// BlockSize returns the underlying device's block size.
func (d *FaultyDevice) BlockSize() int {
	return d.device.BlockSize()
}

// BlockCount returns the underlying device's block count.
func (d *FaultyDevice) BlockCount() uint64 {
	return d.device.BlockCount()
}

// Kind names the device type.
func (d *FaultyDevice) Kind() string { return "faulty" }

// NextAlloc forwards to the underlying device when it tracks allocation.
func (d *FaultyDevice) NextAlloc() uint64 {
	if a, ok := d.device.(Allocator); ok {
		return a.NextAlloc()
	}
	return 0
}

// SetNextAlloc forwards to the underlying device when it tracks allocation.
func (d *FaultyDevice) SetNextAlloc(next uint64) error {
	if a, ok := d.device.(Allocator); ok {
		return a.SetNextAlloc(next)
	}
	return nil
}
