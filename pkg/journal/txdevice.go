package journal

import (
	"sync"

	"blockfs/pkg/storage"
)

// TxDevice presents a journal transaction as a storage.BlockDevice. Writes
// are added to the active transaction instead of reaching the device, and
// reads see those pending images first. A B-tree opened on a TxDevice can
// therefore be mutated and flushed inside one atomic transaction.
type TxDevice struct {
	j   *Journal
	dev storage.BlockDevice

	mu sync.Mutex
	tx *Transaction
}

// NewTxDevice returns an adapter over the journal's device. It has no
// transaction until Bind is called.
func NewTxDevice(j *Journal) *TxDevice {
	return &TxDevice{j: j, dev: j.dev}
}

// Bind routes subsequent writes into tx. Passing nil detaches the adapter,
// after which writes fail with ErrNoTransaction.
func (d *TxDevice) Bind(tx *Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx = tx
}

func (d *TxDevice) active() *Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx
}

// ReadBlock returns the pending image if the transaction holds one,
// otherwise the device contents.
func (d *TxDevice) ReadBlock(num uint64, data []byte) error {
	if tx := d.active(); tx != nil {
		if img, ok := tx.Lookup(num); ok {
			if len(data) != storage.BlockSize {
				return storage.ErrBadBufferSize
			}
			copy(data, img)
			return nil
		}
	}
	return d.dev.ReadBlock(num, data)
}

// WriteBlock adds data to the bound transaction.
func (d *TxDevice) WriteBlock(num uint64, data []byte) error {
	tx := d.active()
	if tx == nil {
		return ErrNoTransaction
	}
	if len(data) != storage.BlockSize {
		return storage.ErrBadBufferSize
	}
	return d.j.AddBlock(tx, num, data)
}

// AllocBlock forwards to the device allocator.
func (d *TxDevice) AllocBlock() (uint64, error) {
	return d.dev.AllocBlock()
}

// SyncRange is a no-op; durability comes from Commit.
func (d *TxDevice) SyncRange(start, end uint64) error {
	return nil
}

// BlockSize returns the device block size.
func (d *TxDevice) BlockSize() int {
	return d.dev.BlockSize()
}

// BlockCount returns the device block count.
func (d *TxDevice) BlockCount() uint64 {
	return d.dev.BlockCount()
}

// Kind names the device type.
func (d *TxDevice) Kind() string { return "journal-tx" }
