package journal

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"blockfs/pkg/storage"
)

const (
	testStart = 20
	testSize  = 32
)

func testOptions() Options {
	return Options{
		Start:              testStart,
		Size:               testSize,
		MaxTransactionSize: 8,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:                func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
}

func newTestDevice(t *testing.T) *storage.MemoryBlockDevice {
	t.Helper()
	dev, err := storage.NewMemoryBlockDevice(64)
	if err != nil {
		t.Fatalf("NewMemoryBlockDevice() error = %v", err)
	}
	return dev
}

func newTestJournal(t *testing.T, dev storage.BlockDevice, opts Options) *Journal {
	t.Helper()
	j, err := Format(dev, opts)
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	return j
}

func reopen(t *testing.T, dev storage.BlockDevice, opts Options) (*Journal, ReplayStats) {
	t.Helper()
	opts.Size = 0
	j, err := Open(dev, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	stats, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	return j, stats
}

func block(s string) []byte {
	b := make([]byte, storage.BlockSize)
	copy(b, s)
	return b
}

func readBlock(t *testing.T, dev storage.BlockDevice, num uint64) []byte {
	t.Helper()
	buf := make([]byte, storage.BlockSize)
	if err := dev.ReadBlock(num, buf); err != nil {
		t.Fatalf("ReadBlock(%d) error = %v", num, err)
	}
	return buf
}

func commitBlocks(t *testing.T, j *Journal, blocks map[uint64]string) {
	t.Helper()
	tx, err := j.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	for num, s := range blocks {
		if err := j.AddBlock(tx, num, []byte(s)); err != nil {
			t.Fatalf("AddBlock(%d) error = %v", num, err)
		}
	}
	if err := j.Commit(tx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestCommitWritesHomeBlocks(t *testing.T) {
	dev := newTestDevice(t)
	j := newTestJournal(t, dev, testOptions())

	commitBlocks(t, j, map[uint64]string{5: "A", 9: "B"})

	if got := readBlock(t, dev, 5); !bytes.Equal(got, block("A")) {
		t.Errorf("block 5 = %q, want %q", got[:4], "A")
	}
	if got := readBlock(t, dev, 9); !bytes.Equal(got, block("B")) {
		t.Errorf("block 9 = %q, want %q", got[:4], "B")
	}

	st := j.Stats()
	if st.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", st.Sequence)
	}
	if st.Used != 6 {
		t.Errorf("Used = %d, want 6", st.Used)
	}
}

func TestAbortLeavesDeviceUnchanged(t *testing.T) {
	dev := newTestDevice(t)
	fd := storage.NewFaultyDevice(dev)
	j := newTestJournal(t, fd, testOptions())
	before := fd.Writes()

	tx, err := j.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	data := []byte("A")
	if err := j.AddBlock(tx, 5, data); err != nil {
		t.Fatal(err)
	}
	if err := j.AddBlock(tx, 9, []byte("B")); err != nil {
		t.Fatal(err)
	}
	data[0] = 'Z' // the journal owns a copy
	if img, ok := tx.Lookup(5); !ok || img[0] != 'A' {
		t.Errorf("Lookup(5) did not return the original image (found %v)", ok)
	}

	if err := j.Abort(tx); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if fd.Writes() != before {
		t.Errorf("Abort() wrote %d blocks", fd.Writes()-before)
	}
	if got := readBlock(t, dev, 5); !bytes.Equal(got, make([]byte, storage.BlockSize)) {
		t.Error("block 5 changed after abort")
	}
	if err := j.Commit(tx); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("Commit(aborted) error = %v, want %v", err, ErrNoTransaction)
	}

	// A new transaction can start after abort.
	if _, err := j.Begin(); err != nil {
		t.Errorf("Begin() after Abort error = %v", err)
	}
}

func TestBeginWhileActive(t *testing.T) {
	j := newTestJournal(t, newTestDevice(t), testOptions())

	tx, err := j.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			if _, err := j.Begin(); !errors.Is(err, ErrTransactionActive) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Begin() error = %v, want %v", err, ErrTransactionActive)
	}

	if err := j.Flush(); !errors.Is(err, ErrTransactionActive) {
		t.Errorf("Flush() error = %v, want %v", err, ErrTransactionActive)
	}
	if err := j.Close(); !errors.Is(err, ErrUncommittedTransaction) {
		t.Errorf("Close() error = %v, want %v", err, ErrUncommittedTransaction)
	}
	if err := j.Abort(tx); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := j.Begin(); !errors.Is(err, ErrJournalClosed) {
		t.Errorf("Begin() after Close error = %v, want %v", err, ErrJournalClosed)
	}
}

func TestAddBlockLimits(t *testing.T) {
	opts := testOptions()
	opts.MaxTransactionSize = 2
	j := newTestJournal(t, newTestDevice(t), opts)

	tx, err := j.Begin()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		block uint64
		data  []byte
		want  error
	}{
		{"first", 1, []byte("one"), nil},
		{"second", 2, []byte("two"), nil},
		{"replace existing", 1, []byte("uno"), nil},
		{"too many blocks", 3, []byte("three"), ErrTransactionTooLarge},
		{"block too large", 2, make([]byte, JournalBlockSize+1), ErrBlockTooLarge},
		{"beyond device", 64, []byte("x"), storage.ErrInvalidBlockNumber},
		{"inside journal", testStart + 1, []byte("x"), storage.ErrInvalidBlockNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := j.AddBlock(tx, tt.block, tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("AddBlock() error = %v, want %v", err, tt.want)
			}
		})
	}

	if tx.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tx.Len())
	}
	img, _ := tx.Lookup(1)
	if string(img[:3]) != "uno" {
		t.Errorf("Lookup(1) = %q, want %q", img[:3], "uno")
	}
	if err := j.AddBlock(&Transaction{j: j}, 1, nil); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("AddBlock(foreign) error = %v, want %v", err, ErrNoTransaction)
	}
}

func TestCrashBeforeHeaderUpdate(t *testing.T) {
	// A two-block transaction writes: txn header, desc, data, desc, data,
	// commit, then syncs and rewrites the journal header.
	tests := []struct {
		name   string
		writes int
	}{
		{"after first pair", 3},
		{"before commit block", 5},
		{"before header", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t)
			fd := storage.NewFaultyDevice(dev)
			j := newTestJournal(t, fd, testOptions())

			tx, err := j.Begin()
			if err != nil {
				t.Fatal(err)
			}
			_ = j.AddBlock(tx, 5, []byte("A"))
			_ = j.AddBlock(tx, 9, []byte("B"))

			fd.FailAfter(tt.writes)
			if err := j.Commit(tx); !errors.Is(err, storage.ErrInjectedFault) {
				t.Fatalf("Commit() error = %v, want %v", err, storage.ErrInjectedFault)
			}
			// The failed transaction is still the caller's to abort.
			if err := j.Abort(tx); err != nil {
				t.Errorf("Abort() error = %v", err)
			}

			_, stats := reopen(t, dev, testOptions())
			if stats.Applied != 0 {
				t.Errorf("Replay() applied %d transactions, want 0", stats.Applied)
			}
			for _, num := range []uint64{5, 9} {
				if got := readBlock(t, dev, num); !bytes.Equal(got, make([]byte, storage.BlockSize)) {
					t.Errorf("block %d modified by a transaction that never committed", num)
				}
			}
		})
	}
}

func TestReplayReappliesCommitted(t *testing.T) {
	dev := newTestDevice(t)
	j := newTestJournal(t, dev, testOptions())
	commitBlocks(t, j, map[uint64]string{5: "A", 9: "B"})

	// Lose the home writes, as if the machine stopped before install.
	zero := make([]byte, storage.BlockSize)
	_ = dev.WriteBlock(5, zero)
	_ = dev.WriteBlock(9, zero)

	j2, stats := reopen(t, dev, testOptions())
	if stats.Applied != 1 || stats.Blocks != 2 || stats.Skipped != 0 {
		t.Errorf("Replay() = %+v, want 1 applied, 2 blocks", stats)
	}
	if got := readBlock(t, dev, 5); !bytes.Equal(got, block("A")) {
		t.Error("block 5 not restored by replay")
	}
	if got := readBlock(t, dev, 9); !bytes.Equal(got, block("B")) {
		t.Error("block 9 not restored by replay")
	}

	st := j2.Stats()
	if st.Used != 0 || st.Sequence != 1 {
		t.Errorf("Stats() after replay = %+v", st)
	}

	tx, err := j2.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if tx.Sequence() != 2 {
		t.Errorf("next Sequence() = %d, want 2", tx.Sequence())
	}
}

func TestReplayIdempotent(t *testing.T) {
	dev := newTestDevice(t)
	j := newTestJournal(t, dev, testOptions())
	commitBlocks(t, j, map[uint64]string{5: "A"})
	commitBlocks(t, j, map[uint64]string{9: "B"})

	fd := storage.NewFaultyDevice(dev)
	j2, first := reopen(t, fd, testOptions())
	if first.Applied != 2 {
		t.Fatalf("first Replay() applied %d, want 2", first.Applied)
	}
	writes := fd.Writes()

	second, err := j2.Replay()
	if err != nil {
		t.Fatalf("second Replay() error = %v", err)
	}
	if second.Scanned != 0 || second.Applied != 0 {
		t.Errorf("second Replay() = %+v, want nothing scanned", second)
	}
	if fd.Writes() != writes {
		t.Errorf("second Replay() wrote %d blocks, want 0", fd.Writes()-writes)
	}

	// A fresh open of the clean journal is also a no-op.
	_, third := reopen(t, fd, testOptions())
	if third.Scanned != 0 || fd.Writes() != writes {
		t.Errorf("Replay() of clean journal scanned %d, wrote %d", third.Scanned, fd.Writes()-writes)
	}
}

func TestReplaySkipsCorruptTransaction(t *testing.T) {
	tests := []struct {
		name   string
		offset uint64 // log offset of the second transaction to damage
	}{
		{"data checksum", 6},
		{"commit block", 7},
		{"transaction header", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t)
			j := newTestJournal(t, dev, testOptions())
			// Each one-block transaction occupies four log blocks.
			commitBlocks(t, j, map[uint64]string{5: "A"})
			commitBlocks(t, j, map[uint64]string{9: "B"})

			zero := make([]byte, storage.BlockSize)
			_ = dev.WriteBlock(5, zero)
			_ = dev.WriteBlock(9, zero)

			logBlock := uint64(testStart + 1 + tt.offset)
			buf := readBlock(t, dev, logBlock)
			buf[0] ^= 0xFF
			_ = dev.WriteBlock(logBlock, buf)

			_, stats := reopen(t, dev, testOptions())
			if stats.Applied != 1 || stats.Skipped == 0 {
				t.Errorf("Replay() = %+v, want 1 applied and a skip", stats)
			}
			if got := readBlock(t, dev, 5); !bytes.Equal(got, block("A")) {
				t.Error("intact transaction not applied")
			}
			if got := readBlock(t, dev, 9); !bytes.Equal(got, zero) {
				t.Error("corrupt transaction partially applied")
			}
		})
	}
}

func TestCheckpointWrapAround(t *testing.T) {
	dev := newTestDevice(t)
	opts := testOptions()
	opts.Size = 16
	opts.MaxTransactionSize = 2
	j := newTestJournal(t, dev, opts)

	want := map[uint64]string{}
	for i := range 20 {
		num := uint64(1 + i%3)
		s := string(rune('a' + i))
		commitBlocks(t, j, map[uint64]string{num: s, 10: s})
		want[num] = s
		want[10] = s

		st := j.Stats()
		if st.Used >= st.Size {
			t.Fatalf("Used = %d exceeds log of %d", st.Used, st.Size)
		}
	}
	if st := j.Stats(); st.Sequence != 20 {
		t.Errorf("Sequence = %d, want 20", st.Sequence)
	}

	// Replaying whatever the log still holds must agree with the
	// installed state.
	j2, stats := reopen(t, dev, opts)
	if stats.Skipped != 0 {
		t.Errorf("Replay() skipped %d records", stats.Skipped)
	}
	for num, s := range want {
		if got := readBlock(t, dev, num); !bytes.Equal(got, block(s)) {
			t.Errorf("block %d = %q, want %q", num, got[:1], s)
		}
	}
	if err := j2.Checkpoint(); err != nil {
		t.Errorf("Checkpoint() error = %v", err)
	}
}

// failHome refuses writes to one block so installs fail after commit.
type failHome struct {
	storage.BlockDevice
	block uint64
}

func (d failHome) WriteBlock(num uint64, data []byte) error {
	if num == d.block {
		return storage.ErrInjectedFault
	}
	return d.BlockDevice.WriteBlock(num, data)
}

func TestJournalFull(t *testing.T) {
	dev := newTestDevice(t)
	opts := testOptions()
	opts.Size = 8
	opts.MaxTransactionSize = 1
	j := newTestJournal(t, failHome{BlockDevice: dev, block: 5}, opts)

	tx, _ := j.Begin()
	_ = j.AddBlock(tx, 5, []byte("A"))
	if err := j.Commit(tx); !errors.Is(err, storage.ErrInjectedFault) {
		t.Fatalf("Commit() error = %v, want install failure", err)
	}
	if st := j.Stats(); st.Pending != 1 || st.Used != 4 {
		t.Fatalf("Stats() = %+v, want one pending 4-block transaction", st)
	}

	// The unapplied transaction pins the log; checkpoint cannot reclaim it.
	tx, err := j.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	_ = j.AddBlock(tx, 6, []byte("B"))
	if err := j.Commit(tx); !errors.Is(err, ErrJournalFull) {
		t.Fatalf("Commit() error = %v, want %v", err, ErrJournalFull)
	}
	if err := j.Abort(tx); err != nil {
		t.Errorf("Abort() after JournalFull error = %v", err)
	}

	// Recovery on a healthy device installs the stranded transaction.
	_, stats := reopen(t, dev, opts)
	if stats.Applied != 1 {
		t.Errorf("Replay() applied %d, want 1", stats.Applied)
	}
	if got := readBlock(t, dev, 5); !bytes.Equal(got, block("A")) {
		t.Error("block 5 not installed by replay")
	}
}

func TestOpenErrors(t *testing.T) {
	dev := newTestDevice(t)
	if _, err := Open(dev, testOptions()); !errors.Is(err, ErrCorruptedHeader) {
		t.Errorf("Open(unformatted) error = %v, want %v", err, ErrCorruptedHeader)
	}

	newTestJournal(t, dev, testOptions())
	buf := readBlock(t, dev, testStart)
	buf[20] ^= 0x01
	_ = dev.WriteBlock(testStart, buf)
	if _, err := Open(dev, testOptions()); !errors.Is(err, ErrCorruptedHeader) {
		t.Errorf("Open(corrupt) error = %v, want %v", err, ErrCorruptedHeader)
	}

	opts := testOptions()
	opts.Size = 4
	if _, err := Format(dev, opts); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("Format(tiny) error = %v, want %v", err, ErrInvalidGeometry)
	}
	opts = testOptions()
	opts.Start = 60
	if _, err := Format(dev, opts); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("Format(past end) error = %v, want %v", err, ErrInvalidGeometry)
	}
}

func TestTxDevice(t *testing.T) {
	dev := newTestDevice(t)
	j := newTestJournal(t, dev, testOptions())
	td := NewTxDevice(j)

	if err := td.WriteBlock(3, block("x")); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("WriteBlock(unbound) error = %v, want %v", err, ErrNoTransaction)
	}

	tx, err := j.Begin()
	if err != nil {
		t.Fatal(err)
	}
	td.Bind(tx)
	if err := td.WriteBlock(3, block("pending")); err != nil {
		t.Fatalf("WriteBlock() error = %v", err)
	}

	buf := make([]byte, storage.BlockSize)
	if err := td.ReadBlock(3, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, block("pending")) {
		t.Error("TxDevice did not return the pending image")
	}
	if got := readBlock(t, dev, 3); !bytes.Equal(got, make([]byte, storage.BlockSize)) {
		t.Error("TxDevice wrote through to the device before commit")
	}

	if err := j.Commit(tx); err != nil {
		t.Fatal(err)
	}
	td.Bind(nil)
	if got := readBlock(t, dev, 3); !bytes.Equal(got, block("pending")) {
		t.Error("committed image not installed")
	}
}
