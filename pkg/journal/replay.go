package journal

import (
	"fmt"

	"blockfs/pkg/storage"
)

// ReplayStats summarizes a Replay run.
type ReplayStats struct {
	Scanned  uint32 // log blocks examined
	Applied  int    // transactions written to their home locations
	Skipped  int    // transaction records rejected by verification
	Blocks   int    // home blocks written
	Sequence uint64 // journal sequence after replay
}

// Replay re-applies every fully verified transaction between tail and head
// to its home location, then empties the log. It must run before any other
// operation on a freshly opened journal. A transaction whose commit block
// is missing or mismatched, or whose data fails its checksum, is skipped as
// a whole. Replaying an empty log performs no writes.
func (j *Journal) Replay() (ReplayStats, error) {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	var stats ReplayStats
	if j.closed {
		return stats, ErrJournalClosed
	}
	if j.current != nil {
		return stats, ErrTransactionActive
	}

	used := j.usedLocked()
	pos := j.hdr.Tail
	maxSeq := j.hdr.Sequence
	buf := make([]byte, storage.BlockSize)

	// Each step consumes at least one block, so the loop is bounded by Size.
	for stats.Scanned < used {
		remaining := used - stats.Scanned

		if err := j.readLog(pos, buf); err != nil {
			return stats, fmt.Errorf("replay: read log offset %d: %w", pos, err)
		}
		th, err := DecodeTxnHeader(buf)
		if err != nil || th.BlockCount > MaxTransactionLimit || uint32(recordBlocks(int(th.BlockCount))) > remaining {
			j.log.Warn("replay: skipping unreadable log block", "offset", pos)
			stats.Skipped++
			stats.Scanned++
			pos = j.advance(pos, 1)
			continue
		}

		n := uint32(recordBlocks(int(th.BlockCount)))
		entries, err := j.verifyRecord(th, pos)
		if err != nil {
			j.log.Warn("replay: skipping transaction", "seq", th.Sequence, "offset", pos, "error", err)
			stats.Skipped++
		} else {
			if err := j.install(entries); err != nil {
				return stats, fmt.Errorf("replay: transaction %d: %w", th.Sequence, err)
			}
			stats.Applied++
			stats.Blocks += len(entries)
			maxSeq = max(maxSeq, th.Sequence)
		}
		stats.Scanned += n
		pos = j.advance(pos, n)
	}

	if stats.Scanned > 0 {
		prev := j.hdr
		j.hdr.Tail = j.hdr.Head
		j.hdr.Sequence = maxSeq
		if err := j.writeHeader(); err != nil {
			j.hdr = prev
			return stats, fmt.Errorf("replay: write header: %w", err)
		}
	}
	j.pending = nil
	j.nextSeq = max(j.nextSeq, maxSeq+1)
	stats.Sequence = j.hdr.Sequence

	if stats.Scanned > 0 {
		j.log.Info("journal replayed",
			"applied", stats.Applied,
			"skipped", stats.Skipped,
			"blocks", stats.Blocks,
			"sequence", stats.Sequence)
	}
	return stats, nil
}

// verifyRecord reads the descriptor/data pairs and the commit block of the
// transaction whose header sits at pos. Nothing is written.
func (j *Journal) verifyRecord(th TxnHeader, pos uint32) ([]txEntry, error) {
	buf := make([]byte, storage.BlockSize)
	entries := make([]txEntry, 0, th.BlockCount)

	for i := uint32(0); i < th.BlockCount; i++ {
		pos = j.advance(pos, 1)
		dataPos := j.advance(pos, 1)

		if err := j.readLog(pos, buf); err != nil {
			return nil, err
		}
		d := DecodeDescriptor(buf)
		if d.Offset != dataPos || d.Size > JournalBlockSize {
			return nil, fmt.Errorf("%w: descriptor %d names offset %d size %d", ErrCorruptedBlock, i, d.Offset, d.Size)
		}
		if d.BlockNum >= j.dev.BlockCount() || j.inExtent(d.BlockNum) {
			return nil, fmt.Errorf("%w: descriptor %d targets block %d", ErrCorruptedBlock, i, d.BlockNum)
		}

		data := make([]byte, storage.BlockSize)
		if err := j.readLog(dataPos, data); err != nil {
			return nil, err
		}
		if sum := checksum(data[:d.Size]); sum != d.Checksum {
			return nil, fmt.Errorf("%w: block %d data checksum 0x%08x, want 0x%08x", ErrCorruptedBlock, d.BlockNum, sum, d.Checksum)
		}
		entries = append(entries, txEntry{block: d.BlockNum, data: data[:d.Size]})
		pos = dataPos
	}

	pos = j.advance(pos, 1)
	if err := j.readLog(pos, buf); err != nil {
		return nil, err
	}
	c, err := DecodeCommit(buf)
	if err != nil {
		return nil, err
	}
	if c.Sequence != th.Sequence {
		return nil, fmt.Errorf("%w: commit sequence %d, header %d", ErrCorruptedCommit, c.Sequence, th.Sequence)
	}
	return entries, nil
}
