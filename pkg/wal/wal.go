// Package wal implements the write-ahead log from spec.md §4.5: a single
// append-only file of fixed-size records, each a full page image guarded
// by a checksum. Grounded on the buffering-and-background-flush shape of
// core/indexing/btree/log_manager.go, radically simplified — one file,
// no segment rotation, no two-phase-commit record types, since spec.md
// scopes WAL to single-writer crash recovery only.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/btreedb/internal/dberrors"
	"github.com/sushant-115/btreedb/pkg/pager"
	"github.com/sushant-115/btreedb/pkg/telemetry"
)

// recordSize is lsn(8) + page_id(4) + image(PageSize) + crc32(4).
const recordSize = 8 + 4 + pager.PageSize + 4

// Record is one decoded WAL entry, returned during Replay.
type Record struct {
	LSN    uint64
	PageID uint32
	Image  []byte
}

// WAL is the append-only log file backing one database. Append writes
// each record to the file immediately and Flush fsyncs it, without the
// teacher's background goroutine or segment files — spec.md calls for
// synchronous flush before a transaction is considered committed.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	lastLSN uint64
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// Open opens or creates the WAL file at path and recovers lastLSN from
// its tail so Append continues the sequence across restarts. Appends
// resume after the last complete record, overwriting any torn tail.
func Open(path string, logger *zap.Logger, metrics *telemetry.Metrics) (*WAL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening WAL file %s: %w", path, err)
	}
	w := &WAL{file: f, path: path, logger: logger, metrics: metrics}

	lastLSN, err := w.lastLSNOnDisk()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.lastLSN = lastLSN
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat WAL: %w", err)
	}
	if _, err := f.Seek(fi.Size()/recordSize*recordSize, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking WAL: %w", err)
	}
	return w, nil
}

func (w *WAL) lastLSNOnDisk() (uint64, error) {
	fi, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat WAL: %w", err)
	}
	n := fi.Size() / recordSize
	if n == 0 {
		return 0, nil
	}
	buf := make([]byte, 8)
	if _, err := w.file.ReadAt(buf, (n-1)*recordSize); err != nil {
		return 0, fmt.Errorf("reading last WAL record header: %w", err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Append encodes one record for pageID/image and writes it at the end
// of the log. The record is not guaranteed durable until
// Flush returns.
func (w *WAL) Append(pageID uint32, image []byte) (uint64, error) {
	if len(image) != pager.PageSize {
		return 0, fmt.Errorf("wal append: image is %d bytes, want %d", len(image), pager.PageSize)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.lastLSN + 1
	rec := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(rec[0:8], lsn)
	binary.LittleEndian.PutUint32(rec[8:12], pageID)
	copy(rec[12:12+pager.PageSize], image)
	sum := crc32.ChecksumIEEE(rec[:12+pager.PageSize])
	binary.LittleEndian.PutUint32(rec[12+pager.PageSize:], sum)

	if _, err := w.file.Write(rec); err != nil {
		return 0, fmt.Errorf("appending WAL record: %w", err)
	}
	w.lastLSN = lsn
	if w.metrics != nil {
		w.metrics.WalAppends.Inc()
	}
	return lsn, nil
}

// Flush fsyncs the WAL file. Callers must Flush before applying the
// corresponding pages to the Pager, so a crash mid-apply can always be
// repaired by Replay.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("flushing WAL: %w", err)
	}
	if w.metrics != nil {
		w.metrics.WalFlushes.Inc()
	}
	return nil
}

// Replay reads every record in LSN order and invokes apply for each,
// stopping (without error) at the first incomplete or checksum-invalid
// trailing record, which is the expected shape of a log truncated by a
// crash mid-append.
func (w *WAL) Replay(apply func(pageID uint32, image []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fi, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("stat WAL: %w", err)
	}
	total := fi.Size() / recordSize

	for i := int64(0); i < total; i++ {
		rec := make([]byte, recordSize)
		if _, err := w.file.ReadAt(rec, i*recordSize); err != nil {
			break
		}
		lsn := binary.LittleEndian.Uint64(rec[0:8])
		pageID := binary.LittleEndian.Uint32(rec[8:12])
		image := rec[12 : 12+pager.PageSize]
		storedSum := binary.LittleEndian.Uint32(rec[12+pager.PageSize:])
		gotSum := crc32.ChecksumIEEE(rec[:12+pager.PageSize])
		if gotSum != storedSum {
			w.logger.Warn("wal replay stopped at checksum mismatch", zap.Int64("record", i), zap.Uint64("lsn", lsn))
			break
		}
		if err := apply(pageID, image); err != nil {
			return fmt.Errorf("%w: applying WAL record lsn=%d: %v", dberrors.ErrWalReplayFailed, lsn, err)
		}
	}
	return nil
}

// Checkpoint truncates the log to empty. Callers must have already
// durably applied every record to the Pager (and synced it) before
// calling Checkpoint, since everything before it is discarded.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating WAL: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking WAL: %w", err)
	}
	if w.metrics != nil {
		w.metrics.Checkpoints.Inc()
	}
	return nil
}

// Close syncs and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		w.logger.Warn("wal sync on close failed", zap.Error(err))
	}
	return w.file.Close()
}

// Path returns the file path this WAL was opened with.
func (w *WAL) Path() string { return w.path }
