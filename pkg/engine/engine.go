// Package engine provides the thin façade spec.md §2 describes: Put,
// Get, Delete, Scan, Begin, Stats, Checkpoint and Close over a single
// database file, wiring Pager, WAL, BTree, TransactionManager and
// LockManager together. Grounded on original_source/manager.rs's
// DatabaseHandle, which plays the same role around its own Btree.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/btreedb/internal/dberrors"
	"github.com/sushant-115/btreedb/pkg/btree"
	"github.com/sushant-115/btreedb/pkg/lock"
	"github.com/sushant-115/btreedb/pkg/logger"
	"github.com/sushant-115/btreedb/pkg/pager"
	"github.com/sushant-115/btreedb/pkg/telemetry"
	"github.com/sushant-115/btreedb/pkg/txn"
	"github.com/sushant-115/btreedb/pkg/wal"
)

// dbLockKey is the lock key engine uses to serialize writers against
// readers at whole-database granularity. BTree's page-level splits and
// merges are not individually latch-coupled (spec.md excludes
// multi-writer concurrency beyond serialized writers), so a single
// lock per database is sufficient and keeps lock.LockManager's per-page
// API exercised without requiring BTree itself to be lock-aware. It is
// not a real page id, hence the out-of-range value.
const dbLockKey uint32 = ^uint32(0)

// Options configures Open, mirroring original_source/manager.rs's
// DatabaseConfig.
type Options struct {
	CreateIfMissing bool
	ReadOnly        bool
	MaxLeafKeys     int
	MaxInternalKeys int
	Logger          *zap.Logger
	Metrics         *telemetry.Metrics
}

// Engine is one open database: a file-backed B-Tree with WAL-backed
// transactions.
type Engine struct {
	path     string
	pager    *pager.Pager
	wal      *wal.WAL
	tree     *btree.BTree
	treeOpts btree.Options
	txns     *txn.Manager
	locks    *lock.LockManager
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	owners   atomic.Uint64
}

// Open opens (creating if requested) the database file at path and
// replays its WAL, if any, before returning.
func Open(path string, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		var err error
		log, err = logger.New(logger.Config{Level: "info", Format: "console"})
		if err != nil {
			return nil, fmt.Errorf("constructing default logger: %w", err)
		}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.New(telemetry.Config{Enabled: false})
	}

	p, err := pager.Open(path, pager.OpenOptions{
		CreateIfMissing: opts.CreateIfMissing,
		ReadOnly:        opts.ReadOnly,
	}, log)
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(path+"-wal", log, metrics)
	if err != nil {
		p.Close()
		return nil, err
	}

	locks := lock.NewLockManager()
	locks.Metrics = metrics

	e := &Engine{
		path:     path,
		pager:    p,
		wal:      w,
		treeOpts: btree.Options{MaxLeafKeys: opts.MaxLeafKeys, MaxInternalKeys: opts.MaxInternalKeys, Metrics: metrics},
		txns:     txn.NewManager(),
		locks:    locks,
		logger:   log,
		metrics:  metrics,
	}
	e.tree = btree.New(p, e.treeOpts)

	if err := e.recover(); err != nil {
		p.Close()
		w.Close()
		return nil, err
	}
	return e, nil
}

// recover replays any WAL records left by a crash between flush and
// checkpoint, then checkpoints the log clean.
func (e *Engine) recover() error {
	applied := 0
	err := e.wal.Replay(func(pageID uint32, image []byte) error {
		applied++
		return e.pager.WritePage(pageID, image)
	})
	if err != nil {
		return err
	}
	if applied > 0 {
		e.logger.Info("replayed WAL records on open", zap.Int("count", applied))
		if err := e.pager.Sync(); err != nil {
			return err
		}
		if err := e.wal.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) nextOwner() uint64 { return e.owners.Add(1) }

// Put upserts key/value as a single implicit transaction.
func (e *Engine) Put(key, value []byte) error {
	unlock, err := e.locks.Lock(context.Background(), dbLockKey, e.nextOwner())
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := e.txns.Begin()
	if err != nil {
		return err
	}
	if err := e.tree.Insert(key, value, tx); err != nil {
		e.abort(tx)
		return err
	}
	if err := e.commit(tx); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.Puts.Inc()
	}
	return nil
}

// Get reads key against the last committed state.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	unlock, err := e.locks.RLock(context.Background(), dbLockKey, e.nextOwner())
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	value, found, err := e.tree.Search(key)
	if err != nil {
		return nil, false, err
	}
	if e.metrics != nil {
		e.metrics.Gets.Inc()
	}
	return value, found, nil
}

// Delete removes key as a single implicit transaction, returning
// whether it was present.
func (e *Engine) Delete(key []byte) (bool, error) {
	unlock, err := e.locks.Lock(context.Background(), dbLockKey, e.nextOwner())
	if err != nil {
		return false, err
	}
	defer unlock()

	tx, err := e.txns.Begin()
	if err != nil {
		return false, err
	}
	found, err := e.tree.Delete(key, tx)
	if err != nil {
		e.abort(tx)
		return false, err
	}
	if !found {
		e.abort(tx)
		return false, nil
	}
	if err := e.commit(tx); err != nil {
		return false, err
	}
	if e.metrics != nil {
		e.metrics.Deletes.Inc()
	}
	return true, nil
}

// Scan returns a cursor positioned at the smallest key >= start (or the
// first key if start is empty), bounded to the half-open range
// start <= key < end per spec.md §4.4. An empty end means unbounded.
// The cursor stops reporting entries (Current returns ok=false) once it
// reaches end; the caller still drives it with Next as usual.
func (e *Engine) Scan(start, end []byte) (*btree.Cursor, error) {
	c := e.tree.NewCursor()
	c.SetUpperBound(end)
	if len(start) == 0 {
		if _, err := c.SeekFirst(); err != nil {
			return nil, err
		}
		return c, nil
	}
	if _, err := c.Seek(start); err != nil {
		return nil, err
	}
	return c, nil
}

// Begin starts an explicit, caller-managed transaction. The caller must
// eventually call Commit or Rollback via the returned handle's matching
// Engine method.
func (e *Engine) Begin() (*txn.Txn, error) {
	return e.txns.Begin()
}

// CommitTxn flushes tx's dirty pages through the WAL, applies them to
// the Pager, and marks tx committed.
func (e *Engine) CommitTxn(tx *txn.Txn) error {
	return e.commit(tx)
}

// RollbackTxn discards tx's staged writes without touching the Pager.
func (e *Engine) RollbackTxn(tx *txn.Txn) error {
	return e.abort(tx)
}

// commit flushes tx's dirty pages through the WAL and applies them to
// the Pager. Per spec.md §7, a failed commit rolls the transaction back
// before returning so the writer role is always released, even when the
// failure happens mid-flush.
func (e *Engine) commit(tx *txn.Txn) error {
	start := time.Now()
	pageIDs := tx.DirtyPages()
	for _, id := range pageIDs {
		buf, ok := tx.Get(id)
		if !ok {
			continue
		}
		if _, err := e.wal.Append(id, buf); err != nil {
			e.abort(tx)
			return err
		}
	}
	if err := e.wal.Flush(); err != nil {
		e.abort(tx)
		return err
	}
	for _, id := range pageIDs {
		buf, _ := tx.Get(id)
		if err := e.writePage(id, buf); err != nil {
			e.abort(tx)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		e.abort(tx)
		return err
	}
	e.txns.Finish(tx)
	if e.metrics != nil {
		e.metrics.CommitSecs.Observe(time.Since(start).Seconds())
	}
	return nil
}

// writePage routes the header page (id 0) through the Pager's dedicated
// root-pointer accessor, which rewrites and fsyncs the header, and every
// other page through a plain WritePage.
func (e *Engine) writePage(id uint32, buf []byte) error {
	if id == 0 {
		return e.pager.SetRootPageID(btree.DecodeRootPageID(buf))
	}
	return e.pager.WritePage(id, buf)
}

func (e *Engine) abort(tx *txn.Txn) error {
	if err := tx.Rollback(); err != nil {
		return err
	}
	e.txns.Finish(tx)
	return nil
}

// Stats reports current tree shape.
func (e *Engine) Stats() (btree.Stats, error) {
	return e.tree.Stats()
}

// DumpTree renders the tree for the shell's `.dump` command.
func (e *Engine) DumpTree() (string, error) {
	return e.tree.DumpTree()
}

// Checkpoint flushes the Pager and truncates the WAL, discarding
// records that are now redundant with on-disk state.
func (e *Engine) Checkpoint() error {
	unlock, err := e.locks.Lock(context.Background(), dbLockKey, e.nextOwner())
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.pager.Sync(); err != nil {
		return err
	}
	return e.wal.Checkpoint()
}

// Close checkpoints (syncing the database file and truncating the WAL),
// then closes the WAL and the underlying database file. It refuses to
// close while a transaction is active.
func (e *Engine) Close() error {
	if e.txns.Active() != nil {
		return fmt.Errorf("%w: a transaction is still active", dberrors.ErrWriterBusy)
	}
	if err := e.Checkpoint(); err != nil {
		e.logger.Warn("checkpoint on close failed", zap.Error(err))
	}
	if err := e.wal.Close(); err != nil {
		e.logger.Warn("closing WAL failed", zap.Error(err))
	}
	return e.pager.Close()
}

// Path returns the database file path this Engine was opened with.
func (e *Engine) Path() string { return e.path }
