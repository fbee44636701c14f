// Package dberrors collects the sentinel errors returned across the
// storage engine, in one place, the way flush_manager's db_error.go does
// for the teacher codebase.
package dberrors

import "errors"

var (
	// ErrCorruptPage covers magic mismatch, a decode overrun, a bad node
	// tag, or a backup that does not match its manifest. WAL replay does
	// not return it: replay stops at the first record whose crc32 fails.
	ErrCorruptPage = errors.New("corrupt page")

	// ErrNodeTooLarge is returned by the node codec when the encoded
	// node would exceed the page size; the caller must split first.
	ErrNodeTooLarge = errors.New("node too large for page")

	// ErrWalReplayFailed means applying a WAL record during recovery
	// failed; this is fatal to opening the engine.
	ErrWalReplayFailed = errors.New("wal replay failed")

	// ErrWriterBusy is returned by Begin when a writer is already active.
	ErrWriterBusy = errors.New("writer already active")

	// ErrTimeout is returned when a lock acquisition exceeds its deadline.
	ErrTimeout = errors.New("lock acquisition timed out")

	// ErrInvalidArgument covers empty keys and keys/values exceeding the
	// maximum encodable length.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSavepointNotFound is returned by RollbackTo for an unknown
	// savepoint name.
	ErrSavepointNotFound = errors.New("savepoint not found")

	// ErrInvalidatedCursor is returned by Cursor.Next when the tree's
	// structure version has advanced since the cursor was positioned.
	ErrInvalidatedCursor = errors.New("cursor invalidated by concurrent mutation")

	// ErrNoActiveTransaction is returned by Stage/Savepoint/RollbackTo/
	// Commit/Rollback on a transaction that has already committed or
	// rolled back, and by BTree.Insert/Delete when given no transaction.
	ErrNoActiveTransaction = errors.New("no active transaction")

	// ErrDatabaseNotOpen is returned by DatabaseManager operations on an
	// unknown or already-closed name.
	ErrDatabaseNotOpen = errors.New("database is not open")

	// ErrDatabaseAlreadyOpen is returned by DatabaseManager.Open for a
	// name that is already registered.
	ErrDatabaseAlreadyOpen = errors.New("database is already open")

	// ErrReadOnly is returned by the Pager's WritePage, AllocatePage and
	// SetRootPageID when it was opened with OpenOptions.ReadOnly, and so
	// by Engine.Put/Delete on a read-only engine.
	ErrReadOnly = errors.New("database opened read-only")
)
