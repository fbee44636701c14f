// Package pager owns the database file: fixed 4096-byte pages addressed
// by a numeric id, with page 0 reserved for the header. Allocation is
// size-derived (the next id is always file-length/PageSize, never an
// in-memory counter) so that reopening a file never forgets allocations
// that were already durable on disk.
package pager

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/btreedb/internal/dberrors"
)

var (
	errShortHeader = fmt.Errorf("%w: header shorter than %d bytes", dberrors.ErrCorruptPage, headerSize)
	errBadMagic    = fmt.Errorf("%w: bad magic", dberrors.ErrCorruptPage)
)

// OpenOptions mirrors original_source/manager.rs's DatabaseConfig: whether
// to create the file if missing, and whether to open read-only.
type OpenOptions struct {
	CreateIfMissing bool
	ReadOnly        bool
}

// Pager is the sole owner of the underlying *os.File. All reads and
// writes are offset = pageID * PageSize, matching the teacher's
// DiskManager.ReadPage/WritePage convention.
type Pager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	readOnly bool
	logger   *zap.Logger
}

// Open opens or creates the database file at path, validating (or
// writing) the page-0 header.
func Open(path string, opts OpenOptions, logger *zap.Logger) (*Pager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	_, statErr := os.Stat(path)
	notExist := errors.Is(statErr, os.ErrNotExist)

	var flag int
	if opts.ReadOnly {
		if notExist {
			return nil, fmt.Errorf("%w: %s", os.ErrNotExist, path)
		}
		flag = os.O_RDONLY
	} else {
		flag = os.O_RDWR
		if notExist {
			if !opts.CreateIfMissing {
				return nil, fmt.Errorf("%w: %s", os.ErrNotExist, path)
			}
			flag |= os.O_CREATE
		}
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening database file %s: %w", path, err)
	}

	p := &Pager{file: f, path: path, readOnly: opts.ReadOnly, logger: logger}

	if notExist {
		if err := p.writeHeaderLocked(header{rootPageID: InvalidPageID}); err != nil {
			f.Close()
			return nil, err
		}
		logger.Info("created new database file", zap.String("path", path))
		return p, nil
	}

	if _, err := p.readHeaderLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pager) readHeaderLocked() (header, error) {
	buf := make([]byte, PageSize)
	n, err := p.file.ReadAt(buf, 0)
	if err != nil && n < headerSize {
		return header{}, fmt.Errorf("reading header: %w", err)
	}
	return decodeHeader(buf)
}

func (p *Pager) writeHeaderLocked(h header) error {
	if p.readOnly {
		return dberrors.ErrReadOnly
	}
	if _, err := p.file.WriteAt(encodeHeader(h), 0); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return p.file.Sync()
}

// RootPageID returns the root page id recorded in the header, or
// InvalidPageID if the tree is empty.
func (p *Pager) RootPageID() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.readHeaderLocked()
	if err != nil {
		return 0, err
	}
	return h.rootPageID, nil
}

// SetRootPageID rewrites the header's root pointer. Called whenever the
// tree grows or shrinks a level.
func (p *Pager) SetRootPageID(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeHeaderLocked(header{rootPageID: id})
}

// ReadPage reads exactly PageSize bytes for id. A short read (including
// EOF on an id past the current file end) is CorruptPage, per spec.md
// §4.1 — the Pager here does not zero-fill past EOF the way
// original_source/pager.rs does, because this spec's allocation
// contract guarantees every live page id was already extended onto disk.
func (p *Pager) ReadPage(id uint32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, PageSize)
	offset := int64(id) * PageSize
	n, err := p.file.ReadAt(buf, offset)
	if err != nil || n != PageSize {
		return nil, fmt.Errorf("%w: short read for page %d: %v", dberrors.ErrCorruptPage, id, err)
	}
	return buf, nil
}

// WritePage writes buf (must be exactly PageSize) at id's offset. It does
// not fsync; durability is the caller's responsibility (WAL apply or
// explicit Sync), matching original_source/pager.rs's write_page.
func (p *Pager) WritePage(id uint32, buf []byte) error {
	if p.readOnly {
		return dberrors.ErrReadOnly
	}
	if len(buf) != PageSize {
		return fmt.Errorf("write_page: buffer is %d bytes, want %d", len(buf), PageSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	offset := int64(id) * PageSize
	if _, err := p.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("writing page %d: %w", id, err)
	}
	return nil
}

// AllocatePage extends the file by one page and returns its id. The id
// is derived from the current file size, not an in-memory counter, so
// that allocation is authoritative across reopen (spec.md §4.1).
func (p *Pager) AllocatePage() (uint32, error) {
	if p.readOnly {
		return 0, dberrors.ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fi, err := p.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}
	id := uint32(fi.Size() / PageSize)
	offset := int64(id) * PageSize
	if _, err := p.file.WriteAt(make([]byte, PageSize), offset); err != nil {
		return 0, fmt.Errorf("extending file for page %d: %w", id, err)
	}
	return id, nil
}

// PageCount returns the number of PageSize-sized pages currently in the
// file (including the header page).
func (p *Pager) PageCount() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fi, err := p.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}
	return uint32(fi.Size() / PageSize), nil
}

// Sync fsyncs the database file.
func (p *Pager) Sync() error {
	if p.readOnly {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Sync()
}

// Close syncs (if writable) and closes the underlying file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readOnly {
		if err := p.file.Sync(); err != nil {
			p.logger.Warn("sync on close failed", zap.Error(err))
		}
	}
	return p.file.Close()
}

// Path returns the file path this Pager was opened with.
func (p *Pager) Path() string { return p.path }
