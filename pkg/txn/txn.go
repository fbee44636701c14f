// Package txn implements transactions and savepoints from spec.md §4.6,
// ported directly from original_source/transaction.rs's
// Transaction/Savepoint/TransactionManager shape — the teacher's own
// core/transaction/transaction.go is built for distributed two-phase
// commit and does not generalize to this single-file embedded scope.
package txn

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sushant-115/btreedb/internal/dberrors"
)

// State is a transaction's lifecycle stage.
type State int

const (
	Active State = iota
	Committed
	RolledBack
)

// Savepoint marks a point within a transaction that RollbackTo can
// return to, recording how many dirty pages existed at the time and the
// content each of them held.
type Savepoint struct {
	Name       string
	dirtyCount int
	images     map[uint32][]byte
}

// Txn buffers dirty pages in memory until Commit flushes them
// through the WAL, matching spec.md §4.6's two-phase durability: nothing
// touches the Pager until the WAL record for it has been flushed.
type Txn struct {
	mu         sync.Mutex
	ID         string
	state      State
	dirty      map[uint32][]byte // pageID -> current content
	order      []uint32          // insertion order, for deterministic commit
	originals  map[uint32][]byte // pageID -> content as first observed
	savepoints []Savepoint
}

// Manager serializes transactions: spec.md excludes multi-writer
// concurrency, so only one Txn may be Active at a time.
type Manager struct {
	mu     sync.Mutex
	active *Txn
}

// NewManager returns an empty transaction manager.
func NewManager() *Manager {
	return &Manager{}
}

// Begin starts a new transaction, failing if one is already active.
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, fmt.Errorf("%w: transaction %s is still active", dberrors.ErrWriterBusy, m.active.ID)
	}
	t := &Txn{
		ID:        uuid.NewString(),
		state:     Active,
		dirty:     make(map[uint32][]byte),
		originals: make(map[uint32][]byte),
	}
	m.active = t
	return t, nil
}

// Active returns the currently active transaction, or nil.
func (m *Manager) Active() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) clear(t *Txn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == t {
		m.active = nil
	}
}

// Stage records pageID's new content as part of this transaction,
// remembering in originals the content the page held before this
// transaction first touched it.
func (t *Txn) Stage(pageID uint32, before, after []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fmt.Errorf("%w: transaction %s is not active", dberrors.ErrNoActiveTransaction, t.ID)
	}
	if _, seen := t.originals[pageID]; !seen {
		orig := make([]byte, len(before))
		copy(orig, before)
		t.originals[pageID] = orig
	}
	if _, exists := t.dirty[pageID]; !exists {
		t.order = append(t.order, pageID)
	}
	buf := make([]byte, len(after))
	copy(buf, after)
	t.dirty[pageID] = buf
	return nil
}

// Get returns the transaction-local content staged for pageID, if any.
func (t *Txn) Get(pageID uint32) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf, ok := t.dirty[pageID]
	return buf, ok
}

// DirtyPages returns the staged page ids in the order they were first
// touched, for Commit to flush through the WAL.
func (t *Txn) DirtyPages() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint32, len(t.order))
	copy(out, t.order)
	return out
}

// Savepoint records a named rollback point: the transaction's current
// dirty pages and the content each holds now.
func (t *Txn) Savepoint(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fmt.Errorf("%w: transaction %s is not active", dberrors.ErrNoActiveTransaction, t.ID)
	}
	images := make(map[uint32][]byte, len(t.dirty))
	for id, buf := range t.dirty {
		images[id] = buf
	}
	t.savepoints = append(t.savepoints, Savepoint{Name: name, dirtyCount: len(t.order), images: images})
	return nil
}

// RollbackTo undoes every page write made after the named savepoint was
// taken: pages first touched after it are dropped from the transaction,
// and pages already dirty at that point get back the content they held
// then.
func (t *Txn) RollbackTo(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fmt.Errorf("%w: transaction %s is not active", dberrors.ErrNoActiveTransaction, t.ID)
	}
	idx := -1
	for i, sp := range t.savepoints {
		if sp.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: %s", dberrors.ErrSavepointNotFound, name)
	}
	sp := t.savepoints[idx]
	for _, pageID := range t.order[sp.dirtyCount:] {
		delete(t.dirty, pageID)
	}
	for pageID, img := range sp.images {
		t.dirty[pageID] = img
	}
	t.order = t.order[:sp.dirtyCount]
	t.savepoints = t.savepoints[:idx+1]
	return nil
}

// Commit marks the transaction committed. The caller (engine.Engine) is
// responsible for flushing DirtyPages through the WAL and Pager before
// calling Commit, and must call Manager.clear via Finish afterward.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fmt.Errorf("%w: transaction %s is not active", dberrors.ErrNoActiveTransaction, t.ID)
	}
	t.state = Committed
	return nil
}

// Rollback discards every staged page and marks the transaction rolled
// back.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fmt.Errorf("%w: transaction %s is not active", dberrors.ErrNoActiveTransaction, t.ID)
	}
	t.dirty = make(map[uint32][]byte)
	t.order = nil
	t.state = RolledBack
	return nil
}

// Finish releases this transaction's claim on m, allowing Begin to
// succeed again. Call after Commit or Rollback.
func (m *Manager) Finish(t *Txn) {
	m.clear(t)
}

// State reports the transaction's current lifecycle stage.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
