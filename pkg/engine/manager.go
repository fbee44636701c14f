package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sushant-115/btreedb/internal/dberrors"
)

// DatabaseManager tracks a set of open Engines by name, ported from
// original_source/manager.rs's DatabaseManager (there a
// HashMap<String, DatabaseHandle>), for host programs that keep more
// than one database open at once.
type DatabaseManager struct {
	mu  sync.Mutex
	dbs map[string]*Engine
}

// NewDatabaseManager returns an empty manager.
func NewDatabaseManager() *DatabaseManager {
	return &DatabaseManager{dbs: make(map[string]*Engine)}
}

// Open opens the database at path under name, failing if name is
// already open.
func (m *DatabaseManager) Open(name, path string, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.dbs[name]; exists {
		return fmt.Errorf("%w: database %q is already open", dberrors.ErrDatabaseAlreadyOpen, name)
	}
	e, err := Open(path, opts)
	if err != nil {
		return err
	}
	m.dbs[name] = e
	return nil
}

// Get returns the open Engine registered under name.
func (m *DatabaseManager) Get(name string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dbs[name]
	return e, ok
}

// IsOpen reports whether name is currently open.
func (m *DatabaseManager) IsOpen(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Names returns the currently open database names, sorted for
// deterministic output (e.g. a shell's `.databases` command).
func (m *DatabaseManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes and unregisters name.
func (m *DatabaseManager) Close(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dbs[name]
	if !ok {
		return fmt.Errorf("%w: %q", dberrors.ErrDatabaseNotOpen, name)
	}
	delete(m.dbs, name)
	return e.Close()
}

// CloseAll closes every open database, collecting (not short-circuiting
// on) the first error encountered per database.
func (m *DatabaseManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, e := range m.dbs {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %q: %w", name, err)
		}
		delete(m.dbs, name)
	}
	return firstErr
}
