package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/btreedb/pkg/telemetry"
)

func openTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts.CreateIfMissing = true
	e, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetDelete(t *testing.T) {
	e := openTestEngine(t, Options{})

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	v, found, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	found, err = e.Delete([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = e.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

// TestPutDeleteRecordMetricsWhenEnabled checks that an Engine opened
// with metrics enabled still behaves correctly through Put/Delete's
// commit path, which now also records CommitSecs.
func TestPutDeleteRecordMetricsWhenEnabled(t *testing.T) {
	e := openTestEngine(t, Options{Metrics: telemetry.New(telemetry.Config{Enabled: true})})

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	v, found, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	found, err = e.Delete([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
}

func TestDeleteMissingKeyReturnsFalse(t *testing.T) {
	e := openTestEngine(t, Options{})
	found, err := e.Delete([]byte("nope"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestScanReturnsKeysInOrder(t *testing.T) {
	e := openTestEngine(t, Options{MaxLeafKeys: 3, MaxInternalKeys: 10})
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}

	c, err := e.Scan(nil, nil)
	require.NoError(t, err)
	k, _, ok := c.Current()
	require.True(t, ok)
	require.Equal(t, "a", string(k))
}

// TestScanRespectsExclusiveEndBound checks spec.md §4.4's half-open
// start <= key < end contract: a key equal to end must not be returned.
func TestScanRespectsExclusiveEndBound(t *testing.T) {
	e := openTestEngine(t, Options{MaxLeafKeys: 3, MaxInternalKeys: 10})
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}

	c, err := e.Scan([]byte("a"), []byte("c"))
	require.NoError(t, err)

	var got []string
	k, _, ok := c.Current()
	for ok {
		got = append(got, string(k))
		ok, err = c.Next()
		require.NoError(t, err)
		if ok {
			k, _, ok = c.Current()
		}
	}
	require.Equal(t, []string{"a", "b"}, got)
}

func TestExplicitTransactionCommit(t *testing.T) {
	e := openTestEngine(t, Options{})
	tx, err := e.Begin()
	require.NoError(t, err)

	require.NoError(t, e.tree.Insert([]byte("k"), []byte("v"), tx))
	require.NoError(t, e.CommitTxn(tx))

	v, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
}

func TestExplicitTransactionRollback(t *testing.T) {
	e := openTestEngine(t, Options{})
	tx, err := e.Begin()
	require.NoError(t, err)

	require.NoError(t, e.tree.Insert([]byte("k"), []byte("v"), tx))
	require.NoError(t, e.RollbackTxn(tx))

	_, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

// TestFailedCommitReleasesWriterRole exercises spec.md §7's "a failed
// commit rolls back the transaction before returning": a commit that
// fails partway through (here, writePage failing against a read-only
// Pager) must not leave the writer role permanently claimed.
func TestFailedCommitReleasesWriterRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	e, err := Open(path, Options{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Close())

	e2, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer e2.pager.Close()
	defer e2.wal.Close()

	err = e2.Put([]byte("b"), []byte("2"))
	require.Error(t, err)
	require.Nil(t, e2.txns.Active())

	_, err = e2.Begin()
	require.NoError(t, err)
}

func TestCloseRefusesWhileTransactionActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	e, err := Open(path, Options{CreateIfMissing: true})
	require.NoError(t, err)

	_, err = e.Begin()
	require.NoError(t, err)

	err = e.Close()
	require.Error(t, err)
}

// TestRecoveryReplaysUncommittedFlushedWAL simulates a crash between a
// WAL flush and its Pager apply by reopening an Engine whose commit was
// interrupted: re-running commit's WAL append/flush half without the
// Pager apply half, then opening fresh and confirming recovery applies
// it.
func TestRecoveryReplaysUncommittedFlushedWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.db")
	e, err := Open(path, Options{CreateIfMissing: true})
	require.NoError(t, err)

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.tree.Insert([]byte("k"), []byte("v"), tx))

	// Manually replicate the WAL half of commit, without applying to
	// the Pager, to simulate a crash after flush but before apply.
	for _, id := range tx.DirtyPages() {
		buf, ok := tx.Get(id)
		require.True(t, ok)
		_, err := e.wal.Append(id, buf)
		require.NoError(t, err)
	}
	require.NoError(t, e.wal.Flush())

	require.NoError(t, e.pager.Close())
	require.NoError(t, e.wal.Close())

	e2, err := Open(path, Options{})
	require.NoError(t, err)
	defer e2.Close()

	v, found, err := e2.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
}

func TestBackupAndVerify(t *testing.T) {
	e := openTestEngine(t, Options{})
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Checkpoint())

	dest := filepath.Join(t.TempDir(), "backup.db")
	info, err := e.Backup(dest, false, 0)
	require.NoError(t, err)
	require.NotEmpty(t, info.DBChecksum)

	verify, err := e.VerifyBackup(dest)
	require.NoError(t, err)
	require.Equal(t, info.DBChecksum, verify.DBChecksum)
	require.Equal(t, 1, verify.KeyCount)
}

func TestVerifyBackupDetectsTruncatedFile(t *testing.T) {
	e := openTestEngine(t, Options{})
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Checkpoint())

	dest := filepath.Join(t.TempDir(), "backup.db")
	_, err := e.Backup(dest, false, 0)
	require.NoError(t, err)

	require.NoError(t, os.Truncate(dest, 50))
	_, err = e.VerifyBackup(dest)
	require.Error(t, err)
}

func TestDatabaseManagerOpenCloseLifecycle(t *testing.T) {
	dir := t.TempDir()
	m := NewDatabaseManager()

	require.NoError(t, m.Open("primary", filepath.Join(dir, "primary.db"), Options{CreateIfMissing: true}))
	require.Error(t, m.Open("primary", filepath.Join(dir, "other.db"), Options{CreateIfMissing: true}))

	e, ok := m.Get("primary")
	require.True(t, ok)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))

	require.Equal(t, []string{"primary"}, m.Names())
	require.NoError(t, m.Close("primary"))
	require.False(t, m.IsOpen("primary"))
	require.Error(t, m.Close("primary"))
}

func TestDatabaseManagerCloseAll(t *testing.T) {
	dir := t.TempDir()
	m := NewDatabaseManager()
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("db%d", i)
		require.NoError(t, m.Open(name, filepath.Join(dir, name+".db"), Options{CreateIfMissing: true}))
	}
	require.NoError(t, m.CloseAll())
	require.Empty(t, m.Names())
}
