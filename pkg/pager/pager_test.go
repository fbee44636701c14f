package pager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, OpenOptions{CreateIfMissing: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestOpenCreatesEmptyHeader(t *testing.T) {
	p := openTestPager(t)
	id, err := p.RootPageID()
	require.NoError(t, err)
	require.Equal(t, InvalidPageID, id)
}

func TestOpenMissingWithoutCreateFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, OpenOptions{CreateIfMissing: false}, nil)
	require.Error(t, err)
}

func TestSetAndGetRootPageID(t *testing.T) {
	p := openTestPager(t)
	require.NoError(t, p.SetRootPageID(7))
	id, err := p.RootPageID()
	require.NoError(t, err)
	require.Equal(t, uint32(7), id)
}

func TestAllocatePageIsSizeDerived(t *testing.T) {
	p := openTestPager(t)
	first, err := p.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, uint32(1), first) // page 0 is the header

	second, err := p.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, uint32(2), second)

	count, err := p.PageCount()
	require.NoError(t, err)
	require.Equal(t, uint32(3), count)
}

func TestWriteAndReadPageRoundTrip(t *testing.T) {
	p := openTestPager(t)
	id, err := p.AllocatePage()
	require.NoError(t, err)

	buf := make([]byte, PageSize)
	copy(buf, []byte("hello page"))
	require.NoError(t, p.WritePage(id, buf))

	got, err := p.ReadPage(id)
	require.NoError(t, err)
	require.Equal(t, buf, got)
}

func TestReadPageBeyondFileIsCorrupt(t *testing.T) {
	p := openTestPager(t)
	_, err := p.ReadPage(99)
	require.Error(t, err)
}

func TestReopenPreservesRootPointerAndAllocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	p, err := Open(path, OpenOptions{CreateIfMissing: true}, nil)
	require.NoError(t, err)
	id, err := p.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, p.SetRootPageID(id))
	require.NoError(t, p.Close())

	p2, err := Open(path, OpenOptions{}, nil)
	require.NoError(t, err)
	defer p2.Close()

	root, err := p2.RootPageID()
	require.NoError(t, err)
	require.Equal(t, id, root)

	next, err := p2.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, uint32(2), next)
}

func TestReadOnlyRejectsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	p, err := Open(path, OpenOptions{CreateIfMissing: true}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	ro, err := Open(path, OpenOptions{ReadOnly: true}, nil)
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.AllocatePage()
	require.Error(t, err)
	require.Error(t, ro.SetRootPageID(3))
}
