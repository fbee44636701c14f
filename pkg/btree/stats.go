package btree

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/btreedb/pkg/pager"
)

// Stats walks the whole tree, fanning concurrent subtree walks out
// through errgroup since sibling subtrees share no mutable state once
// committed — grounded on the fan-out-and-join shape the teacher uses
// for buffer-pool background work, applied here to a read-only walk.
func (t *BTree) Stats() (Stats, error) {
	rootID, err := t.pager.RootPageID()
	if err != nil {
		return Stats{}, err
	}
	if rootID == pager.InvalidPageID {
		return Stats{}, nil
	}

	var mu sync.Mutex
	var st Stats

	var walk func(ctx context.Context, id uint32, depth int) error
	walk = func(ctx context.Context, id uint32, depth int) error {
		n, err := t.decodeCommitted(id)
		if err != nil {
			return err
		}

		mu.Lock()
		if n.IsLeaf {
			st.Keys += len(n.Keys)
			st.LeafNodes++
		} else {
			st.InternalNodes++
		}
		if depth+1 > st.TreeHeight {
			st.TreeHeight = depth + 1
		}
		mu.Unlock()

		if n.IsLeaf {
			return nil
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, child := range n.Children {
			child := child
			g.Go(func() error { return walk(gctx, child, depth+1) })
		}
		return g.Wait()
	}

	if err := walk(context.Background(), rootID, 0); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// DumpTree renders the tree as an indented outline for the shell's
// `.dump` command. Traversal order matters for readability, so this
// walks sequentially rather than fanning out like Stats.
func (t *BTree) DumpTree() (string, error) {
	rootID, err := t.pager.RootPageID()
	if err != nil {
		return "", err
	}
	if rootID == pager.InvalidPageID {
		return "(empty)\n", nil
	}

	var b strings.Builder
	var walk func(id uint32, depth int) error
	walk = func(id uint32, depth int) error {
		n, err := t.decodeCommitted(id)
		if err != nil {
			return err
		}
		indent := strings.Repeat("  ", depth)
		if n.IsLeaf {
			fmt.Fprintf(&b, "%sleaf(page=%d) keys=%d\n", indent, id, len(n.Keys))
			for _, k := range n.Keys {
				fmt.Fprintf(&b, "%s  %q\n", indent, k)
			}
			return nil
		}
		fmt.Fprintf(&b, "%sinternal(page=%d) keys=%d\n", indent, id, len(n.Keys))
		for i, child := range n.Children {
			if i > 0 {
				fmt.Fprintf(&b, "%s  -- sep %q --\n", indent, n.Keys[i-1])
			}
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rootID, 0); err != nil {
		return "", err
	}
	return b.String(), nil
}
