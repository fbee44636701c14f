// Package btree implements the B-Tree index from spec.md §4.3: search,
// insert with recursive split, and delete with borrow/merge rebalancing.
// Split and merge propagation is expressed as an explicit path stack
// rather than language recursion, per spec.md's REDESIGN FLAGS, so stack
// usage stays bounded and rollback (handled entirely by the caller's
// txn.Txn) stays straightforward. Adapted from the walk/split shape of
// core/indexing/btree/btree.go; delete/rebalance has no counterpart in
// that file or in original_source/btree.rs (neither implements delete)
// and is built fresh from spec.md §4.3's literal borrow/merge rules.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sushant-115/btreedb/internal/dberrors"
	"github.com/sushant-115/btreedb/pkg/node"
	"github.com/sushant-115/btreedb/pkg/pager"
	"github.com/sushant-115/btreedb/pkg/telemetry"
	"github.com/sushant-115/btreedb/pkg/txn"
)

// Default occupancy limits from spec.md §3: three leaf records of about
// 1 KiB each fit in one 4096-byte page. The tree does not cap key or
// value length, so a leaf whose records do not fit fails to encode with
// ErrNodeTooLarge. The internal fanout of 10 keeps trees shallow.
const (
	DefaultMaxLeafKeys     = 3
	DefaultMaxInternalKeys = 10
)

// Options configures a BTree's node occupancy limits. Metrics is
// optional; when set, Insert/Delete record split/merge/borrow counts
// against it (§2.2 of SPEC_FULL.md).
type Options struct {
	MaxLeafKeys     int
	MaxInternalKeys int
	Metrics         *telemetry.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxLeafKeys <= 0 {
		o.MaxLeafKeys = DefaultMaxLeafKeys
	}
	if o.MaxInternalKeys <= 0 {
		o.MaxInternalKeys = DefaultMaxInternalKeys
	}
	return o
}

// Stats summarizes tree shape, used by the shell's `.stats` command and
// by spec.md §8's balance property tests.
type Stats struct {
	Keys          int
	TreeHeight    int
	LeafNodes     int
	InternalNodes int
}

// BTree is the index over a single Pager. All structural mutation goes
// through a txn.Txn, which buffers dirty pages until the caller commits
// them; BTree never writes to the Pager directly.
type BTree struct {
	pager   *pager.Pager
	opts    Options
	version uint64 // bumped on every successful Insert/Delete; see Cursor
}

// New returns a BTree reading and writing pages through pager.
func New(p *pager.Pager, opts Options) *BTree {
	return &BTree{pager: p, opts: opts.withDefaults()}
}

// Version returns the current structure-version stamp, used by Cursor
// to detect a concurrent mutation invalidating its position.
func (t *BTree) Version() uint64 { return t.version }

func (t *BTree) bumpVersion() { t.version++ }

func (t *BTree) incSplits() {
	if t.opts.Metrics != nil {
		t.opts.Metrics.NodeSplits.Inc()
	}
}

func (t *BTree) incMerges() {
	if t.opts.Metrics != nil {
		t.opts.Metrics.NodeMerges.Inc()
	}
}

func (t *BTree) incBorrows() {
	if t.opts.Metrics != nil {
		t.opts.Metrics.NodeBorrows.Inc()
	}
}

// Search looks up key against the last committed tree state; it never
// observes an in-flight transaction's uncommitted writes.
func (t *BTree) Search(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, dberrors.ErrInvalidArgument
	}
	rootID, err := t.pager.RootPageID()
	if err != nil {
		return nil, false, err
	}
	if rootID == pager.InvalidPageID {
		return nil, false, nil
	}

	id := rootID
	for {
		n, err := t.decodeCommitted(id)
		if err != nil {
			return nil, false, err
		}
		if n.IsLeaf {
			pos, found := searchLeaf(n, key)
			if !found {
				return nil, false, nil
			}
			return append([]byte(nil), n.Values[pos]...), true, nil
		}
		id = n.Children[childIndexFor(n, key)]
	}
}

func (t *BTree) decodeCommitted(id uint32) (*node.Node, error) {
	buf, err := t.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}
	n, err := node.Decode(buf)
	if err != nil {
		return nil, err
	}
	n.PageID = id
	return n, nil
}

// Insert stages the upsert of key/value into tx. tx must later be
// committed by the caller (engine.Engine) for the change to become
// durable.
func (t *BTree) Insert(key, value []byte, tx *txn.Txn) error {
	if tx == nil {
		return dberrors.ErrNoActiveTransaction
	}
	if len(key) == 0 || len(value) == 0 {
		return dberrors.ErrInvalidArgument
	}

	if err := t.ensureRoot(tx); err != nil {
		return err
	}

	pageIDs, nodes, childIdxs, err := t.descend(tx, key)
	if err != nil {
		return err
	}
	leafIdx := len(nodes) - 1
	leaf := nodes[leafIdx]

	pos, found := searchLeaf(leaf, key)
	if found {
		leaf.Values[pos] = append([]byte(nil), value...)
	} else {
		insertLeafAt(leaf, pos, key, value)
	}
	if len(leaf.Keys) <= t.opts.MaxLeafKeys {
		if err := t.writeNode(tx, pageIDs[leafIdx], leaf); err != nil {
			return err
		}
		t.bumpVersion()
		return nil
	}

	rightID, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}
	right := splitLeaf(leaf, rightID)
	t.incSplits()
	if err := t.writeNode(tx, pageIDs[leafIdx], leaf); err != nil {
		return err
	}
	if err := t.writeNode(tx, rightID, right); err != nil {
		return err
	}
	separator := append([]byte(nil), right.Keys[0]...)
	childID := rightID

	for i := leafIdx - 1; i >= 0; i-- {
		parent := nodes[i]
		insertSeparator(parent, childIdxs[i], separator, childID)
		if err := t.writeNode(tx, pageIDs[i], parent); err != nil {
			return err
		}
		if len(parent.Keys) <= t.opts.MaxInternalKeys {
			t.bumpVersion()
			return nil
		}

		newRightID, err := t.pager.AllocatePage()
		if err != nil {
			return err
		}
		rightNode, promoted := splitInternal(parent, newRightID)
		t.incSplits()
		if err := t.writeNode(tx, pageIDs[i], parent); err != nil {
			return err
		}
		if err := t.writeNode(tx, newRightID, rightNode); err != nil {
			return err
		}
		separator = promoted
		childID = newRightID
	}

	// The root split; grow the tree by one level.
	newRootID, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}
	newRoot := &node.Node{
		PageID:   newRootID,
		IsLeaf:   false,
		Keys:     [][]byte{separator},
		Children: []uint32{pageIDs[0], childID},
	}
	if err := t.writeNode(tx, newRootID, newRoot); err != nil {
		return err
	}
	if err := t.setRoot(tx, newRootID); err != nil {
		return err
	}
	t.bumpVersion()
	return nil
}

// Delete stages the removal of key from tx, returning whether key was
// present. See Insert for transaction semantics.
func (t *BTree) Delete(key []byte, tx *txn.Txn) (bool, error) {
	if tx == nil {
		return false, dberrors.ErrNoActiveTransaction
	}
	if len(key) == 0 {
		return false, dberrors.ErrInvalidArgument
	}

	rootID, err := t.currentRoot(tx)
	if err != nil {
		return false, err
	}
	if rootID == pager.InvalidPageID {
		return false, nil
	}

	pageIDs, nodes, childIdxs, err := t.descend(tx, key)
	if err != nil {
		return false, err
	}
	leafIdx := len(nodes) - 1
	leaf := nodes[leafIdx]

	pos, found := searchLeaf(leaf, key)
	if !found {
		return false, nil
	}
	removeAt(leaf, pos)
	if err := t.writeNode(tx, pageIDs[leafIdx], leaf); err != nil {
		return false, err
	}

	for i := leafIdx; i >= 0; i-- {
		n := nodes[i]
		if i == 0 {
			if n.IsLeaf {
				if len(n.Keys) == 0 {
					if err := t.setRoot(tx, pager.InvalidPageID); err != nil {
						return false, err
					}
				}
			} else if len(n.Keys) == 0 {
				if err := t.setRoot(tx, n.Children[0]); err != nil {
					return false, err
				}
			}
			break
		}

		maxKeys := t.opts.MaxLeafKeys
		if !n.IsLeaf {
			maxKeys = t.opts.MaxInternalKeys
		}
		if len(n.Keys) >= ceilDiv(maxKeys, 2) {
			break
		}

		parent := nodes[i-1]
		childIdx := childIdxs[i-1]
		if err := t.rebalance(tx, parent, pageIDs[i-1], n, pageIDs[i], childIdx); err != nil {
			return false, err
		}
	}

	t.bumpVersion()
	return true, nil
}

func (t *BTree) rebalance(tx *txn.Txn, parent *node.Node, parentID uint32, child *node.Node, childID uint32, childIdx int) error {
	maxKeys := t.opts.MaxLeafKeys
	if !child.IsLeaf {
		maxKeys = t.opts.MaxInternalKeys
	}
	minKeys := ceilDiv(maxKeys, 2)

	if childIdx > 0 {
		leftID := parent.Children[childIdx-1]
		left, err := t.readNode(tx, leftID)
		if err != nil {
			return err
		}
		if len(left.Keys) > minKeys {
			borrowFromLeft(parent, childIdx-1, left, child)
			t.incBorrows()
			if err := t.writeNode(tx, leftID, left); err != nil {
				return err
			}
			if err := t.writeNode(tx, childID, child); err != nil {
				return err
			}
			return t.writeNode(tx, parentID, parent)
		}
	}

	if childIdx < len(parent.Children)-1 {
		rightID := parent.Children[childIdx+1]
		right, err := t.readNode(tx, rightID)
		if err != nil {
			return err
		}
		if len(right.Keys) > minKeys {
			borrowFromRight(parent, childIdx, child, right)
			t.incBorrows()
			if err := t.writeNode(tx, childID, child); err != nil {
				return err
			}
			if err := t.writeNode(tx, rightID, right); err != nil {
				return err
			}
			return t.writeNode(tx, parentID, parent)
		}
	}

	// No sibling has spare entries; merge. Prefer merging into the left
	// sibling for the same determinism reason borrow prefers it.
	if childIdx > 0 {
		leftID := parent.Children[childIdx-1]
		left, err := t.readNode(tx, leftID)
		if err != nil {
			return err
		}
		mergeInto(parent, childIdx-1, left, child)
		t.incMerges()
		if err := t.writeNode(tx, leftID, left); err != nil {
			return err
		}
		return t.writeNode(tx, parentID, parent)
		// childID's page is now unreferenced; it is not reclaimed, matching
		// the rollback-retains-pages decision applied uniformly to merges.
	}

	rightID := parent.Children[childIdx+1]
	right, err := t.readNode(tx, rightID)
	if err != nil {
		return err
	}
	mergeInto(parent, childIdx, child, right)
	t.incMerges()
	if err := t.writeNode(tx, childID, child); err != nil {
		return err
	}
	return t.writeNode(tx, parentID, parent)
}

// ensureRoot allocates an empty root leaf the first time a tree is
// written to.
func (t *BTree) ensureRoot(tx *txn.Txn) error {
	rootID, err := t.currentRoot(tx)
	if err != nil {
		return err
	}
	if rootID != pager.InvalidPageID {
		return nil
	}
	id, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}
	leaf := &node.Node{PageID: id, IsLeaf: true}
	if err := t.writeNode(tx, id, leaf); err != nil {
		return err
	}
	return t.setRoot(tx, id)
}

// descend walks from the root to the leaf for key, returning every page
// id and decoded node on the path along with, for each non-leaf level,
// the child index chosen to reach the next level down.
func (t *BTree) descend(tx *txn.Txn, key []byte) ([]uint32, []*node.Node, []int, error) {
	rootID, err := t.currentRoot(tx)
	if err != nil {
		return nil, nil, nil, err
	}
	if rootID == pager.InvalidPageID {
		return nil, nil, nil, fmt.Errorf("%w: tree is empty", dberrors.ErrInvalidArgument)
	}

	var pageIDs []uint32
	var nodes []*node.Node
	var childIdxs []int
	id := rootID
	for {
		n, err := t.readNode(tx, id)
		if err != nil {
			return nil, nil, nil, err
		}
		pageIDs = append(pageIDs, id)
		nodes = append(nodes, n)
		if n.IsLeaf {
			return pageIDs, nodes, childIdxs, nil
		}
		idx := childIndexFor(n, key)
		childIdxs = append(childIdxs, idx)
		id = n.Children[idx]
	}
}

func (t *BTree) currentRoot(tx *txn.Txn) (uint32, error) {
	if buf, ok := tx.Get(pager.InvalidPageID); ok {
		return DecodeRootPageID(buf), nil
	}
	return t.pager.RootPageID()
}

func (t *BTree) readNode(tx *txn.Txn, id uint32) (*node.Node, error) {
	if buf, ok := tx.Get(id); ok {
		n, err := node.Decode(buf)
		if err != nil {
			return nil, err
		}
		n.PageID = id
		return n, nil
	}
	return t.decodeCommitted(id)
}

func (t *BTree) writeNode(tx *txn.Txn, id uint32, n *node.Node) error {
	buf := make([]byte, pager.PageSize)
	if err := node.Encode(n, buf); err != nil {
		return err
	}
	before, err := t.readPageForStage(tx, id)
	if err != nil {
		return err
	}
	return tx.Stage(id, before, buf)
}

// setRoot stages a rewrite of the header page (page 0) with a new root
// pointer, so it commits and rolls back exactly like any other page.
func (t *BTree) setRoot(tx *txn.Txn, id uint32) error {
	before, err := t.readPageForStage(tx, pager.InvalidPageID)
	if err != nil {
		return err
	}
	after := append([]byte(nil), before...)
	encodeRootIntoHeaderPage(after, id)
	return tx.Stage(pager.InvalidPageID, before, after)
}

func (t *BTree) readPageForStage(tx *txn.Txn, id uint32) ([]byte, error) {
	if buf, ok := tx.Get(id); ok {
		return buf, nil
	}
	return t.pager.ReadPage(id)
}

// --- leaf/internal node mechanics ---

func searchLeaf(n *node.Node, key []byte) (pos int, found bool) {
	pos = sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) >= 0 })
	if pos < len(n.Keys) && bytes.Equal(n.Keys[pos], key) {
		return pos, true
	}
	return pos, false
}

// childIndexFor returns the index of the child to descend into: child i
// holds keys < Keys[i], child i+1 holds keys >= Keys[i].
func childIndexFor(n *node.Node, key []byte) int {
	return sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(key, n.Keys[i]) < 0 })
}

func insertLeafAt(n *node.Node, pos int, key, value []byte) {
	n.Keys = append(n.Keys, nil)
	copy(n.Keys[pos+1:], n.Keys[pos:])
	n.Keys[pos] = append([]byte(nil), key...)

	n.Values = append(n.Values, nil)
	copy(n.Values[pos+1:], n.Values[pos:])
	n.Values[pos] = append([]byte(nil), value...)
}

func removeAt(n *node.Node, pos int) {
	n.Keys = append(n.Keys[:pos], n.Keys[pos+1:]...)
	if n.IsLeaf {
		n.Values = append(n.Values[:pos], n.Values[pos+1:]...)
	}
}

// splitLeaf splits an overflowed leaf (MaxLeafKeys+1 entries) in place:
// left keeps the lower half, right (a fresh page) takes the rest.
func splitLeaf(left *node.Node, rightID uint32) *node.Node {
	m := len(left.Keys) / 2
	right := &node.Node{
		PageID: rightID,
		IsLeaf: true,
		Keys:   append([][]byte(nil), left.Keys[m:]...),
		Values: append([][]byte(nil), left.Values[m:]...),
	}
	left.Keys = append([][]byte(nil), left.Keys[:m]...)
	left.Values = append([][]byte(nil), left.Values[:m]...)
	return right
}

// splitInternal splits an overflowed internal node (MaxInternalKeys+1
// keys, +2 children) in place, returning the new right sibling and the
// separator promoted to the parent (which keeps neither side).
func splitInternal(left *node.Node, rightID uint32) (*node.Node, []byte) {
	m := len(left.Keys) / 2
	promoted := append([]byte(nil), left.Keys[m]...)
	right := &node.Node{
		PageID:   rightID,
		IsLeaf:   false,
		Keys:     append([][]byte(nil), left.Keys[m+1:]...),
		Children: append([]uint32(nil), left.Children[m+1:]...),
	}
	left.Keys = append([][]byte(nil), left.Keys[:m]...)
	left.Children = append([]uint32(nil), left.Children[:m+1]...)
	return right, promoted
}

// insertSeparator inserts (separator, rightChildID) into parent
// immediately after the child slot the split node occupies.
func insertSeparator(parent *node.Node, childIdx int, separator []byte, rightChildID uint32) {
	parent.Keys = append(parent.Keys, nil)
	copy(parent.Keys[childIdx+1:], parent.Keys[childIdx:])
	parent.Keys[childIdx] = separator

	parent.Children = append(parent.Children, 0)
	copy(parent.Children[childIdx+2:], parent.Children[childIdx+1:])
	parent.Children[childIdx+1] = rightChildID
}

// borrowFromLeft moves one entry from left into the front of child,
// rotating the parent separator at sepIdx through the internal case.
func borrowFromLeft(parent *node.Node, sepIdx int, left, child *node.Node) {
	if child.IsLeaf {
		last := len(left.Keys) - 1
		k, v := left.Keys[last], left.Values[last]
		left.Keys = left.Keys[:last]
		left.Values = left.Values[:last]

		child.Keys = append([][]byte{k}, child.Keys...)
		child.Values = append([][]byte{v}, child.Values...)
		parent.Keys[sepIdx] = append([]byte(nil), child.Keys[0]...)
		return
	}

	last := len(left.Keys) - 1
	lastKey := left.Keys[last]
	lastChild := left.Children[len(left.Children)-1]
	left.Keys = left.Keys[:last]
	left.Children = left.Children[:len(left.Children)-1]

	child.Keys = append([][]byte{append([]byte(nil), parent.Keys[sepIdx]...)}, child.Keys...)
	child.Children = append([]uint32{lastChild}, child.Children...)
	parent.Keys[sepIdx] = append([]byte(nil), lastKey...)
}

// borrowFromRight is borrowFromLeft's mirror image.
func borrowFromRight(parent *node.Node, sepIdx int, child, right *node.Node) {
	if child.IsLeaf {
		k, v := right.Keys[0], right.Values[0]
		right.Keys = right.Keys[1:]
		right.Values = right.Values[1:]

		child.Keys = append(child.Keys, k)
		child.Values = append(child.Values, v)
		parent.Keys[sepIdx] = append([]byte(nil), right.Keys[0]...)
		return
	}

	firstKey := right.Keys[0]
	firstChild := right.Children[0]
	right.Keys = right.Keys[1:]
	right.Children = right.Children[1:]

	child.Keys = append(child.Keys, append([]byte(nil), parent.Keys[sepIdx]...))
	child.Children = append(child.Children, firstChild)
	parent.Keys[sepIdx] = append([]byte(nil), firstKey...)
}

// mergeInto absorbs right (and, for internal nodes, the separator
// between them) into left, then removes that separator and right's
// child slot from parent.
func mergeInto(parent *node.Node, leftIdx int, left, right *node.Node) {
	if left.IsLeaf {
		left.Keys = append(left.Keys, right.Keys...)
		left.Values = append(left.Values, right.Values...)
	} else {
		left.Keys = append(left.Keys, parent.Keys[leftIdx])
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
	}
	parent.Keys = append(parent.Keys[:leftIdx], parent.Keys[leftIdx+1:]...)
	parent.Children = append(parent.Children[:leftIdx+1], parent.Children[leftIdx+2:]...)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// DecodeRootPageID and encodeRootIntoHeaderPage read and write just the
// root-id field of a raw header page buffer, mirroring the layout
// pager's header codec uses internally. DecodeRootPageID is exported so
// engine.Engine can apply a staged header-page write through
// pager.SetRootPageID.
func DecodeRootPageID(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[7:11])
}

func encodeRootIntoHeaderPage(buf []byte, id uint32) {
	binary.LittleEndian.PutUint32(buf[7:11], id)
}
