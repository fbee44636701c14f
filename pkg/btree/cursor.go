package btree

import (
	"bytes"

	"github.com/sushant-115/btreedb/internal/dberrors"
	"github.com/sushant-115/btreedb/pkg/pager"
)

// frame is one level of a cursor's path: the page visited, and the
// index within it the cursor is currently positioned at (a key index
// for a leaf frame, a child index for an internal frame).
type frame struct {
	pageID uint32
	idx    int
}

// Cursor walks committed tree state in key order, following the path
// stack discipline of original_source/cursor.rs: seek/seek_first/next
// all operate over an explicit stack of (page, index) frames rather
// than recursive descent.
type Cursor struct {
	t       *BTree
	stack   []frame
	version uint64
	valid   bool
	end     []byte // exclusive upper bound; empty means unbounded
}

// NewCursor returns a Cursor with no position; call SeekFirst or Seek
// before Current/Next.
func (t *BTree) NewCursor() *Cursor {
	return &Cursor{t: t}
}

// SetUpperBound restricts Current to keys < end (exclusive), per
// spec.md §4.4's half-open scan range. An empty end removes the bound.
func (c *Cursor) SetUpperBound(end []byte) {
	c.end = end
}

// SeekFirst positions the cursor at the smallest key in the tree.
func (c *Cursor) SeekFirst() (bool, error) {
	rootID, err := c.t.pager.RootPageID()
	if err != nil {
		return false, err
	}
	c.stack = c.stack[:0]
	c.valid = false
	if rootID == pager.InvalidPageID {
		return false, nil
	}

	id := rootID
	for {
		n, err := c.t.decodeCommitted(id)
		if err != nil {
			return false, err
		}
		c.stack = append(c.stack, frame{pageID: id, idx: 0})
		if n.IsLeaf {
			if len(n.Keys) == 0 {
				return false, nil
			}
			c.version = c.t.version
			c.valid = true
			return true, nil
		}
		id = n.Children[0]
	}
}

// Seek positions the cursor at the smallest key >= key.
func (c *Cursor) Seek(key []byte) (bool, error) {
	rootID, err := c.t.pager.RootPageID()
	if err != nil {
		return false, err
	}
	c.stack = c.stack[:0]
	c.valid = false
	if rootID == pager.InvalidPageID {
		return false, nil
	}

	id := rootID
	for {
		n, err := c.t.decodeCommitted(id)
		if err != nil {
			return false, err
		}
		if n.IsLeaf {
			pos, _ := searchLeaf(n, key)
			c.stack = append(c.stack, frame{pageID: id, idx: pos})
			c.version = c.t.version
			c.valid = true
			if pos >= len(n.Keys) {
				// Every key in this leaf is < key; continue into the next leaf.
				c.stack[len(c.stack)-1].idx = len(n.Keys) - 1
				return c.Next()
			}
			return true, nil
		}
		idx := childIndexFor(n, key)
		c.stack = append(c.stack, frame{pageID: id, idx: idx})
		id = n.Children[idx]
	}
}

// Next advances to the next key in order, returning false once the
// cursor passes the last key.
func (c *Cursor) Next() (bool, error) {
	if !c.valid {
		return false, dberrors.ErrInvalidatedCursor
	}
	if c.version != c.t.version {
		c.valid = false
		return false, dberrors.ErrInvalidatedCursor
	}

	top := len(c.stack) - 1
	c.stack[top].idx++
	leaf, err := c.t.decodeCommitted(c.stack[top].pageID)
	if err != nil {
		return false, err
	}
	if c.stack[top].idx < len(leaf.Keys) {
		return true, nil
	}

	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		parentIdx := len(c.stack) - 1
		c.stack[parentIdx].idx++
		parent, err := c.t.decodeCommitted(c.stack[parentIdx].pageID)
		if err != nil {
			return false, err
		}
		if c.stack[parentIdx].idx >= len(parent.Children) {
			continue
		}
		id := parent.Children[c.stack[parentIdx].idx]
		for {
			n, err := c.t.decodeCommitted(id)
			if err != nil {
				return false, err
			}
			c.stack = append(c.stack, frame{pageID: id, idx: 0})
			if n.IsLeaf {
				if len(n.Keys) == 0 {
					c.valid = false
					return false, nil
				}
				return true, nil
			}
			id = n.Children[0]
		}
	}

	c.valid = false
	return false, nil
}

// Current returns the key/value at the cursor's position, or
// ok == false if the cursor is not positioned on an entry, or the
// entry's key has reached the cursor's upper bound (see SetUpperBound).
func (c *Cursor) Current() (key, value []byte, ok bool) {
	if !c.valid || c.version != c.t.version || len(c.stack) == 0 {
		return nil, nil, false
	}
	top := c.stack[len(c.stack)-1]
	n, err := c.t.decodeCommitted(top.pageID)
	if err != nil || top.idx >= len(n.Keys) {
		return nil, nil, false
	}
	k := n.Keys[top.idx]
	if len(c.end) > 0 && bytes.Compare(k, c.end) >= 0 {
		return nil, nil, false
	}
	return k, n.Values[top.idx], true
}
