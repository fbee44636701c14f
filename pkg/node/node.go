// Package node encodes and decodes B-Tree nodes to and from a single
// 4096-byte page. The wire format matches spec.md §3/§4.2 exactly:
// a tag byte, a uint32 key count, then either leaf entries
// (keylen|key|vallen|val, keys strictly ascending) or internal entries
// (n keys followed by n+1 child page ids). Length prefixes are uint32,
// matching original_source/node.rs, not the teacher's uint16 convention
// — spec.md's wire format is authoritative where the two disagree.
package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sushant-115/btreedb/internal/dberrors"
	"github.com/sushant-115/btreedb/pkg/pager"
)

// Bounds matching original_source/node.rs's corruption guards: these are
// sanity limits on any single encoded length, independent of the logical
// MaxLeafKeys/MaxInternalKeys tree-shape limits enforced by the btree
// package.
const (
	maxKeyLen   = pager.PageSize - 16
	maxValueLen = pager.PageSize - 16
	maxNumKeys  = 1000
)

const (
	tagLeaf     byte = 0
	tagInternal byte = 1
)

// Node is the in-memory representation of one page's worth of B-Tree
// data. Exactly one of the leaf/internal shapes is populated, selected
// by IsLeaf.
type Node struct {
	PageID uint32
	IsLeaf bool

	// Leaf fields: Keys[i] maps to Values[i], strictly ascending.
	Keys   [][]byte
	Values [][]byte

	// Internal fields: Keys has n entries, Children has n+1, such that
	// child i holds keys < Keys[i] and child i+1 holds keys >= Keys[i].
	Children []uint32
}

// Encode writes n into buf, which must be exactly pager.PageSize bytes.
// Returns ErrNodeTooLarge if the content does not fit; the caller must
// split the node before calling Encode again.
func Encode(n *Node, buf []byte) error {
	if len(buf) != pager.PageSize {
		return fmt.Errorf("encode: buffer is %d bytes, want %d", len(buf), pager.PageSize)
	}

	var out bytes.Buffer
	if n.IsLeaf {
		out.WriteByte(tagLeaf)
	} else {
		out.WriteByte(tagInternal)
	}

	numKeys := uint32(len(n.Keys))
	writeU32(&out, numKeys)

	if n.IsLeaf {
		for i, k := range n.Keys {
			writeU32(&out, uint32(len(k)))
			out.Write(k)
			v := n.Values[i]
			writeU32(&out, uint32(len(v)))
			out.Write(v)
		}
	} else {
		for _, k := range n.Keys {
			writeU32(&out, uint32(len(k)))
			out.Write(k)
		}
		for _, c := range n.Children {
			writeU32(&out, c)
		}
	}

	if out.Len() > len(buf) {
		return fmt.Errorf("%w: page %d needs %d bytes", dberrors.ErrNodeTooLarge, n.PageID, out.Len())
	}

	copy(buf, out.Bytes())
	for i := out.Len(); i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// Decode reconstructs a Node from buf, a page previously written by
// Encode. It fails with ErrCorruptPage on any bounds overrun, an invalid
// tag, or a key/value count beyond the sanity ceiling.
func Decode(buf []byte) (*Node, error) {
	if len(buf) != pager.PageSize {
		return nil, fmt.Errorf("decode: buffer is %d bytes, want %d", len(buf), pager.PageSize)
	}
	r := bytes.NewReader(buf)

	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reading tag: %v", dberrors.ErrCorruptPage, err)
	}
	if tag != tagLeaf && tag != tagInternal {
		return nil, fmt.Errorf("%w: invalid node tag %d", dberrors.ErrCorruptPage, tag)
	}

	numKeys, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key count: %v", dberrors.ErrCorruptPage, err)
	}
	if numKeys > maxNumKeys {
		return nil, fmt.Errorf("%w: key count %d exceeds sanity bound", dberrors.ErrCorruptPage, numKeys)
	}

	n := &Node{IsLeaf: tag == tagLeaf}

	if n.IsLeaf {
		n.Keys = make([][]byte, numKeys)
		n.Values = make([][]byte, numKeys)
		for i := uint32(0); i < numKeys; i++ {
			key, err := readBounded(r, maxKeyLen)
			if err != nil {
				return nil, fmt.Errorf("%w: key %d: %v", dberrors.ErrCorruptPage, i, err)
			}
			val, err := readBounded(r, maxValueLen)
			if err != nil {
				return nil, fmt.Errorf("%w: value %d: %v", dberrors.ErrCorruptPage, i, err)
			}
			n.Keys[i] = key
			n.Values[i] = val
		}
	} else {
		n.Keys = make([][]byte, numKeys)
		for i := uint32(0); i < numKeys; i++ {
			key, err := readBounded(r, maxKeyLen)
			if err != nil {
				return nil, fmt.Errorf("%w: key %d: %v", dberrors.ErrCorruptPage, i, err)
			}
			n.Keys[i] = key
		}
		n.Children = make([]uint32, numKeys+1)
		for i := range n.Children {
			c, err := readU32(r)
			if err != nil {
				return nil, fmt.Errorf("%w: child %d: %v", dberrors.ErrCorruptPage, i, err)
			}
			n.Children[i] = c
		}
	}

	return n, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readBounded(r *bytes.Reader, max int) ([]byte, error) {
	length, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if int(length) > max || int(length) > r.Len() {
		return nil, fmt.Errorf("length %d exceeds bound or remaining buffer", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
