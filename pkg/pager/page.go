package pager

import "encoding/binary"

// PageSize is the fixed size of every page, including the header page.
// spec.md places a configurable page size out of scope; this is a
// compile-time constant, not an Options field.
const PageSize = 4096

// headerSize is the number of meaningful bytes at the start of page 0;
// the rest of the page is reserved and zero.
const headerSize = 100

// magic is the 7-byte ASCII tag that must open every database file.
var magic = [7]byte{'B', 'T', 'R', 'E', 'E', 'D', 'B'}

// InvalidPageID marks "no page" (e.g. an empty tree's root pointer).
const InvalidPageID uint32 = 0

// header is the in-memory view of page 0.
//
//	offset 0..7    magic "BTREEDB"
//	offset 7..11   root page id (uint32 LE)
//	offset 11..100 reserved, zero
type header struct {
	rootPageID uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, PageSize)
	copy(buf[0:7], magic[:])
	binary.LittleEndian.PutUint32(buf[7:11], h.rootPageID)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, errShortHeader
	}
	if string(buf[0:7]) != string(magic[:]) {
		return h, errBadMagic
	}
	h.rootPageID = binary.LittleEndian.Uint32(buf[7:11])
	return h, nil
}
