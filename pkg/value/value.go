// Package value implements the typed-value wire format and shell-facing
// parse/display helpers from spec.md §3 and §6, ported from
// original_source/value.rs (the closest 1:1 grounding in the pack — the
// teacher's btree is untyped string-to-string).
package value

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sushant-115/btreedb/internal/dberrors"
)

// Kind tags the payload that follows in the wire format.
type Kind byte

const (
	KindString Kind = iota
	KindInteger
	KindFloat
	KindBinary
	KindNull
)

// Value is a typed value that can be stored as a BTree leaf payload.
type Value struct {
	Kind    Kind
	Str     string
	Int     int64
	Float   float64
	Binary  []byte
}

func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Integer(i int64) Value  { return Value{Kind: KindInteger, Int: i} }
func Float(f float64) Value  { return Value{Kind: KindFloat, Float: f} }
func Bytes(b []byte) Value   { return Value{Kind: KindBinary, Binary: b} }
func Null() Value            { return Value{Kind: KindNull} }

// Encode serializes v as: tag(u8) | payload, matching
// original_source/value.rs's Value::serialize.
func Encode(v Value) []byte {
	switch v.Kind {
	case KindString:
		b := []byte(v.Str)
		out := make([]byte, 5+len(b))
		out[0] = byte(KindString)
		binary.LittleEndian.PutUint32(out[1:5], uint32(len(b)))
		copy(out[5:], b)
		return out
	case KindInteger:
		out := make([]byte, 9)
		out[0] = byte(KindInteger)
		binary.LittleEndian.PutUint64(out[1:9], uint64(v.Int))
		return out
	case KindFloat:
		out := make([]byte, 9)
		out[0] = byte(KindFloat)
		binary.LittleEndian.PutUint64(out[1:9], math.Float64bits(v.Float))
		return out
	case KindBinary:
		out := make([]byte, 5+len(v.Binary))
		out[0] = byte(KindBinary)
		binary.LittleEndian.PutUint32(out[1:5], uint32(len(v.Binary)))
		copy(out[5:], v.Binary)
		return out
	default: // KindNull
		return []byte{byte(KindNull)}
	}
}

// Decode reverses Encode.
func Decode(buf []byte) (Value, error) {
	if len(buf) < 1 {
		return Value{}, fmt.Errorf("%w: empty value buffer", dberrors.ErrCorruptPage)
	}
	kind := Kind(buf[0])
	rest := buf[1:]

	switch kind {
	case KindString:
		if len(rest) < 4 {
			return Value{}, fmt.Errorf("%w: truncated string length", dberrors.ErrCorruptPage)
		}
		n := binary.LittleEndian.Uint32(rest[:4])
		if uint32(len(rest)-4) < n {
			return Value{}, fmt.Errorf("%w: truncated string payload", dberrors.ErrCorruptPage)
		}
		return String(string(rest[4 : 4+n])), nil
	case KindInteger:
		if len(rest) < 8 {
			return Value{}, fmt.Errorf("%w: truncated integer", dberrors.ErrCorruptPage)
		}
		return Integer(int64(binary.LittleEndian.Uint64(rest[:8]))), nil
	case KindFloat:
		if len(rest) < 8 {
			return Value{}, fmt.Errorf("%w: truncated float", dberrors.ErrCorruptPage)
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(rest[:8]))), nil
	case KindBinary:
		if len(rest) < 4 {
			return Value{}, fmt.Errorf("%w: truncated binary length", dberrors.ErrCorruptPage)
		}
		n := binary.LittleEndian.Uint32(rest[:4])
		if uint32(len(rest)-4) < n {
			return Value{}, fmt.Errorf("%w: truncated binary payload", dberrors.ErrCorruptPage)
		}
		b := make([]byte, n)
		copy(b, rest[4:4+n])
		return Bytes(b), nil
	case KindNull:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("%w: invalid value tag %d", dberrors.ErrCorruptPage, kind)
	}
}

// Parse implements spec.md §6's typed-input grammar: `i:`, `f:`, `b:`
// (hex), `s:`, bare `null`, defaulting bare input to a string.
func Parse(s string) (Value, error) {
	if s == "null" || s == "NULL" {
		return Null(), nil
	}
	if rest, ok := strings.CutPrefix(s, "i:"); ok {
		i, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid integer: %w", err)
		}
		return Integer(i), nil
	}
	if rest, ok := strings.CutPrefix(s, "f:"); ok {
		f, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid float: %w", err)
		}
		return Float(f), nil
	}
	if rest, ok := strings.CutPrefix(s, "b:"); ok {
		b, err := hex.DecodeString(rest)
		if err != nil {
			return Value{}, fmt.Errorf("invalid hex: %w", err)
		}
		return Bytes(b), nil
	}
	if rest, ok := strings.CutPrefix(s, "s:"); ok {
		return String(rest), nil
	}
	return String(s), nil
}

// Display renders v as the shell would, matching
// original_source/value.rs's to_display_string.
func Display(v Value) string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInteger:
		return fmt.Sprintf("(int) %d", v.Int)
	case KindFloat:
		return fmt.Sprintf("(float) %v", v.Float)
	case KindBinary:
		return fmt.Sprintf("(binary) %s", hex.EncodeToString(v.Binary))
	default:
		return "(null)"
	}
}
