// Package compression implements the outer value-compression wrapper
// from spec.md §4.9: codec 0 is identity, codec 1 is run-length
// encoding. Ported from original_source/compression.rs's RLE scheme,
// which the spec calls "educational" rather than production-grade —
// no pack example reaches for a real compression library for raw byte
// RLE, so this stays on the standard library.
package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/btreedb/internal/dberrors"
	"github.com/sushant-115/btreedb/pkg/telemetry"
)

// Codec tags, stored as the first byte of the wrapper.
const (
	CodecIdentity byte = 0
	CodecRLE      byte = 1
)

// Threshold is the minimum input length worth attempting to compress.
const Threshold = 64

// Wrap compresses data if it is at least Threshold bytes and RLE actually shrinks
// it, otherwise stores it as CodecIdentity. The returned bytes are the
// full wrapper: codec_tag(u8) | original_len(u32) | payload.
func Wrap(data []byte, m *telemetry.Metrics) []byte {
	if len(data) < Threshold {
		return wrapWith(CodecIdentity, data, data, m)
	}

	compressed := rleCompress(data)
	if len(compressed) < len(data) {
		return wrapWith(CodecRLE, data, compressed, m)
	}
	return wrapWith(CodecIdentity, data, data, m)
}

func wrapWith(codec byte, original, payload []byte, m *telemetry.Metrics) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = codec
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(original)))
	copy(out[5:], payload)

	if m != nil {
		compressedLabel := "false"
		if codec != CodecIdentity {
			compressedLabel = "true"
		}
		m.CompressItems.WithLabelValues(compressedLabel).Inc()
		m.CompressBytes.WithLabelValues("original").Add(float64(len(original)))
		m.CompressBytes.WithLabelValues("stored").Add(float64(len(payload)))
	}
	return out
}

// Unwrap reverses Wrap, validating the decompressed length matches the
// stored original length.
func Unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < 5 {
		return nil, fmt.Errorf("%w: compression wrapper too short", dberrors.ErrCorruptPage)
	}
	codec := wrapped[0]
	originalLen := binary.LittleEndian.Uint32(wrapped[1:5])
	payload := wrapped[5:]

	switch codec {
	case CodecIdentity:
		return payload, nil
	case CodecRLE:
		out, err := rleDecompress(payload)
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != originalLen {
			return nil, fmt.Errorf("%w: decompressed size %d != expected %d", dberrors.ErrCorruptPage, len(out), originalLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression codec %d", dberrors.ErrCorruptPage, codec)
	}
}

// rleCompress encodes data as [count, byte] pairs, count capped at 255.
func rleCompress(data []byte) []byte {
	var out []byte
	i := 0
	for i < len(data) {
		b := data[i]
		count := 1
		for i+count < len(data) && data[i+count] == b && count < 255 {
			count++
		}
		out = append(out, byte(count), b)
		i += count
	}
	return out
}

func rleDecompress(data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: RLE data must have even length", dberrors.ErrCorruptPage)
	}
	var out []byte
	for i := 0; i < len(data); i += 2 {
		count, b := data[i], data[i+1]
		for j := byte(0); j < count; j++ {
			out = append(out, b)
		}
	}
	return out, nil
}
