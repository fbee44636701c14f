package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapSmallPayloadStaysIdentity(t *testing.T) {
	data := []byte("short")
	wrapped := Wrap(data, nil)
	require.Equal(t, CodecIdentity, wrapped[0])

	got, err := Unwrap(wrapped)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWrapUnwrapRepetitiveDataCompresses(t *testing.T) {
	data := bytes.Repeat([]byte{'x'}, 200)
	wrapped := Wrap(data, nil)
	require.Equal(t, CodecRLE, wrapped[0])
	require.Less(t, len(wrapped), len(data))

	got, err := Unwrap(wrapped)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWrapFallsBackToIdentityWhenRLEDoesNotShrink(t *testing.T) {
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i) // no runs, RLE would double the size
	}
	wrapped := Wrap(data, nil)
	require.Equal(t, CodecIdentity, wrapped[0])

	got, err := Unwrap(wrapped)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestUnwrapRejectsShortWrapper(t *testing.T) {
	_, err := Unwrap([]byte{0, 1})
	require.Error(t, err)
}

func TestUnwrapRejectsUnknownCodec(t *testing.T) {
	wrapped := Wrap([]byte("short"), nil)
	wrapped[0] = 0xFF
	_, err := Unwrap(wrapped)
	require.Error(t, err)
}

func TestUnwrapRejectsLengthMismatch(t *testing.T) {
	data := bytes.Repeat([]byte{'y'}, 200)
	wrapped := Wrap(data, nil)
	require.Equal(t, CodecRLE, wrapped[0])
	wrapped[1] = 0xFF // corrupt the stored original length
	_, err := Unwrap(wrapped)
	require.Error(t, err)
}
