package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContent(t *testing.T) {
	t.Parallel()

	a := HashContent([]byte("hello"))
	b := HashContent([]byte("hello"))
	c := HashContent([]byte("world"))

	assert.Len(t, a, 64, "hex encoding of a 256-bit digest")
	assert.Equal(t, a, b, "hashing is deterministic")
	assert.NotEqual(t, a, c)
	assert.NotEmpty(t, HashContent(nil), "empty payload still hashes")
}

func TestBlobRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("short")},
		{"repetitive", bytes.Repeat([]byte("abcd"), 4096)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			compressed := compressBlob(tt.payload)
			out, err := decompressBlob(compressed)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, out)
		})
	}
}

func TestBlobCompresses(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("claris-fuse "), 1024)
	compressed := compressBlob(payload)
	assert.Less(t, len(compressed), len(payload))
}

func TestDecompressGarbage(t *testing.T) {
	t.Parallel()

	_, err := decompressBlob([]byte("definitely not a zstd frame"))
	assert.Error(t, err)
}
