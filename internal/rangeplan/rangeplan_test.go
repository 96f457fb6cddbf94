package rangeplan

import (
	"testing"

	"github.com/chiya-dev/castella-gateway/internal/cryptostream"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name       string
		a, b, size int64
		want       Range
	}{
		{"full unbounded", -1, -1, 100, Range{0, 100}},
		{"unbounded start", -1, 50, 100, Range{0, 50}},
		{"unbounded end", 10, -1, 100, Range{10, 100}},
		{"explicit valid", 5, 10, 100, Range{5, 10}},
		{"invalid falls back to full", 50, 10, 100, Range{0, 100}},
		{"out of bounds falls back to full", 0, 200, 100, Range{0, 100}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, Normalize(c.a, c.b, c.size))
		})
	}
}

func TestCompute_SingleChunk(t *testing.T) {
	size := int64(256)
	encSize := cryptostream.CiphertextSize(size)
	plan := Compute(100, 200, size, encSize)

	require.Equal(t, Range{100, 200}, plan.Plaintext)
	require.Equal(t, uint32(0), plan.ChunkStart)
	require.Equal(t, uint32(1), plan.ChunkEnd)
	require.Equal(t, Range{0, encSize}, plan.Ciphertext)
	require.Equal(t, Range{100, 200}, plan.Trim)
}

func TestCompute_ChunkBoundaryStraddle(t *testing.T) {
	size := int64(cryptostream.ChunkSize) * 3
	encSize := cryptostream.CiphertextSize(size)

	a := int64(cryptostream.ChunkSize) - 1
	b := int64(cryptostream.ChunkSize) + 1
	plan := Compute(a, b, size, encSize)

	require.Equal(t, uint32(0), plan.ChunkStart)
	require.Equal(t, uint32(2), plan.ChunkEnd)
	require.Equal(t, Range{0, 2 * cryptostream.EncryptedChunkSize}, plan.Ciphertext)
	require.Equal(t, Range{cryptostream.ChunkSize - 1, cryptostream.ChunkSize + 1}, plan.Trim)
}

func TestCompute_LastChunkClampsCiphertextEnd(t *testing.T) {
	size := int64(cryptostream.ChunkSize) + 100
	encSize := cryptostream.CiphertextSize(size)

	plan := Compute(cryptostream.ChunkSize, size, size, encSize)
	require.Equal(t, encSize, plan.Ciphertext.End)
}

func TestValidateResponseRange(t *testing.T) {
	requested := Range{Start: 10, End: 20}
	require.NoError(t, ValidateResponseRange(requested, 0, 30))
	require.NoError(t, ValidateResponseRange(requested, 10, 20))
	require.Error(t, ValidateResponseRange(requested, 15, 20))
	require.Error(t, ValidateResponseRange(requested, 10, 15))
}
