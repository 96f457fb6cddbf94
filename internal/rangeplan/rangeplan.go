// Package rangeplan translates a plaintext byte-range request against a file
// of known plaintext size into the ciphertext byte range to fetch from the
// remote drive, the chunk index range that covers it, and the trim window
// to slice the decrypted substream back down to exactly what was asked for.
package rangeplan

import (
	"fmt"

	"github.com/chiya-dev/castella-gateway/internal/cryptostream"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Plan is the full translation of one plaintext range request.
type Plan struct {
	// Plaintext is the normalized, half-open plaintext range actually served.
	Plaintext Range
	// ChunkStart/ChunkEnd is the half-open chunk-index range that covers Plaintext.
	ChunkStart uint32
	ChunkEnd   uint32
	// Ciphertext is the half-open byte range to request from the remote drive.
	Ciphertext Range
	// Trim is the window to slice out of the decrypted chunk-aligned substream.
	Trim Range
}

// Normalize resolves a, b (either of which may be negative to signal an
// open bound) against a plaintext size S into a valid half-open range,
// substituting the full file range [0, S) if the request is invalid.
//
// a < 0 means "unbounded start" (0). b < 0 means "unbounded end" (S).
func Normalize(a, b, size int64) Range {
	if a < 0 {
		a = 0
	}
	if b < 0 {
		b = size
	}
	if a < 0 || b <= a || b > size {
		return Range{Start: 0, End: size}
	}
	return Range{Start: a, End: b}
}

// Compute builds the full Plan for a normalized plaintext range [a,b)
// against a file whose full ciphertext length is encryptedSize.
func Compute(a, b, size, encryptedSize int64) Plan {
	r := Normalize(a, b, size)

	chunkStart := uint32(r.Start / cryptostream.ChunkSize)
	chunkEnd := uint32((r.End-1)/cryptostream.ChunkSize) + 1

	encStart := int64(chunkStart) * cryptostream.EncryptedChunkSize
	encEnd := int64(chunkEnd) * cryptostream.EncryptedChunkSize
	if encEnd > encryptedSize {
		encEnd = encryptedSize
	}

	trimStart := r.Start - int64(chunkStart)*cryptostream.ChunkSize
	trimEnd := trimStart + (r.End - r.Start)

	return Plan{
		Plaintext:  r,
		ChunkStart: chunkStart,
		ChunkEnd:   chunkEnd,
		Ciphertext: Range{Start: encStart, End: encEnd},
		Trim:       Range{Start: trimStart, End: trimEnd},
	}
}

// ValidateResponseRange checks that a remote GET response's declared byte
// range fully covers the requested ciphertext range, per §4.2: the response
// may be wider, never narrower.
func ValidateResponseRange(requested Range, responseStart, responseEnd int64) error {
	if responseStart > requested.Start || responseEnd < requested.End {
		return fmt.Errorf("rangeplan: response range [%d,%d) does not cover requested [%d,%d)",
			responseStart, responseEnd, requested.Start, requested.End)
	}
	return nil
}
