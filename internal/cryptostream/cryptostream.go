// Package cryptostream implements the chunked XChaCha20-Poly1305 streaming
// AEAD pipeline: secret generation, per-chunk nonce derivation, and
// Encrypt/Decrypt io.Reader adapters that produce and consume ciphertext
// purely from byte counts, with no length-prefix framing.
package cryptostream

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// ChunkSize is the plaintext size of every chunk but the last.
	ChunkSize = 1 << 20 // 1 MiB
	// TagSize is the AEAD authentication tag appended to every ciphertext chunk.
	TagSize = chacha20poly1305.Overhead // 16
	// EncryptedChunkSize is the ciphertext size of every chunk but the last.
	EncryptedChunkSize = ChunkSize + TagSize

	keySize      = chacha20poly1305.KeySize       // 32
	nonceSize    = chacha20poly1305.NonceSizeX     // 24
	secretSize   = keySize + nonceSize             // 56
	noncePrefix  = nonceSize - 4                   // 20 fixed bytes
)

// maxPlaintextSize is the largest file size the wrapping-add nonce counter
// can address without ever repeating a (key, nonce) pair: 2^32 chunks of
// 1 MiB each. Open Question #4 of the originating specification: reject
// sizes above this ceiling rather than silently wrap the counter.
const maxPlaintextSize = int64(1) << 52

// ErrFileTooLarge is returned when a declared plaintext length would need
// more than 2^32 chunks, which would wrap the nonce counter and reuse a
// (key, nonce) pair.
var ErrFileTooLarge = fmt.Errorf("cryptostream: plaintext size exceeds %d bytes", maxPlaintextSize)

// GenSecret draws a fresh 56-byte secret (32-byte key || 24-byte nonce base)
// from a cryptographic RNG. Implementations must never reuse a secret
// across two distinct files.
func GenSecret() ([]byte, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("cryptostream: generate secret: %w", err)
	}
	return secret, nil
}

// ChunkCipher derives per-chunk nonces and performs single-chunk AEAD seal
// and open operations against a fixed (key, nonce_base) pair.
type ChunkCipher struct {
	aead   chacha20poly1305.AEAD
	prefix [noncePrefix]byte
	suffix uint32
}

// NewChunkCipher splits secret into its key and nonce-base halves and
// constructs the XChaCha20-Poly1305 AEAD instance used for every chunk.
func NewChunkCipher(secret []byte) (*ChunkCipher, error) {
	if len(secret) != secretSize {
		return nil, fmt.Errorf("cryptostream: secret must be %d bytes, got %d", secretSize, len(secret))
	}
	key := secret[:keySize]
	nonceBase := secret[keySize:]

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptostream: init aead: %w", err)
	}

	c := &ChunkCipher{aead: aead}
	copy(c.prefix[:], nonceBase[:noncePrefix])
	c.suffix = binary.BigEndian.Uint32(nonceBase[noncePrefix:])
	return c, nil
}

// Nonce returns the 24-byte nonce for chunk index i, per the wrapping-add
// derivation: only the low 32 bits of the nonce base carry the chunk counter.
func (c *ChunkCipher) Nonce(i uint32) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, c.prefix[:])
	binary.BigEndian.PutUint32(nonce[noncePrefix:], c.suffix+i)
	return nonce
}

// Seal authenticates and encrypts plaintext as chunk i, appending the result to dst.
func (c *ChunkCipher) Seal(dst, plaintext []byte, i uint32) []byte {
	return c.aead.Seal(dst, c.Nonce(i), plaintext, nil)
}

// Open authenticates and decrypts ciphertext as chunk i. It fails with a
// non-nil error (tag mismatch or truncated input) if the chunk was tampered
// with or corrupted.
func (c *ChunkCipher) Open(dst, ciphertext []byte, i uint32) ([]byte, error) {
	out, err := c.aead.Open(dst, c.Nonce(i), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptostream: chunk %d: %w", i, err)
	}
	return out, nil
}

// CiphertextSize returns the total ciphertext length for a plaintext of
// length n, per the invariant in §3: n + ceil(n/ChunkSize)*TagSize for n>0,
// else 0.
func CiphertextSize(n int64) int64 {
	if n <= 0 {
		return 0
	}
	chunks := (n + ChunkSize - 1) / ChunkSize
	return n + chunks*TagSize
}

// ChunkCount returns the number of chunks a plaintext of length n is split into.
func ChunkCount(n int64) uint32 {
	if n <= 0 {
		return 0
	}
	return uint32((n + ChunkSize - 1) / ChunkSize)
}

// ValidateSize rejects plaintext sizes that would wrap the nonce counter.
func ValidateSize(n int64) error {
	if n > maxPlaintextSize {
		return ErrFileTooLarge
	}
	return nil
}

// encryptReader encrypts a source of fixed-size plaintext chunks (as
// produced by streamio.Rechunk) into ciphertext chunks, one AEAD seal per
// Read call's worth of buffered input.
type encryptReader struct {
	src     io.Reader
	cipher  *ChunkCipher
	chunkID uint32
	pending []byte
	plainBuf []byte
	done    bool
}

// Encrypt wraps src — assumed already rechunked to exactly ChunkSize reads,
// except possibly a final short chunk — into a reader of ciphertext chunks.
// startChunk is the chunk index of the first plaintext chunk in src; the
// upload path always passes 0 (range-limited downloads resume at a non-zero
// index through Decrypt's startChunk instead).
func Encrypt(src io.Reader, cipher *ChunkCipher, startChunk uint32) io.Reader {
	return &encryptReader{src: src, cipher: cipher, chunkID: startChunk, plainBuf: make([]byte, ChunkSize)}
}

func (r *encryptReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.done {
			return 0, io.EOF
		}
		n, err := io.ReadFull(r.src, r.plainBuf)
		if n > 0 {
			r.pending = r.cipher.Seal(nil, r.plainBuf[:n], r.chunkID)
			r.chunkID++
		}
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			r.done = true
			if n == 0 {
				return 0, io.EOF
			}
		} else if err != nil {
			return 0, fmt.Errorf("cryptostream: read plaintext: %w", err)
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// decryptReader decrypts a source of fixed-size ciphertext chunks (as
// produced by streamio.Rechunk with k=EncryptedChunkSize) back into
// plaintext, verifying the AEAD tag of every chunk.
type decryptReader struct {
	src      io.Reader
	cipher   *ChunkCipher
	chunkID  uint32
	pending  []byte
	cipherBuf []byte
	done     bool
}

// Decrypt wraps src, assumed already rechunked to EncryptedChunkSize reads
// (except possibly a final short chunk), into a reader of plaintext.
// startChunk is the chunk index of the first ciphertext chunk in src.
func Decrypt(src io.Reader, cipher *ChunkCipher, startChunk uint32) io.Reader {
	return &decryptReader{src: src, cipher: cipher, chunkID: startChunk, cipherBuf: make([]byte, EncryptedChunkSize)}
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.done {
			return 0, io.EOF
		}
		n, err := io.ReadFull(r.src, r.cipherBuf)
		if n > 0 {
			plain, derr := r.cipher.Open(nil, r.cipherBuf[:n], r.chunkID)
			if derr != nil {
				return 0, derr
			}
			r.pending = plain
			r.chunkID++
		}
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			r.done = true
			if n == 0 {
				return 0, io.EOF
			}
		} else if err != nil {
			return 0, fmt.Errorf("cryptostream: read ciphertext: %w", err)
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
