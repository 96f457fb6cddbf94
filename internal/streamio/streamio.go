// Package streamio implements the byte-exact stream adapters the gateway's
// upload/download pipelines are built from: Slice, Rechunk, and Throttle.
// All three are single-pass, non-restartable io.Readers that propagate
// errors from their source unchanged.
package streamio

import (
	"fmt"
	"io"
)

// Slice discards the first lo bytes of r, then emits at most hi-lo bytes.
// It terminates cleanly at EOF even if r has fewer than hi bytes total.
func Slice(r io.Reader, lo, hi int64) io.Reader {
	return &sliceReader{src: r, skip: lo, remaining: hi - lo}
}

type sliceReader struct {
	src       io.Reader
	skip      int64
	remaining int64
	buf       []byte
}

func (s *sliceReader) Read(p []byte) (int, error) {
	for s.skip > 0 {
		if s.buf == nil {
			s.buf = make([]byte, 32*1024)
		}
		n := int64(len(s.buf))
		if s.skip < n {
			n = s.skip
		}
		read, err := s.src.Read(s.buf[:n])
		s.skip -= int64(read)
		if err != nil {
			return 0, err
		}
	}
	if s.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.src.Read(p)
	s.remaining -= int64(n)
	return n, err
}

// Rechunk reads exactly n declared bytes from r and re-buffers them into
// reads of exactly k bytes, except possibly a final short read of n mod k
// bytes. It fails with an I/O error if r ends before n bytes are produced.
func Rechunk(r io.Reader, n int64, k int) io.Reader {
	return &rechunkReader{src: r, remaining: n, chunkSize: k}
}

type rechunkReader struct {
	src       io.Reader
	remaining int64
	chunkSize int
}

func (c *rechunkReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, io.EOF
	}
	want := c.chunkSize
	if int64(want) > c.remaining {
		want = int(c.remaining)
	}
	if len(p) < want {
		want = len(p)
	}
	buf := p[:want]
	n, err := io.ReadFull(c.src, buf)
	c.remaining -= int64(n)
	if err == io.ErrUnexpectedEOF || (err == io.EOF && c.remaining > 0) {
		return n, fmt.Errorf("streamio: source ended with %d bytes still expected", c.remaining)
	}
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

// BandwidthLimiter is consulted by Throttle before each chunk passes through.
type BandwidthLimiter interface {
	Throttle(n int) error
}

// Throttle passes each read of r through unchanged after awaiting limiter's
// permission to send len(read) bytes.
func Throttle(r io.Reader, limiter BandwidthLimiter) io.Reader {
	return &throttleReader{src: r, limiter: limiter}
}

type throttleReader struct {
	src     io.Reader
	limiter BandwidthLimiter
}

func (t *throttleReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		if lerr := t.limiter.Throttle(n); lerr != nil {
			return n, lerr
		}
	}
	return n, err
}
