// Package iopump streams stdin into a sandboxed process and captures its
// stdout/stderr up to a byte cap without blocking the child.
package iopump

import (
	"io"
	"sync"
)

// CappedBuffer retains the first Cap bytes written to it and keeps accepting
// (and discarding) the rest, so a chatty child never blocks on a full pipe.
type CappedBuffer struct {
	mu        sync.Mutex
	cap       int64
	buf       []byte
	truncated bool
}

// NewCappedBuffer creates a buffer retaining at most cap bytes.
func NewCappedBuffer(cap int64) *CappedBuffer {
	if cap < 0 {
		cap = 0
	}
	return &CappedBuffer{cap: cap}
}

// Write implements io.Writer. It never returns an error.
func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remain := b.cap - int64(len(b.buf))
	switch {
	case remain >= int64(len(p)):
		b.buf = append(b.buf, p...)
	case remain > 0:
		b.buf = append(b.buf, p[:remain]...)
		b.truncated = true
	default:
		if len(p) > 0 {
			b.truncated = true
		}
	}
	return len(p), nil
}

// Bytes returns a copy of the retained prefix.
func (b *CappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Truncated reports whether the writer produced more than the cap.
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Observer receives output chunks as they are drained. Used for live
// streaming surfaces; may be nil.
type Observer func(stream string, chunk []byte)

// Streams owns the three concurrent copiers for one execution.
type Streams struct {
	Stdout *CappedBuffer
	Stderr *CappedBuffer

	wg sync.WaitGroup
}

// Pump starts the stdin writer and both output collectors. All three run
// concurrently: stdin is written until exhausted or the child closes its end,
// while stdout/stderr are drained continuously so the child cannot deadlock
// by producing output before consuming its input.
func Pump(stdin io.Reader, in io.WriteCloser, out, errOut io.Reader, cap int64, obs Observer) *Streams {
	s := &Streams{
		Stdout: NewCappedBuffer(cap),
		Stderr: NewCappedBuffer(cap),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer in.Close()
		if stdin == nil {
			return
		}
		// EPIPE here means the child closed stdin early; that is a normal
		// submission behavior, not a pump failure.
		_, _ = io.Copy(in, stdin)
	}()

	s.collect("stdout", out, s.Stdout, obs)
	s.collect("stderr", errOut, s.Stderr, obs)
	return s
}

func (s *Streams) collect(name string, r io.Reader, buf *CappedBuffer, obs Observer) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		chunk := make([]byte, 32*1024)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				_, _ = buf.Write(chunk[:n])
				if obs != nil {
					out := make([]byte, n)
					copy(out, chunk[:n])
					obs(name, out)
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// Wait blocks until all three copiers have finished. Output readers return
// EOF once the process exits and the pipes close, so Wait is bounded by the
// process lifetime.
func (s *Streams) Wait() {
	s.wg.Wait()
}
