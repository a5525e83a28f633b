package transport

import (
	"errors"
	"io"
	"sync"
)

// ErrConnectionClosed is returned by pipe writes after either end has closed
// or aborted. Reads drain buffered bytes and then return io.EOF.
var ErrConnectionClosed = errors.New("transport: connection closed")

// Pair returns two in-memory Connections wired back to back: bytes written
// to one are readable from the other. Writes never block; each direction
// buffers without bound until consumed. Intended for tests and for running
// a client engine against an in-process server engine.
func Pair() (Connection, Connection) {
	ab := newPipeBuffer()
	ba := newPipeBuffer()
	return &pipeConn{in: ba, out: ab}, &pipeConn{in: ab, out: ba}
}

type pipeConn struct {
	in  *pipeBuffer
	out *pipeBuffer
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.in.read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.out.write(b) }

func (p *pipeConn) Close() error {
	p.out.close()
	p.in.close()
	return nil
}

func (p *pipeConn) Abort() { _ = p.Close() }

// pipeBuffer is one direction of a Pair: an unbounded byte queue with
// blocking reads.
type pipeBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	b := &pipeBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pipeBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrConnectionClosed
	}
	b.buf = append(b.buf, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *pipeBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) == 0 {
		if b.closed {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
