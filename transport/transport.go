// Package transport carries PSRP fragments over a byte-stream connection.
//
// A Connection is the physical byte stream (a child process's stdio, a
// socket, or an in-memory pair for tests). Session layers fragment framing
// on top: outbound envelopes are split by a fragmenter and written under a
// single writer lock, inbound bytes are reassembled into whole envelopes and
// handed to the owner's dispatch callback.
package transport

import (
	"context"
	"io"
)

// Connection is one physical duplex byte stream. Read and Write follow the
// usual io contracts. Close performs an orderly shutdown; Abort tears the
// stream down immediately, unblocking any in-flight Read or Write.
type Connection interface {
	io.Reader
	io.Writer
	Close() error
	Abort()
}

// Dialer establishes a fresh Connection. The session layer invokes it on
// initial connect and again on every reconnect attempt, so implementations
// must be reusable.
type Dialer func(ctx context.Context) (Connection, error)
