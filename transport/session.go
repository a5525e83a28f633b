package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmahony/go-psremoting/fragments"
	"github.com/kmahony/go-psremoting/messages"
)

// Handler receives each reassembled inbound envelope. It is invoked from
// the stream's single read goroutine, so envelopes arrive in wire order;
// a handler that blocks stalls the stream.
type Handler func(*messages.Message)

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithLogger sets the stream's logger. Defaults to zap.NewNop.
func WithLogger(log *zap.Logger) StreamOption {
	return func(s *Stream) { s.log = log }
}

// WithBufferSize sets the maximum encoded fragment size. Non-positive
// values keep the protocol default.
func WithBufferSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// Stream frames envelopes as fragments over one Connection. Send fragments
// and writes atomically, so envelopes from concurrent senders never
// interleave on the wire. Run reads, reassembles, and dispatches until the
// connection fails or the context is cancelled.
type Stream struct {
	conn       Connection
	log        *zap.Logger
	bufferSize int

	writeMu sync.Mutex
	frag    *fragments.Fragmenter
}

// NewStream wraps conn with fragment framing.
func NewStream(conn Connection, opts ...StreamOption) *Stream {
	s := &Stream{
		conn:       conn,
		log:        zap.NewNop(),
		bufferSize: fragments.DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.frag = fragments.NewFragmenter(s.bufferSize)
	return s
}

// Send encodes msg into an envelope, fragments it, and writes every
// fragment. The whole envelope goes out under one lock acquisition.
func (s *Stream) Send(msg *messages.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	frags, err := s.frag.Fragment(msg.Encode())
	if err != nil {
		return fmt.Errorf("fragment %s: %w", msg.Type, err)
	}
	for _, f := range frags {
		if _, err := s.conn.Write(f.Encode()); err != nil {
			return fmt.Errorf("write %s fragment %d: %w", msg.Type, f.FragmentID, err)
		}
	}
	s.log.Debug("sent envelope",
		zap.Stringer("type", msg.Type),
		zap.Int("fragments", len(frags)))
	return nil
}

// Run reads fragments until the connection fails or ctx is cancelled,
// delivering each reassembled envelope to handler. It returns nil on
// orderly remote close (EOF with no envelope mid-assembly) and the
// underlying error otherwise. Cancelling ctx aborts the connection to
// unblock the read.
func (s *Stream) Run(ctx context.Context, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)

	readErr := make(chan error, 1)
	g.Go(func() error {
		err := s.readLoop(handler)
		readErr <- err
		return err
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			s.conn.Abort()
			return ctx.Err()
		case err := <-readErr:
			return err
		}
	})

	err := g.Wait()
	if err != nil {
		s.log.Debug("stream stopped", zap.Error(err))
	}
	return err
}

func (s *Stream) readLoop(handler Handler) error {
	r := bufio.NewReader(s.conn)
	defrag := fragments.NewDefragmenter()
	header := make([]byte, fragments.HeaderSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF && !defrag.Pending() {
				return nil
			}
			return fmt.Errorf("read fragment header: %w", err)
		}
		blobLen := binary.BigEndian.Uint32(header[17:21])
		// symmetric with the fragmenter: an encoded fragment never exceeds
		// bufferSize, so its blob never exceeds bufferSize minus the header
		if int(blobLen) > s.bufferSize-fragments.HeaderSize {
			return fmt.Errorf("fragment blob length %d exceeds buffer size %d", blobLen, s.bufferSize)
		}
		raw := make([]byte, fragments.HeaderSize+int(blobLen))
		copy(raw, header)
		if _, err := io.ReadFull(r, raw[fragments.HeaderSize:]); err != nil {
			return fmt.Errorf("read fragment blob: %w", err)
		}

		frag, _, err := fragments.Decode(raw)
		if err != nil {
			return err
		}
		data, err := defrag.Add(frag)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}

		msg, err := messages.Decode(data)
		if err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		s.log.Debug("received envelope",
			zap.Stringer("type", msg.Type),
			zap.Stringer("runspacePoolID", msg.RunspacePoolID))
		handler(msg)
	}
}

// Close performs an orderly shutdown of the underlying connection.
func (s *Stream) Close() error { return s.conn.Close() }

// Abort tears the underlying connection down immediately.
func (s *Stream) Abort() { s.conn.Abort() }
