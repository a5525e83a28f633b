package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Recv once a stream is closed and drained.
var ErrStreamClosed = errors.New("pipeline stream closed")

// stream is an ordered, unbounded-until-consumed record queue. Producers
// never block; consumers block until a record or close. Closing is
// idempotent and leaves buffered records readable.
type stream[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	closed bool
}

func newStream[T any]() *stream[T] {
	s := &stream[T]{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stream[T]) push(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, v)
	s.cond.Broadcast()
}

// recv blocks for the next record. ctx cancellation interrupts the wait.
func (s *stream[T]) recv(ctx context.Context) (T, error) {
	var zero T

	// wake the cond wait when ctx ends
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.buf) > 0 {
			v := s.buf[0]
			s.buf = s.buf[1:]
			return v, nil
		}
		if s.closed {
			return zero, ErrStreamClosed
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		s.cond.Wait()
	}
}

// tryRecv returns the next record without blocking.
func (s *stream[T]) tryRecv() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.buf) == 0 {
		return zero, false
	}
	v := s.buf[0]
	s.buf = s.buf[1:]
	return v, true
}

// drain returns everything buffered.
func (s *stream[T]) drain() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	return out
}

func (s *stream[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *stream[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}
