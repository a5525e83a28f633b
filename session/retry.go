package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryEvent describes one reconnect attempt by the robust-connection
// coordinator.
type RetryEvent struct {
	// Attempt counts from 1.
	Attempt int
	// Max is the configured MaxConnectionRetryCount.
	Max int
	// Cause is the transport error that started the retry cycle.
	Cause error
	// Err is the failure of this attempt; nil means the attempt succeeded.
	Err error
}

// retryReconnect is the robust-connection coordinator: after a mid-stream
// transport error it transparently dials a new connection, re-negotiates,
// and reconnects all pools, up to MaxConnectionRetryCount attempts. It only
// requests session-level transitions; pool and pipeline state is touched
// solely through the pools' own Reconnect paths. Exhaustion escalates to
// Broken.
func (s *Session) retryReconnect(cause error) {
	s.mu.Lock()
	if !canTransition(s.state, Reconnecting) {
		state := s.state
		s.mu.Unlock()
		if !state.Terminal() {
			s.breakSession(cause)
		}
		return
	}
	s.setStateLocked(Reconnecting)
	oldStream := s.stream
	oldCancel := s.cancelRun
	s.stream = nil
	pools := make([]Receiver, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldStream != nil {
		oldStream.Abort()
	}

	// the transport dropped under the pools; they must observe the
	// disconnect before a reconnect attempt can reattach them
	for _, p := range pools {
		p.SessionDisconnected()
	}

	maxAttempts := s.opts.MaxConnectionRetryCount
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.reconnectAttempt()
		s.notifyRetry(RetryEvent{Attempt: attempt, Max: maxAttempts, Cause: cause, Err: err})
		if err == nil {
			s.log.Info("connection recovered",
				zap.Int("attempt", attempt),
				zap.NamedError("cause", cause))
			return
		}
		s.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max", maxAttempts),
			zap.Error(err))

		if attempt < maxAttempts {
			time.Sleep(s.opts.RetryBackoff)
		}

		// restore Reconnecting for the next attempt unless something else
		// moved the session meanwhile
		s.mu.Lock()
		if s.state != Reconnecting {
			state := s.state
			s.mu.Unlock()
			s.log.Debug("retry cycle abandoned", zap.Stringer("state", state))
			return
		}
		s.mu.Unlock()
	}

	s.breakSession(fmt.Errorf("connection lost after %d reconnect attempts: %w",
		maxAttempts, cause))
}

// reconnectAttempt performs one dial + negotiate + pool-reconnect cycle.
func (s *Session) reconnectAttempt() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.OpenTimeout)
	defer cancel()

	capCh := make(chan error, 1)
	s.mu.Lock()
	s.capCh = capCh
	pools := make([]Receiver, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	if err := s.attach(ctx); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := s.exchangeCapability(ctx, capCh); err != nil {
		s.detachStream()
		return err
	}
	for _, p := range pools {
		if err := p.Reconnect(ctx); err != nil {
			s.detachStream()
			return fmt.Errorf("reconnect pool %s: %w", p.ID(), err)
		}
	}

	s.mu.Lock()
	if s.state != Reconnecting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session moved to %s during reconnect", state)
	}
	s.setStateLocked(Established)
	s.mu.Unlock()
	return nil
}

// detachStream tears down the current stream after a failed attempt so the
// next one starts clean.
func (s *Session) detachStream() {
	s.mu.Lock()
	stream := s.stream
	cancel := s.cancelRun
	s.stream = nil
	s.cancelRun = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Abort()
	}
}

func (s *Session) notifyRetry(ev RetryEvent) {
	if s.opts.RetryNotify != nil {
		s.opts.RetryNotify(ev)
	}
}
