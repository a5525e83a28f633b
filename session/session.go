// Package session implements the client side of a remoting session: one
// logical channel to a server that survives reconnects across physical
// connections.
//
// A Session owns the transport stream, negotiates protocol capabilities,
// performs the lazy session-key exchange for secure strings, correlates
// call-id request/response pairs, and routes pool- and pipeline-scoped
// envelopes to the attached runspace pools. Transport failures while the
// session is established are retried by the robust-connection coordinator
// before they are escalated to a fatal Broken state.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kmahony/go-psremoting/fragments"
	"github.com/kmahony/go-psremoting/messages"
	"github.com/kmahony/go-psremoting/serialization"
	"github.com/kmahony/go-psremoting/transport"
)

var (
	// ErrSessionClosed is returned for operations on a session in a
	// terminal state.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotEstablished is returned when an operation needs an established
	// session.
	ErrNotEstablished = errors.New("session not established")
	// ErrNegotiation wraps a capability-negotiation failure.
	ErrNegotiation = errors.New("capability negotiation failed")
)

// Receiver consumes envelopes scoped to one runspace pool. Implemented by
// runspace.Pool; the session only routes.
type Receiver interface {
	ID() uuid.UUID
	// Deliver hands over one decoded body; pipelineID is uuid.Nil for
	// pool-scoped messages. Called from the session's dispatch goroutine.
	Deliver(pipelineID uuid.UUID, body messages.Body)
	// SessionBroken forces the pool into its broken state.
	SessionBroken(err error)
	// SessionDisconnected reflects an orderly session disconnect.
	SessionDisconnected()
	// Reconnect reattaches the pool after the session re-established.
	Reconnect(ctx context.Context) error
}

// Options tune a Session. Zero values take defaults.
type Options struct {
	// Logger defaults to zap.NewNop.
	Logger *zap.Logger
	// BufferSize is the maximum encoded fragment size.
	BufferSize int
	// OpenTimeout bounds connect and negotiate. Default 60s.
	OpenTimeout time.Duration
	// CancelTimeout bounds how long stop/close waits for the server before
	// transitioning locally. Default 60s.
	CancelTimeout time.Duration
	// IdleTimeout is communicated to the server, which enforces it.
	IdleTimeout time.Duration
	// OutputBufferingMode applies on the server while disconnected.
	OutputBufferingMode messages.OutputBufferingMode
	// MaxConnectionRetryCount bounds transparent reconnect attempts after a
	// transport error. Default 5.
	MaxConnectionRetryCount int
	// RetryBackoff is the fixed delay between reconnect attempts. Default 1s.
	RetryBackoff time.Duration
	// RetryNotify, if set, observes each retry attempt.
	RetryNotify func(RetryEvent)
	// Capability overrides the advertised client capability.
	Capability messages.Capability
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.BufferSize <= 0 {
		o.BufferSize = fragments.DefaultBufferSize
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 60 * time.Second
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = 60 * time.Second
	}
	if o.MaxConnectionRetryCount <= 0 {
		o.MaxConnectionRetryCount = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.Capability.IsZero() {
		o.Capability = messages.DefaultCapability()
	}
}

// Session is one logical client-to-server channel.
type Session struct {
	log    *zap.Logger
	dialer transport.Dialer
	opts   Options

	cipher *sessionCipher

	mu         sync.Mutex
	state      State
	reason     error
	stream     *transport.Stream
	streamDone chan struct{}
	cancelRun  context.CancelFunc
	server     messages.Capability
	negotiated messages.Capability
	capCh      chan error
	kx         *keyExchange
	nextCall   int64
	calls      map[int64]chan messages.Body
	pools      map[uuid.UUID]Receiver

	// sendMu serializes marshal+write so envelopes never interleave and the
	// shared serializer buffer is safe.
	sendMu sync.Mutex
	ser    *serialization.Serializer
	des    *serialization.Deserializer
}

// New creates a Session that will dial via dialer on Open and on every
// reconnect attempt.
func New(dialer transport.Dialer, opts Options) *Session {
	opts.applyDefaults()
	cipher := &sessionCipher{}
	return &Session{
		log:    opts.Logger,
		dialer: dialer,
		opts:   opts,
		cipher: cipher,
		state:  Idle,
		calls:  make(map[int64]chan messages.Body),
		pools:  make(map[uuid.UUID]Receiver),
		ser:    serialization.NewSerializerWithCipher(cipher),
		des:    serialization.NewDeserializerWithCipher(cipher),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal reason once the session is Broken.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Capability returns the negotiated version triple. Immutable once the
// session is established.
func (s *Session) Capability() messages.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

// ServerSupports reports whether the server's advertised protocol version
// carries the given feature. Callers must gate feature use on this.
func (s *Session) ServerSupports(f messages.Feature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server.Supports(f)
}

// Open dials the transport, exchanges capabilities, and establishes the
// session. It blocks until negotiation completes, OpenTimeout elapses, or
// ctx is cancelled.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return &InvalidTransitionError{From: s.state, To: Negotiating}
	}
	s.setStateLocked(Negotiating)
	capCh := make(chan error, 1)
	s.capCh = capCh
	s.mu.Unlock()

	if err := s.attach(ctx); err != nil {
		s.breakSession(fmt.Errorf("open transport: %w", err))
		return err
	}
	if err := s.negotiate(ctx, capCh); err != nil {
		return err
	}

	s.mu.Lock()
	s.setStateLocked(Established)
	s.mu.Unlock()
	return nil
}

// attach dials a connection and starts its dispatch goroutine.
func (s *Session) attach(ctx context.Context) error {
	conn, err := s.dialer(ctx)
	if err != nil {
		return err
	}
	stream := transport.NewStream(conn,
		transport.WithLogger(s.log),
		transport.WithBufferSize(s.opts.BufferSize))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.stream = stream
	s.cancelRun = cancel
	s.streamDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := stream.Run(runCtx, s.dispatch)
		if runCtx.Err() != nil {
			// local shutdown owns the stream
			return
		}
		if err == nil {
			// orderly remote close; the transport is gone either way
			err = io.EOF
		}
		s.handleTransportError(err)
	}()
	return nil
}

// negotiate runs the capability exchange and breaks the session on failure.
func (s *Session) negotiate(ctx context.Context, capCh chan error) error {
	if err := s.exchangeCapability(ctx, capCh); err != nil {
		s.breakSession(err)
		return err
	}
	return nil
}

// exchangeCapability sends the client capability and waits for the
// server's. It leaves state handling to the caller so retry attempts can
// fail without breaking the session.
func (s *Session) exchangeCapability(ctx context.Context, capCh chan error) error {
	capMsg := &messages.SessionCapability{Capability: s.opts.Capability}
	if err := s.Send(uuid.Nil, uuid.Nil, capMsg); err != nil {
		return fmt.Errorf("send capability: %w", err)
	}

	timer := time.NewTimer(s.opts.OpenTimeout)
	defer timer.Stop()
	select {
	case err := <-capCh:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no server capability within %s", ErrNegotiation, s.opts.OpenTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send marshals body and writes it to the wire, addressed to the given pool
// and pipeline ids.
func (s *Session) Send(rpID, pID uuid.UUID, body messages.Body) error {
	s.mu.Lock()
	switch s.state {
	case Idle, Disconnecting, Disconnected, Closed, Broken:
		st := s.state
		s.mu.Unlock()
		if st == Broken || st == Closed {
			return ErrSessionClosed
		}
		return fmt.Errorf("%w: state %s", ErrNotEstablished, st)
	}
	stream := s.stream
	s.mu.Unlock()
	// the retry coordinator detaches the stream between reconnect attempts;
	// its own handshake reattaches one before sending
	if stream == nil {
		return fmt.Errorf("%w: no transport attached", ErrNotEstablished)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	msg, err := messages.Marshal(messages.DestinationServer, rpID, pID, body, s.ser)
	if err != nil {
		return err
	}
	return stream.Send(msg)
}

// AttachPool registers a pool for inbound routing.
func (s *Session) AttachPool(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[r.ID()] = r
}

// DetachPool removes a pool from routing.
func (s *Session) DetachPool(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, id)
}

// NextCallID allocates a correlation id for a request/response operation.
func (s *Session) NextCallID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCall++
	return s.nextCall
}

// AwaitCall blocks until the response correlated with callID arrives, the
// session breaks, or ctx is done.
func (s *Session) AwaitCall(ctx context.Context, callID int64) (messages.Body, error) {
	ch := make(chan messages.Body, 1)
	s.mu.Lock()
	if s.state.Terminal() {
		reason := s.reason
		s.mu.Unlock()
		if reason == nil {
			reason = ErrSessionClosed
		}
		return nil, reason
	}
	s.calls[callID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.calls, callID)
		s.mu.Unlock()
	}()

	select {
	case body, ok := <-ch:
		if !ok {
			return nil, s.terminalReason()
		}
		return body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) terminalReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != nil {
		return s.reason
	}
	return ErrSessionClosed
}

// resolveCall completes the waiter registered for callID, if any.
func (s *Session) resolveCall(callID int64, body messages.Body) {
	s.mu.Lock()
	ch, ok := s.calls[callID]
	if ok {
		delete(s.calls, callID)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Warn("response for unknown call id", zap.Int64("callID", callID))
		return
	}
	ch <- body
}

// dispatch routes one inbound envelope. Runs on the stream's read
// goroutine.
func (s *Session) dispatch(msg *messages.Message) {
	s.sendMu.Lock()
	body, err := messages.Unmarshal(msg, s.des)
	s.sendMu.Unlock()
	if err != nil {
		// a single malformed message must not kill the session; waiters
		// that needed it fail by timeout with context
		s.log.Warn("dropping undecodable message",
			zap.Stringer("type", msg.Type),
			zap.Error(err))
		return
	}

	switch b := body.(type) {
	case *messages.SessionCapability:
		s.handleCapability(b.Capability)
		return
	case *messages.PublicKeyRequest:
		go func() {
			if err := s.EnsureKeyExchange(context.Background()); err != nil {
				s.log.Warn("key exchange failed", zap.Error(err))
			}
		}()
		return
	case *messages.EncryptedSessionKey:
		s.handleEncryptedSessionKey(b)
		return
	case *messages.RunspacePoolOperationResponse:
		s.resolveCall(b.CallID, b)
		return
	case *messages.AvailableRunspaces:
		s.resolveCall(b.CallID, b)
		return
	}

	s.mu.Lock()
	pool, ok := s.pools[msg.RunspacePoolID]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("message for unknown runspace pool",
			zap.Stringer("type", msg.Type),
			zap.Stringer("runspacePoolID", msg.RunspacePoolID))
		return
	}
	pool.Deliver(msg.PipelineID, body)
}

func (s *Session) handleCapability(server messages.Capability) {
	negotiated, err := messages.NegotiateClient(s.opts.Capability, server)

	s.mu.Lock()
	capCh := s.capCh
	s.capCh = nil
	if err == nil {
		s.server = server
		s.negotiated = negotiated
	}
	s.mu.Unlock()

	if capCh == nil {
		s.log.Warn("unsolicited session capability",
			zap.String("protocolVersion", server.ProtocolVersion.String()))
		return
	}
	capCh <- err
}

// handleTransportError escalates a mid-stream failure: transparent retry
// while established, fatal otherwise.
func (s *Session) handleTransportError(err error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	s.log.Warn("transport error", zap.Stringer("state", state), zap.Error(err))
	switch state {
	case Established, KeyExchange:
		go s.retryReconnect(err)
	case Reconnecting, Disconnecting, Disconnected, Closing, Closed, Broken:
		// the retry loop or teardown path owns the stream here
	default:
		s.breakSession(err)
	}
}

// breakSession force-transitions to Broken and propagates the reason to
// every attached pool and pending waiter.
func (s *Session) breakSession(reason error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Broken)
	s.reason = reason
	pools := make([]Receiver, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	calls := s.calls
	s.calls = make(map[int64]chan messages.Body)
	stream := s.stream
	cancel := s.cancelRun
	s.mu.Unlock()

	s.log.Error("session broken", zap.Error(reason))
	for _, ch := range calls {
		close(ch)
	}
	for _, p := range pools {
		p.SessionBroken(reason)
	}
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Abort()
	}
}

// Disconnect detaches the transport while the server retains session state,
// buffering pipeline output per the configured OutputBufferingMode.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !canTransition(s.state, Disconnecting) {
		from := s.state
		s.mu.Unlock()
		return &InvalidTransitionError{From: from, To: Disconnecting}
	}
	s.setStateLocked(Disconnecting)
	stream := s.stream
	cancel := s.cancelRun
	done := s.streamDone
	pools := make([]Receiver, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.setStateLocked(Disconnected)
	s.stream = nil
	s.mu.Unlock()

	for _, p := range pools {
		p.SessionDisconnected()
	}
	s.log.Info("session disconnected",
		zap.Stringer("outputBufferingMode", s.opts.OutputBufferingMode))
	return nil
}

// Reconnect attaches a fresh transport to the retained server session and
// reconnects every attached pool under its original id.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if !canTransition(s.state, Reconnecting) {
		from := s.state
		s.mu.Unlock()
		return &InvalidTransitionError{From: from, To: Reconnecting}
	}
	s.setStateLocked(Reconnecting)
	capCh := make(chan error, 1)
	s.capCh = capCh
	pools := make([]Receiver, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	if err := s.attach(ctx); err != nil {
		s.breakSession(fmt.Errorf("reconnect transport: %w", err))
		return err
	}
	if err := s.negotiate(ctx, capCh); err != nil {
		return err
	}

	s.mu.Lock()
	s.setStateLocked(Established)
	s.mu.Unlock()

	for _, p := range pools {
		if err := p.Reconnect(ctx); err != nil {
			return fmt.Errorf("reconnect pool %s: %w", p.ID(), err)
		}
	}
	return nil
}

// Close performs an orderly session teardown. Attached pools must already
// be closed; any still attached are force-broken.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.state == Idle {
		s.setStateLocked(Closing)
		s.setStateLocked(Closed)
		s.mu.Unlock()
		return nil
	}
	if !canTransition(s.state, Closing) {
		from := s.state
		s.mu.Unlock()
		return &InvalidTransitionError{From: from, To: Closing}
	}
	wasDisconnected := s.state == Disconnected
	s.setStateLocked(Closing)
	stream := s.stream
	cancel := s.cancelRun
	done := s.streamDone
	pools := make([]Receiver, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	for _, p := range pools {
		p.SessionBroken(ErrSessionClosed)
	}

	if !wasDisconnected && stream != nil {
		if err := s.sendClose(stream); err != nil {
			s.log.Warn("close notification failed", zap.Error(err))
		}
		if cancel != nil {
			cancel()
		}
		_ = stream.Close()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			case <-time.After(s.opts.CancelTimeout):
				s.log.Warn("close ack timed out, tearing down locally")
				stream.Abort()
			}
		}
	}

	s.mu.Lock()
	s.setStateLocked(Closed)
	calls := s.calls
	s.calls = make(map[int64]chan messages.Body)
	s.mu.Unlock()
	for _, ch := range calls {
		close(ch)
	}
	return nil
}

func (s *Session) sendClose(stream *transport.Stream) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	msg, err := messages.Marshal(messages.DestinationServer, uuid.Nil, uuid.Nil,
		&messages.CloseSession{}, s.ser)
	if err != nil {
		return err
	}
	return stream.Send(msg)
}

func (s *Session) setStateLocked(to State) {
	s.log.Debug("session state",
		zap.Stringer("from", s.state),
		zap.Stringer("to", to))
	s.state = to
}
