package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- OAEP digest fixed by the remoting protocol
	"crypto/x509"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/kmahony/go-psremoting/fragments"
	"github.com/kmahony/go-psremoting/messages"
	"github.com/kmahony/go-psremoting/serialization"
	"github.com/kmahony/go-psremoting/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// peerConn is the server end of one dialed connection.
type peerConn struct {
	t      *testing.T
	srv    *fakeServer
	conn   transport.Connection
	stream *transport.Stream

	sendMu sync.Mutex
	ser    *serialization.Serializer
	des    *serialization.Deserializer

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	received []messages.Body
}

func (p *peerConn) send(rpID, pID uuid.UUID, body messages.Body) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	msg, err := messages.Marshal(messages.DestinationClient, rpID, pID, body, p.ser)
	if err != nil {
		p.t.Errorf("peer marshal %s: %v", body.Type(), err)
		return
	}
	// best effort: the client may already be gone during teardown
	_ = p.stream.Send(msg)
}

func (p *peerConn) handle(msg *messages.Message) {
	p.sendMu.Lock()
	body, err := messages.Unmarshal(msg, p.des)
	p.sendMu.Unlock()
	if err != nil {
		p.t.Logf("peer dropping undecodable %s: %v", msg.Type, err)
		return
	}

	p.mu.Lock()
	p.received = append(p.received, body)
	p.mu.Unlock()

	if p.srv.onBody != nil && p.srv.onBody(p, msg, body) {
		return
	}
	p.srv.handleDefault(p, body)
}

func (p *peerConn) sawType(t messages.MessageType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.received {
		if b.Type() == t {
			return true
		}
	}
	return false
}

func (p *peerConn) bodyOfType(t messages.MessageType) messages.Body {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.received {
		if b.Type() == t {
			return b
		}
	}
	return nil
}

// breakAbruptly simulates a transport failure: a torn fragment followed by a
// dead connection, which the client reads as an unexpected EOF.
func (p *peerConn) breakAbruptly() {
	_, _ = p.conn.Write([]byte{0, 0, 0, 0, 0, 0, 0, 1}) // partial fragment header
	_ = p.conn.Close()
}

// fakeServer scripts the remote end of a session. Every dial gets a fresh
// peerConn; the default body handler answers capability negotiation and key
// exchange.
type fakeServer struct {
	t       *testing.T
	version serialization.Version
	aesKey  []byte
	crypter *serialization.AESCrypter

	// onBody, if set, sees every inbound body first; returning true
	// suppresses the default handling.
	onBody func(p *peerConn, msg *messages.Message, body messages.Body) bool

	mu      sync.Mutex
	dialErr error
	peers   []*peerConn
	dials   int
}

func newFakeServer(t *testing.T) *fakeServer {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	crypter, err := serialization.NewAESCrypter(key)
	require.NoError(t, err)

	f := &fakeServer{
		t:       t,
		version: serialization.Version{Major: 2, Minor: 3},
		aesKey:  key,
		crypter: crypter,
	}
	t.Cleanup(f.stop)
	return f
}

func (f *fakeServer) dialer() transport.Dialer {
	return func(ctx context.Context) (transport.Connection, error) {
		f.mu.Lock()
		f.dials++
		if f.dialErr != nil {
			err := f.dialErr
			f.mu.Unlock()
			return nil, err
		}
		f.mu.Unlock()

		clientEnd, serverEnd := transport.Pair()
		p := &peerConn{
			t:    f.t,
			srv:  f,
			conn: serverEnd,
			ser:  serialization.NewSerializerWithCipher(f.crypter),
			des:  serialization.NewDeserializerWithCipher(f.crypter),
			done: make(chan struct{}),
		}
		p.stream = transport.NewStream(serverEnd)

		runCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go func() {
			defer close(p.done)
			_ = p.stream.Run(runCtx, p.handle)
		}()

		f.mu.Lock()
		f.peers = append(f.peers, p)
		f.mu.Unlock()
		return clientEnd, nil
	}
}

func (f *fakeServer) handleDefault(p *peerConn, body messages.Body) {
	switch b := body.(type) {
	case *messages.SessionCapability:
		reply := messages.DefaultCapability()
		reply.ProtocolVersion = f.version
		p.send(uuid.Nil, uuid.Nil, &messages.SessionCapability{Capability: reply})

	case *messages.PublicKey:
		der, err := base64.StdEncoding.DecodeString(b.Key)
		require.NoError(f.t, err)
		pub, err := x509.ParsePKCS1PublicKey(der)
		require.NoError(f.t, err)
		enc, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, f.aesKey, nil)
		require.NoError(f.t, err)
		p.send(uuid.Nil, uuid.Nil, &messages.EncryptedSessionKey{
			Key: base64.StdEncoding.EncodeToString(enc),
		})
	}
}

func (f *fakeServer) lastPeer() *peerConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.peers)
	return f.peers[len(f.peers)-1]
}

func (f *fakeServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeServer) setDialErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

func (f *fakeServer) stop() {
	f.mu.Lock()
	peers := f.peers
	f.mu.Unlock()
	for _, p := range peers {
		p.cancel()
		p.conn.Abort()
		<-p.done
	}
}

// fakeReceiver records everything the session routes to a pool.
type fakeReceiver struct {
	id uuid.UUID

	mu           sync.Mutex
	bodies       []messages.Body
	pipelineIDs  []uuid.UUID
	broken       []error
	disconnects  int
	reconnects   int
	reconnectErr error
}

func newFakeReceiver() *fakeReceiver { return &fakeReceiver{id: uuid.New()} }

func (r *fakeReceiver) ID() uuid.UUID { return r.id }

func (r *fakeReceiver) Deliver(pipelineID uuid.UUID, body messages.Body) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	r.pipelineIDs = append(r.pipelineIDs, pipelineID)
}

func (r *fakeReceiver) SessionBroken(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broken = append(r.broken, err)
}

func (r *fakeReceiver) SessionDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *fakeReceiver) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects++
	return r.reconnectErr
}

func (r *fakeReceiver) deliveredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *fakeReceiver) brokenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.broken)
}

func (r *fakeReceiver) reconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnects
}

func testOptions(t *testing.T) Options {
	return Options{
		Logger:                  zaptest.NewLogger(t),
		OpenTimeout:             5 * time.Second,
		CancelTimeout:           200 * time.Millisecond,
		MaxConnectionRetryCount: 3,
		RetryBackoff:            10 * time.Millisecond,
	}
}

func openSession(t *testing.T, srv *fakeServer, opts Options) *Session {
	t.Helper()
	s := New(srv.dialer(), opts)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestOpenEstablishes(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	assert.Equal(t, Established, s.State())
	assert.Equal(t, serialization.Version{Major: 2, Minor: 3}, s.Capability().ProtocolVersion)
	assert.True(t, s.ServerSupports(messages.FeatureDisconnect))
	assert.True(t, s.ServerSupports(messages.FeatureInformationStream))
}

func TestOpenNegotiatesDownToServerVersion(t *testing.T) {
	srv := newFakeServer(t)
	srv.version = serialization.Version{Major: 2, Minor: 1}
	s := openSession(t, srv, testOptions(t))

	assert.Equal(t, serialization.Version{Major: 2, Minor: 1}, s.Capability().ProtocolVersion)
	assert.False(t, s.ServerSupports(messages.FeatureDisconnect))
	assert.False(t, s.ServerSupports(messages.FeatureInformationStream))
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.applyDefaults()
	assert.NotNil(t, o.Logger)
	assert.Equal(t, fragments.DefaultBufferSize, o.BufferSize)
	assert.Equal(t, 60*time.Second, o.OpenTimeout)
	assert.Equal(t, 60*time.Second, o.CancelTimeout)
	assert.Equal(t, 5, o.MaxConnectionRetryCount)
	assert.Equal(t, time.Second, o.RetryBackoff)
	assert.Equal(t, messages.DefaultCapability(), o.Capability)
}

// A session built from zero options must negotiate with the defaults.
func TestOpenWithZeroOptions(t *testing.T) {
	srv := newFakeServer(t)
	s := New(srv.dialer(), Options{})
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})

	assert.Equal(t, Established, s.State())
	assert.Equal(t, messages.ClientProtocolVersion, s.Capability().ProtocolVersion)
}

func TestOpenMajorMismatchBreaks(t *testing.T) {
	srv := newFakeServer(t)
	srv.version = serialization.Version{Major: 3, Minor: 0}

	s := New(srv.dialer(), testOptions(t))
	err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrNegotiation)
	assert.Equal(t, Broken, s.State())
	assert.Error(t, s.Err())
}

func TestOpenTimeout(t *testing.T) {
	srv := newFakeServer(t)
	srv.onBody = func(p *peerConn, msg *messages.Message, body messages.Body) bool {
		_, isCap := body.(*messages.SessionCapability)
		return isCap // swallow the negotiation reply
	}

	opts := testOptions(t)
	opts.OpenTimeout = 100 * time.Millisecond
	s := New(srv.dialer(), opts)
	err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrNegotiation)
	assert.Equal(t, Broken, s.State())
}

func TestOpenTwiceRejected(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	err := s.Open(context.Background())
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestSendBeforeOpen(t *testing.T) {
	srv := newFakeServer(t)
	s := New(srv.dialer(), testOptions(t))
	err := s.Send(uuid.Nil, uuid.Nil, &messages.GetAvailableRunspaces{CallID: 1})
	require.ErrorIs(t, err, ErrNotEstablished)
}

func TestCallCorrelation(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	callID := s.NextCallID()
	type result struct {
		body messages.Body
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		body, err := s.AwaitCall(context.Background(), callID)
		resCh <- result{body, err}
	}()
	time.Sleep(50 * time.Millisecond) // let the waiter register

	srv.lastPeer().send(uuid.Nil, uuid.Nil, &messages.RunspacePoolOperationResponse{
		CallID: callID, Success: true,
	})

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		ack, ok := res.body.(*messages.RunspacePoolOperationResponse)
		require.True(t, ok)
		assert.True(t, ack.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("call response not delivered")
	}
}

func TestCallIDsAreUnique(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		id := s.NextCallID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestAwaitCallContextCancel(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.AwaitCall(ctx, s.NextCallID())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// A malformed payload is dropped with a log entry; the receive loop and any
// later traffic keep working.
func TestDecodeErrorDoesNotKillSession(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))
	peer := srv.lastPeer()

	_ = peer.stream.Send(&messages.Message{
		Destination: messages.DestinationClient,
		Type:        messages.TypeRunspacePoolStateInfo,
		Data:        []byte("definitely not CLIXML"),
	})

	callID := s.NextCallID()
	resCh := make(chan error, 1)
	go func() {
		_, err := s.AwaitCall(context.Background(), callID)
		resCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	peer.send(uuid.Nil, uuid.Nil, &messages.AvailableRunspaces{CallID: callID, Count: 1})

	select {
	case err := <-resCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session stopped processing after decode error")
	}
	assert.Equal(t, Established, s.State())
}

func TestPoolRouting(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	recv := newFakeReceiver()
	s.AttachPool(recv)
	peer := srv.lastPeer()

	peer.send(recv.id, uuid.Nil, &messages.RunspacePoolInitData{MinRunspaces: 1, MaxRunspaces: 4})
	pid := uuid.New()
	peer.send(recv.id, pid, &messages.PowerShellOutput{Value: "routed"})

	require.Eventually(t, func() bool { return recv.deliveredCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	recv.mu.Lock()
	defer recv.mu.Unlock()
	assert.IsType(t, &messages.RunspacePoolInitData{}, recv.bodies[0])
	assert.Equal(t, uuid.Nil, recv.pipelineIDs[0])
	assert.IsType(t, &messages.PowerShellOutput{}, recv.bodies[1])
	assert.Equal(t, pid, recv.pipelineIDs[1])
}

func TestUnknownPoolDropped(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	srv.lastPeer().send(uuid.New(), uuid.Nil, &messages.RunspacePoolInitData{MinRunspaces: 1, MaxRunspaces: 1})

	// nothing to observe but the session staying healthy
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Established, s.State())
}

func TestKeyExchange(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	// secure strings are refused before the exchange
	err := s.Send(uuid.Nil, uuid.Nil, &messages.PowerShellInput{
		Value: serialization.NewSecureStringFromString("early"),
	})
	require.ErrorIs(t, err, serialization.ErrNoCipher)

	require.NoError(t, s.EnsureKeyExchange(context.Background()))
	assert.Equal(t, Established, s.State())

	// now the same send crosses the wire encrypted and the peer, holding the
	// session key, can read it back
	require.NoError(t, s.Send(uuid.Nil, uuid.Nil, &messages.PowerShellInput{
		Value: serialization.NewSecureStringFromString("s3cret"),
	}))

	peer := srv.lastPeer()
	require.Eventually(t, func() bool {
		return peer.sawType(messages.TypePowerShellInput)
	}, 2*time.Second, 10*time.Millisecond)

	input := peer.bodyOfType(messages.TypePowerShellInput).(*messages.PowerShellInput)
	ss, ok := input.Value.(*serialization.SecureString)
	require.True(t, ok)
	assert.Equal(t, "s3cret", ss.String())
}

func TestKeyExchangeIdempotent(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.EnsureKeyExchange(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// a repeat call is a no-op
	require.NoError(t, s.EnsureKeyExchange(context.Background()))
}

// The server may initiate the exchange by requesting the client's key.
func TestServerInitiatedKeyExchange(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	srv.lastPeer().send(uuid.Nil, uuid.Nil, &messages.PublicKeyRequest{})

	require.Eventually(t, func() bool {
		err := s.Send(uuid.Nil, uuid.Nil, &messages.PowerShellInput{
			Value: serialization.NewSecureStringFromString("hunter2"),
		})
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDisconnectReconnect(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	recv := newFakeReceiver()
	s.AttachPool(recv)

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, s.State())
	recv.mu.Lock()
	assert.Equal(t, 1, recv.disconnects)
	recv.mu.Unlock()

	err := s.Send(uuid.Nil, uuid.Nil, &messages.GetAvailableRunspaces{CallID: 1})
	require.ErrorIs(t, err, ErrNotEstablished)

	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, Established, s.State())
	assert.Equal(t, 1, recv.reconnectCount())
	assert.Equal(t, 2, srv.dialCount())
}

func TestReconnectRequiresDisconnected(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	err := s.Reconnect(context.Background())
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

// A mid-stream transport error triggers the robust-connection coordinator,
// which recovers on a fresh connection without surfacing an error.
func TestRetryRecovery(t *testing.T) {
	srv := newFakeServer(t)

	var eventsMu sync.Mutex
	var events []RetryEvent
	opts := testOptions(t)
	opts.RetryNotify = func(ev RetryEvent) {
		eventsMu.Lock()
		events = append(events, ev)
		eventsMu.Unlock()
	}
	s := openSession(t, srv, opts)

	recv := newFakeReceiver()
	s.AttachPool(recv)

	srv.lastPeer().breakAbruptly()

	require.Eventually(t, func() bool {
		return s.State() == Established && recv.reconnectCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 2, srv.dialCount())
	assert.Zero(t, recv.brokenCount())

	eventsMu.Lock()
	defer eventsMu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, 1, events[len(events)-1].Attempt)
	assert.NoError(t, events[len(events)-1].Err)
	assert.Error(t, events[len(events)-1].Cause)
}

// When every reconnect attempt fails the session escalates to Broken after
// exactly MaxConnectionRetryCount attempts.
func TestRetryExhaustionBreaks(t *testing.T) {
	srv := newFakeServer(t)

	var eventsMu sync.Mutex
	var events []RetryEvent
	opts := testOptions(t)
	opts.MaxConnectionRetryCount = 2
	opts.RetryNotify = func(ev RetryEvent) {
		eventsMu.Lock()
		events = append(events, ev)
		eventsMu.Unlock()
	}
	s := openSession(t, srv, opts)

	recv := newFakeReceiver()
	s.AttachPool(recv)

	srv.setDialErr(errors.New("endpoint unreachable"))
	srv.lastPeer().breakAbruptly()

	require.Eventually(t, func() bool { return s.State() == Broken },
		5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return recv.brokenCount() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Error(t, s.Err())

	eventsMu.Lock()
	defer eventsMu.Unlock()
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Attempt)
		assert.Equal(t, 2, ev.Max)
		assert.Error(t, ev.Err)
	}

	// calls pending against a broken session fail with the reason
	_, err := s.AwaitCall(context.Background(), s.NextCallID())
	require.Error(t, err)
}

// While the coordinator is between reconnect attempts the session has no
// transport attached; a Send in that window must fail, not panic.
func TestSendDuringReconnectFails(t *testing.T) {
	srv := newFakeServer(t)
	opts := testOptions(t)
	opts.MaxConnectionRetryCount = 50
	opts.RetryBackoff = 50 * time.Millisecond
	s := openSession(t, srv, opts)

	srv.setDialErr(errors.New("endpoint unreachable"))
	srv.lastPeer().breakAbruptly()

	require.Eventually(t, func() bool { return s.State() == Reconnecting },
		5*time.Second, 5*time.Millisecond)

	var sendErr error
	require.NotPanics(t, func() {
		sendErr = s.Send(uuid.Nil, uuid.Nil, &messages.GetAvailableRunspaces{CallID: s.NextCallID()})
	})
	require.ErrorIs(t, sendErr, ErrNotEstablished)

	// the coordinator is still in charge; recovery resumes once dials work
	srv.setDialErr(nil)
	require.Eventually(t, func() bool { return s.State() == Established },
		5*time.Second, 10*time.Millisecond)
}

// An orderly remote close with nothing mid-assembly is still a dead
// transport: the session must re-establish instead of staying Established
// on a connection that can never deliver again.
func TestOrderlyRemoteCloseTriggersRecovery(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	recv := newFakeReceiver()
	s.AttachPool(recv)

	require.NoError(t, srv.lastPeer().conn.Close())

	require.Eventually(t, func() bool {
		return s.State() == Established && recv.reconnectCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 2, srv.dialCount())
	assert.Zero(t, recv.brokenCount())
}

func TestCloseSendsNotification(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))
	peer := srv.lastPeer()

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, Closed, s.State())

	require.Eventually(t, func() bool {
		return peer.sawType(messages.TypeCloseSession)
	}, 2*time.Second, 10*time.Millisecond)

	err := s.Send(uuid.Nil, uuid.Nil, &messages.GetAvailableRunspaces{CallID: 1})
	require.ErrorIs(t, err, ErrSessionClosed)

	// closing again is a no-op
	require.NoError(t, s.Close(context.Background()))
}

func TestCloseBreaksAttachedPools(t *testing.T) {
	srv := newFakeServer(t)
	s := openSession(t, srv, testOptions(t))

	recv := newFakeReceiver()
	s.AttachPool(recv)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, recv.brokenCount())
	recv.mu.Lock()
	assert.ErrorIs(t, recv.broken[0], ErrSessionClosed)
	recv.mu.Unlock()
}

func TestCloseIdleSession(t *testing.T) {
	srv := newFakeServer(t)
	s := New(srv.dialer(), testOptions(t))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, Closed, s.State())
}
