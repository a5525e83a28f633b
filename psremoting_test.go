package psremoting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/kmahony/go-psremoting/config"
	"github.com/kmahony/go-psremoting/messages"
	"github.com/kmahony/go-psremoting/pipeline"
	"github.com/kmahony/go-psremoting/runspace"
	"github.com/kmahony/go-psremoting/serialization"
	"github.com/kmahony/go-psremoting/session"
	"github.com/kmahony/go-psremoting/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedPeer is a minimal server: it grants the session handshake, grants
// every pool open, and answers each CreatePowerShell from its reply script.
type scriptedPeer struct {
	t *testing.T

	// replies are sent for each CreatePowerShell, in order, on the invoking
	// pipeline id, followed by the terminal state.
	outputs  []any
	errRecs  []*messages.ErrorRecord
	terminal messages.PSInvocationState
	reason   *messages.ErrorRecord

	// hold parks each CreatePowerShell instead of answering; the parked
	// replies flush after a ConnectRunspacePool, the way a Block-mode
	// server buffers pipeline output across a disconnect.
	hold bool

	mu     sync.Mutex
	conns  []*peer
	heldRP uuid.UUID
	heldPL uuid.UUID
}

type peer struct {
	stream *transport.Stream
	conn   transport.Connection
	cancel context.CancelFunc
	done   chan struct{}

	sendMu sync.Mutex
	ser    *serialization.Serializer
	des    *serialization.Deserializer
}

func newScriptedPeer(t *testing.T) *scriptedPeer {
	s := &scriptedPeer{t: t, terminal: messages.InvocationCompleted}
	t.Cleanup(s.stop)
	return s
}

func (s *scriptedPeer) dialer() transport.Dialer {
	return func(ctx context.Context) (transport.Connection, error) {
		clientEnd, serverEnd := transport.Pair()
		p := &peer{
			conn: serverEnd,
			ser:  serialization.NewSerializer(),
			des:  serialization.NewDeserializer(),
			done: make(chan struct{}),
		}
		p.stream = transport.NewStream(serverEnd)

		runCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go func() {
			defer close(p.done)
			_ = p.stream.Run(runCtx, func(msg *messages.Message) { s.handle(p, msg) })
		}()

		s.mu.Lock()
		s.conns = append(s.conns, p)
		s.mu.Unlock()
		return clientEnd, nil
	}
}

func (s *scriptedPeer) send(p *peer, rpID, pID uuid.UUID, body messages.Body) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	msg, err := messages.Marshal(messages.DestinationClient, rpID, pID, body, p.ser)
	if err != nil {
		s.t.Errorf("peer marshal %s: %v", body.Type(), err)
		return
	}
	_ = p.stream.Send(msg)
}

func (s *scriptedPeer) handle(p *peer, msg *messages.Message) {
	p.sendMu.Lock()
	body, err := messages.Unmarshal(msg, p.des)
	p.sendMu.Unlock()
	if err != nil {
		s.t.Logf("peer dropping undecodable %s: %v", msg.Type, err)
		return
	}

	switch b := body.(type) {
	case *messages.SessionCapability:
		reply := messages.DefaultCapability()
		s.send(p, uuid.Nil, uuid.Nil, &messages.SessionCapability{Capability: reply})

	case *messages.CreateRunspacePool:
		s.send(p, msg.RunspacePoolID, uuid.Nil, &messages.RunspacePoolInitData{
			MinRunspaces: b.MinRunspaces,
			MaxRunspaces: b.MaxRunspaces,
		})
		s.send(p, msg.RunspacePoolID, uuid.Nil, &messages.ApplicationPrivateData{
			Data: map[string]any{"PSVersionTable": "7.4"},
		})
		s.send(p, msg.RunspacePoolID, uuid.Nil, &messages.RunspacePoolStateInfo{
			State: messages.RunspacePoolOpened,
		})

	case *messages.CreatePowerShell:
		s.mu.Lock()
		if s.hold {
			s.heldRP, s.heldPL = msg.RunspacePoolID, msg.PipelineID
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.replyPipeline(p, msg.RunspacePoolID, msg.PipelineID)

	case *messages.ConnectRunspacePool:
		s.send(p, msg.RunspacePoolID, uuid.Nil, &messages.RunspacePoolStateInfo{
			State: messages.RunspacePoolOpened,
		})
		s.mu.Lock()
		rpID, plID := s.heldRP, s.heldPL
		s.heldRP, s.heldPL = uuid.Nil, uuid.Nil
		s.mu.Unlock()
		if plID != uuid.Nil {
			s.replyPipeline(p, rpID, plID)
		}

	case *messages.RunspacePoolStateInfo:
		// the client reports Closing by sending Closed; acknowledge it
		if b.State == messages.RunspacePoolClosed {
			s.send(p, msg.RunspacePoolID, uuid.Nil, &messages.RunspacePoolStateInfo{
				State: messages.RunspacePoolClosed,
			})
		}
	}
}

func (s *scriptedPeer) replyPipeline(p *peer, rpID, plID uuid.UUID) {
	s.mu.Lock()
	outputs, errRecs := s.outputs, s.errRecs
	terminal, reason := s.terminal, s.reason
	s.mu.Unlock()
	for _, v := range outputs {
		s.send(p, rpID, plID, &messages.PowerShellOutput{Value: v})
	}
	for _, rec := range errRecs {
		s.send(p, rpID, plID, &messages.PowerShellErrorRecord{Record: rec})
	}
	s.send(p, rpID, plID, &messages.PowerShellStateInfo{
		State:  terminal,
		Reason: reason,
	})
}

func (s *scriptedPeer) heldPipeline() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldPL
}

func (s *scriptedPeer) stop() {
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	for _, p := range conns {
		p.cancel()
		p.conn.Abort()
		<-p.done
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session.OpenTimeout = config.Duration(5 * time.Second)
	cfg.Session.CancelTimeout = config.Duration(time.Second)
	return cfg
}

func newTestClient(t *testing.T, peer *scriptedPeer) *Client {
	t.Helper()
	c := NewClient(peer.dialer(),
		WithConfig(testConfig()),
		WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() {
		_ = c.Close(context.Background())
	})
	return c
}

func TestClientRun(t *testing.T) {
	peer := newScriptedPeer(t)
	peer.outputs = []any{"PowerShell 7.4", int32(42)}
	peer.errRecs = []*messages.ErrorRecord{{Message: "nonterminating warning"}}

	c := newTestClient(t, peer)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	pool, err := c.CreateRunspacePool(ctx, runspace.Options{})
	require.NoError(t, err)

	out, errRecs, err := c.Run(ctx, pool, "$PSVersionTable.PSVersion; 42")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "PowerShell 7.4", out[0])
	assert.Equal(t, int32(42), out[1])
	require.Len(t, errRecs, 1)
	assert.Equal(t, "nonterminating warning", errRecs[0].Message)

	require.NoError(t, c.ClosePool(ctx, pool))
	assert.Equal(t, messages.RunspacePoolClosed, pool.State())
}

func TestClientRunFailedPipeline(t *testing.T) {
	peer := newScriptedPeer(t)
	peer.terminal = messages.InvocationFailed
	peer.reason = &messages.ErrorRecord{Message: "command not found", FullyQualifiedErrorID: "CommandNotFoundException"}

	c := newTestClient(t, peer)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	pool, err := c.CreateRunspacePool(ctx, runspace.Options{})
	require.NoError(t, err)

	_, _, err = c.Run(ctx, pool, "No-Such-Command")
	require.Error(t, err)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "pipeline execution", opErr.Op)
	assert.Equal(t, pool.ID(), opErr.RunspacePoolID)
	assert.NotEqual(t, uuid.Nil, opErr.PipelineID)
	assert.Contains(t, err.Error(), "command not found")
}

// A pipeline left running across Disconnect keeps producing on the server
// under Block-mode buffering; its output arrives after Reconnect.
func TestClientDisconnectReconnectDeliversBufferedOutput(t *testing.T) {
	peer := newScriptedPeer(t)
	peer.outputs = []any{"buffered while disconnected"}
	peer.hold = true

	c := newTestClient(t, peer)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	pool, err := c.CreateRunspacePool(ctx, runspace.Options{})
	require.NoError(t, err)

	spec, err := pipeline.NewBuilder().AddScript("Start-Sleep 5; 'late'").Spec()
	require.NoError(t, err)
	pl, err := pool.CreatePipeline(spec, pipeline.WithNoInput())
	require.NoError(t, err)
	require.NoError(t, pl.Invoke(ctx))

	// let the create reach the server before tearing the transport down
	require.Eventually(t, func() bool {
		return peer.heldPipeline() == pl.ID()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, session.Disconnected, c.Session().State())
	assert.Equal(t, messages.RunspacePoolDisconnected, pool.State())
	assert.Equal(t, messages.InvocationDisconnected, pl.State())

	require.NoError(t, c.Reconnect(ctx))
	assert.Equal(t, session.Established, c.Session().State())
	assert.Equal(t, messages.RunspacePoolOpened, pool.State())

	v, err := pl.Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "buffered while disconnected", v)
	require.NoError(t, pl.Wait(ctx))
	assert.Equal(t, messages.InvocationCompleted, pl.State())
}

func TestClientPoolUsesConfiguredDefaults(t *testing.T) {
	peer := newScriptedPeer(t)
	cfg := testConfig()
	cfg.Pool.MinRunspaces = 2
	cfg.Pool.MaxRunspaces = 5

	c := NewClient(peer.dialer(), WithConfig(cfg), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	pool, err := c.CreateRunspacePool(ctx, runspace.Options{})
	require.NoError(t, err)

	minR, maxR := pool.Runspaces()
	assert.Equal(t, int32(2), minR)
	assert.Equal(t, int32(5), maxR)
}

func TestClientConnectFailure(t *testing.T) {
	cause := errors.New("no transport")
	c := NewClient(func(context.Context) (transport.Connection, error) {
		return nil, cause
	}, WithConfig(testConfig()), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	err := c.Connect(context.Background())
	require.Error(t, err)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "connect", opErr.Op)
	assert.ErrorIs(t, err, cause)
}

func TestClientServerSupports(t *testing.T) {
	peer := newScriptedPeer(t)
	c := newTestClient(t, peer)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.ServerSupports(messages.FeatureDisconnect))
}

func TestOperationErrorFormat(t *testing.T) {
	poolID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	plID := uuid.MustParse("66666666-7777-8888-9999-aaaaaaaaaaaa")
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  *OperationError
		want string
	}{
		{
			"bare",
			&OperationError{Op: "connect", Err: cause},
			"connect: boom",
		},
		{
			"pool scoped",
			&OperationError{Op: "open runspace pool", RunspacePoolID: poolID, Err: cause},
			"open runspace pool (pool 11111111-2222-3333-4444-555555555555): boom",
		},
		{
			"pipeline scoped",
			&OperationError{Op: "invoke pipeline", RunspacePoolID: poolID, PipelineID: plID, Err: cause},
			"invoke pipeline (pool 11111111-2222-3333-4444-555555555555, pipeline 66666666-7777-8888-9999-aaaaaaaaaaaa): boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.ErrorIs(t, tt.err, cause)
		})
	}
}
