// Package runspace implements the client side of a remote runspace pool:
// opening against a session, resizing, disconnect/reconnect, remote events,
// and pipeline creation.
package runspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kmahony/go-psremoting/messages"
	"github.com/kmahony/go-psremoting/pipeline"
)

var (
	// ErrInvalidState is returned for operations not allowed in the pool's
	// current state. These are rejected locally, before the wire.
	ErrInvalidState = errors.New("invalid runspace pool state")
	// ErrPoolBroken is returned once the pool is broken.
	ErrPoolBroken = errors.New("runspace pool broken")
	// ErrOperationRejected is returned when the server refuses a resize or
	// reset request.
	ErrOperationRejected = errors.New("server rejected the operation")
	// ErrOpenTimeout is returned when the server grants neither open
	// condition within OpenTimeout.
	ErrOpenTimeout = errors.New("runspace pool open timed out")
)

// Link is the pool's handle to its session. Implemented by
// session.Session.
type Link interface {
	Send(rpID, pipelineID uuid.UUID, body messages.Body) error
	NextCallID() int64
	AwaitCall(ctx context.Context, callID int64) (messages.Body, error)
	ServerSupports(f messages.Feature) bool
	EnsureKeyExchange(ctx context.Context) error
}

// eventBufferSize bounds the remote-event channel; the oldest events are
// dropped on overflow.
const eventBufferSize = 64

// Options configure a pool.
type Options struct {
	// Logger defaults to zap.NewNop.
	Logger *zap.Logger
	// MinRunspaces defaults to 1.
	MinRunspaces int32
	// MaxRunspaces defaults to 1.
	MaxRunspaces int32
	// ThreadOptions and ApartmentState are passed through to the server.
	ThreadOptions  messages.PSThreadOptions
	ApartmentState messages.ApartmentState
	// HostInfo defaults to a null host.
	HostInfo messages.HostInfo
	// ApplicationArguments travel opaquely to the server on open.
	ApplicationArguments map[string]any
	// OpenTimeout bounds Open and Connect. Default 60s.
	OpenTimeout time.Duration
	// CancelTimeout bounds Close and pipeline stops. Default 60s.
	CancelTimeout time.Duration
	// ID fixes the pool id, for attaching to a pre-existing server pool.
	ID uuid.UUID
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MinRunspaces <= 0 {
		o.MinRunspaces = 1
	}
	if o.MaxRunspaces <= 0 {
		o.MaxRunspaces = 1
	}
	if o.HostInfo == (messages.HostInfo{}) {
		o.HostInfo = messages.NullHostInfo()
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 60 * time.Second
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = 60 * time.Second
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
}

// Pool is one remote runspace pool bound to a session.
type Pool struct {
	link Link
	log  *zap.Logger
	opts Options
	id   uuid.UUID

	mu        sync.Mutex
	state     messages.RunspacePoolState
	reason    error
	min, max  int32
	initSeen  bool
	openSeen  bool
	openErr   error
	openCh    chan struct{}
	closeCh   chan struct{}
	appData   map[string]any
	appDataCh chan struct{}
	pipelines map[uuid.UUID]*pipeline.Pipeline
	metadata  map[uuid.UUID]*metadataCollector

	events    chan *messages.PSEventArgs
	hostCalls chan *messages.HostCall
	chClosed  bool
	dropped   int
}

// New creates a pool in BeforeOpen. Nothing goes on the wire until Open or
// Connect.
func New(link Link, opts Options) *Pool {
	opts.applyDefaults()
	return &Pool{
		link:      link,
		log:       opts.Logger,
		opts:      opts,
		id:        opts.ID,
		state:     messages.RunspacePoolBeforeOpen,
		min:       opts.MinRunspaces,
		max:       opts.MaxRunspaces,
		openCh:    make(chan struct{}),
		closeCh:   make(chan struct{}),
		appDataCh: make(chan struct{}),
		pipelines: make(map[uuid.UUID]*pipeline.Pipeline),
		metadata:  make(map[uuid.UUID]*metadataCollector),
		events:    make(chan *messages.PSEventArgs, eventBufferSize),
		hostCalls: make(chan *messages.HostCall, 16),
	}
}

// ID returns the pool instance id.
func (p *Pool) ID() uuid.UUID { return p.id }

// State returns the current pool state.
func (p *Pool) State() messages.RunspacePoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reason returns the terminal error once the pool is Broken.
func (p *Pool) Reason() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Runspaces returns the current (server-granted) min and max.
func (p *Pool) Runspaces() (minR, maxR int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min, p.max
}

// Open creates a new pool on the server and blocks until the server has
// granted it. The pool is Opened only after both the server's init data and
// its Opened state report have arrived, in either order.
func (p *Pool) Open(ctx context.Context) error {
	if err := p.beginOpening(messages.RunspacePoolOpening); err != nil {
		return err
	}
	create := &messages.CreateRunspacePool{
		MinRunspaces:         p.opts.MinRunspaces,
		MaxRunspaces:         p.opts.MaxRunspaces,
		ThreadOptions:        p.opts.ThreadOptions,
		ApartmentState:       p.opts.ApartmentState,
		HostInfo:             p.opts.HostInfo,
		ApplicationArguments: p.opts.ApplicationArguments,
	}
	if err := p.link.Send(p.id, uuid.Nil, create); err != nil {
		p.breakPool(fmt.Errorf("send create: %w", err))
		return err
	}
	return p.waitOpened(ctx)
}

// Connect attaches to a pre-existing server pool with this pool's id.
func (p *Pool) Connect(ctx context.Context) error {
	if err := p.beginOpening(messages.RunspacePoolConnecting); err != nil {
		return err
	}
	connect := &messages.ConnectRunspacePool{
		MinRunspaces: p.opts.MinRunspaces,
		MaxRunspaces: p.opts.MaxRunspaces,
	}
	if err := p.link.Send(p.id, uuid.Nil, connect); err != nil {
		p.breakPool(fmt.Errorf("send connect: %w", err))
		return err
	}
	return p.waitOpened(ctx)
}

func (p *Pool) beginOpening(to messages.RunspacePoolState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != messages.RunspacePoolBeforeOpen {
		return fmt.Errorf("%w: cannot open from %s", ErrInvalidState, p.state)
	}
	p.state = to
	return nil
}

func (p *Pool) waitOpened(ctx context.Context) error {
	p.mu.Lock()
	openCh := p.openCh
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.OpenTimeout)
	defer timer.Stop()
	select {
	case <-openCh:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.openErr
	case <-timer.C:
		err := fmt.Errorf("%w: pool %s not opened within %s", ErrOpenTimeout, p.id, p.opts.OpenTimeout)
		p.breakPool(err)
		return err
	case <-ctx.Done():
		p.breakPool(ctx.Err())
		return ctx.Err()
	}
}

// maybeOpenLocked fires the Opened transition once both open conditions
// have been seen. Caller holds p.mu.
func (p *Pool) maybeOpenLocked() {
	if !p.initSeen || !p.openSeen {
		return
	}
	switch p.state {
	case messages.RunspacePoolOpening, messages.RunspacePoolConnecting:
		p.state = messages.RunspacePoolOpened
		close(p.openCh)
		p.log.Info("runspace pool opened",
			zap.Stringer("id", p.id),
			zap.Int32("min", p.min),
			zap.Int32("max", p.max))
	}
}

// SetMinRunspaces asks the server to raise or lower the pool floor. The
// request is correlated by call id; a server rejection is returned to the
// caller and is not fatal to the pool.
func (p *Pool) SetMinRunspaces(ctx context.Context, n int32) error {
	if err := p.checkResize(n); err != nil {
		return err
	}
	callID := p.link.NextCallID()
	if err := p.link.Send(p.id, uuid.Nil, &messages.SetMinRunspaces{MinRunspaces: n, CallID: callID}); err != nil {
		return err
	}
	if err := p.awaitAck(ctx, callID, "SetMinRunspaces"); err != nil {
		return err
	}
	p.mu.Lock()
	p.min = n
	p.mu.Unlock()
	return nil
}

// SetMaxRunspaces asks the server to raise or lower the pool ceiling.
func (p *Pool) SetMaxRunspaces(ctx context.Context, n int32) error {
	if err := p.checkResize(n); err != nil {
		return err
	}
	callID := p.link.NextCallID()
	if err := p.link.Send(p.id, uuid.Nil, &messages.SetMaxRunspaces{MaxRunspaces: n, CallID: callID}); err != nil {
		return err
	}
	if err := p.awaitAck(ctx, callID, "SetMaxRunspaces"); err != nil {
		return err
	}
	p.mu.Lock()
	p.max = n
	p.mu.Unlock()
	return nil
}

func (p *Pool) checkResize(n int32) error {
	if n < 1 {
		return fmt.Errorf("runspace count must be positive, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != messages.RunspacePoolOpened {
		return fmt.Errorf("%w: cannot resize in %s", ErrInvalidState, p.state)
	}
	return nil
}

func (p *Pool) awaitAck(ctx context.Context, callID int64, op string) error {
	body, err := p.link.AwaitCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, ok := body.(*messages.RunspacePoolOperationResponse)
	if !ok {
		return fmt.Errorf("%s: unexpected response %s", op, body.Type())
	}
	if !resp.Success {
		return fmt.Errorf("%s: %w", op, ErrOperationRejected)
	}
	return nil
}

// AvailableRunspaces queries the server's free-runspace count.
func (p *Pool) AvailableRunspaces(ctx context.Context) (int64, error) {
	p.mu.Lock()
	if p.state != messages.RunspacePoolOpened {
		state := p.state
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: cannot query in %s", ErrInvalidState, state)
	}
	p.mu.Unlock()

	callID := p.link.NextCallID()
	if err := p.link.Send(p.id, uuid.Nil, &messages.GetAvailableRunspaces{CallID: callID}); err != nil {
		return 0, err
	}
	body, err := p.link.AwaitCall(ctx, callID)
	if err != nil {
		return 0, fmt.Errorf("GetAvailableRunspaces: %w", err)
	}
	avail, ok := body.(*messages.AvailableRunspaces)
	if !ok {
		return 0, fmt.Errorf("GetAvailableRunspaces: unexpected response %s", body.Type())
	}
	return avail.Count, nil
}

// ResetRunspaceState asks the server to reset runspace session state.
// Requires protocol 2.3.
func (p *Pool) ResetRunspaceState(ctx context.Context) error {
	if !p.link.ServerSupports(messages.FeatureResetRunspaceState) {
		return fmt.Errorf("server protocol too old for runspace state reset")
	}
	p.mu.Lock()
	if p.state != messages.RunspacePoolOpened {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot reset in %s", ErrInvalidState, state)
	}
	p.mu.Unlock()

	callID := p.link.NextCallID()
	if err := p.link.Send(p.id, uuid.Nil, &messages.ResetRunspaceState{CallID: callID}); err != nil {
		return err
	}
	return p.awaitAck(ctx, callID, "ResetRunspaceState")
}

// ApplicationPrivateData blocks until the server's pool-scoped data has
// arrived, then returns it. The value is latched once; later duplicates
// are ignored.
func (p *Pool) ApplicationPrivateData(ctx context.Context) (map[string]any, error) {
	p.mu.Lock()
	ch := p.appDataCh
	p.mu.Unlock()
	select {
	case <-ch:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.appData, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns the remote-event channel. On overflow the oldest events
// are dropped.
func (p *Pool) Events() <-chan *messages.PSEventArgs { return p.events }

// HostCalls returns pool-scoped host callbacks. Answer via
// RespondHostCall.
func (p *Pool) HostCalls() <-chan *messages.HostCall { return p.hostCalls }

// RespondHostCall answers a pool-scoped host call.
func (p *Pool) RespondHostCall(resp *messages.HostResponse) error {
	resp.OnPipeline = false
	return p.link.Send(p.id, uuid.Nil, resp)
}

// CreatePipeline builds a pipeline in this pool. The pool must be Opened.
func (p *Pool) CreatePipeline(spec messages.PowerShellSpec, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != messages.RunspacePoolOpened {
		return nil, fmt.Errorf("%w: cannot create pipeline in %s", ErrInvalidState, p.state)
	}
	opts = append([]pipeline.Option{pipeline.WithLogger(p.log)}, opts...)
	pl := pipeline.New(p, spec, opts...)
	p.pipelines[pl.ID()] = pl
	return pl, nil
}

// RemovePipeline drops a terminal pipeline from routing.
func (p *Pool) RemovePipeline(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pipelines, id)
}

// Send implements the pipeline's link: it stamps this pool's id onto the
// envelope.
func (p *Pool) Send(pipelineID uuid.UUID, body messages.Body) error {
	return p.link.Send(p.id, pipelineID, body)
}

// ServerSupports implements the pipeline's link.
func (p *Pool) ServerSupports(f messages.Feature) bool {
	return p.link.ServerSupports(f)
}

// CancelTimeout implements the pipeline's link.
func (p *Pool) CancelTimeout() time.Duration { return p.opts.CancelTimeout }

// EnsureKeyExchange arms secure-string support before credentials cross the
// wire.
func (p *Pool) EnsureKeyExchange(ctx context.Context) error {
	return p.link.EnsureKeyExchange(ctx)
}

// Close performs an orderly pool shutdown: the server is told the pool is
// closing and the transition completes on its Closed report, or locally
// after CancelTimeout.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case messages.RunspacePoolClosed, messages.RunspacePoolBroken:
		p.mu.Unlock()
		return nil
	case messages.RunspacePoolClosing:
		closeCh := p.closeCh
		p.mu.Unlock()
		return p.waitClosed(ctx, closeCh)
	case messages.RunspacePoolOpened:
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot close from %s", ErrInvalidState, state)
	}
	p.state = messages.RunspacePoolClosing
	closeCh := p.closeCh
	pls := p.livePipelinesLocked()
	p.mu.Unlock()

	for _, pl := range pls {
		pl.Fail(fmt.Errorf("runspace pool closing"))
	}

	stateInfo := &messages.RunspacePoolStateInfo{State: messages.RunspacePoolClosed}
	if err := p.link.Send(p.id, uuid.Nil, stateInfo); err != nil {
		p.log.Warn("close notification failed", zap.Error(err))
		p.finishClose()
		return nil
	}
	return p.waitClosed(ctx, closeCh)
}

func (p *Pool) waitClosed(ctx context.Context, closeCh chan struct{}) error {
	timer := time.NewTimer(p.opts.CancelTimeout)
	defer timer.Stop()
	select {
	case <-closeCh:
		return nil
	case <-timer.C:
		p.log.Warn("close not acknowledged, closing locally", zap.Stringer("id", p.id))
		p.finishClose()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) finishClose() {
	p.mu.Lock()
	if p.state == messages.RunspacePoolClosed {
		p.mu.Unlock()
		return
	}
	p.state = messages.RunspacePoolClosed
	select {
	case <-p.closeCh:
	default:
		close(p.closeCh)
	}
	p.closeChannelsLocked()
	p.mu.Unlock()
}

// closeChannelsLocked closes the event and host-call channels exactly once.
// Caller holds p.mu, which also excludes concurrent Deliver pushes.
func (p *Pool) closeChannelsLocked() {
	if p.chClosed {
		return
	}
	p.chClosed = true
	close(p.events)
	close(p.hostCalls)
}

func (p *Pool) livePipelinesLocked() []*pipeline.Pipeline {
	out := make([]*pipeline.Pipeline, 0, len(p.pipelines))
	for _, pl := range p.pipelines {
		out = append(out, pl)
	}
	return out
}

// SessionBroken implements session.Receiver.
func (p *Pool) SessionBroken(err error) {
	p.breakPool(fmt.Errorf("%w: %w", ErrPoolBroken, err))
}

// SessionDisconnected implements session.Receiver: the pool and its running
// pipelines survive on the server while the transport is down.
func (p *Pool) SessionDisconnected() {
	p.mu.Lock()
	if p.state != messages.RunspacePoolOpened {
		p.mu.Unlock()
		return
	}
	p.state = messages.RunspacePoolDisconnected
	pls := p.livePipelinesLocked()
	p.mu.Unlock()
	for _, pl := range pls {
		pl.SessionDisconnected()
	}
}

// Reconnect implements session.Receiver: reattach under the original pool
// id after the session re-established.
func (p *Pool) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.state != messages.RunspacePoolDisconnected {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot reconnect from %s", ErrInvalidState, state)
	}
	p.state = messages.RunspacePoolConnecting
	// init data was granted on the original open; only the Opened report is
	// outstanding
	p.openSeen = false
	p.openCh = make(chan struct{})
	p.openErr = nil
	pls := p.livePipelinesLocked()
	p.mu.Unlock()

	minR, maxR := p.Runspaces()
	connect := &messages.ConnectRunspacePool{MinRunspaces: minR, MaxRunspaces: maxR}
	if err := p.link.Send(p.id, uuid.Nil, connect); err != nil {
		return fmt.Errorf("send reconnect: %w", err)
	}
	if err := p.waitOpened(ctx); err != nil {
		return err
	}
	for _, pl := range pls {
		pl.SessionReconnected()
	}
	return nil
}

// breakPool force-transitions to Broken and terminates every live
// pipeline with the reason.
func (p *Pool) breakPool(reason error) {
	p.mu.Lock()
	if p.state == messages.RunspacePoolClosed || p.state == messages.RunspacePoolBroken {
		p.mu.Unlock()
		return
	}
	wasOpening := p.state == messages.RunspacePoolOpening || p.state == messages.RunspacePoolConnecting
	p.state = messages.RunspacePoolBroken
	p.reason = reason
	if wasOpening {
		p.openErr = reason
		select {
		case <-p.openCh:
		default:
			close(p.openCh)
		}
	}
	pls := p.livePipelinesLocked()
	collectors := p.metadata
	p.metadata = make(map[uuid.UUID]*metadataCollector)
	p.closeChannelsLocked()
	p.mu.Unlock()

	p.log.Error("runspace pool broken", zap.Stringer("id", p.id), zap.Error(reason))
	for _, pl := range pls {
		pl.Fail(reason)
	}
	for _, c := range collectors {
		c.fail(reason)
	}
}

// Deliver implements session.Receiver: route one inbound body.
func (p *Pool) Deliver(pipelineID uuid.UUID, body messages.Body) {
	if pipelineID != uuid.Nil {
		p.deliverPipeline(pipelineID, body)
		return
	}

	switch b := body.(type) {
	case *messages.RunspacePoolInitData:
		p.mu.Lock()
		p.min = b.MinRunspaces
		p.max = b.MaxRunspaces
		p.initSeen = true
		p.maybeOpenLocked()
		p.mu.Unlock()

	case *messages.RunspacePoolStateInfo:
		p.handleStateInfo(b)

	case *messages.ApplicationPrivateData:
		p.mu.Lock()
		latched := p.appData != nil
		if !latched {
			p.appData = b.Data
			if p.appData == nil {
				p.appData = map[string]any{}
			}
			close(p.appDataCh)
		}
		p.mu.Unlock()
		if latched {
			p.log.Debug("duplicate application private data ignored")
		}

	case *messages.PSEventArgs:
		p.mu.Lock()
		if !p.chClosed {
			select {
			case p.events <- b:
			default:
				// drop the oldest to keep the newest
				select {
				case <-p.events:
					p.dropped++
				default:
				}
				select {
				case p.events <- b:
				default:
				}
			}
		}
		p.mu.Unlock()

	case *messages.HostCall:
		p.mu.Lock()
		closed := p.chClosed
		if !closed {
			select {
			case p.hostCalls <- b:
			default:
				closed = true
			}
		}
		p.mu.Unlock()
		if closed {
			p.log.Warn("host call dropped", zap.Int64("callID", b.CallID))
		}

	default:
		p.log.Warn("unexpected pool message", zap.Stringer("type", body.Type()))
	}
}

func (p *Pool) handleStateInfo(b *messages.RunspacePoolStateInfo) {
	switch b.State {
	case messages.RunspacePoolOpened:
		p.mu.Lock()
		p.openSeen = true
		p.maybeOpenLocked()
		p.mu.Unlock()
	case messages.RunspacePoolClosed:
		p.finishClose()
	case messages.RunspacePoolBroken:
		reason := error(ErrPoolBroken)
		if b.Reason != nil {
			reason = fmt.Errorf("%w: %w", ErrPoolBroken, b.Reason)
		}
		p.breakPool(reason)
	default:
		p.log.Debug("pool state report", zap.Stringer("state", b.State))
	}
}

func (p *Pool) deliverPipeline(pipelineID uuid.UUID, body messages.Body) {
	p.mu.Lock()
	pl := p.pipelines[pipelineID]
	collector := p.metadata[pipelineID]
	p.mu.Unlock()

	if collector != nil {
		collector.deliver(body)
		return
	}
	if pl == nil {
		p.log.Warn("message for unknown pipeline",
			zap.Stringer("type", body.Type()),
			zap.Stringer("pipelineID", pipelineID))
		return
	}
	pl.Deliver(body)
}
