// Package pipeline implements one remote command invocation bound to a
// runspace pool: the invocation state machine, the seven buffered record
// streams, and stop semantics with a bounded local fallback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kmahony/go-psremoting/messages"
)

var (
	// ErrNotRunning is returned for operations that need a running
	// pipeline, such as sending input.
	ErrNotRunning = errors.New("pipeline not running")
	// ErrAlreadyInvoked is returned when Invoke is called twice.
	ErrAlreadyInvoked = errors.New("pipeline already invoked")
	// ErrNoInput is returned when input is sent to a no-input pipeline.
	ErrNoInput = errors.New("pipeline was created without input")
)

// Link is the pipeline's handle back to its pool: it stamps the pool id on
// outbound envelopes and answers version questions. Implemented by
// runspace.Pool.
type Link interface {
	Send(pipelineID uuid.UUID, body messages.Body) error
	ServerSupports(f messages.Feature) bool
	CancelTimeout() time.Duration
}

// Pipeline is one remote invocation.
type Pipeline struct {
	link Link
	log  *zap.Logger
	id   uuid.UUID

	spec     messages.PowerShellSpec
	noInput  bool
	hostInfo messages.HostInfo
	settings InvokeSettings

	mu       sync.Mutex
	state    messages.PSInvocationState
	reason   error
	stopSent bool
	done     chan struct{}

	output      *stream[any]
	errorRecs   *stream[*messages.ErrorRecord]
	debug       *stream[string]
	verbose     *stream[string]
	warning     *stream[string]
	progress    *stream[*messages.ProgressRecord]
	information *stream[*messages.InformationRecord]
	hostCalls   *stream[*messages.HostCall]
}

// InvokeSettings carries the invocation flags sent with CreatePowerShell.
type InvokeSettings struct {
	AddToHistory        bool
	ApartmentState      messages.ApartmentState
	RemoteStreamOptions messages.RemoteStreamOptions
	IsNested            bool
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithNoInput marks the pipeline as taking no input; input-end is implied
// at invoke and SendInput is rejected locally.
func WithNoInput() Option {
	return func(p *Pipeline) { p.noInput = true }
}

// WithHostInfo overrides the host information sent to the server. Defaults
// to a null host.
func WithHostInfo(h messages.HostInfo) Option {
	return func(p *Pipeline) { p.hostInfo = h }
}

// WithSettings sets the invocation flags.
func WithSettings(s InvokeSettings) Option {
	return func(p *Pipeline) { p.settings = s }
}

// New creates a pipeline for the given command spec. It goes on the wire
// only when Invoke is called.
func New(link Link, spec messages.PowerShellSpec, opts ...Option) *Pipeline {
	p := &Pipeline{
		link:        link,
		log:         zap.NewNop(),
		id:          uuid.New(),
		spec:        spec,
		hostInfo:    messages.NullHostInfo(),
		state:       messages.InvocationNotStarted,
		done:        make(chan struct{}),
		output:      newStream[any](),
		errorRecs:   newStream[*messages.ErrorRecord](),
		debug:       newStream[string](),
		verbose:     newStream[string](),
		warning:     newStream[string](),
		progress:    newStream[*messages.ProgressRecord](),
		information: newStream[*messages.InformationRecord](),
		hostCalls:   newStream[*messages.HostCall](),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Builder assembles a multi-command spec fluently.
type Builder struct {
	spec messages.PowerShellSpec
	err  error
}

// NewBuilder starts an empty command builder.
func NewBuilder() *Builder { return &Builder{} }

// AddScript appends a script-text command, starting a new statement.
func (b *Builder) AddScript(text string) *Builder {
	b.endStatement()
	b.spec.Commands = append(b.spec.Commands, messages.Command{Text: text, IsScript: true})
	return b
}

// AddCommand appends a named command, starting a new statement.
func (b *Builder) AddCommand(name string) *Builder {
	b.endStatement()
	b.spec.Commands = append(b.spec.Commands, messages.Command{Text: name})
	return b
}

// AddParameter attaches a named parameter to the last command.
func (b *Builder) AddParameter(name string, value any) *Builder {
	if len(b.spec.Commands) == 0 {
		b.err = errors.New("AddParameter before any command")
		return b
	}
	last := &b.spec.Commands[len(b.spec.Commands)-1]
	last.Parameters = append(last.Parameters, messages.Parameter{Name: name, Value: value})
	return b
}

// AddArgument attaches a positional argument to the last command.
func (b *Builder) AddArgument(value any) *Builder {
	return b.AddParameter("", value)
}

func (b *Builder) endStatement() {
	if n := len(b.spec.Commands); n > 0 {
		b.spec.Commands[n-1].EndOfStatement = true
	}
}

// Spec returns the assembled command spec.
func (b *Builder) Spec() (messages.PowerShellSpec, error) {
	if b.err != nil {
		return messages.PowerShellSpec{}, b.err
	}
	if len(b.spec.Commands) == 0 {
		return messages.PowerShellSpec{}, errors.New("no commands added")
	}
	return b.spec, nil
}

// ID returns the pipeline instance id.
func (p *Pipeline) ID() uuid.UUID { return p.id }

// State returns the current invocation state.
func (p *Pipeline) State() messages.PSInvocationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reason returns the terminating error once the pipeline is Failed or
// Stopped for cause.
func (p *Pipeline) Reason() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Invoke sends CreatePowerShell and moves the pipeline to Running. Using
// multiple statements requires a server with batch invocation support.
func (p *Pipeline) Invoke(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.statementCount() > 1 && !p.link.ServerSupports(messages.FeatureBatchInvocation) {
		return fmt.Errorf("server protocol too old for batch invocation")
	}

	// claim the pipeline before releasing the lock so a concurrent Invoke
	// cannot send a second create for the same id
	p.mu.Lock()
	if p.state != messages.InvocationNotStarted {
		p.mu.Unlock()
		return ErrAlreadyInvoked
	}
	p.state = messages.InvocationRunning
	p.mu.Unlock()

	create := &messages.CreatePowerShell{
		Spec:                p.spec,
		NoInput:             p.noInput,
		AddToHistory:        p.settings.AddToHistory,
		ApartmentState:      p.settings.ApartmentState,
		RemoteStreamOptions: p.settings.RemoteStreamOptions,
		HostInfo:            p.hostInfo,
		IsNested:            p.settings.IsNested,
	}
	if err := p.link.Send(p.id, create); err != nil {
		p.mu.Lock()
		if p.state == messages.InvocationRunning {
			p.state = messages.InvocationNotStarted
		}
		p.mu.Unlock()
		return fmt.Errorf("invoke pipeline %s: %w", p.id, err)
	}

	p.log.Debug("pipeline invoked", zap.Stringer("id", p.id))
	return nil
}

func (p *Pipeline) statementCount() int {
	n := 0
	for _, c := range p.spec.Commands {
		if c.EndOfStatement {
			n++
		}
	}
	if len(p.spec.Commands) > 0 && !p.spec.Commands[len(p.spec.Commands)-1].EndOfStatement {
		n++
	}
	return n
}

// SendInput streams one input object. Rejected locally unless the pipeline
// is running and accepts input.
func (p *Pipeline) SendInput(value any) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if p.noInput {
		return ErrNoInput
	}
	if state != messages.InvocationRunning {
		return fmt.Errorf("%w: state %s", ErrNotRunning, state)
	}
	return p.link.Send(p.id, &messages.PowerShellInput{Value: value})
}

// CloseInput marks the end of the input stream.
func (p *Pipeline) CloseInput() error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if p.noInput {
		return ErrNoInput
	}
	if state != messages.InvocationRunning {
		return fmt.Errorf("%w: state %s", ErrNotRunning, state)
	}
	return p.link.Send(p.id, &messages.PowerShellInputEnd{})
}

// Stop requests server-side termination and waits for the Stopped state.
// If the server does not acknowledge within CancelTimeout the pipeline
// transitions locally; the remote resource may outlive it until the server
// times it out independently.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case messages.InvocationCompleted, messages.InvocationFailed, messages.InvocationStopped:
		p.mu.Unlock()
		return nil
	case messages.InvocationRunning, messages.InvocationDisconnected:
	case messages.InvocationStopping:
		p.mu.Unlock()
		return p.waitStopped(ctx)
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", ErrNotRunning, state)
	}
	p.state = messages.InvocationStopping
	alreadySent := p.stopSent
	p.stopSent = true
	p.mu.Unlock()

	if !alreadySent {
		if err := p.link.Send(p.id, &messages.StopPowerShell{}); err != nil {
			p.log.Warn("stop request failed, terminating locally", zap.Error(err))
			p.transition(messages.InvocationStopped, nil)
			return nil
		}
	}
	return p.waitStopped(ctx)
}

func (p *Pipeline) waitStopped(ctx context.Context) error {
	timer := time.NewTimer(p.link.CancelTimeout())
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.log.Warn("stop not acknowledged, terminating locally",
			zap.Stringer("id", p.id))
		p.transition(messages.InvocationStopped, nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the pipeline reaches a terminal state, returning the
// terminating reason for Failed pipelines.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == messages.InvocationFailed {
		return p.reason
	}
	return nil
}

// Output returns the next output object, blocking until one arrives or the
// stream ends.
func (p *Pipeline) Output(ctx context.Context) (any, error) { return p.output.recv(ctx) }

// ErrorRecord returns the next error-stream record.
func (p *Pipeline) ErrorRecord(ctx context.Context) (*messages.ErrorRecord, error) {
	return p.errorRecs.recv(ctx)
}

// Debug returns the next debug-stream message.
func (p *Pipeline) Debug(ctx context.Context) (string, error) { return p.debug.recv(ctx) }

// Verbose returns the next verbose-stream message.
func (p *Pipeline) Verbose(ctx context.Context) (string, error) { return p.verbose.recv(ctx) }

// Warning returns the next warning-stream message.
func (p *Pipeline) Warning(ctx context.Context) (string, error) { return p.warning.recv(ctx) }

// Progress returns the next progress record.
func (p *Pipeline) Progress(ctx context.Context) (*messages.ProgressRecord, error) {
	return p.progress.recv(ctx)
}

// Information returns the next information-stream record. Servers below
// protocol 2.3 never produce these.
func (p *Pipeline) Information(ctx context.Context) (*messages.InformationRecord, error) {
	return p.information.recv(ctx)
}

// HostCall returns the next host callback addressed to this pipeline. The
// caller interprets the method and answers via RespondHostCall.
func (p *Pipeline) HostCall(ctx context.Context) (*messages.HostCall, error) {
	return p.hostCalls.recv(ctx)
}

// RespondHostCall answers a pipeline-scoped host call.
func (p *Pipeline) RespondHostCall(resp *messages.HostResponse) error {
	resp.OnPipeline = true
	return p.link.Send(p.id, resp)
}

// DrainOutput returns all currently buffered output without blocking.
func (p *Pipeline) DrainOutput() []any { return p.output.drain() }

// Deliver routes one inbound body to this pipeline. Called from the pool's
// dispatch path in arrival order.
func (p *Pipeline) Deliver(body messages.Body) {
	switch b := body.(type) {
	case *messages.PowerShellOutput:
		p.output.push(b.Value)
	case *messages.PowerShellErrorRecord:
		p.errorRecs.push(b.Record)
	case *messages.DebugRecord:
		p.debug.push(b.Message)
	case *messages.VerboseRecord:
		p.verbose.push(b.Message)
	case *messages.WarningRecord:
		p.warning.push(b.Message)
	case *messages.PowerShellProgress:
		p.progress.push(b.Record)
	case *messages.PowerShellInformation:
		p.information.push(b.Record)
	case *messages.HostCall:
		p.hostCalls.push(b)
	case *messages.PowerShellStateInfo:
		p.handleStateInfo(b)
	default:
		p.log.Warn("unexpected pipeline message",
			zap.Stringer("type", body.Type()),
			zap.Stringer("id", p.id))
	}
}

func (p *Pipeline) handleStateInfo(b *messages.PowerShellStateInfo) {
	var reason error
	if b.Reason != nil {
		reason = b.Reason
	}
	switch b.State {
	case messages.InvocationCompleted, messages.InvocationFailed, messages.InvocationStopped:
		p.transition(b.State, reason)
	case messages.InvocationRunning, messages.InvocationStopping:
		p.mu.Lock()
		// never regress out of Stopping on a late Running report
		if p.state == messages.InvocationRunning || p.state == messages.InvocationStopping {
			p.state = b.State
		}
		p.mu.Unlock()
	default:
		p.log.Warn("ignoring pipeline state report",
			zap.Stringer("state", b.State))
	}
}

// Fail terminates the pipeline with a pool- or session-scoped error.
func (p *Pipeline) Fail(reason error) {
	p.transition(messages.InvocationFailed, reason)
}

// SessionDisconnected reflects a session disconnect: a running pipeline
// keeps its server-side state and resumes on reconnect.
func (p *Pipeline) SessionDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == messages.InvocationRunning {
		p.state = messages.InvocationDisconnected
	}
}

// SessionReconnected resumes a disconnected pipeline.
func (p *Pipeline) SessionReconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == messages.InvocationDisconnected {
		p.state = messages.InvocationRunning
	}
}

// transition applies a terminal state once; later transitions are ignored.
func (p *Pipeline) transition(to messages.PSInvocationState, reason error) {
	p.mu.Lock()
	if p.state == messages.InvocationCompleted ||
		p.state == messages.InvocationFailed ||
		p.state == messages.InvocationStopped {
		p.mu.Unlock()
		return
	}
	p.state = to
	if reason != nil && p.reason == nil {
		p.reason = reason
	}
	p.mu.Unlock()

	p.log.Debug("pipeline terminal",
		zap.Stringer("id", p.id),
		zap.Stringer("state", to))
	p.output.close()
	p.errorRecs.close()
	p.debug.close()
	p.verbose.close()
	p.warning.close()
	p.progress.close()
	p.information.close()
	p.hostCalls.close()
	close(p.done)
}
