package psremoting

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kmahony/go-psremoting/config"
	"github.com/kmahony/go-psremoting/messages"
	"github.com/kmahony/go-psremoting/pipeline"
	"github.com/kmahony/go-psremoting/runspace"
	"github.com/kmahony/go-psremoting/session"
	"github.com/kmahony/go-psremoting/transport"
)

// OperationError is the typed failure surfaced to callers: the operation
// that failed, the ids it was scoped to, and the underlying cause.
type OperationError struct {
	Op             string
	RunspacePoolID uuid.UUID
	PipelineID     uuid.UUID
	Err            error
}

func (e *OperationError) Error() string {
	switch {
	case e.PipelineID != uuid.Nil:
		return fmt.Sprintf("%s (pool %s, pipeline %s): %v", e.Op, e.RunspacePoolID, e.PipelineID, e.Err)
	case e.RunspacePoolID != uuid.Nil:
		return fmt.Sprintf("%s (pool %s): %v", e.Op, e.RunspacePoolID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *OperationError) Unwrap() error { return e.Err }

// Client is the top-level handle: one session plus convenience wiring for
// pools and pipelines.
type Client struct {
	log  *zap.Logger
	sess *session.Session
	cfg  config.Config
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger, shared with the session and pools.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithConfig applies a loaded configuration.
func WithConfig(cfg config.Config) ClientOption {
	return func(c *Client) { c.cfg = cfg }
}

// NewClient builds a Client that dials via dialer. Nothing connects until
// Connect.
func NewClient(dialer transport.Dialer, opts ...ClientOption) *Client {
	c := &Client{
		log: zap.NewNop(),
		cfg: config.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sess = session.New(dialer, session.Options{
		Logger:                  c.log,
		BufferSize:              c.cfg.Transport.BufferSize,
		OpenTimeout:             c.cfg.Session.OpenTimeout.Std(),
		CancelTimeout:           c.cfg.Session.CancelTimeout.Std(),
		IdleTimeout:             c.cfg.Session.IdleTimeout.Std(),
		OutputBufferingMode:     c.cfg.OutputBufferingMode(),
		MaxConnectionRetryCount: c.cfg.Session.MaxConnectionRetryCount,
		RetryBackoff:            c.cfg.Session.RetryBackoff.Std(),
	})
	return c
}

// Session exposes the underlying session for advanced control.
func (c *Client) Session() *session.Session { return c.sess }

// Connect opens the transport and negotiates the session.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.sess.Open(ctx); err != nil {
		return &OperationError{Op: "connect", Err: err}
	}
	return nil
}

// ServerSupports reports whether the negotiated server can use a feature.
func (c *Client) ServerSupports(f messages.Feature) bool {
	return c.sess.ServerSupports(f)
}

// CreateRunspacePool opens a pool on the server using the configured
// defaults, overridable via opts.
func (c *Client) CreateRunspacePool(ctx context.Context, opts runspace.Options) (*runspace.Pool, error) {
	if opts.Logger == nil {
		opts.Logger = c.log
	}
	if opts.MinRunspaces == 0 {
		opts.MinRunspaces = c.cfg.Pool.MinRunspaces
	}
	if opts.MaxRunspaces == 0 {
		opts.MaxRunspaces = c.cfg.Pool.MaxRunspaces
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = c.cfg.Session.OpenTimeout.Std()
	}
	if opts.CancelTimeout == 0 {
		opts.CancelTimeout = c.cfg.Session.CancelTimeout.Std()
	}

	pool := runspace.New(c.sess, opts)
	c.sess.AttachPool(pool)
	if err := pool.Open(ctx); err != nil {
		c.sess.DetachPool(pool.ID())
		return nil, &OperationError{Op: "open runspace pool", RunspacePoolID: pool.ID(), Err: err}
	}
	return pool, nil
}

// ClosePool closes a pool and detaches it from the session.
func (c *Client) ClosePool(ctx context.Context, pool *runspace.Pool) error {
	err := pool.Close(ctx)
	c.sess.DetachPool(pool.ID())
	if err != nil {
		return &OperationError{Op: "close runspace pool", RunspacePoolID: pool.ID(), Err: err}
	}
	return nil
}

// Run is the one-shot convenience: invoke a script in the pool and collect
// its output and error records.
func (c *Client) Run(ctx context.Context, pool *runspace.Pool, script string) ([]any, []*messages.ErrorRecord, error) {
	spec, err := pipeline.NewBuilder().AddScript(script).Spec()
	if err != nil {
		return nil, nil, &OperationError{Op: "build pipeline", RunspacePoolID: pool.ID(), Err: err}
	}
	pl, err := pool.CreatePipeline(spec, pipeline.WithNoInput())
	if err != nil {
		return nil, nil, &OperationError{Op: "create pipeline", RunspacePoolID: pool.ID(), Err: err}
	}
	defer pool.RemovePipeline(pl.ID())

	if err := pl.Invoke(ctx); err != nil {
		return nil, nil, &OperationError{
			Op: "invoke pipeline", RunspacePoolID: pool.ID(), PipelineID: pl.ID(), Err: err,
		}
	}

	var output []any
	var errRecs []*messages.ErrorRecord
	for {
		v, err := pl.Output(ctx)
		if err != nil {
			break
		}
		output = append(output, v)
	}
	for {
		rec, err := pl.ErrorRecord(ctx)
		if err != nil {
			break
		}
		errRecs = append(errRecs, rec)
	}
	if err := pl.Wait(ctx); err != nil {
		return output, errRecs, &OperationError{
			Op: "pipeline execution", RunspacePoolID: pool.ID(), PipelineID: pl.ID(), Err: err,
		}
	}
	return output, errRecs, nil
}

// Disconnect detaches the transport, leaving pools resumable on the server.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.sess.Disconnect(ctx); err != nil {
		return &OperationError{Op: "disconnect", Err: err}
	}
	return nil
}

// Reconnect reattaches the transport and every pool.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.sess.Reconnect(ctx); err != nil {
		return &OperationError{Op: "reconnect", Err: err}
	}
	return nil
}

// Close tears the session down.
func (c *Client) Close(ctx context.Context) error {
	if err := c.sess.Close(ctx); err != nil {
		return &OperationError{Op: "close", Err: err}
	}
	return nil
}

// ProcessDialer spawns the configured server executable in stdio mode for
// each connection attempt and frames it with the out-of-process protocol.
func ProcessDialer(cfg config.Transport) transport.Dialer {
	return func(ctx context.Context) (transport.Connection, error) {
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...) // #nosec G204 -- command comes from operator config
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
		}
		closer := func() error {
			_ = stdin.Close()
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			return cmd.Wait()
		}
		return transport.NewOutOfProc(stdout, stdin, closer), nil
	}
}
