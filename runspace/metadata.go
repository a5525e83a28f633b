package runspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kmahony/go-psremoting/messages"
	"github.com/kmahony/go-psremoting/serialization"
)

// CommandMetadata describes one command discovered on the server.
type CommandMetadata struct {
	Name        string
	Namespace   string
	CommandType int32
	// Parameters maps parameter name to its declared type name, when the
	// server includes it.
	Parameters map[string]string
}

// GetCommandMetadata enumerates server commands matching the given name
// patterns (defaults to "*"). The server streams the results back like
// pipeline output on a dedicated pipeline id, terminated by a Completed
// state report.
func (p *Pool) GetCommandMetadata(ctx context.Context, names []string) ([]*CommandMetadata, error) {
	p.mu.Lock()
	if p.state != messages.RunspacePoolOpened {
		state := p.state
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot discover commands in %s", ErrInvalidState, state)
	}
	if len(names) == 0 {
		names = []string{"*"}
	}

	pid := uuid.New()
	collector := newMetadataCollector()
	p.metadata[pid] = collector
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.metadata, pid)
		p.mu.Unlock()
	}()

	req := &messages.GetCommandMetadata{
		Names:  names,
		CallID: p.link.NextCallID(),
	}
	if err := p.link.Send(p.id, pid, req); err != nil {
		return nil, fmt.Errorf("send metadata request: %w", err)
	}
	return collector.wait(ctx)
}

// metadataCollector accumulates the output of one metadata query until its
// Completed report.
type metadataCollector struct {
	mu      sync.Mutex
	results []*CommandMetadata
	// first object is the result count, which carries no metadata
	sawCount bool
	done     chan struct{}
	err      error
}

func newMetadataCollector() *metadataCollector {
	return &metadataCollector{done: make(chan struct{})}
}

func (c *metadataCollector) deliver(body messages.Body) {
	switch b := body.(type) {
	case *messages.PowerShellOutput:
		c.mu.Lock()
		if !c.sawCount && isCountObject(b.Value) {
			c.sawCount = true
		} else if meta := metadataFromValue(b.Value); meta != nil {
			c.results = append(c.results, meta)
		}
		c.mu.Unlock()
	case *messages.PowerShellStateInfo:
		switch b.State {
		case messages.InvocationCompleted:
			c.complete(nil)
		case messages.InvocationFailed, messages.InvocationStopped:
			var reason error = fmt.Errorf("metadata query ended in %s", b.State)
			if b.Reason != nil {
				reason = b.Reason
			}
			c.complete(reason)
		}
	case *messages.PowerShellErrorRecord:
		// non-terminating; command enumeration continues
	}
}

func (c *metadataCollector) complete(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
}

func (c *metadataCollector) fail(err error) { c.complete(err) }

func (c *metadataCollector) wait(ctx context.Context) ([]*CommandMetadata, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.results, nil
}

// isCountObject recognizes the leading result-count object.
func isCountObject(v any) bool {
	obj, ok := v.(*serialization.PSObject)
	if !ok {
		return false
	}
	_, has := obj.Properties["Count"]
	return has && obj.Properties["Name"] == nil
}

func metadataFromValue(v any) *CommandMetadata {
	obj, ok := v.(*serialization.PSObject)
	if !ok {
		return nil
	}
	name, ok := obj.Properties["Name"].(string)
	if !ok {
		return nil
	}
	meta := &CommandMetadata{Name: name}
	if ns, ok := obj.Properties["Namespace"].(string); ok {
		meta.Namespace = ns
	}
	switch ct := obj.Properties["CommandType"].(type) {
	case int32:
		meta.CommandType = ct
	case *serialization.PSObject:
		if raw, ok := ct.BaseValue.(int32); ok {
			meta.CommandType = raw
		}
	}
	if params, ok := obj.Properties["Parameters"].(map[string]any); ok {
		meta.Parameters = make(map[string]string, len(params))
		for pname, pval := range params {
			if inner, ok := pval.(*serialization.PSObject); ok {
				if t, ok := inner.Properties["ParameterType"].(string); ok {
					meta.Parameters[pname] = t
					continue
				}
			}
			meta.Parameters[pname] = ""
		}
	}
	return meta
}
