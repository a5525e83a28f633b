// Package host routes remote host callbacks. The engine treats host calls
// as opaque beyond their ids; this package gives callers a place to plug an
// implementation and a null responder for non-interactive use.
package host

import (
	"fmt"

	"github.com/kmahony/go-psremoting/messages"
)

// MethodID identifies the host method a server-side call targets.
type MethodID int32

const (
	MethodRead                MethodID = 1
	MethodReadLine            MethodID = 2
	MethodWriteErrorLine      MethodID = 3
	MethodWrite               MethodID = 4
	MethodWriteDebugLine      MethodID = 5
	MethodWriteVerboseLine    MethodID = 6
	MethodWriteWarningLine    MethodID = 7
	MethodWriteInformation    MethodID = 8
	MethodPrompt              MethodID = 9
	MethodPromptForCredential MethodID = 10
	MethodPromptForChoice     MethodID = 11
	MethodPromptForPassword   MethodID = 12
)

func (m MethodID) String() string {
	switch m {
	case MethodRead:
		return "Read"
	case MethodReadLine:
		return "ReadLine"
	case MethodWriteErrorLine:
		return "WriteErrorLine"
	case MethodWrite:
		return "Write"
	case MethodWriteDebugLine:
		return "WriteDebugLine"
	case MethodWriteVerboseLine:
		return "WriteVerboseLine"
	case MethodWriteWarningLine:
		return "WriteWarningLine"
	case MethodWriteInformation:
		return "WriteInformation"
	case MethodPrompt:
		return "Prompt"
	case MethodPromptForCredential:
		return "PromptForCredential"
	case MethodPromptForChoice:
		return "PromptForChoice"
	case MethodPromptForPassword:
		return "PromptForPassword"
	default:
		return fmt.Sprintf("MethodID(%d)", int32(m))
	}
}

// voidMethods return nothing; their responses are a bare ack.
var voidMethods = map[MethodID]bool{
	MethodWrite:            true,
	MethodWriteErrorLine:   true,
	MethodWriteDebugLine:   true,
	MethodWriteVerboseLine: true,
	MethodWriteWarningLine: true,
	MethodWriteInformation: true,
}

// Responder answers one host call. Implementations interpret the method and
// parameters; the returned response must carry the call's id.
type Responder interface {
	Respond(call *messages.HostCall) *messages.HostResponse
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(call *messages.HostCall) *messages.HostResponse

func (f ResponderFunc) Respond(call *messages.HostCall) *messages.HostResponse {
	return f(call)
}

// NullResponder acks void methods and rejects anything that needs user
// interaction. Suitable for non-interactive automation.
type NullResponder struct{}

func (NullResponder) Respond(call *messages.HostCall) *messages.HostResponse {
	resp := &messages.HostResponse{
		OnPipeline: call.OnPipeline,
		CallID:     call.CallID,
		MethodID:   call.MethodID,
	}
	if !voidMethods[MethodID(call.MethodID)] {
		resp.Error = &messages.ErrorRecord{
			Message:               fmt.Sprintf("host method %s is not available", MethodID(call.MethodID)),
			FullyQualifiedErrorID: "HostMethodNotImplemented",
		}
	}
	return resp
}

// Serve consumes host calls from calls and answers each through send until
// the channel closes. Run it in its own goroutine per pool or pipeline.
func Serve(calls <-chan *messages.HostCall, r Responder, send func(*messages.HostResponse) error) error {
	for call := range calls {
		resp := r.Respond(call)
		if resp == nil {
			continue
		}
		resp.CallID = call.CallID
		resp.OnPipeline = call.OnPipeline
		if err := send(resp); err != nil {
			return fmt.Errorf("respond to host call %d: %w", call.CallID, err)
		}
	}
	return nil
}
