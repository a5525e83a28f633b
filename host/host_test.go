package host

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmahony/go-psremoting/messages"
)

func TestMethodIDString(t *testing.T) {
	assert.Equal(t, "ReadLine", MethodReadLine.String())
	assert.Equal(t, "WriteErrorLine", MethodWriteErrorLine.String())
	assert.Equal(t, "PromptForCredential", MethodPromptForCredential.String())
	assert.Equal(t, "MethodID(99)", MethodID(99).String())
}

func TestNullResponderAcksVoidMethods(t *testing.T) {
	r := NullResponder{}
	for _, m := range []MethodID{
		MethodWrite, MethodWriteErrorLine, MethodWriteDebugLine,
		MethodWriteVerboseLine, MethodWriteWarningLine, MethodWriteInformation,
	} {
		resp := r.Respond(&messages.HostCall{CallID: 5, MethodID: int32(m), OnPipeline: true})
		require.NotNil(t, resp, m.String())
		assert.Equal(t, int64(5), resp.CallID)
		assert.Equal(t, int32(m), resp.MethodID)
		assert.True(t, resp.OnPipeline)
		assert.Nil(t, resp.Error, "%s is a void method", m)
	}
}

func TestNullResponderRejectsInteractiveMethods(t *testing.T) {
	r := NullResponder{}
	for _, m := range []MethodID{
		MethodRead, MethodReadLine, MethodPrompt,
		MethodPromptForCredential, MethodPromptForChoice, MethodPromptForPassword,
	} {
		resp := r.Respond(&messages.HostCall{CallID: 7, MethodID: int32(m)})
		require.NotNil(t, resp, m.String())
		require.NotNil(t, resp.Error, "%s needs a user and must be rejected", m)
		assert.Equal(t, "HostMethodNotImplemented", resp.Error.FullyQualifiedErrorID)
		assert.Contains(t, resp.Error.Message, m.String())
	}
}

func TestServeAnswersUntilClose(t *testing.T) {
	calls := make(chan *messages.HostCall, 3)
	calls <- &messages.HostCall{CallID: 1, MethodID: int32(MethodWrite)}
	calls <- &messages.HostCall{CallID: 2, MethodID: int32(MethodReadLine), OnPipeline: true}
	close(calls)

	var got []*messages.HostResponse
	err := Serve(calls, NullResponder{}, func(resp *messages.HostResponse) error {
		got = append(got, resp)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].CallID)
	assert.Equal(t, int64(2), got[1].CallID)
	assert.True(t, got[1].OnPipeline, "scope follows the call")
}

func TestServeSkipsNilResponses(t *testing.T) {
	calls := make(chan *messages.HostCall, 1)
	calls <- &messages.HostCall{CallID: 1, MethodID: int32(MethodWrite)}
	close(calls)

	sent := 0
	err := Serve(calls, ResponderFunc(func(*messages.HostCall) *messages.HostResponse {
		return nil
	}), func(*messages.HostResponse) error {
		sent++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestServeStopsOnSendError(t *testing.T) {
	calls := make(chan *messages.HostCall, 2)
	calls <- &messages.HostCall{CallID: 1, MethodID: int32(MethodWrite)}
	calls <- &messages.HostCall{CallID: 2, MethodID: int32(MethodWrite)}
	close(calls)

	cause := errors.New("transport down")
	err := Serve(calls, NullResponder{}, func(*messages.HostResponse) error {
		return cause
	})
	assert.ErrorIs(t, err, cause)
}

func TestServeStampsCorrelation(t *testing.T) {
	calls := make(chan *messages.HostCall, 1)
	calls <- &messages.HostCall{CallID: 42, MethodID: int32(MethodWrite), OnPipeline: true}
	close(calls)

	err := Serve(calls, ResponderFunc(func(*messages.HostCall) *messages.HostResponse {
		// a sloppy responder that forgets the ids
		return &messages.HostResponse{}
	}), func(resp *messages.HostResponse) error {
		assert.Equal(t, int64(42), resp.CallID)
		assert.True(t, resp.OnPipeline)
		return nil
	})
	require.NoError(t, err)
}
