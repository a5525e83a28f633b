package transport

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePacket(t *testing.T) {
	id := uuid.MustParse("12345678-1234-1234-1234-123456789abc")

	tests := []struct {
		name     string
		line     string
		wantType PacketType
		wantData []byte
	}{
		{
			name:     "data packet",
			line:     fmt.Sprintf("<Data Stream='Default' PSGuid='%s'>%s</Data>", id, base64.StdEncoding.EncodeToString([]byte("blob"))),
			wantType: PacketData,
			wantData: []byte("blob"),
		},
		{
			name:     "empty data packet",
			line:     fmt.Sprintf("<Data Stream='Default' PSGuid='%s'></Data>", id),
			wantType: PacketData,
		},
		{
			name:     "command ack",
			line:     fmt.Sprintf("<CommandAck PSGuid='%s' />", id),
			wantType: PacketCommandAck,
		},
		{
			name:     "close ack",
			line:     fmt.Sprintf("<CloseAck PSGuid='%s' />", id),
			wantType: PacketCloseAck,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := parsePacket(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, pkt.Type)
			assert.Equal(t, id, pkt.PSGuid)
			assert.Equal(t, tt.wantData, pkt.Data)
		})
	}
}

func TestParsePacketBadGUID(t *testing.T) {
	_, err := parsePacket("<Command PSGuid='not-a-guid' />")
	assert.Error(t, err)
}

func TestOutOfProcReadSkipsControlTraffic(t *testing.T) {
	payload := []byte("fragment bytes")
	var sent strings.Builder
	fmt.Fprintf(&sent, "<CommandAck PSGuid='%s' />\n", uuid.Nil)
	fmt.Fprintf(&sent, "<Data Stream='Default' PSGuid='%s'>%s</Data>\n",
		uuid.Nil, base64.StdEncoding.EncodeToString(payload))

	var acks strings.Builder
	o := NewOutOfProc(strings.NewReader(sent.String()), &acks, nil)

	ack := o.AwaitAck(PacketCommandAck)

	buf := make([]byte, 64)
	n, err := o.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
	assert.Equal(t, uuid.Nil, <-ack)
	assert.Contains(t, acks.String(), "<DataAck")

	_, err = o.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOutOfProcWriteFramesData(t *testing.T) {
	var out strings.Builder
	o := NewOutOfProc(strings.NewReader(""), &out, nil)

	n, err := o.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	line := out.String()
	assert.True(t, strings.HasPrefix(line, "<Data Stream='Default'"))
	assert.Contains(t, line, base64.StdEncoding.EncodeToString([]byte("abc")))
	assert.True(t, strings.HasSuffix(line, "</Data>\n"))
}

func TestOutOfProcCloseSendsClosePacket(t *testing.T) {
	var out strings.Builder
	closed := false
	o := NewOutOfProc(strings.NewReader(""), &out, func() error {
		closed = true
		return nil
	})

	require.NoError(t, o.Close())
	assert.Contains(t, out.String(), "<Close PSGuid='00000000-0000-0000-0000-000000000000' />")
	assert.True(t, closed)
}
