// Package messages defines the PSRP message taxonomy and the envelope codec.
//
// Every unit of protocol communication is a Message: a 40-byte header
// (destination, message type, runspace pool id, pipeline id) followed by a
// CLIXML payload. Each message type's payload is modeled as a typed body
// struct (see types.go); the generic property-bag representation is confined
// to this package's encode/decode boundary.
//
// # Message Structure
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Destination (4 bytes) - 1=Client, 2=Server, 4=Listener │
//	├─────────────────────────────────────────────────────────┤
//	│  MessageType (4 bytes)                                  │
//	├─────────────────────────────────────────────────────────┤
//	│  RPID (16 bytes) - RunspacePool ID (GUID)               │
//	├─────────────────────────────────────────────────────────┤
//	│  PID (16 bytes) - Pipeline ID (GUID)                    │
//	├─────────────────────────────────────────────────────────┤
//	│  Data (variable) - CLIXML encoded payload               │
//	└─────────────────────────────────────────────────────────┘
//
// All multi-byte header fields are little-endian, following the .NET
// serialization convention PowerShell peers expect. GUIDs use the .NET
// mixed-endian layout: the first three components are byte-swapped, the
// last two are not. Note that fragment headers (package fragments) are
// big-endian; the two layers were specified independently.
//
// Reference: MS-PSRP Section 2.2.1.
package messages

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Destination is a bit mask identifying the intended receiver of a message.
type Destination uint32

const (
	// DestinationClient marks messages sent to the client.
	DestinationClient Destination = 1
	// DestinationServer marks messages sent to the server.
	DestinationServer Destination = 2
	// DestinationListener marks messages addressed to a listener endpoint.
	DestinationListener Destination = 4
)

// String returns a readable form of the destination mask.
func (d Destination) String() string {
	switch d {
	case DestinationClient:
		return "Client"
	case DestinationServer:
		return "Server"
	case DestinationListener:
		return "Listener"
	default:
		return fmt.Sprintf("Destination(0x%X)", uint32(d))
	}
}

// MessageType identifies a PSRP message kind. The values are stable 32-bit
// tags; the high bits group related kinds (session, runspace pool, pipeline,
// host) and must not be changed without breaking interop.
type MessageType uint32

// Session and key-exchange message types.
const (
	TypeSessionCapability   MessageType = 0x00010002
	TypeCloseSession        MessageType = 0x00010003
	TypeCreateRunspacePool  MessageType = 0x00010004
	TypePublicKey           MessageType = 0x00010005
	TypeEncryptedSessionKey MessageType = 0x00010006
	TypePublicKeyRequest    MessageType = 0x00010007
	TypeConnectRunspacePool MessageType = 0x00010008
)

// Runspace pool message types.
const (
	TypeSetMaxRunspaces        MessageType = 0x00021002
	TypeSetMinRunspaces        MessageType = 0x00021003
	TypeRunspaceAvailability   MessageType = 0x00021004
	TypeRunspacePoolStateInfo  MessageType = 0x00021005
	TypeCreatePowerShell       MessageType = 0x00021006
	TypeGetAvailableRunspaces  MessageType = 0x00021007
	TypePSEventArgs            MessageType = 0x00021008
	TypeApplicationPrivateData MessageType = 0x00021009
	TypeGetCommandMetadata     MessageType = 0x0002100A
	TypeRunspacePoolInitData   MessageType = 0x0002100B
	TypeResetRunspaceState     MessageType = 0x0002100C
)

// Pipeline message types.
const (
	TypeStopPowerShell              MessageType = 0x00041001
	TypePowerShellInput             MessageType = 0x00041002
	TypePowerShellInputEnd          MessageType = 0x00041003
	TypePowerShellOutput            MessageType = 0x00041004
	TypePowerShellErrorRecord       MessageType = 0x00041005
	TypePowerShellStateInfo         MessageType = 0x00041006
	TypePowerShellDebug             MessageType = 0x00041007
	TypePowerShellVerbose           MessageType = 0x00041008
	TypePowerShellWarning           MessageType = 0x00041009
	TypePowerShellProgress          MessageType = 0x00041010
	TypePowerShellInformationStream MessageType = 0x00041011
)

// Host callback message types. Their payloads are opaque to this engine
// beyond call-id routing.
const (
	TypeRunspaceHostCall       MessageType = 0x00021100
	TypeRunspaceHostResponse   MessageType = 0x00021101
	TypePowerShellHostCall     MessageType = 0x00041100
	TypePowerShellHostResponse MessageType = 0x00041101
)

var messageTypeNames = map[MessageType]string{
	TypeSessionCapability:           "SessionCapability",
	TypeCloseSession:                "CloseSession",
	TypeCreateRunspacePool:          "CreateRunspacePool",
	TypePublicKey:                   "PublicKey",
	TypeEncryptedSessionKey:         "EncryptedSessionKey",
	TypePublicKeyRequest:            "PublicKeyRequest",
	TypeConnectRunspacePool:         "ConnectRunspacePool",
	TypeSetMaxRunspaces:             "SetMaxRunspaces",
	TypeSetMinRunspaces:             "SetMinRunspaces",
	TypeRunspaceAvailability:        "RunspaceAvailability",
	TypeRunspacePoolStateInfo:       "RunspacePoolStateInfo",
	TypeCreatePowerShell:            "CreatePowerShell",
	TypeGetAvailableRunspaces:       "GetAvailableRunspaces",
	TypePSEventArgs:                 "PSEventArgs",
	TypeApplicationPrivateData:      "ApplicationPrivateData",
	TypeGetCommandMetadata:          "GetCommandMetadata",
	TypeRunspacePoolInitData:        "RunspacePoolInitData",
	TypeResetRunspaceState:          "ResetRunspaceState",
	TypeStopPowerShell:              "StopPowerShell",
	TypePowerShellInput:             "PowerShellInput",
	TypePowerShellInputEnd:          "PowerShellInputEnd",
	TypePowerShellOutput:            "PowerShellOutput",
	TypePowerShellErrorRecord:       "PowerShellErrorRecord",
	TypePowerShellStateInfo:         "PowerShellStateInfo",
	TypePowerShellDebug:             "PowerShellDebug",
	TypePowerShellVerbose:           "PowerShellVerbose",
	TypePowerShellWarning:           "PowerShellWarning",
	TypePowerShellProgress:          "PowerShellProgress",
	TypePowerShellInformationStream: "PowerShellInformationStream",
	TypeRunspaceHostCall:            "RemoteHostCallUsingRunspaceHost",
	TypeRunspaceHostResponse:        "RemoteRunspaceHostResponse",
	TypePowerShellHostCall:          "RemoteHostCallUsingPowerShellHost",
	TypePowerShellHostResponse:      "RemotePowerShellHostResponse",
}

// String returns the taxonomy name of the message type.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(0x%08X)", uint32(t))
}

// Known reports whether t is part of the supported taxonomy.
func (t MessageType) Known() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// PipelineScoped reports whether the type addresses an individual pipeline
// rather than a runspace pool or the session.
func (t MessageType) PipelineScoped() bool {
	return uint32(t)&0x00040000 != 0
}

// HeaderSize is the fixed envelope header size in bytes.
const HeaderSize = 40

// ErrMessageTooShort is returned when the input is smaller than the header.
var ErrMessageTooShort = errors.New("message too short")

// Message is the on-the-wire envelope before fragmentation. RunspacePoolID
// and PipelineID use uuid.Nil as the "not applicable" sentinel.
type Message struct {
	Destination    Destination
	Type           MessageType
	RunspacePoolID uuid.UUID
	PipelineID     uuid.UUID
	Data           []byte
}

// Encode serializes the envelope to wire bytes.
func (m *Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Data))

	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Destination))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Type))
	copy(buf[8:24], guidBytes(m.RunspacePoolID))
	copy(buf[24:40], guidBytes(m.PipelineID))
	copy(buf[40:], m.Data)

	return buf
}

// Decode parses an envelope from wire bytes.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMessageTooShort, len(data), HeaderSize)
	}

	m := &Message{
		Destination: Destination(binary.LittleEndian.Uint32(data[0:4])),
		Type:        MessageType(binary.LittleEndian.Uint32(data[4:8])),
	}
	m.RunspacePoolID = guidFromBytes(data[8:24])
	m.PipelineID = guidFromBytes(data[24:40])

	if len(data) > HeaderSize {
		m.Data = make([]byte, len(data)-HeaderSize)
		copy(m.Data, data[HeaderSize:])
	}

	return m, nil
}

// guidBytes converts a UUID to the .NET GUID wire layout: the first three
// components byte-swapped to little-endian, the last eight bytes unchanged.
func guidBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}

// guidFromBytes reverses guidBytes. The input must be 16 bytes.
func guidFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u
}
