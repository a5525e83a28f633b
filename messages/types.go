package messages

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kmahony/go-psremoting/serialization"
)

// Body is one typed PSRP message payload. The set of implementations is
// closed: every taxonomy tag maps to exactly one body shape (the
// RunspaceAvailability tag maps to two, disambiguated by payload).
type Body interface {
	Type() MessageType
}

// Marshal encodes a typed body into a wire envelope. Encoding is total and
// deterministic: any Body constructed through this package's types encodes
// without error unless a SecureString is present and the serializer has no
// session-key cipher.
func Marshal(dest Destination, rpID, pID uuid.UUID, body Body, ser *serialization.Serializer) (*Message, error) {
	data, err := encodePayload(body, ser)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", body.Type(), err)
	}
	return &Message{
		Destination:    dest,
		Type:           body.Type(),
		RunspacePoolID: rpID,
		PipelineID:     pID,
		Data:           data,
	}, nil
}

// Unmarshal decodes a wire envelope into its typed body. Failures are
// *DecodeError values carrying the offending property and expected type.
func Unmarshal(msg *Message, des *serialization.Deserializer) (Body, error) {
	switch msg.Type {
	case TypeCloseSession:
		return &CloseSession{}, nil
	case TypePublicKeyRequest:
		return &PublicKeyRequest{}, nil
	case TypePowerShellInputEnd:
		return &PowerShellInputEnd{}, nil
	case TypeStopPowerShell:
		return &StopPowerShell{}, nil
	}

	if !msg.Type.Known() {
		return nil, &DecodeError{
			MessageType: msg.Type,
			Property:    "(messageType)",
			Expected:    "known message type",
			Actual:      fmt.Sprintf("0x%08X", uint32(msg.Type)),
		}
	}

	vals, err := des.Deserialize(msg.Data)
	if err != nil {
		return nil, &DecodeError{
			MessageType: msg.Type,
			Property:    "(payload)",
			Expected:    "CLIXML document",
			Actual:      err.Error(),
		}
	}

	// Raw-value payloads do not use the property bag.
	switch msg.Type {
	case TypePowerShellInput:
		return &PowerShellInput{Value: firstVal(vals)}, nil
	case TypePowerShellOutput:
		return &PowerShellOutput{Value: firstVal(vals)}, nil
	}

	if len(vals) == 0 {
		return nil, &DecodeError{MessageType: msg.Type, Property: "(payload)", Expected: "object"}
	}
	bag, err := newPropertyBag(msg.Type, vals[0])
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case TypeSessionCapability:
		return decodeSessionCapability(bag)
	case TypeCreateRunspacePool:
		return decodeCreateRunspacePool(bag)
	case TypeConnectRunspacePool:
		return decodeConnectRunspacePool(bag)
	case TypePublicKey:
		return decodePublicKey(bag)
	case TypeEncryptedSessionKey:
		return decodeEncryptedSessionKey(bag)
	case TypeSetMaxRunspaces:
		return decodeSetMaxRunspaces(bag)
	case TypeSetMinRunspaces:
		return decodeSetMinRunspaces(bag)
	case TypeGetAvailableRunspaces:
		return decodeGetAvailableRunspaces(bag)
	case TypeRunspaceAvailability:
		return decodeRunspaceAvailability(bag)
	case TypeRunspacePoolStateInfo:
		return decodeRunspacePoolStateInfo(bag)
	case TypeRunspacePoolInitData:
		return decodeRunspacePoolInitData(bag)
	case TypeApplicationPrivateData:
		return decodeApplicationPrivateData(bag)
	case TypePSEventArgs:
		return decodePSEventArgs(bag)
	case TypeGetCommandMetadata:
		return decodeGetCommandMetadata(bag)
	case TypeResetRunspaceState:
		return decodeResetRunspaceState(bag)
	case TypeCreatePowerShell:
		return decodeCreatePowerShell(bag)
	case TypePowerShellErrorRecord:
		return &PowerShellErrorRecord{Record: errorRecordFromPSObject(bag.obj)}, nil
	case TypePowerShellStateInfo:
		return decodePowerShellStateInfo(bag)
	case TypePowerShellDebug:
		return decodeStreamText(bag, func(s string) Body { return &DebugRecord{Message: s} })
	case TypePowerShellVerbose:
		return decodeStreamText(bag, func(s string) Body { return &VerboseRecord{Message: s} })
	case TypePowerShellWarning:
		return decodeStreamText(bag, func(s string) Body { return &WarningRecord{Message: s} })
	case TypePowerShellProgress:
		rec, err := progressRecordFromBag(bag)
		if err != nil {
			return nil, err
		}
		return &PowerShellProgress{Record: rec}, nil
	case TypePowerShellInformationStream:
		return &PowerShellInformation{Record: informationRecordFromBag(bag)}, nil
	case TypeRunspaceHostCall, TypePowerShellHostCall:
		return decodeHostCall(bag, msg.Type == TypePowerShellHostCall)
	case TypeRunspaceHostResponse, TypePowerShellHostResponse:
		return decodeHostResponse(bag, msg.Type == TypePowerShellHostResponse)
	default:
		return nil, &DecodeError{
			MessageType: msg.Type,
			Property:    "(messageType)",
			Expected:    "decodable message type",
			Actual:      msg.Type.String(),
		}
	}
}

func firstVal(vals []any) any {
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

func encodePayload(body Body, ser *serialization.Serializer) ([]byte, error) {
	switch b := body.(type) {
	case *SessionCapability:
		// SESSION_CAPABILITY is a bare <Obj>, not an <Objs> document.
		return ser.SerializeFragment(b.Capability.toPSObject())
	case *CloseSession, *PublicKeyRequest, *PowerShellInputEnd, *StopPowerShell:
		return nil, nil
	case *PowerShellInput:
		return ser.Serialize(b.Value)
	case *PowerShellOutput:
		return ser.Serialize(b.Value)
	case *PowerShellErrorRecord:
		return ser.Serialize(b.Record.toPSObject())
	default:
		obj, err := bodyObject(body)
		if err != nil {
			return nil, err
		}
		return ser.Serialize(obj)
	}
}

// bodyObject builds the property-bag representation of a structured body.
func bodyObject(body Body) (*serialization.PSObject, error) {
	switch b := body.(type) {
	case *CreateRunspacePool:
		obj := serialization.NewPSObject()
		obj.Set(PropMinRunspaces, b.MinRunspaces)
		obj.Set(PropMaxRunspaces, b.MaxRunspaces)
		obj.Set(PropThreadOptions, enumObject(
			"System.Management.Automation.Runspaces.PSThreadOptions",
			int32(b.ThreadOptions), b.ThreadOptions.String()))
		obj.Set(PropApartmentState, enumObject(
			"System.Threading.ApartmentState",
			int32(b.ApartmentState), b.ApartmentState.String()))
		obj.Set(PropHostInfo, b.HostInfo.toPSObject())
		if b.ApplicationArguments == nil {
			obj.Set(PropApplicationArguments, nil)
		} else {
			obj.Set(PropApplicationArguments, b.ApplicationArguments)
		}
		return obj, nil

	case *ConnectRunspacePool:
		obj := serialization.NewPSObject()
		obj.Set(PropMinRunspaces, b.MinRunspaces)
		obj.Set(PropMaxRunspaces, b.MaxRunspaces)
		return obj, nil

	case *PublicKey:
		obj := serialization.NewPSObject()
		obj.Set(PropPublicKey, b.Key)
		return obj, nil

	case *EncryptedSessionKey:
		obj := serialization.NewPSObject()
		obj.Set(PropEncryptedSessionKey, b.Key)
		return obj, nil

	case *SetMaxRunspaces:
		obj := serialization.NewPSObject()
		obj.Set(PropMaxRunspaces, b.MaxRunspaces)
		obj.Set(PropCallID, b.CallID)
		return obj, nil

	case *SetMinRunspaces:
		obj := serialization.NewPSObject()
		obj.Set(PropMinRunspaces, b.MinRunspaces)
		obj.Set(PropCallID, b.CallID)
		return obj, nil

	case *GetAvailableRunspaces:
		obj := serialization.NewPSObject()
		obj.Set(PropCallID, b.CallID)
		return obj, nil

	case *RunspacePoolOperationResponse:
		obj := serialization.NewPSObject()
		obj.Set(PropSetMinMaxResponse, b.Success)
		obj.Set(PropCallID, b.CallID)
		return obj, nil

	case *AvailableRunspaces:
		obj := serialization.NewPSObject()
		obj.Set(PropAvailableRunspaces, b.Count)
		obj.Set(PropCallID, b.CallID)
		return obj, nil

	case *RunspacePoolStateInfo:
		obj := serialization.NewPSObject()
		obj.Set(PropRunspaceState, int32(b.State))
		if b.Reason != nil {
			obj.Set(PropExceptionAsErrorRecord, b.Reason.toPSObject())
		}
		return obj, nil

	case *RunspacePoolInitData:
		obj := serialization.NewPSObject()
		obj.Set(PropMinRunspaces, b.MinRunspaces)
		obj.Set(PropMaxRunspaces, b.MaxRunspaces)
		return obj, nil

	case *ApplicationPrivateData:
		obj := serialization.NewPSObject()
		obj.Set(PropApplicationPrivateData, b.Data)
		return obj, nil

	case *PSEventArgs:
		obj := serialization.NewPSObject()
		obj.Set("EventIdentifier", b.EventIdentifier)
		obj.Set("SourceIdentifier", b.SourceIdentifier)
		obj.Set("TimeGenerated", b.TimeGenerated)
		obj.Set("ComputerName", b.ComputerName)
		obj.Set("RunspaceId", b.RunspaceID)
		obj.Set("MessageData", b.MessageData)
		return obj, nil

	case *GetCommandMetadata:
		names := make([]any, len(b.Names))
		for i, n := range b.Names {
			names[i] = n
		}
		obj := serialization.NewPSObject()
		obj.Set("Name", names)
		obj.Set("CommandType", b.CommandTypes)
		obj.Set(PropCallID, b.CallID)
		return obj, nil

	case *ResetRunspaceState:
		obj := serialization.NewPSObject()
		obj.Set(PropCallID, b.CallID)
		return obj, nil

	case *CreatePowerShell:
		obj := serialization.NewPSObject()
		obj.Set(PropPowerShell, b.Spec.toPSObject())
		obj.Set(PropNoInput, b.NoInput)
		obj.Set(PropAddToHistory, b.AddToHistory)
		obj.Set(PropApartmentState, enumObject(
			"System.Threading.ApartmentState",
			int32(b.ApartmentState), b.ApartmentState.String()))
		obj.Set(PropRemoteStreamOptions, int32(b.RemoteStreamOptions))
		obj.Set(PropHostInfo, b.HostInfo.toPSObject())
		obj.Set(PropIsNested, b.IsNested)
		return obj, nil

	case *PowerShellStateInfo:
		obj := serialization.NewPSObject()
		obj.Set(PropPipelineState, int32(b.State))
		if b.Reason != nil {
			obj.Set(PropExceptionAsErrorRecord, b.Reason.toPSObject())
		}
		return obj, nil

	case *DebugRecord:
		return streamTextObject(b.Message), nil
	case *VerboseRecord:
		return streamTextObject(b.Message), nil
	case *WarningRecord:
		return streamTextObject(b.Message), nil
	case *PowerShellProgress:
		return b.Record.toPSObject(), nil
	case *PowerShellInformation:
		return b.Record.toPSObject(), nil

	case *HostCall:
		obj := serialization.NewPSObject()
		obj.Set(PropCallID, b.CallID)
		obj.Set("MethodId", b.MethodID)
		obj.Set("MethodName", b.MethodName)
		obj.Set("MethodParameters", b.Parameters)
		return obj, nil

	case *HostResponse:
		obj := serialization.NewPSObject()
		obj.Set(PropCallID, b.CallID)
		obj.Set("MethodId", b.MethodID)
		obj.Set("ReturnValue", b.ReturnValue)
		if b.Error != nil {
			obj.Set(PropExceptionAsErrorRecord, b.Error.toPSObject())
		}
		return obj, nil

	default:
		return nil, fmt.Errorf("no encoder for %T", body)
	}
}

// enumObject builds the .NET enum shape: type names plus ToString plus the
// raw value.
func enumObject(typeName string, value int32, toString string) *serialization.PSObject {
	obj := serialization.NewPSObject(typeName, "System.Enum", "System.ValueType", "System.Object")
	obj.ToString = toString
	obj.BaseValue = value
	return obj
}

func streamTextObject(message string) *serialization.PSObject {
	obj := serialization.NewPSObject(
		"System.Management.Automation.InformationalRecord", "System.Object")
	obj.ToString = message
	obj.Set("Message", message)
	return obj
}

// --- session bodies ---

// SessionCapability carries the version triple; first message in each
// direction.
type SessionCapability struct {
	Capability Capability
}

func (*SessionCapability) Type() MessageType { return TypeSessionCapability }

func decodeSessionCapability(bag *propertyBag) (Body, error) {
	c, err := capabilityFromBag(bag)
	if err != nil {
		return nil, err
	}
	return &SessionCapability{Capability: c}, nil
}

// CloseSession asks the peer to tear the session down.
type CloseSession struct{}

func (*CloseSession) Type() MessageType { return TypeCloseSession }

// CreateRunspacePool opens a new pool on the server.
type CreateRunspacePool struct {
	MinRunspaces         int32
	MaxRunspaces         int32
	ThreadOptions        PSThreadOptions
	ApartmentState       ApartmentState
	HostInfo             HostInfo
	ApplicationArguments map[string]any
}

func (*CreateRunspacePool) Type() MessageType { return TypeCreateRunspacePool }

func decodeCreateRunspacePool(bag *propertyBag) (Body, error) {
	minR, err := bag.reqInt32(PropMinRunspaces)
	if err != nil {
		return nil, err
	}
	maxR, err := bag.reqInt32(PropMaxRunspaces)
	if err != nil {
		return nil, err
	}
	b := &CreateRunspacePool{
		MinRunspaces:   minR,
		MaxRunspaces:   maxR,
		ThreadOptions:  PSThreadOptions(bag.optInt32(PropThreadOptions, 0)),
		ApartmentState: ApartmentState(bag.optInt32(PropApartmentState, int32(ApartmentUnknown))),
		HostInfo:       hostInfoFromPSObject(bag.optObj(PropHostInfo)),
	}
	if args, ok := bag.obj.Properties[PropApplicationArguments].(map[string]any); ok {
		b.ApplicationArguments = args
	}
	return b, nil
}

// ConnectRunspacePool attaches to a pre-existing server pool, including on
// reconnect after a disconnect.
type ConnectRunspacePool struct {
	MinRunspaces int32
	MaxRunspaces int32
}

func (*ConnectRunspacePool) Type() MessageType { return TypeConnectRunspacePool }

func decodeConnectRunspacePool(bag *propertyBag) (Body, error) {
	minR, err := bag.reqInt32(PropMinRunspaces)
	if err != nil {
		return nil, err
	}
	maxR, err := bag.reqInt32(PropMaxRunspaces)
	if err != nil {
		return nil, err
	}
	return &ConnectRunspacePool{MinRunspaces: minR, MaxRunspaces: maxR}, nil
}

// PublicKey carries the client's RSA public key (base64) for the session-key
// exchange.
type PublicKey struct {
	Key string
}

func (*PublicKey) Type() MessageType { return TypePublicKey }

func decodePublicKey(bag *propertyBag) (Body, error) {
	key, err := bag.reqString(PropPublicKey)
	if err != nil {
		return nil, err
	}
	return &PublicKey{Key: key}, nil
}

// PublicKeyRequest is the server asking the client to start key exchange.
type PublicKeyRequest struct{}

func (*PublicKeyRequest) Type() MessageType { return TypePublicKeyRequest }

// EncryptedSessionKey carries the AES session key encrypted with the
// client's public key (base64).
type EncryptedSessionKey struct {
	Key string
}

func (*EncryptedSessionKey) Type() MessageType { return TypeEncryptedSessionKey }

func decodeEncryptedSessionKey(bag *propertyBag) (Body, error) {
	key, err := bag.reqString(PropEncryptedSessionKey)
	if err != nil {
		return nil, err
	}
	return &EncryptedSessionKey{Key: key}, nil
}

// --- runspace pool bodies ---

// SetMaxRunspaces resizes the pool ceiling; correlated by CallID.
type SetMaxRunspaces struct {
	MaxRunspaces int32
	CallID       int64
}

func (*SetMaxRunspaces) Type() MessageType { return TypeSetMaxRunspaces }

func decodeSetMaxRunspaces(bag *propertyBag) (Body, error) {
	maxR, err := bag.reqInt32(PropMaxRunspaces)
	if err != nil {
		return nil, err
	}
	callID, err := bag.reqInt64(PropCallID)
	if err != nil {
		return nil, err
	}
	return &SetMaxRunspaces{MaxRunspaces: maxR, CallID: callID}, nil
}

// SetMinRunspaces resizes the pool floor; correlated by CallID.
type SetMinRunspaces struct {
	MinRunspaces int32
	CallID       int64
}

func (*SetMinRunspaces) Type() MessageType { return TypeSetMinRunspaces }

func decodeSetMinRunspaces(bag *propertyBag) (Body, error) {
	minR, err := bag.reqInt32(PropMinRunspaces)
	if err != nil {
		return nil, err
	}
	callID, err := bag.reqInt64(PropCallID)
	if err != nil {
		return nil, err
	}
	return &SetMinRunspaces{MinRunspaces: minR, CallID: callID}, nil
}

// GetAvailableRunspaces queries the server's free-runspace count.
type GetAvailableRunspaces struct {
	CallID int64
}

func (*GetAvailableRunspaces) Type() MessageType { return TypeGetAvailableRunspaces }

func decodeGetAvailableRunspaces(bag *propertyBag) (Body, error) {
	callID, err := bag.reqInt64(PropCallID)
	if err != nil {
		return nil, err
	}
	return &GetAvailableRunspaces{CallID: callID}, nil
}

// RunspacePoolOperationResponse acknowledges a SetMin/SetMax request.
type RunspacePoolOperationResponse struct {
	CallID  int64
	Success bool
}

func (*RunspacePoolOperationResponse) Type() MessageType { return TypeRunspaceAvailability }

// AvailableRunspaces answers GetAvailableRunspaces.
type AvailableRunspaces struct {
	CallID int64
	Count  int64
}

func (*AvailableRunspaces) Type() MessageType { return TypeRunspaceAvailability }

// decodeRunspaceAvailability disambiguates the shared tag by payload shape:
// a bool response property means operation ack, a numeric count means an
// availability answer.
func decodeRunspaceAvailability(bag *propertyBag) (Body, error) {
	callID, err := bag.reqInt64(PropCallID)
	if err != nil {
		return nil, err
	}
	if bag.has(PropSetMinMaxResponse) {
		success, err := bag.reqBool(PropSetMinMaxResponse)
		if err != nil {
			return nil, err
		}
		return &RunspacePoolOperationResponse{CallID: callID, Success: success}, nil
	}
	if bag.has(PropAvailableRunspaces) {
		count, err := bag.reqInt64(PropAvailableRunspaces)
		if err != nil {
			return nil, err
		}
		return &AvailableRunspaces{CallID: callID, Count: count}, nil
	}
	return nil, bag.missing(PropSetMinMaxResponse, "bool or int64")
}

// RunspacePoolStateInfo reports a server-side pool state change.
type RunspacePoolStateInfo struct {
	State  RunspacePoolState
	Reason *ErrorRecord
}

func (*RunspacePoolStateInfo) Type() MessageType { return TypeRunspacePoolStateInfo }

func decodeRunspacePoolStateInfo(bag *propertyBag) (Body, error) {
	raw, err := bag.reqInt32(PropRunspaceState)
	if err != nil {
		return nil, err
	}
	state := RunspacePoolState(raw)
	if !state.Valid() {
		return nil, bag.mistyped(PropRunspaceState, "RunspacePoolState", raw)
	}
	b := &RunspacePoolStateInfo{State: state}
	if reason := bag.optObj(PropExceptionAsErrorRecord); reason != nil {
		b.Reason = errorRecordFromPSObject(reason)
	}
	return b, nil
}

// RunspacePoolInitData reports the min/max the server actually granted.
type RunspacePoolInitData struct {
	MinRunspaces int32
	MaxRunspaces int32
}

func (*RunspacePoolInitData) Type() MessageType { return TypeRunspacePoolInitData }

func decodeRunspacePoolInitData(bag *propertyBag) (Body, error) {
	minR, err := bag.reqInt32(PropMinRunspaces)
	if err != nil {
		return nil, err
	}
	maxR, err := bag.reqInt32(PropMaxRunspaces)
	if err != nil {
		return nil, err
	}
	return &RunspacePoolInitData{MinRunspaces: minR, MaxRunspaces: maxR}, nil
}

// ApplicationPrivateData is the server's opaque pool-scoped data, delivered
// once per open.
type ApplicationPrivateData struct {
	Data map[string]any
}

func (*ApplicationPrivateData) Type() MessageType { return TypeApplicationPrivateData }

func decodeApplicationPrivateData(bag *propertyBag) (Body, error) {
	data, err := bag.reqDict(PropApplicationPrivateData)
	if err != nil {
		return nil, err
	}
	return &ApplicationPrivateData{Data: data}, nil
}

// PSEventArgs is a remote engine event forwarded to pool subscribers.
type PSEventArgs struct {
	EventIdentifier  int32
	SourceIdentifier string
	TimeGenerated    time.Time
	ComputerName     string
	RunspaceID       uuid.UUID
	MessageData      any
}

func (*PSEventArgs) Type() MessageType { return TypePSEventArgs }

func decodePSEventArgs(bag *propertyBag) (Body, error) {
	id, err := bag.reqInt32("EventIdentifier")
	if err != nil {
		return nil, err
	}
	source, err := bag.reqString("SourceIdentifier")
	if err != nil {
		return nil, err
	}
	return &PSEventArgs{
		EventIdentifier:  id,
		SourceIdentifier: source,
		TimeGenerated:    bag.optTime("TimeGenerated"),
		ComputerName:     bag.optString("ComputerName"),
		RunspaceID:       bag.optGUID("RunspaceId"),
		MessageData:      bag.obj.Properties["MessageData"],
	}, nil
}

// GetCommandMetadata asks the server to enumerate matching commands.
type GetCommandMetadata struct {
	Names        []string
	CommandTypes int32
	CallID       int64
}

func (*GetCommandMetadata) Type() MessageType { return TypeGetCommandMetadata }

func decodeGetCommandMetadata(bag *propertyBag) (Body, error) {
	callID, err := bag.reqInt64(PropCallID)
	if err != nil {
		return nil, err
	}
	b := &GetCommandMetadata{
		CommandTypes: bag.optInt32("CommandType", 0),
		CallID:       callID,
	}
	for _, n := range bag.optList("Name") {
		if s, ok := n.(string); ok {
			b.Names = append(b.Names, s)
		}
	}
	return b, nil
}

// ResetRunspaceState asks the server to reset runspace session state
// (protocol >= 2.3).
type ResetRunspaceState struct {
	CallID int64
}

func (*ResetRunspaceState) Type() MessageType { return TypeResetRunspaceState }

func decodeResetRunspaceState(bag *propertyBag) (Body, error) {
	callID, err := bag.reqInt64(PropCallID)
	if err != nil {
		return nil, err
	}
	return &ResetRunspaceState{CallID: callID}, nil
}

// --- pipeline bodies ---

// CreatePowerShell starts a pipeline in the addressed pool.
type CreatePowerShell struct {
	Spec                PowerShellSpec
	NoInput             bool
	AddToHistory        bool
	ApartmentState      ApartmentState
	RemoteStreamOptions RemoteStreamOptions
	HostInfo            HostInfo
	IsNested            bool
}

func (*CreatePowerShell) Type() MessageType { return TypeCreatePowerShell }

func decodeCreatePowerShell(bag *propertyBag) (Body, error) {
	specObj := bag.optObj(PropPowerShell)
	if specObj == nil {
		return nil, bag.missing(PropPowerShell, "object")
	}
	spec, err := powerShellSpecFromPSObject(bag.msgType, specObj)
	if err != nil {
		return nil, err
	}
	noInput, err := bag.reqBool(PropNoInput)
	if err != nil {
		return nil, err
	}
	return &CreatePowerShell{
		Spec:                spec,
		NoInput:             noInput,
		AddToHistory:        bag.optBool(PropAddToHistory, false),
		ApartmentState:      ApartmentState(bag.optInt32(PropApartmentState, int32(ApartmentUnknown))),
		RemoteStreamOptions: RemoteStreamOptions(bag.optInt32(PropRemoteStreamOptions, 0)),
		HostInfo:            hostInfoFromPSObject(bag.optObj(PropHostInfo)),
		IsNested:            bag.optBool(PropIsNested, false),
	}, nil
}

// PowerShellInput is one streamed input object.
type PowerShellInput struct {
	Value any
}

func (*PowerShellInput) Type() MessageType { return TypePowerShellInput }

// PowerShellInputEnd terminates the input stream.
type PowerShellInputEnd struct{}

func (*PowerShellInputEnd) Type() MessageType { return TypePowerShellInputEnd }

// PowerShellOutput is one pipeline output object.
type PowerShellOutput struct {
	Value any
}

func (*PowerShellOutput) Type() MessageType { return TypePowerShellOutput }

// PowerShellErrorRecord is one pipeline error-stream record.
type PowerShellErrorRecord struct {
	Record *ErrorRecord
}

func (*PowerShellErrorRecord) Type() MessageType { return TypePowerShellErrorRecord }

// PowerShellStateInfo reports a pipeline state change.
type PowerShellStateInfo struct {
	State  PSInvocationState
	Reason *ErrorRecord
}

func (*PowerShellStateInfo) Type() MessageType { return TypePowerShellStateInfo }

func decodePowerShellStateInfo(bag *propertyBag) (Body, error) {
	raw, err := bag.reqInt32(PropPipelineState)
	if err != nil {
		return nil, err
	}
	state := PSInvocationState(raw)
	if !state.Valid() {
		return nil, bag.mistyped(PropPipelineState, "PSInvocationState", raw)
	}
	b := &PowerShellStateInfo{State: state}
	if reason := bag.optObj(PropExceptionAsErrorRecord); reason != nil {
		b.Reason = errorRecordFromPSObject(reason)
	}
	return b, nil
}

// DebugRecord, VerboseRecord and WarningRecord are informational stream
// entries carrying a message string.
type DebugRecord struct{ Message string }

func (*DebugRecord) Type() MessageType { return TypePowerShellDebug }

type VerboseRecord struct{ Message string }

func (*VerboseRecord) Type() MessageType { return TypePowerShellVerbose }

type WarningRecord struct{ Message string }

func (*WarningRecord) Type() MessageType { return TypePowerShellWarning }

func decodeStreamText(bag *propertyBag, mk func(string) Body) (Body, error) {
	if msg, ok := bag.obj.Properties["Message"].(string); ok {
		return mk(msg), nil
	}
	if bag.obj.ToString != "" {
		return mk(bag.obj.ToString), nil
	}
	return nil, bag.missing("Message", "string")
}

// PowerShellProgress is one progress-stream record.
type PowerShellProgress struct {
	Record *ProgressRecord
}

func (*PowerShellProgress) Type() MessageType { return TypePowerShellProgress }

// PowerShellInformation is one information-stream record (protocol >= 2.3).
type PowerShellInformation struct {
	Record *InformationRecord
}

func (*PowerShellInformation) Type() MessageType { return TypePowerShellInformationStream }

// StopPowerShell asks the server to stop a running pipeline.
type StopPowerShell struct{}

func (*StopPowerShell) Type() MessageType { return TypeStopPowerShell }

// --- host bodies (opaque beyond routing) ---

// HostCall is a server-initiated host method invocation. The engine routes
// it by id; interpreting the method is the host layer's concern.
type HostCall struct {
	OnPipeline bool
	CallID     int64
	MethodID   int32
	MethodName string
	Parameters []any
}

func (h *HostCall) Type() MessageType {
	if h.OnPipeline {
		return TypePowerShellHostCall
	}
	return TypeRunspaceHostCall
}

func decodeHostCall(bag *propertyBag, onPipeline bool) (Body, error) {
	callID, err := bag.reqInt64(PropCallID)
	if err != nil {
		return nil, err
	}
	methodID, err := bag.reqInt32("MethodId")
	if err != nil {
		return nil, err
	}
	return &HostCall{
		OnPipeline: onPipeline,
		CallID:     callID,
		MethodID:   methodID,
		MethodName: bag.optString("MethodName"),
		Parameters: bag.optList("MethodParameters"),
	}, nil
}

// HostResponse answers a HostCall.
type HostResponse struct {
	OnPipeline  bool
	CallID      int64
	MethodID    int32
	ReturnValue any
	Error       *ErrorRecord
}

func (h *HostResponse) Type() MessageType {
	if h.OnPipeline {
		return TypePowerShellHostResponse
	}
	return TypeRunspaceHostResponse
}

func decodeHostResponse(bag *propertyBag, onPipeline bool) (Body, error) {
	callID, err := bag.reqInt64(PropCallID)
	if err != nil {
		return nil, err
	}
	methodID, err := bag.reqInt32("MethodId")
	if err != nil {
		return nil, err
	}
	b := &HostResponse{
		OnPipeline:  onPipeline,
		CallID:      callID,
		MethodID:    methodID,
		ReturnValue: bag.obj.Properties["ReturnValue"],
	}
	if reason := bag.optObj(PropExceptionAsErrorRecord); reason != nil {
		b.Error = errorRecordFromPSObject(reason)
	}
	return b, nil
}
