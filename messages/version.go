package messages

import (
	"fmt"

	"github.com/kmahony/go-psremoting/serialization"
)

// Version re-exports the serialization version pair for convenience; the
// negotiated triple is made of these.
type Version = serialization.Version

// Default client versions. The protocol version is the highest this engine
// speaks; negotiation may settle on something lower.
var (
	ClientProtocolVersion      = Version{Major: 2, Minor: 3}
	ClientPSVersion            = Version{Major: 2, Minor: 0}
	ClientSerializationVersion = Version{Major: 1, Minor: 1}
)

// Feature names a protocol capability that only exists from a certain
// protocol version on. Callers must consult Capability.Supports before using
// a gated feature; gated messages must never be sent to an older peer.
type Feature int

const (
	// FeatureInformationStream is the PowerShellInformationStream message.
	FeatureInformationStream Feature = iota
	// FeatureDisconnect is session disconnect/reconnect support.
	FeatureDisconnect
	// FeatureBatchInvocation is multi-statement pipeline invocation.
	FeatureBatchInvocation
	// FeatureResetRunspaceState is the ResetRunspaceState message.
	FeatureResetRunspaceState
)

var featureMinVersion = map[Feature]Version{
	FeatureInformationStream:  {Major: 2, Minor: 3},
	FeatureDisconnect:         {Major: 2, Minor: 2},
	FeatureBatchInvocation:    {Major: 2, Minor: 2},
	FeatureResetRunspaceState: {Major: 2, Minor: 3},
}

func (f Feature) String() string {
	switch f {
	case FeatureInformationStream:
		return "InformationStream"
	case FeatureDisconnect:
		return "Disconnect"
	case FeatureBatchInvocation:
		return "BatchInvocation"
	case FeatureResetRunspaceState:
		return "ResetRunspaceState"
	default:
		return fmt.Sprintf("Feature(%d)", int(f))
	}
}

// Capability is the version triple exchanged during session negotiation.
// Once negotiated it is immutable for the life of the session.
type Capability struct {
	ProtocolVersion      Version
	PSVersion            Version
	SerializationVersion Version
	// TimeZone is an opaque serialized time zone blob; optional.
	TimeZone []byte
}

// IsZero reports whether no capability has been set. The struct carries an
// opaque TimeZone blob, so it cannot be compared with ==.
func (c Capability) IsZero() bool {
	return c.ProtocolVersion == (Version{}) &&
		c.PSVersion == (Version{}) &&
		c.SerializationVersion == (Version{}) &&
		c.TimeZone == nil
}

// DefaultCapability is what the client advertises.
func DefaultCapability() Capability {
	return Capability{
		ProtocolVersion:      ClientProtocolVersion,
		PSVersion:            ClientPSVersion,
		SerializationVersion: ClientSerializationVersion,
	}
}

// Supports reports whether the negotiated protocol version includes the
// feature.
func (c Capability) Supports(f Feature) bool {
	minVer, ok := featureMinVersion[f]
	if !ok {
		return false
	}
	return c.ProtocolVersion.AtLeast(minVer)
}

// NegotiateClient validates a server capability reply against the client's
// own and returns the effective session capability. The client downgrades
// gracefully to an older server minor; a different major is a negotiation
// failure.
func NegotiateClient(client, server Capability) (Capability, error) {
	if server.ProtocolVersion.Major != client.ProtocolVersion.Major {
		return Capability{}, fmt.Errorf(
			"incompatible protocol version: server=%s client=%s",
			server.ProtocolVersion, client.ProtocolVersion)
	}

	negotiated := server
	if client.ProtocolVersion.Compare(server.ProtocolVersion) < 0 {
		negotiated.ProtocolVersion = client.ProtocolVersion
	}
	return negotiated, nil
}

// NegotiateServer validates a client capability against the server's own.
// The server accepts any client major at or below its own.
func NegotiateServer(server, client Capability) (Capability, error) {
	if client.ProtocolVersion.Major > server.ProtocolVersion.Major {
		return Capability{}, fmt.Errorf(
			"incompatible protocol version: client=%s server=%s",
			client.ProtocolVersion, server.ProtocolVersion)
	}

	negotiated := client
	if server.ProtocolVersion.Compare(client.ProtocolVersion) < 0 {
		negotiated.ProtocolVersion = server.ProtocolVersion
	}
	return negotiated, nil
}

func (c Capability) toPSObject() *serialization.PSObject {
	obj := serialization.NewPSObject()
	obj.Set(PropProtocolVersion, c.ProtocolVersion)
	obj.Set(PropPSVersion, c.PSVersion)
	obj.Set(PropSerializationVersion, c.SerializationVersion)
	if len(c.TimeZone) > 0 {
		obj.Set(PropTimeZone, c.TimeZone)
	}
	return obj
}

func capabilityFromBag(bag *propertyBag) (Capability, error) {
	proto, err := bag.reqVersion(PropProtocolVersion)
	if err != nil {
		return Capability{}, err
	}
	psVer, err := bag.reqVersion(PropPSVersion)
	if err != nil {
		return Capability{}, err
	}
	serVer, err := bag.reqVersion(PropSerializationVersion)
	if err != nil {
		return Capability{}, err
	}
	c := Capability{
		ProtocolVersion:      proto,
		PSVersion:            psVer,
		SerializationVersion: serVer,
	}
	if tz, ok := bag.obj.Properties[PropTimeZone].([]byte); ok {
		c.TimeZone = tz
	}
	return c, nil
}
