package messages

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kmahony/go-psremoting/serialization"
)

// DecodeError reports a malformed, missing or mistyped property in an inbound
// message payload. Required-field failures always surface as a DecodeError;
// they never panic and never silently default.
type DecodeError struct {
	MessageType MessageType
	Property    string
	Expected    string
	Actual      string
}

func (e *DecodeError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("decode %s: required property %q missing (want %s)",
			e.MessageType, e.Property, e.Expected)
	}
	return fmt.Sprintf("decode %s: property %q: want %s, got %s",
		e.MessageType, e.Property, e.Expected, e.Actual)
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// propertyBag is the decode-side view over a deserialized PSObject. It tracks
// the owning message type so every failure carries its context.
type propertyBag struct {
	msgType MessageType
	obj     *serialization.PSObject
}

func newPropertyBag(msgType MessageType, v any) (*propertyBag, error) {
	obj, ok := v.(*serialization.PSObject)
	if !ok {
		return nil, &DecodeError{
			MessageType: msgType,
			Property:    "(payload)",
			Expected:    "object",
			Actual:      fmt.Sprintf("%T", v),
		}
	}
	return &propertyBag{msgType: msgType, obj: obj}, nil
}

func (b *propertyBag) missing(name, expected string) *DecodeError {
	return &DecodeError{MessageType: b.msgType, Property: name, Expected: expected}
}

func (b *propertyBag) mistyped(name, expected string, actual any) *DecodeError {
	return &DecodeError{
		MessageType: b.msgType,
		Property:    name,
		Expected:    expected,
		Actual:      fmt.Sprintf("%T", actual),
	}
}

func (b *propertyBag) has(name string) bool {
	_, ok := b.obj.Properties[name]
	return ok
}

func (b *propertyBag) reqString(name string) (string, error) {
	v, ok := b.obj.Properties[name]
	if !ok {
		return "", b.missing(name, "string")
	}
	s, ok := v.(string)
	if !ok {
		return "", b.mistyped(name, "string", v)
	}
	return s, nil
}

func (b *propertyBag) optString(name string) string {
	if v, ok := b.obj.Properties[name].(string); ok {
		return v
	}
	return ""
}

func (b *propertyBag) reqBool(name string) (bool, error) {
	v, ok := b.obj.Properties[name]
	if !ok {
		return false, b.missing(name, "bool")
	}
	bv, ok := v.(bool)
	if !ok {
		return false, b.mistyped(name, "bool", v)
	}
	return bv, nil
}

func (b *propertyBag) optBool(name string, def bool) bool {
	if v, ok := b.obj.Properties[name].(bool); ok {
		return v
	}
	return def
}

func (b *propertyBag) reqInt32(name string) (int32, error) {
	v, ok := b.obj.Properties[name]
	if !ok {
		return 0, b.missing(name, "int32")
	}
	switch n := v.(type) {
	case int32:
		return n, nil
	case *serialization.PSObject:
		// Enum-shaped objects carry their value as a bare primitive.
		if base, ok := n.BaseValue.(int32); ok {
			return base, nil
		}
	}
	return 0, b.mistyped(name, "int32", v)
}

func (b *propertyBag) optInt32(name string, def int32) int32 {
	if n, err := b.reqInt32(name); err == nil {
		return n
	}
	return def
}

func (b *propertyBag) reqInt64(name string) (int64, error) {
	v, ok := b.obj.Properties[name]
	if !ok {
		return 0, b.missing(name, "int64")
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		// Some peers shrink call ids to I32; widen rather than fail.
		return int64(n), nil
	}
	return 0, b.mistyped(name, "int64", v)
}

func (b *propertyBag) reqVersion(name string) (serialization.Version, error) {
	v, ok := b.obj.Properties[name]
	if !ok {
		return serialization.Version{}, b.missing(name, "version")
	}
	switch val := v.(type) {
	case serialization.Version:
		return val, nil
	case string:
		ver, err := serialization.ParseVersion(val)
		if err != nil {
			return serialization.Version{}, b.mistyped(name, "version", v)
		}
		return ver, nil
	}
	return serialization.Version{}, b.mistyped(name, "version", v)
}

func (b *propertyBag) optTime(name string) time.Time {
	if t, ok := b.obj.Properties[name].(time.Time); ok {
		return t
	}
	return time.Time{}
}

func (b *propertyBag) optGUID(name string) uuid.UUID {
	if g, ok := b.obj.Properties[name].(uuid.UUID); ok {
		return g
	}
	return uuid.Nil
}

func (b *propertyBag) optObj(name string) *serialization.PSObject {
	if o, ok := b.obj.Properties[name].(*serialization.PSObject); ok {
		return o
	}
	return nil
}

func (b *propertyBag) reqDict(name string) (map[string]any, error) {
	v, ok := b.obj.Properties[name]
	if !ok {
		return nil, b.missing(name, "dictionary")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, b.mistyped(name, "dictionary", v)
	}
	return m, nil
}

func (b *propertyBag) optList(name string) []any {
	if l, ok := b.obj.Properties[name].([]any); ok {
		return l
	}
	return nil
}
