// Package serialization implements the CLIXML codec used for PSRP payloads.
//
// CLIXML is the XML-based structured-value format PowerShell peers exchange.
// This package converts between Go values and compact CLIXML documents. It is
// the codec boundary for the protocol engine: nothing outside the messages
// package should need to look at raw CLIXML.
//
// # Type Tags
//
//	<S>     - String          <I32>  - Int32
//	<I64>   - Int64           <B>    - Boolean
//	<Db>    - Double          <DT>   - DateTime
//	<BA>    - Byte array      <G>    - GUID
//	<Version> - Version       <Nil>  - Null
//	<SS>    - SecureString    <Obj>  - Complex object
//	<LST>   - List            <DCT>  - Dictionary
//
// Documents are wrapped in
//
//	<Objs Version="1.1.0.1" xmlns="http://schemas.microsoft.com/powershell/2004/04">
//
// and emitted without any whitespace between elements: PowerShell's
// out-of-process parser rejects whitespace-only text nodes.
//
// Reference: MS-PSRP Section 2.2.5.
package serialization

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CLIXML namespace and version constants.
const (
	Namespace  = "http://schemas.microsoft.com/powershell/2004/04"
	XMLVersion = "1.1.0.1"
)

var (
	// ErrUnsupportedType is returned when a Go value has no CLIXML mapping.
	ErrUnsupportedType = errors.New("unsupported type")
	// ErrInvalidCLIXML is returned for malformed CLIXML input.
	ErrInvalidCLIXML = errors.New("invalid CLIXML")
	// ErrNoCipher is returned when a SecureString is encoded or decoded
	// without a negotiated session-key cipher.
	ErrNoCipher = errors.New("no session-key cipher for secure string")
)

// maxDepth bounds recursion while decoding nested objects.
const maxDepth = 64

// PSObject is a complex value: an ordered property bag with .NET type names.
// BaseValue carries the primitive value of enum-shaped objects (an Obj whose
// body is a bare primitive next to its type names).
type PSObject struct {
	TypeNames     []string
	Properties    map[string]any
	PropertyOrder []string
	ToString      string
	BaseValue     any
}

// NewPSObject creates an empty PSObject with the given type names.
func NewPSObject(typeNames ...string) *PSObject {
	return &PSObject{
		TypeNames:  typeNames,
		Properties: make(map[string]any),
	}
}

// Set adds a property and records its position, so serialization order
// follows insertion order.
func (o *PSObject) Set(name string, value any) *PSObject {
	if _, exists := o.Properties[name]; !exists {
		o.PropertyOrder = append(o.PropertyOrder, name)
	}
	o.Properties[name] = value
	return o
}

// orderedKeys returns the explicit order if set, otherwise sorted keys so
// encoding stays deterministic.
func (o *PSObject) orderedKeys() []string {
	if len(o.PropertyOrder) == len(o.Properties) {
		return o.PropertyOrder
	}
	keys := make([]string, 0, len(o.Properties))
	for k := range o.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Version is a (major, minor) protocol or engine version.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses "major.minor" (extra dotted components are accepted
// and ignored, matching .NET System.Version strings like "1.1.0.1").
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("%w: version %q", ErrInvalidCLIXML, s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("%w: version major %q", ErrInvalidCLIXML, parts[0])
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Version{}, fmt.Errorf("%w: version minor %q", ErrInvalidCLIXML, parts[1])
	}
	return Version{Major: major, Minor: minor}, nil
}

// String renders the version as "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major && v.Major < o.Major:
		return -1
	case v.Major != o.Major:
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether v >= o.
func (v Version) AtLeast(o Version) bool {
	return v.Compare(o) >= 0
}

// Crypter encrypts and decrypts secure-string payloads with the negotiated
// session key.
type Crypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Serializer encodes Go values to a CLIXML document.
type Serializer struct {
	buf     bytes.Buffer
	crypter Crypter
	refID   int
	tnRefs  map[string]int
}

// NewSerializer creates a Serializer without secure-string support.
func NewSerializer() *Serializer {
	return NewSerializerWithCipher(nil)
}

// NewSerializerWithCipher creates a Serializer that can encode SecureString
// values with the given session-key cipher.
func NewSerializerWithCipher(c Crypter) *Serializer {
	return &Serializer{
		crypter: c,
		tnRefs:  make(map[string]int),
	}
}

// Serialize encodes the values into one <Objs> document.
func (s *Serializer) Serialize(vals ...any) ([]byte, error) {
	s.buf.Reset()
	s.refID = 0
	for k := range s.tnRefs {
		delete(s.tnRefs, k)
	}

	s.buf.WriteString(`<Objs Version="` + XMLVersion + `" xmlns="` + Namespace + `">`)
	for _, v := range vals {
		if err := s.writeValue(v, ""); err != nil {
			return nil, err
		}
	}
	s.buf.WriteString(`</Objs>`)

	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out, nil
}

// SerializeFragment encodes a single value without the <Objs> wrapper.
// SESSION_CAPABILITY payloads are sent as a bare <Obj> element.
func (s *Serializer) SerializeFragment(v any) ([]byte, error) {
	s.buf.Reset()
	s.refID = 0
	for k := range s.tnRefs {
		delete(s.tnRefs, k)
	}
	if err := s.writeValue(v, ""); err != nil {
		return nil, err
	}
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out, nil
}

func (s *Serializer) nextRef() int {
	id := s.refID
	s.refID++
	return id
}

func (s *Serializer) open(tag, name string) {
	s.buf.WriteByte('<')
	s.buf.WriteString(tag)
	if name != "" {
		s.buf.WriteString(` N="`)
		s.escape(name)
		s.buf.WriteByte('"')
	}
	s.buf.WriteByte('>')
}

func (s *Serializer) close(tag string) {
	s.buf.WriteString("</")
	s.buf.WriteString(tag)
	s.buf.WriteByte('>')
}

func (s *Serializer) simple(tag, name, text string) {
	s.open(tag, name)
	s.escape(text)
	s.close(tag)
}

func (s *Serializer) escape(text string) {
	_ = xml.EscapeText(&s.buf, []byte(text))
}

// writeValue emits one value, optionally carrying a property name attribute.
func (s *Serializer) writeValue(v any, name string) error {
	switch val := v.(type) {
	case nil:
		s.buf.WriteString("<Nil")
		if name != "" {
			s.buf.WriteString(` N="`)
			s.escape(name)
			s.buf.WriteByte('"')
		}
		s.buf.WriteString("/>")
	case string:
		s.simple("S", name, val)
	case bool:
		s.simple("B", name, strconv.FormatBool(val))
	case int:
		s.simple("I32", name, strconv.FormatInt(int64(val), 10))
	case int32:
		s.simple("I32", name, strconv.FormatInt(int64(val), 10))
	case int64:
		s.simple("I64", name, strconv.FormatInt(val, 10))
	case float64:
		s.simple("Db", name, strconv.FormatFloat(val, 'G', -1, 64))
	case time.Time:
		s.simple("DT", name, val.UTC().Format(time.RFC3339Nano))
	case []byte:
		s.simple("BA", name, base64.StdEncoding.EncodeToString(val))
	case uuid.UUID:
		s.simple("G", name, val.String())
	case Version:
		s.simple("Version", name, val.String())
	case *SecureString:
		return s.writeSecureString(val, name)
	case []any:
		return s.writeList(val, name)
	case map[string]any:
		return s.writeDict(val, name)
	case *PSObject:
		return s.writePSObject(val, name)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

func (s *Serializer) writeSecureString(ss *SecureString, name string) error {
	if s.crypter == nil {
		return ErrNoCipher
	}
	enc, err := s.crypter.Encrypt(ss.Bytes())
	if err != nil {
		return fmt.Errorf("encrypt secure string: %w", err)
	}
	s.simple("SS", name, base64.StdEncoding.EncodeToString(enc))
	return nil
}

func (s *Serializer) writeList(items []any, name string) error {
	s.openObj(name)
	s.open("LST", "")
	for _, item := range items {
		if err := s.writeValue(item, ""); err != nil {
			return err
		}
	}
	s.close("LST")
	s.close("Obj")
	return nil
}

func (s *Serializer) writeDict(m map[string]any, name string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.openObj(name)
	s.open("DCT", "")
	for _, k := range keys {
		s.open("En", "")
		s.simple("S", "Key", k)
		if err := s.writeValue(m[k], "Value"); err != nil {
			return err
		}
		s.close("En")
	}
	s.close("DCT")
	s.close("Obj")
	return nil
}

func (s *Serializer) openObj(name string) {
	s.buf.WriteString(`<Obj`)
	if name != "" {
		s.buf.WriteString(` N="`)
		s.escape(name)
		s.buf.WriteByte('"')
	}
	s.buf.WriteString(` RefId="` + strconv.Itoa(s.nextRef()) + `">`)
}

func (s *Serializer) writePSObject(o *PSObject, name string) error {
	s.openObj(name)

	if len(o.TypeNames) > 0 {
		key := strings.Join(o.TypeNames, "|")
		if ref, ok := s.tnRefs[key]; ok {
			s.buf.WriteString(`<TNRef RefId="` + strconv.Itoa(ref) + `"/>`)
		} else {
			ref = len(s.tnRefs)
			s.tnRefs[key] = ref
			s.buf.WriteString(`<TN RefId="` + strconv.Itoa(ref) + `">`)
			for _, tn := range o.TypeNames {
				s.simple("T", "", tn)
			}
			s.close("TN")
		}
	}

	if o.ToString != "" {
		s.simple("ToString", "", o.ToString)
	}

	if o.BaseValue != nil {
		if err := s.writeValue(o.BaseValue, ""); err != nil {
			return err
		}
	}

	if len(o.Properties) > 0 {
		s.open("MS", "")
		for _, k := range o.orderedKeys() {
			if err := s.writeValue(o.Properties[k], k); err != nil {
				return err
			}
		}
		s.close("MS")
	}

	s.close("Obj")
	return nil
}

// Deserializer decodes CLIXML documents into Go values.
type Deserializer struct {
	crypter Crypter
	tnRefs  map[int][]string
	objRefs map[int]any
}

// NewDeserializer creates a Deserializer without secure-string support.
func NewDeserializer() *Deserializer {
	return NewDeserializerWithCipher(nil)
}

// NewDeserializerWithCipher creates a Deserializer that can decode
// SecureString values with the given session-key cipher.
func NewDeserializerWithCipher(c Crypter) *Deserializer {
	return &Deserializer{
		crypter: c,
		tnRefs:  make(map[int][]string),
		objRefs: make(map[int]any),
	}
}

// Deserialize decodes a document into its top-level values. The input may be
// a full <Objs> document or a bare element (SESSION_CAPABILITY payloads).
func (d *Deserializer) Deserialize(data []byte) ([]any, error) {
	for k := range d.tnRefs {
		delete(d.tnRefs, k)
	}
	for k := range d.objRefs {
		delete(d.objRefs, k)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	var vals []any

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if start.Name.Local == "Objs" {
			inner, err := d.decodeChildren(dec, start, 0)
			if err != nil {
				return nil, err
			}
			vals = append(vals, inner...)
			continue
		}

		v, err := d.decodeElement(dec, start, 0)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}

	return vals, nil
}

// decodeChildren decodes every child element of start until its end tag.
func (d *Deserializer) decodeChildren(dec *xml.Decoder, start xml.StartElement, depth int) ([]any, error) {
	var vals []any
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := d.decodeElement(dec, t, depth+1)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return vals, nil
			}
		}
	}
}

// text reads the character content of a simple element up to its end tag.
func text(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return sb.String(), nil
			}
		case xml.StartElement:
			return "", fmt.Errorf("%w: unexpected <%s> inside <%s>", ErrInvalidCLIXML, t.Name.Local, start.Name.Local)
		}
	}
}

func attr(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// decodeElement decodes one CLIXML element into a Go value.
func (d *Deserializer) decodeElement(dec *xml.Decoder, start xml.StartElement, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting too deep", ErrInvalidCLIXML)
	}

	switch start.Name.Local {
	case "Nil":
		return nil, dec.Skip()
	case "S", "URI", "ToString":
		return text(dec, start)
	case "B":
		txt, err := text(dec, start)
		if err != nil {
			return nil, err
		}
		b, err := strconv.ParseBool(strings.ToLower(txt))
		if err != nil {
			return nil, fmt.Errorf("%w: bool %q", ErrInvalidCLIXML, txt)
		}
		return b, nil
	case "I32":
		txt, err := text(dec, start)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(txt, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: int32 %q", ErrInvalidCLIXML, txt)
		}
		return int32(n), nil
	case "I64", "U32", "U64":
		txt, err := text(dec, start)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(txt, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: int64 %q", ErrInvalidCLIXML, txt)
		}
		return n, nil
	case "Db", "Sg", "D":
		txt, err := text(dec, start)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(txt, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: double %q", ErrInvalidCLIXML, txt)
		}
		return f, nil
	case "DT":
		txt, err := text(dec, start)
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, txt)
		if err != nil {
			return nil, fmt.Errorf("%w: datetime %q", ErrInvalidCLIXML, txt)
		}
		return t, nil
	case "BA":
		txt, err := text(dec, start)
		if err != nil {
			return nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(txt))
		if err != nil {
			return nil, fmt.Errorf("%w: byte array: %v", ErrInvalidCLIXML, err)
		}
		return raw, nil
	case "G":
		txt, err := text(dec, start)
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(strings.TrimSpace(txt))
		if err != nil {
			return nil, fmt.Errorf("%w: guid %q", ErrInvalidCLIXML, txt)
		}
		return id, nil
	case "Version":
		txt, err := text(dec, start)
		if err != nil {
			return nil, err
		}
		return ParseVersion(strings.TrimSpace(txt))
	case "SS":
		txt, err := text(dec, start)
		if err != nil {
			return nil, err
		}
		if d.crypter == nil {
			return nil, ErrNoCipher
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(txt))
		if err != nil {
			return nil, fmt.Errorf("%w: secure string: %v", ErrInvalidCLIXML, err)
		}
		plain, err := d.crypter.Decrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("decrypt secure string: %w", err)
		}
		return NewSecureString(plain), nil
	case "Ref":
		refStr, _ := attr(start, "RefId")
		if err := dec.Skip(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
		}
		ref, err := strconv.Atoi(refStr)
		if err != nil {
			return nil, fmt.Errorf("%w: object ref %q", ErrInvalidCLIXML, refStr)
		}
		v, ok := d.objRefs[ref]
		if !ok {
			return nil, fmt.Errorf("%w: unresolved object ref %d", ErrInvalidCLIXML, ref)
		}
		return v, nil
	case "Obj":
		return d.decodeObj(dec, start, depth)
	default:
		// Unknown simple element: preserve its text so callers can decide.
		return text(dec, start)
	}
}

// decodeObj decodes an <Obj> element: list, dictionary, or property bag.
func (d *Deserializer) decodeObj(dec *xml.Decoder, start xml.StartElement, depth int) (any, error) {
	obj := NewPSObject()
	var result any = obj

	refStr, hasRef := attr(start, "RefId")

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
		}

		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local != "Obj" {
				continue
			}
			if hasRef {
				if ref, err := strconv.Atoi(refStr); err == nil {
					d.objRefs[ref] = result
				}
			}
			return result, nil

		case xml.StartElement:
			switch t.Name.Local {
			case "TN":
				tnRefStr, _ := attr(t, "RefId")
				names, err := d.decodeChildren(dec, t, depth+1)
				if err != nil {
					return nil, err
				}
				for _, n := range names {
					if s, ok := n.(string); ok {
						obj.TypeNames = append(obj.TypeNames, s)
					}
				}
				if tnRef, err := strconv.Atoi(tnRefStr); err == nil {
					d.tnRefs[tnRef] = obj.TypeNames
				}
			case "TNRef":
				tnRefStr, _ := attr(t, "RefId")
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
				}
				if tnRef, err := strconv.Atoi(tnRefStr); err == nil {
					obj.TypeNames = d.tnRefs[tnRef]
				}
			case "ToString":
				txt, err := text(dec, t)
				if err != nil {
					return nil, err
				}
				obj.ToString = txt
			case "MS", "Props":
				if err := d.decodeMembers(dec, t, obj, depth+1); err != nil {
					return nil, err
				}
			case "LST", "IE", "STK", "QUE":
				items, err := d.decodeChildren(dec, t, depth+1)
				if err != nil {
					return nil, err
				}
				if items == nil {
					items = []any{}
				}
				result = items
			case "DCT":
				m, err := d.decodeDict(dec, t, depth+1)
				if err != nil {
					return nil, err
				}
				result = m
			default:
				v, err := d.decodeElement(dec, t, depth+1)
				if err != nil {
					return nil, err
				}
				if name, ok := attr(t, "N"); ok {
					obj.Set(name, v)
				} else {
					obj.BaseValue = v
				}
			}
		}
	}
}

// decodeMembers fills obj's property bag from an <MS> or <Props> element.
func (d *Deserializer) decodeMembers(dec *xml.Decoder, start xml.StartElement, obj *PSObject, depth int) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return nil
			}
		case xml.StartElement:
			v, err := d.decodeElement(dec, t, depth+1)
			if err != nil {
				return err
			}
			name, _ := attr(t, "N")
			obj.Set(name, v)
		}
	}
}

// decodeDict decodes a <DCT> of <En> entries with Key/Value members.
func (d *Deserializer) decodeDict(dec *xml.Decoder, start xml.StartElement, depth int) (map[string]any, error) {
	m := make(map[string]any)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return m, nil
			}
		case xml.StartElement:
			if t.Name.Local != "En" {
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
				}
				continue
			}
			var key string
			var val any
			entry, err := d.decodeEntry(dec, t, depth+1, &key, &val)
			if err != nil {
				return nil, err
			}
			if entry {
				m[key] = val
			}
		}
	}
}

// decodeEntry decodes one <En> element's Key and Value members.
func (d *Deserializer) decodeEntry(dec *xml.Decoder, start xml.StartElement, depth int, key *string, val *any) (bool, error) {
	haveKey := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return haveKey, nil
			}
		case xml.StartElement:
			v, err := d.decodeElement(dec, t, depth+1)
			if err != nil {
				return false, err
			}
			switch n, _ := attr(t, "N"); n {
			case "Key":
				if s, ok := v.(string); ok {
					*key = s
					haveKey = true
				} else {
					*key = fmt.Sprint(v)
					haveKey = true
				}
			case "Value":
				*val = v
			}
		}
	}
}
