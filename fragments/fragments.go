// Package fragments implements the PSRP fragmentation layer.
//
// Envelopes can exceed the transport's maximum frame size, so they are split
// into fragments for transmission and reassembled on receipt. Each fragment
// carries a 21-byte header:
//
//	ObjectID   (8 bytes)  identifies the original envelope
//	FragmentID (8 bytes)  sequence number within the envelope, from 0
//	Flags      (1 byte)   bit 0 = start, bit 1 = end
//	BlobLength (4 bytes)  length of the payload that follows
//
// Header fields are big-endian (network byte order), unlike envelope headers,
// which are little-endian.
//
// Reassembly is strict: fragments of one object must arrive contiguously and
// in order. A stream carries one inbound object at a time, so a fragment for
// a new object while another is mid-assembly is a protocol violation, as is
// a duplicate, skipped, or out-of-order fragment id.
package fragments

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the fragment header size in bytes.
const HeaderSize = 21

// DefaultBufferSize is the default maximum encoded fragment size, matching
// the value PowerShell remoting stacks negotiate for out-of-process
// transports.
const DefaultBufferSize = 32768

const (
	flagStart = 1 << 0
	flagEnd   = 1 << 1
)

var (
	// ErrShortFragment is returned when a buffer is too small to hold the
	// header plus the declared blob.
	ErrShortFragment = errors.New("fragment shorter than declared length")
	// ErrBufferTooSmall is returned when the configured buffer size cannot
	// fit a header and at least one payload byte.
	ErrBufferTooSmall = errors.New("buffer size too small for fragment header")
)

// OrderError reports a violation of the strict fragment ordering rules. It
// wraps enough detail to tell a duplicate from a gap from an abandoned
// object.
type OrderError struct {
	ObjectID   uint64
	FragmentID uint64
	Reason     string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("fragment order violation: object %d fragment %d: %s",
		e.ObjectID, e.FragmentID, e.Reason)
}

// Fragment is one wire chunk of an envelope.
type Fragment struct {
	ObjectID   uint64
	FragmentID uint64
	Start      bool
	End        bool
	Blob       []byte
}

// Encode serializes the fragment: big-endian header followed by the blob.
func (f *Fragment) Encode() []byte {
	if len(f.Blob) > math.MaxUint32 {
		panic("fragment blob exceeds uint32 length")
	}
	buf := make([]byte, HeaderSize+len(f.Blob))
	binary.BigEndian.PutUint64(buf[0:8], f.ObjectID)
	binary.BigEndian.PutUint64(buf[8:16], f.FragmentID)
	var flags byte
	if f.Start {
		flags |= flagStart
	}
	if f.End {
		flags |= flagEnd
	}
	buf[16] = flags
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Blob)))
	copy(buf[HeaderSize:], f.Blob)
	return buf
}

// Decode parses one fragment from the front of data and returns it along
// with the number of bytes consumed. The blob is copied, so data may be
// reused by the caller.
func Decode(data []byte) (*Fragment, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, ErrShortFragment
	}
	blobLen := binary.BigEndian.Uint32(data[17:21])
	total := HeaderSize + int(blobLen)
	if len(data) < total {
		return nil, 0, ErrShortFragment
	}
	flags := data[16]
	f := &Fragment{
		ObjectID:   binary.BigEndian.Uint64(data[0:8]),
		FragmentID: binary.BigEndian.Uint64(data[8:16]),
		Start:      flags&flagStart != 0,
		End:        flags&flagEnd != 0,
		Blob:       append([]byte(nil), data[HeaderSize:total]...),
	}
	return f, total, nil
}

// Fragmenter splits envelopes into fragments whose encoded size never
// exceeds the configured buffer size. Object ids are assigned from a
// monotonically increasing counter, one per envelope.
type Fragmenter struct {
	bufferSize int
	nextObject uint64
}

// NewFragmenter returns a Fragmenter bounded by bufferSize encoded bytes per
// fragment. Zero or negative means DefaultBufferSize.
func NewFragmenter(bufferSize int) *Fragmenter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Fragmenter{bufferSize: bufferSize, nextObject: 1}
}

// NextObjectID reports the object id the next Fragment call will assign.
func (f *Fragmenter) NextObjectID() uint64 { return f.nextObject }

// SetNextObjectID overrides the counter. Used when the opening envelopes of
// a session travel out of band and the ids must stay in step with the peer.
func (f *Fragmenter) SetNextObjectID(id uint64) { f.nextObject = id }

// Fragment splits data into ordered fragments under one fresh object id.
// An empty payload still yields a single start+end fragment. Fragment ids
// are contiguous from 0.
func (f *Fragmenter) Fragment(data []byte) ([]*Fragment, error) {
	maxBlob := f.bufferSize - HeaderSize
	if maxBlob < 1 {
		return nil, ErrBufferTooSmall
	}

	objectID := f.nextObject
	f.nextObject++

	if len(data) == 0 {
		return []*Fragment{{ObjectID: objectID, Start: true, End: true}}, nil
	}

	frags := make([]*Fragment, 0, (len(data)+maxBlob-1)/maxBlob)
	var fragmentID uint64
	for offset := 0; offset < len(data); {
		end := offset + maxBlob
		if end > len(data) {
			end = len(data)
		}
		frags = append(frags, &Fragment{
			ObjectID:   objectID,
			FragmentID: fragmentID,
			Start:      offset == 0,
			End:        end == len(data),
			Blob:       data[offset:end],
		})
		offset = end
		fragmentID++
	}
	return frags, nil
}

// Defragmenter reassembles one inbound object at a time under the strict
// ordering rules. Not safe for concurrent use; each transport stream owns
// its own Defragmenter.
type Defragmenter struct {
	objectID uint64
	nextFrag uint64
	open     bool
	buf      []byte
}

// NewDefragmenter returns an empty Defragmenter.
func NewDefragmenter() *Defragmenter {
	return &Defragmenter{}
}

// Add consumes one fragment. When the fragment completes an object, the
// reassembled payload is returned; otherwise data is nil. Any ordering
// violation returns an *OrderError and leaves the in-progress object
// discarded, since the stream can no longer be trusted past that point.
func (d *Defragmenter) Add(f *Fragment) (data []byte, err error) {
	fail := func(reason string) (data []byte, err error) {
		d.reset()
		return nil, &OrderError{ObjectID: f.ObjectID, FragmentID: f.FragmentID, Reason: reason}
	}

	if !d.open {
		if !f.Start || f.FragmentID != 0 {
			return fail("expected start fragment with id 0")
		}
		d.objectID = f.ObjectID
		d.open = true
		d.nextFrag = 0
		d.buf = d.buf[:0]
	} else {
		if f.ObjectID != d.objectID {
			return fail(fmt.Sprintf("object %d still mid-assembly", d.objectID))
		}
		if f.Start {
			return fail("start flag repeated mid-object")
		}
		switch {
		case f.FragmentID < d.nextFrag:
			return fail(fmt.Sprintf("duplicate fragment, already past id %d", d.nextFrag-1))
		case f.FragmentID > d.nextFrag:
			return fail(fmt.Sprintf("gap in fragment ids, expected %d", d.nextFrag))
		}
	}

	d.buf = append(d.buf, f.Blob...)
	d.nextFrag++

	if !f.End {
		return nil, nil
	}

	out := append([]byte(nil), d.buf...)
	d.reset()
	return out, nil
}

// Pending reports whether an object is partially assembled.
func (d *Defragmenter) Pending() bool { return d.open }

func (d *Defragmenter) reset() {
	d.open = false
	d.objectID = 0
	d.nextFrag = 0
	d.buf = d.buf[:0]
}
