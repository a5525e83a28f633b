package fragments

import (
	"bytes"
	"testing"
)

// FuzzDecode feeds the fragment decoder arbitrary bytes; it must never
// panic, only return a fragment or ErrShortFragment.
func FuzzDecode(f *testing.F) {
	valid := &Fragment{ObjectID: 1, FragmentID: 0, Start: true, End: true, Blob: []byte("seed")}
	f.Add(valid.Encode())
	f.Add(make([]byte, HeaderSize))
	f.Add(make([]byte, HeaderSize-1))
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0xFF, 0xFF})

	f.Fuzz(func(_ *testing.T, data []byte) {
		_, _, _ = Decode(data)
	})
}

// FuzzRoundTrip checks defragment(fragment(P, size)) == P for arbitrary
// payloads across a range of buffer sizes down to the one-byte-blob minimum.
func FuzzRoundTrip(f *testing.F) {
	f.Add([]byte("hello world"), 50)
	f.Add([]byte(""), 1)
	f.Add([]byte("a"), 1)
	f.Add(make([]byte, 1000), 9)

	f.Fuzz(func(t *testing.T, data []byte, blobSize int) {
		if blobSize < 1 || blobSize > DefaultBufferSize {
			t.Skip()
		}

		fr := NewFragmenter(HeaderSize + blobSize)
		frags, err := fr.Fragment(data)
		if err != nil {
			t.Fatalf("Fragment: %v", err)
		}
		if len(frags) == 0 {
			t.Fatal("no fragments produced")
		}
		if !frags[0].Start || !frags[len(frags)-1].End {
			t.Fatal("start/end flags misplaced")
		}

		df := NewDefragmenter()
		var out []byte
		for _, frag := range frags {
			decoded, _, err := Decode(frag.Encode())
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			got, err := df.Add(decoded)
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if got != nil {
				out = got
			}
		}
		if !bytes.Equal(data, out) {
			t.Fatalf("round trip mismatch: %d bytes in, %d out", len(data), len(out))
		}
	})
}
