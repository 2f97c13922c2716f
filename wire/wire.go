// Package wire defines the fixed wire layout of cross-node frames. A frame
// is a photon-encoded header followed by a payload whose blake3 digest is
// carried in the header.
package wire

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/outofforest/photon"
	"github.com/outofforest/strata/types"
)

// Header prefixes every frame.
type Header struct {
	Kind        types.MessageKind
	Channel     types.ChannelKind
	Source      types.AddressSpaceID
	Target      types.AddressSpaceID
	Sequence    uint64
	Tag         uint64
	PayloadSize uint32
	Digest      [types.DigestLength]byte
}

// HeaderSize is the number of bytes taken by an encoded header.
const HeaderSize = int(unsafe.Sizeof(Header{}))

// Encode builds a frame from a header and payload. The payload digest and
// size are filled in here.
func Encode(h Header, payload []byte) []byte {
	h.PayloadSize = uint32(len(payload))
	h.Digest = blake3.Sum256(payload)

	frame := make([]byte, HeaderSize+len(payload))
	copy(frame, photon.NewFromValue(&h).B)
	copy(frame[HeaderSize:], payload)
	return frame
}

// Decode splits a frame into header and payload, verifying size and digest.
func Decode(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, errors.Errorf("frame too short: %d bytes", len(frame))
	}
	h := *photon.FromBytes[Header](frame[:HeaderSize])
	payload := frame[HeaderSize:]
	if uint32(len(payload)) != h.PayloadSize {
		return Header{}, nil, errors.Errorf("frame payload size mismatch: header %d, got %d",
			h.PayloadSize, len(payload))
	}
	if blake3.Sum256(payload) != h.Digest {
		return Header{}, nil, errors.New("frame payload digest mismatch")
	}
	return h, payload, nil
}

// Put encodes a fixed-layout record.
func Put[T comparable](record *T) []byte {
	b := make([]byte, unsafe.Sizeof(*record))
	copy(b, photon.NewFromValue(record).B)
	return b
}

// Get decodes a fixed-layout record.
func Get[T comparable](b []byte) (T, error) {
	var record T
	if uintptr(len(b)) != unsafe.Sizeof(record) {
		return record, errors.Errorf("record size mismatch: expected %d, got %d",
			unsafe.Sizeof(record), len(b))
	}
	return *photon.FromBytes[T](b), nil
}
