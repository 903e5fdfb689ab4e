// Package wire implements the mesh's binary frame codec: translate a
// Frame to and from the bit-exact layout the link layer carries, reject
// malformed input, and enforce the size ceiling. Nothing here allocates
// beyond the returned Frame, and decoding is strict about trailing
// bytes, mirroring the teacher's own marshal/unmarshal pairs for its
// handshake messages (fixed-size copies into a pre-sized buffer, no
// reflection, no intermediate representation).
package wire

import (
	"encoding/binary"
	"errors"
)

// Version is the only wire version this codec accepts.
const Version uint8 = 1

// MaxTTL bounds the hop budget carried by every Frame.
const MaxTTL uint8 = 7

// MaxPayload is the size ceiling for an entire encoded Frame.
const MaxPayload = 512

const (
	PeerIDSize      = 8
	SignatureSize   = 64
	fixedHeaderSize = 1 + 1 + 1 + 8 + 1 + 2 // version,type,ttl,timestamp,flags,payload_len
)

// Type enumerates the message types carried in a Frame.
type Type uint8

const (
	TypeAnnounce        Type = 0x01
	TypeMessage         Type = 0x04
	TypeChannelList     Type = 0x08
	TypeDeliveryAck     Type = 0x0A
	TypeDeliveryRequest Type = 0x0B
	TypeDeliveryStatus  Type = 0x0C
	TypeNoiseInit       Type = 0x10
	TypeNoiseResponse   Type = 0x11
	TypeNoiseFinish     Type = 0x12
	TypeChannelJoin     Type = 0x14
	TypeChannelLeave    Type = 0x15
	TypeChannelPassword Type = 0x16
	TypeChannelTransfer Type = 0x17
)

// Relayable reports whether frames of this type may be forwarded by
// the mesh forwarder. Noise* handshake frames and unknown types never
// are.
func (t Type) Relayable() bool {
	switch t {
	case TypeAnnounce, TypeMessage, TypeChannelList, TypeDeliveryAck,
		TypeDeliveryRequest, TypeDeliveryStatus,
		TypeChannelJoin, TypeChannelLeave, TypeChannelPassword, TypeChannelTransfer:
		return true
	default:
		return false
	}
}

// Flags packs the four defined booleans into the low nibble. The high
// nibble is reserved and must be echoed verbatim by anything that
// touches a Frame's flags — forwarders never clear it.
type Flags uint8

const (
	FlagRecipient Flags = 1 << 0
	FlagSignature Flags = 1 << 1
	FlagCompressed Flags = 1 << 2
	FlagEncrypted Flags = 1 << 3
	flagsLowMask  Flags = 0x0F
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Frame is the wire unit described by spec.md §6.
type Frame struct {
	Version     uint8
	Type        Type
	TTL         uint8
	Timestamp   uint64 // seconds since epoch
	Flags       Flags
	SenderID    [PeerIDSize]byte
	RecipientID [PeerIDSize]byte // valid iff Flags.Has(FlagRecipient)
	Payload     []byte
	Signature   [SignatureSize]byte // valid iff Flags.Has(FlagSignature)
}

var (
	ErrTooLarge           = errors.New("wire: encoded frame exceeds max payload size")
	ErrShortHeader        = errors.New("wire: buffer shorter than fixed header")
	ErrBadVersion         = errors.New("wire: unsupported frame version")
	ErrBadLength          = errors.New("wire: payload_len exceeds remaining buffer")
	ErrTruncatedPayload   = errors.New("wire: buffer truncated before end of payload")
	ErrTruncatedSignature = errors.New("wire: buffer truncated before end of signature")
	ErrTrailingBytes      = errors.New("wire: trailing bytes after frame")
)

// Encode serializes f into a freshly allocated byte slice. It fails
// with ErrTooLarge if the result would exceed MaxPayload.
func Encode(f *Frame) ([]byte, error) {
	size := fixedHeaderSize + PeerIDSize
	if f.Flags.Has(FlagRecipient) {
		size += PeerIDSize
	}
	size += len(f.Payload)
	if f.Flags.Has(FlagSignature) {
		size += SignatureSize
	}
	if size > MaxPayload {
		return nil, ErrTooLarge
	}

	b := make([]byte, size)
	off := 0
	b[off] = f.Version
	off++
	b[off] = uint8(f.Type)
	off++
	b[off] = f.TTL
	off++
	binary.BigEndian.PutUint64(b[off:], f.Timestamp)
	off += 8
	b[off] = uint8(f.Flags)
	off++
	binary.BigEndian.PutUint16(b[off:], uint16(len(f.Payload)))
	off += 2

	copy(b[off:], f.SenderID[:])
	off += PeerIDSize

	if f.Flags.Has(FlagRecipient) {
		copy(b[off:], f.RecipientID[:])
		off += PeerIDSize
	}

	copy(b[off:], f.Payload)
	off += len(f.Payload)

	if f.Flags.Has(FlagSignature) {
		copy(b[off:], f.Signature[:])
		off += SignatureSize
	}

	return b, nil
}

// Decode parses b into a Frame. Any trailing bytes past the expected
// end of the frame are an error, and decoding never allocates beyond
// the returned Frame's Payload slice (a copy of the relevant sub-slice
// of b).
func Decode(b []byte) (*Frame, error) {
	if len(b) < fixedHeaderSize {
		return nil, ErrShortHeader
	}

	f := &Frame{}
	off := 0
	f.Version = b[off]
	off++
	if f.Version != Version {
		return nil, ErrBadVersion
	}
	f.Type = Type(b[off])
	off++
	f.TTL = b[off]
	off++
	f.Timestamp = binary.BigEndian.Uint64(b[off:])
	off += 8
	f.Flags = Flags(b[off])
	off++
	payloadLen := binary.BigEndian.Uint16(b[off:])
	off += 2

	if off+PeerIDSize > len(b) {
		return nil, ErrTruncatedPayload
	}
	copy(f.SenderID[:], b[off:])
	off += PeerIDSize

	if f.Flags.Has(FlagRecipient) {
		if off+PeerIDSize > len(b) {
			return nil, ErrTruncatedPayload
		}
		copy(f.RecipientID[:], b[off:])
		off += PeerIDSize
	}

	if int(payloadLen) > len(b)-off {
		return nil, ErrBadLength
	}
	remainingAfterPayload := len(b) - off - int(payloadLen)
	wantSigSpace := 0
	if f.Flags.Has(FlagSignature) {
		wantSigSpace = SignatureSize
	}
	if remainingAfterPayload < wantSigSpace {
		return nil, ErrTruncatedSignature
	}
	if remainingAfterPayload > wantSigSpace {
		return nil, ErrTrailingBytes
	}

	f.Payload = append([]byte(nil), b[off:off+int(payloadLen)]...)
	off += int(payloadLen)

	if f.Flags.Has(FlagSignature) {
		copy(f.Signature[:], b[off:])
		off += SignatureSize
	}

	return f, nil
}
