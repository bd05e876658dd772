// Package masp implements the MASP reliable-datagram protocol: packet
// framing, the sender and receiver endpoints, the three-way handshake, and
// the hole-punching burst used to open a path through independent NATs.
package masp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Magic is the constant 4-byte header that opens every packet on the wire.
var Magic = [4]byte{'M', 'A', 'S', 'P'}

// Version is the only protocol version this package speaks.
const Version uint8 = 1

// HeaderLen is the fixed size of a packet header: magic, version, type,
// and a 4-byte big-endian sequence number.
const HeaderLen = 4 + 1 + 1 + 4

// PacketType identifies the kind of payload a packet carries.
type PacketType uint8

const (
	HandshakeRequest  PacketType = 0x01
	HandshakeAck      PacketType = 0x02
	HandshakeFinalAck PacketType = 0x03
	TextData          PacketType = 0x10
	AudioData         PacketType = 0x20
	VideoData         PacketType = 0x30
	Ack               PacketType = 0x40
	RetransmitRequest PacketType = 0x50
	Punch             PacketType = 0x60
)

func (t PacketType) known() bool {
	switch t {
	case HandshakeRequest, HandshakeAck, HandshakeFinalAck,
		TextData, AudioData, VideoData, Ack, RetransmitRequest, Punch:
		return true
	default:
		return false
	}
}

func (t PacketType) String() string {
	switch t {
	case HandshakeRequest:
		return "HandshakeRequest"
	case HandshakeAck:
		return "HandshakeAck"
	case HandshakeFinalAck:
		return "HandshakeFinalAck"
	case TextData:
		return "TextData"
	case AudioData:
		return "AudioData"
	case VideoData:
		return "VideoData"
	case Ack:
		return "Ack"
	case RetransmitRequest:
		return "RetransmitRequest"
	case Punch:
		return "Punch"
	default:
		return "Unknown"
	}
}

// isDataType reports whether t is a type subject to the unacknowledged
// table (i.e. not Ack/RetransmitRequest, which are fire-and-forget).
func (t PacketType) isDataType() bool {
	return t != Ack && t != RetransmitRequest
}

// Packet is a single MASP datagram: a fixed header plus a variable payload.
type Packet struct {
	Version  uint8
	Type     PacketType
	Sequence uint32
	Payload  []byte
}

// NewPacket builds a packet with the package's current version.
func NewPacket(t PacketType, sequence uint32, payload []byte) Packet {
	return Packet{Version: Version, Type: t, Sequence: sequence, Payload: payload}
}

// Serialize renders the packet into its deterministic wire form: magic,
// version, type byte, big-endian sequence, payload bytes.
func (p Packet) Serialize() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	copy(buf[0:4], Magic[:])
	buf[4] = p.Version
	buf[5] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[6:10], p.Sequence)
	copy(buf[10:], p.Payload)
	return buf
}

// ParsePacket parses a wire-format buffer into a Packet. The returned
// payload slice aliases buf; callers that retain the packet beyond the
// lifetime of buf must copy it first.
func ParsePacket(buf []byte) (Packet, error) {
	if len(buf) < HeaderLen {
		return Packet{}, errors.Wrap(ErrMalformedPacket, "buffer shorter than header")
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return Packet{}, errors.Wrap(ErrMalformedPacket, "bad magic")
	}
	version := buf[4]
	if version != Version {
		return Packet{}, errors.Wrapf(ErrMalformedPacket, "unsupported version %d", version)
	}
	t := PacketType(buf[5])
	if !t.known() {
		return Packet{}, errors.Wrapf(ErrMalformedPacket, "unknown packet type 0x%02x", buf[5])
	}
	seq := binary.BigEndian.Uint32(buf[6:10])
	return Packet{
		Version:  version,
		Type:     t,
		Sequence: seq,
		Payload:  buf[HeaderLen:],
	}, nil
}

// encodeSequence encodes a sequence number as a 4-byte Ack/RetransmitRequest
// payload.
func encodeSequence(seq uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, seq)
	return b
}

// decodeSequence decodes a 4-byte Ack/RetransmitRequest payload.
func decodeSequence(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, errors.Wrap(ErrMalformedPacket, "sequence payload too short")
	}
	return binary.BigEndian.Uint32(payload[:4]), nil
}
