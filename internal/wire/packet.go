// Package wire implements the MySQL client/server packet framing: the
// length-prefixed wire format, classification of request packets by command
// byte, and construction of synthetic error packets. It does no I/O.
package wire

import "fmt"

// HeaderLen is the size of a packet header: a 3-byte little-endian payload
// length followed by a 1-byte sequence id.
const HeaderLen = 4

// MaxPayloadLen is the largest payload length a 3-byte header can encode.
const MaxPayloadLen = 1<<24 - 1

// Packet is a single framed MySQL protocol packet: a 4-byte header followed
// by its payload. A Packet owns its bytes and is immutable once constructed.
type Packet struct {
	bytes []byte
}

// NewPacket wraps a complete, already-framed packet (header + payload). The
// caller must not retain or mutate buf afterward; Packet takes ownership.
func NewPacket(buf []byte) Packet {
	return Packet{bytes: buf}
}

// BuildPacket frames payload with the given sequence id.
func BuildPacket(seq byte, payload []byte) Packet {
	buf := make([]byte, HeaderLen+len(payload))
	putLen24(buf, len(payload))
	buf[3] = seq
	copy(buf[HeaderLen:], payload)
	return Packet{bytes: buf}
}

// Bytes returns the packet's raw wire bytes (header + payload). The caller
// must treat the returned slice as read-only.
func (p Packet) Bytes() []byte { return p.bytes }

// Len returns the total wire size of the packet, header included.
func (p Packet) Len() int { return len(p.bytes) }

// SequenceID returns the packet's sequence number (header byte 3).
func (p Packet) SequenceID() byte {
	if len(p.bytes) < HeaderLen {
		return 0
	}
	return p.bytes[3]
}

// Header returns the packet's 4-byte header (3-byte little-endian payload
// length followed by the sequence id).
func (p Packet) Header() [4]byte {
	var h [4]byte
	copy(h[:], p.bytes[:min(HeaderLen, len(p.bytes))])
	return h
}

// Payload returns the packet's payload, i.e. everything after the header.
func (p Packet) Payload() []byte {
	if len(p.bytes) < HeaderLen {
		return nil
	}
	return p.bytes[HeaderLen:]
}

// CommandByte returns the first payload byte — the command byte for a
// client request, the status byte for a server response — and whether the
// payload is non-empty.
func (p Packet) CommandByte() (byte, bool) {
	payload := p.Payload()
	if len(payload) == 0 {
		return 0, false
	}
	return payload[0], true
}

// Mutate returns a new Packet with the same sequence id but a replaced
// payload. Packets are otherwise immutable; this is the sole reconstruction
// path named in the spec.
func (p Packet) Mutate(payload []byte) Packet {
	return BuildPacket(p.SequenceID(), payload)
}

func putLen24(buf []byte, l int) {
	buf[0] = byte(l)
	buf[1] = byte(l >> 8)
	buf[2] = byte(l >> 16)
}

func len24(buf []byte) int {
	return int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
}

// Next extracts the next complete packet from buf, where pos is the number
// of valid (already-received) bytes at the front of buf. It returns the
// packet and the number of bytes to advance past it, or ok=false if fewer
// than 4+L bytes are currently available. Next never blocks and never
// mutates buf.
func Next(buf []byte, pos int) (pkt Packet, consumed int, ok bool) {
	if pos < HeaderLen {
		return Packet{}, 0, false
	}
	payloadLen := len24(buf)
	total := HeaderLen + payloadLen
	if pos < total {
		return Packet{}, 0, false
	}
	out := make([]byte, total)
	copy(out, buf[:total])
	return Packet{bytes: out}, total, true
}

// errorPacketSeq is the fixed sequence id the spec assigns to every
// synthesized error packet, regardless of what triggered it.
const errorPacketSeq = 1

// NewErrorPacket builds the canonical MySQL ERR_Packet: 0xff followed by a
// little-endian error code, '#', a 5-byte SQL state, and the verbatim
// message bytes, at the fixed sequence id the protocol convention assigns
// to a synthesized error (1). Construction fails if the resulting payload
// would not fit a 24-bit length.
func NewErrorPacket(code uint16, state [5]byte, msg string) (Packet, error) {
	payload := make([]byte, 0, 9+len(msg))
	payload = append(payload, 0xff)
	payload = append(payload, byte(code), byte(code>>8))
	payload = append(payload, '#')
	payload = append(payload, state[:]...)
	payload = append(payload, msg...)

	if len(payload) > MaxPayloadLen {
		return Packet{}, fmt.Errorf("wire: error packet payload of %d bytes exceeds 24-bit length limit", len(payload))
	}
	return BuildPacket(errorPacketSeq, payload), nil
}
