// internal/protocol/frame.go
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Wire layout of a packet:
//
//	[0]       type
//	[1:3]     length, big-endian u16, <= MaxPayload
//	[3:250]   payload, zero padded
//	[250:252] checksum, big-endian u16
//	[252:256] timestamp, big-endian u32 unix seconds
const (
	PacketSize  = 256
	MaxPayload  = 247
	checksumEnd = 250

	offType      = 0
	offLength    = 1
	offPayload   = 3
	offChecksum  = 250
	offTimestamp = 252
)

var (
	// ErrPayloadTooLarge is returned by Encode for payloads above MaxPayload.
	ErrPayloadTooLarge = errors.New("payload exceeds 247 bytes")
	// ErrProtocol is returned when a packet declares a length above MaxPayload.
	ErrProtocol = errors.New("protocol error")
	// ErrChecksum is returned when the stored checksum does not match the packet contents.
	ErrChecksum = errors.New("checksum mismatch")
)

// Packet is one encoded frame as it travels on the wire.
type Packet [PacketSize]byte

func (p *Packet) Type() Type { return Type(p[offType]) }

func (p *Packet) Length() uint16 { return binary.BigEndian.Uint16(p[offLength:offPayload]) }

// Payload returns the payload bytes up to the declared length, capped at MaxPayload.
func (p *Packet) Payload() []byte {
	n := int(p.Length())
	if n > MaxPayload {
		n = MaxPayload
	}
	return p[offPayload : offPayload+n]
}

func (p *Packet) Checksum() uint16 { return binary.BigEndian.Uint16(p[offChecksum:offTimestamp]) }

func (p *Packet) Timestamp() uint32 { return binary.BigEndian.Uint32(p[offTimestamp:PacketSize]) }

// Frame is a decoded packet.
type Frame struct {
	Type      Type
	Payload   []byte
	Checksum  uint16
	Timestamp uint32
}

// Length returns the payload length carried by the frame.
func (f Frame) Length() int { return len(f.Payload) }

// Time returns the send timestamp as a time.Time.
func (f Frame) Time() time.Time { return time.Unix(int64(f.Timestamp), 0) }

// Encode builds a packet for the given type and payload, stamped with the current time.
func Encode(t Type, payload []byte) (Packet, error) {
	return encodeAt(t, payload, time.Now())
}

func encodeAt(t Type, payload []byte, now time.Time) (Packet, error) {
	var p Packet
	if len(payload) > MaxPayload {
		return p, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(payload))
	}
	p[offType] = byte(t)
	binary.BigEndian.PutUint16(p[offLength:offPayload], uint16(len(payload)))
	copy(p[offPayload:offPayload+MaxPayload], payload)
	binary.BigEndian.PutUint32(p[offTimestamp:PacketSize], uint32(now.Unix()))
	binary.BigEndian.PutUint16(p[offChecksum:offTimestamp], Checksum(p[:checksumEnd]))
	return p, nil
}

// Decode validates a packet and returns its frame. The payload is copied out of the packet.
func Decode(p *Packet) (Frame, error) {
	if sum := Checksum(p[:checksumEnd]); sum != p.Checksum() {
		return Frame{}, fmt.Errorf("%w: got %#04x, want %#04x", ErrChecksum, p.Checksum(), sum)
	}
	if n := p.Length(); n > MaxPayload {
		return Frame{}, fmt.Errorf("%w: declared length %d", ErrProtocol, n)
	}
	payload := make([]byte, p.Length())
	copy(payload, p.Payload())
	return Frame{
		Type:      p.Type(),
		Payload:   payload,
		Checksum:  p.Checksum(),
		Timestamp: p.Timestamp(),
	}, nil
}

// Checksum returns the one's complement of the folded one's-complement sum of data,
// taken as big-endian 16-bit words. An odd trailing byte is padded with zero.
func Checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// ReadFrame performs exactly one full-packet read from r and decodes it.
func ReadFrame(r io.Reader) (Frame, error) {
	var p Packet
	if _, err := io.ReadFull(r, p[:]); err != nil {
		return Frame{}, err
	}
	return Decode(&p)
}

// WriteFrame encodes and writes one packet to w.
func WriteFrame(w io.Writer, t Type, payload []byte) error {
	p, err := Encode(t, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(p[:])
	return err
}
