// Package pup models PARC Universal Packets: addressing, packet types and
// the bit-exact wire form.
package pup

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/serial"
)

var (
	ErrShortPacket     = errors.New("pup: packet shorter than header")
	ErrBadLength       = errors.New("pup: length field out of range")
	ErrBadChecksum     = errors.New("pup: checksum mismatch")
	ErrContentsTooLong = errors.New("pup: contents exceed maximum size")
)

// Sender emits packets. The router implements it.
type Sender interface {
	Send(pck *Packet) error
}

type header struct {
	Length           uint16
	TransportControl byte
	Type             byte
	ID               uint32
	Destination      Endpoint
	Source           Endpoint
}

func (h *header) Fields() []serial.Field {
	fields := []serial.Field{
		serial.Uint16("length", &h.Length),
		serial.Byte("transport-control", &h.TransportControl),
		serial.Byte("type", &h.Type),
		serial.Uint32("id", &h.ID),
	}
	fields = append(fields, h.Destination.Fields()...)
	return append(fields, h.Source.Fields()...)
}

type trailer struct {
	Checksum uint16
}

func (t *trailer) Fields() []serial.Field {
	return []serial.Field{serial.Uint16("checksum", &t.Checksum).Aligned()}
}

// Packet is an addressed PUP. Build one with New or NewWithGarbage and treat
// it as read-only afterwards.
type Packet struct {
	Type             Type
	ID               uint32
	Destination      Endpoint
	Source           Endpoint
	TransportControl byte

	contents []byte
	garbage  byte
}

// New builds a packet carrying a copy of contents. An odd-length packet is
// padded with a zero garbage byte on the wire.
func New(t Type, id uint32, dst, src Endpoint, contents []byte) *Packet {
	return &Packet{
		Type:        t,
		ID:          id,
		Destination: dst,
		Source:      src,
		contents:    append([]byte(nil), contents...),
	}
}

// NewWithGarbage builds a packet whose last byte of payload is the padding
// byte rather than data. payload must be of even length.
func NewWithGarbage(t Type, id uint32, dst, src Endpoint, payload []byte) *Packet {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return New(t, id, dst, src, payload)
	}
	pck := New(t, id, dst, src, payload[:len(payload)-1])
	pck.garbage = payload[len(payload)-1]
	return pck
}

// Contents returns the meaningful bytes of the packet.
func (pck *Packet) Contents() []byte {
	return pck.contents
}

// HasGarbage reports whether the transmitted payload ends in a padding byte.
func (pck *Packet) HasGarbage() bool {
	return len(pck.contents)%2 != 0
}

// Garbage returns the padding byte sent after odd-length contents.
func (pck *Packet) Garbage() byte {
	return pck.garbage
}

// Payload returns the contents as transmitted, including the padding byte.
func (pck *Packet) Payload() []byte {
	out := append([]byte(nil), pck.contents...)
	if pck.HasGarbage() {
		out = append(out, pck.garbage)
	}
	return out
}

// Length is the value of the header length field: header, contents and
// checksum, excluding any padding byte.
func (pck *Packet) Length() int {
	return HeaderSize + len(pck.contents) + ChecksumSize
}

func (pck *Packet) String() string {
	return fmt.Sprintf("%v id=%d %v->%v len=%d", pck.Type, pck.ID, pck.Source, pck.Destination, len(pck.contents))
}

// ToBytes encodes the packet with a computed checksum.
func (pck *Packet) ToBytes() ([]byte, error) {
	if len(pck.contents) > MaxContents {
		return nil, ErrContentsTooLong
	}

	h := header{
		Length:           uint16(pck.Length()),
		TransportControl: pck.TransportControl,
		Type:             byte(pck.Type),
		ID:               pck.ID,
		Destination:      pck.Destination,
		Source:           pck.Source,
	}
	head, err := serial.Encode(&h)
	if err != nil {
		return nil, err
	}

	raw := append(head, pck.Payload()...)
	tail, err := serial.Encode(&trailer{Checksum: Checksum(raw)})
	if err != nil {
		return nil, err
	}
	return append(raw, tail...), nil
}

// PacketFromBytes decodes a raw PUP. Bytes past the checksum are ignored.
func PacketFromBytes(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize+ChecksumSize {
		return nil, ErrShortPacket
	}

	var h header
	if err := serial.Decode(raw[:HeaderSize], &h); err != nil {
		return nil, err
	}

	length := int(h.Length)
	if length < HeaderSize+ChecksumSize || length > MaxSize {
		return nil, ErrBadLength
	}
	n := length - HeaderSize - ChecksumSize
	padded := HeaderSize + n + n%2
	if padded+ChecksumSize > len(raw) {
		return nil, ErrBadLength
	}

	var t trailer
	if err := serial.Decode(raw[padded:padded+ChecksumSize], &t); err != nil {
		return nil, err
	}
	if t.Checksum != NoChecksum && t.Checksum != Checksum(raw[:padded]) {
		return nil, ErrBadChecksum
	}

	pck := New(Type(h.Type), h.ID, h.Destination, h.Source, raw[HeaderSize:HeaderSize+n])
	pck.TransportControl = h.TransportControl
	if n%2 != 0 {
		pck.garbage = raw[HeaderSize+n]
	}
	return pck, nil
}

// Checksum computes the PUP software checksum over whole words of b: a
// ones-complement add followed by a left cycle for every word. A result of
// all ones is folded to zero since all ones means "no checksum".
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
		if sum > 0xffff {
			sum = (sum + 1) & 0xffff
		}
		sum = ((sum << 1) | (sum >> 15)) & 0xffff
	}
	if sum == 0xffff {
		return 0
	}
	return uint16(sum)
}
