// Package transport moves raw PUPs between hosts. Every frame carries a small
// Ethernet-like header so peers can filter by host number before decoding.
package transport

import (
	"errors"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/serial"
)

const (
	DefaultPort = 42424

	// EtherTypePUP marks a frame whose body is a PUP.
	EtherTypePUP uint16 = 0x0200

	frameHeaderSize = 6
)

var ErrShortFrame = errors.New("transport: frame too short")

// Receiver accepts raw PUP bytes delivered by a transport.
type Receiver interface {
	Receive(raw []byte)
}

// Transport is a datagram link between emulated hosts. Host 0 broadcasts.
type Transport interface {
	Start(r Receiver) error
	Send(dst uint8, raw []byte) error
	Close() error
}

type frameHeader struct {
	Words     uint16
	Dst       byte
	Src       byte
	EtherType uint16
}

func (h *frameHeader) Fields() []serial.Field {
	return []serial.Field{
		serial.Uint16("words", &h.Words),
		serial.Byte("dst", &h.Dst),
		serial.Byte("src", &h.Src),
		serial.Uint16("ether-type", &h.EtherType),
	}
}

// encodeFrame wraps a PUP. The word count covers the two header words after
// it and the PUP rounded up to whole words.
func encodeFrame(dst, src uint8, pup []byte) ([]byte, error) {
	h := frameHeader{
		Words:     uint16(2 + (len(pup)+1)/2),
		Dst:       dst,
		Src:       src,
		EtherType: EtherTypePUP,
	}
	head, err := serial.Encode(&h)
	if err != nil {
		return nil, err
	}
	out := append(head, pup...)
	if len(pup)%2 != 0 {
		out = append(out, 0)
	}
	return out, nil
}

func decodeFrame(raw []byte) (frameHeader, []byte, error) {
	var h frameHeader
	if len(raw) < frameHeaderSize {
		return h, nil, ErrShortFrame
	}
	if err := serial.Decode(raw[:frameHeaderSize], &h); err != nil {
		return h, nil, err
	}
	return h, raw[frameHeaderSize:], nil
}

// accept reports whether a frame from src to dst should reach host.
func accept(host uint8, h frameHeader) bool {
	if h.Src == host || h.EtherType != EtherTypePUP {
		return false
	}
	return h.Dst == 0 || h.Dst == host
}
