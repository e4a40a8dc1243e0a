package pup

import (
	"fmt"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/serial"
)

// PortSize is the encoded size of an Endpoint.
const PortSize = 6

// Endpoint is a (network, host, socket) triple. Host 0 is broadcast.
type Endpoint struct {
	Network uint8
	Host    uint8
	Socket  uint32
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%o#%o#%o", e.Network, e.Host, e.Socket)
}

// WithSocket returns e moved to another socket on the same host.
func (e Endpoint) WithSocket(socket uint32) Endpoint {
	e.Socket = socket
	return e
}

// Fields binds the endpoint as a 6-byte port record.
func (e *Endpoint) Fields() []serial.Field {
	return []serial.Field{
		serial.Byte("network", &e.Network),
		serial.Byte("host", &e.Host),
		serial.Uint32("socket", &e.Socket),
	}
}

// EndpointFromBytes decodes a port record.
func EndpointFromBytes(b []byte) (Endpoint, error) {
	var e Endpoint
	if len(b) < PortSize {
		return e, fmt.Errorf("port record: %w", serial.ErrShortBuffer)
	}
	err := serial.Decode(b[:PortSize], &e)
	return e, err
}

// ToBytes encodes the endpoint as a port record.
func (e Endpoint) ToBytes() []byte {
	b, err := serial.Encode(&e)
	if err != nil {
		panic(err)
	}
	return b
}
