package pup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var (
	alto  = Endpoint{Network: 1, Host: 0o12, Socket: 0o400}
	local = Endpoint{Network: 1, Host: 0o1, Socket: SocketEcho}
)

func TestPacketFromBytes(t *testing.T) {
	want := New(EchoMe, 0x01020304, local, alto, []byte{1, 0, 1, 7})

	raw, err := want.ToBytes()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != HeaderSize+4+ChecksumSize {
		t.Fatalf("encoded size %d", len(raw))
	}

	got, err := PacketFromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, want, cmp.AllowUnexported(Packet{})) {
		t.Fatalf("mismatch:\n%s", cmp.Diff(want, got, cmp.AllowUnexported(Packet{})))
	}
}

func TestHeaderLayout(t *testing.T) {
	pck := New(Data, 0xaabbccdd, Endpoint{2, 3, 0x10203040}, Endpoint{4, 5, 0x50607080}, []byte{0xee})
	pck.TransportControl = 9
	raw, err := pck.ToBytes()
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{
		0, 23, // length: header + 1 content byte + checksum
		9,                      // transport control
		byte(Data),             // type
		0xaa, 0xbb, 0xcc, 0xdd, // id
		2, 3, 0x10, 0x20, 0x30, 0x40, // destination
		4, 5, 0x50, 0x60, 0x70, 0x80, // source
		0xee, 0, // contents and garbage byte
	}
	if !cmp.Equal(raw[:len(want)], want) {
		t.Fatalf("got %v\nwant %v", raw[:len(want)], want)
	}
	if len(raw)%2 != 0 {
		t.Fatalf("odd wire length %d", len(raw))
	}
}

func TestGarbageByte(t *testing.T) {
	pck := NewWithGarbage(EchoMe, 1, local, alto, []byte{1, 2, 3, 0xab})
	if !pck.HasGarbage() {
		t.Fatal("expected garbage byte flag")
	}
	if !cmp.Equal(pck.Contents(), []byte{1, 2, 3}) {
		t.Fatalf("contents %v", pck.Contents())
	}

	raw, err := pck.ToBytes()
	if err != nil {
		t.Fatal(err)
	}
	back, err := PacketFromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.Garbage() != 0xab || !cmp.Equal(back.Payload(), []byte{1, 2, 3, 0xab}) {
		t.Fatalf("garbage byte lost: %v", back.Payload())
	}
	if back.Length() != HeaderSize+3+ChecksumSize {
		t.Fatalf("length %d", back.Length())
	}
}

func TestBadChecksum(t *testing.T) {
	raw, err := New(Data, 1, local, alto, []byte("hi")).ToBytes()
	if err != nil {
		t.Fatal(err)
	}
	raw[HeaderSize] ^= 0xff
	if _, err := PacketFromBytes(raw); !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("expected ErrBadChecksum, got %v", err)
	}

	// All ones disables verification.
	raw[len(raw)-2], raw[len(raw)-1] = 0xff, 0xff
	if _, err := PacketFromBytes(raw); err != nil {
		t.Fatalf("unchecked packet rejected: %v", err)
	}
}

func TestShortAndBadLength(t *testing.T) {
	if _, err := PacketFromBytes(make([]byte, 10)); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}

	raw, _ := New(Data, 1, local, alto, []byte("hello!")).ToBytes()
	if _, err := PacketFromBytes(raw[:len(raw)-4]); !errors.Is(err, ErrBadLength) {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
}

func TestContentsTooLong(t *testing.T) {
	if _, err := New(Data, 1, local, alto, make([]byte, MaxContents+1)).ToBytes(); !errors.Is(err, ErrContentsTooLong) {
		t.Fatalf("expected ErrContentsTooLong, got %v", err)
	}
}

func TestChecksumNeverAllOnes(t *testing.T) {
	for i := 0; i < 4096; i++ {
		b := []byte{byte(i >> 8), byte(i), 0xff, 0xfe}
		if Checksum(b) == NoChecksum {
			t.Fatalf("checksum of %v is all ones", b)
		}
	}
}

func TestEndpointRecord(t *testing.T) {
	e := Endpoint{Network: 3, Host: 0o44, Socket: 0x01020304}
	b := e.ToBytes()
	if !cmp.Equal(b, []byte{3, 0o44, 1, 2, 3, 4}) {
		t.Fatalf("got %v", b)
	}
	back, err := EndpointFromBytes(b)
	if err != nil || back != e {
		t.Fatalf("got %v, %v", back, err)
	}
	if e.String() != "3#44#100401404" {
		t.Fatalf("string form %q", e.String())
	}
}
