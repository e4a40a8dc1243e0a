package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type chanReceiver chan []byte

func (c chanReceiver) Receive(raw []byte) { c <- raw }

func TestFrameLayout(t *testing.T) {
	frame, err := encodeFrame(0o12, 0o3, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 4, 0o12, 0o3, 0x02, 0x00, 1, 2, 3, 0}
	if diff := cmp.Diff(want, frame); diff != "" {
		t.Fatal(diff)
	}

	h, body, err := decodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if h.Dst != 0o12 || h.Src != 0o3 || len(body) != 4 {
		t.Fatalf("got %+v body %v", h, body)
	}

	if _, _, err := decodeFrame([]byte{0, 1, 2}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestAccept(t *testing.T) {
	cases := []struct {
		h    frameHeader
		want bool
	}{
		{frameHeader{Dst: 5, Src: 1, EtherType: EtherTypePUP}, true},
		{frameHeader{Dst: 0, Src: 1, EtherType: EtherTypePUP}, true},
		{frameHeader{Dst: 6, Src: 1, EtherType: EtherTypePUP}, false},
		{frameHeader{Dst: 0, Src: 5, EtherType: EtherTypePUP}, false},
		{frameHeader{Dst: 5, Src: 1, EtherType: 0x0800}, false},
	}
	for _, c := range cases {
		if got := accept(5, c.h); got != c.want {
			t.Errorf("accept(5, %+v) = %v", c.h, got)
		}
	}
}

func receive(t *testing.T, c chanReceiver) []byte {
	t.Helper()
	select {
	case raw := <-c:
		return raw
	case <-time.After(time.Second):
		t.Fatal("nothing delivered")
		return nil
	}
}

func TestLoopback(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.Attach(1), hub.Attach(2), hub.Attach(3)
	ra, rb, rc := make(chanReceiver, 4), make(chanReceiver, 4), make(chanReceiver, 4)
	for _, p := range []struct {
		port *Port
		r    chanReceiver
	}{{a, ra}, {b, rb}, {c, rc}} {
		if err := p.port.Start(p.r); err != nil {
			t.Fatal(err)
		}
		defer p.port.Close()
	}

	if err := a.Send(2, []byte{9, 9}); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, rb); !cmp.Equal(got, []byte{9, 9}) {
		t.Fatalf("got %v", got)
	}

	if err := a.Send(0, []byte{7, 7}); err != nil {
		t.Fatal(err)
	}
	receive(t, rb)
	receive(t, rc)

	select {
	case raw := <-ra:
		t.Fatalf("sender saw its own frame %v", raw)
	case <-time.After(50 * time.Millisecond):
	}

	a.SetFilter(func([]byte) bool { return false })
	_ = a.Send(2, []byte{1, 1})
	select {
	case raw := <-rb:
		t.Fatalf("filtered frame delivered %v", raw)
	case <-time.After(50 * time.Millisecond):
	}

	b.Close()
	if err := b.Send(1, []byte{0, 0}); err == nil {
		t.Fatal("send after close succeeded")
	}
}
