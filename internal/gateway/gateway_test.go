package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/bsp"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/directory"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/router"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/transport"
)

// Telnet command bytes as the host sends them.
const (
	iac  byte = 255
	do   byte = 253
	wont byte = 252
)

func newGateway(t *testing.T, address string) *bsp.Channel {
	t.Helper()
	hub := transport.NewHub()
	logger, _ := test.NewNullLogger()

	var mgrs []*bsp.Manager
	for _, host := range []uint8{1, 2} {
		dir := directory.New(1, host, nil)
		port := hub.Attach(host)
		r := router.New(dir, port, logger.WithField("host", host))
		mgr := bsp.NewManager(dir, r, logger.WithField("host", host), func(o *bsp.Options) {
			o.RetransmitMin = 20 * time.Millisecond
			o.RetransmitMax = 100 * time.Millisecond
		})
		r.SetStreamHandler(mgr)
		if err := port.Start(r); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			mgr.Shutdown()
			port.Close()
		})
		mgrs = append(mgrs, mgr)
	}

	factory := NewFactory(func(o *Options) {
		o.Address = address
		o.DialTimeout = time.Second
	})
	if err := mgrs[1].Listen(pup.SocketTelnet, "telnet", factory); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := mgrs[0].Dial(ctx, pup.Endpoint{Network: 1, Host: 2, Socket: pup.SocketTelnet}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestBridge(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	fromTerminal := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte{iac, do, 24})
		conn.Write([]byte("login: "))

		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		want := 3 + len("hi") + 2
		var got []byte
		buf := make([]byte, 64)
		for len(got) < want {
			n, err := conn.Read(buf)
			if err != nil {
				break
			}
			got = append(got, buf[:n]...)
		}
		fromTerminal <- got
	}()

	ch := newGateway(t, ln.Addr().String())

	buf := make([]byte, 64)
	var greeting []byte
	for len(greeting) < len("login: ") {
		n, _, err := ch.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		greeting = append(greeting, buf[:n]...)
	}
	if string(greeting) != "login: " {
		t.Fatalf("greeting %q", greeting)
	}

	if err := ch.Send([]byte{'h', 'i', iac}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-fromTerminal:
		want := []byte{iac, wont, 24, 'h', 'i', iac, iac}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("host saw %v: %s", got, diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("host saw nothing")
	}

	// Host hangs up once it has read; the terminal sees a clean end.
	for {
		_, _, err := ch.Read(buf)
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
		break
	}
}

func TestTimingMark(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	ch := newGateway(t, ln.Addr().String())
	if err := ch.SendMark(MarkLineWidth, false); err != nil {
		t.Fatal(err)
	}
	if err := ch.Send([]byte{80}); err != nil {
		t.Fatal(err)
	}
	if err := ch.SendMark(MarkTiming, true); err != nil {
		t.Fatal(err)
	}

	_, mark, err := ch.Read(make([]byte, 8))
	if err != nil || mark == nil || mark.Code != MarkTimingReply {
		t.Fatalf("expected timing reply, got %v, %v", mark, err)
	}
}

func TestUnreachableHostAborts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := ln.Addr().String()
	ln.Close()

	ch := newGateway(t, address)
	_, _, err = ch.Read(make([]byte, 8))

	var abortErr *bsp.AbortError
	if !errors.As(err, &abortErr) || !strings.Contains(abortErr.Text, "unreachable") {
		t.Fatalf("expected abort naming the host, got %v", err)
	}
}
