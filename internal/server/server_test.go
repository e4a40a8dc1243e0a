package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/bsp"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/client"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/config"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/directory"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/router"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/transport"
)

func startServer(t *testing.T, hub *transport.Hub) (*Server, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Host = 1
	cfg.LogLevel = log.WarnLevel
	cfg.FTPRoot = t.TempDir()
	cfg.GatewayAddress = "127.0.0.1:1"
	cfg.Hosts = []directory.Host{{Name: "Maxc", Network: 1, Host: 1}}

	server, err := New(func(o *Options) {
		o.Config = cfg
		o.Transport = hub.Attach(1)
		o.HandleSignals = false
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	}
	return server, stop
}

func TestServeDatagramServices(t *testing.T) {
	hub := transport.NewHub()
	_, stop := startServer(t, hub)
	defer stop()

	c, err := client.New(directory.New(1, 2, nil), hub.Attach(2), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Ping(ctx, pup.Endpoint{Network: 1, Host: 1}, []byte("are you there")); err != nil {
		t.Fatal(err)
	}
	e, err := c.Lookup(ctx, "MAXC")
	if err != nil {
		t.Fatal(err)
	}
	if e != (pup.Endpoint{Network: 1, Host: 1}) {
		t.Fatalf("got %v", e)
	}
}

func TestServeStreamServices(t *testing.T) {
	hub := transport.NewHub()
	server, stop := startServer(t, hub)

	dir := directory.New(1, 2, nil)
	port := hub.Attach(2)
	r := router.New(dir, port, nil)
	mgr := bsp.NewManager(dir, r, nil)
	r.SetStreamHandler(mgr)
	if err := port.Start(r); err != nil {
		t.Fatal(err)
	}
	defer port.Close()
	defer mgr.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := mgr.Dial(ctx, pup.Endpoint{Network: 1, Host: 1, Socket: pup.SocketBSPEcho}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send([]byte("reflect me")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	var got []byte
	for len(got) < len("reflect me") {
		n, _, err := ch.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
	}
	if diff := cmp.Diff("reflect me", string(got)); diff != "" {
		t.Fatal(diff)
	}

	// No telnet host is listening, so the gateway aborts the connection.
	tel, err := mgr.Dial(ctx, pup.Endpoint{Network: 1, Host: 1, Socket: pup.SocketTelnet}, nil)
	if err == nil {
		_, _, err = tel.Read(buf)
	}
	if !errors.Is(err, bsp.ErrAborted) {
		t.Fatalf("expected abort, got %v", err)
	}

	if server.Directory().ResolveLocalAddress().Host != 1 {
		t.Fatal("wrong local address")
	}

	// Shutting the server down destroys its end of the echo connection.
	stop()
	if _, _, err := ch.Read(buf); err == nil {
		t.Fatal("expected the connection to end")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(func(o *Options) {
		o.ConfigPath = t.TempDir() + "/missing.toml"
		o.HandleSignals = false
	})
	if err == nil {
		t.Fatal("expected an error")
	}
}
