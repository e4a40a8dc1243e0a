package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/client"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/config"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/directory"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/server"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/transport"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pupd serve [-config file]")
	fmt.Fprintln(os.Stderr, "       pupd ping [-config file] [-host n] [-count n] <host>")
	fmt.Fprintln(os.Stderr, "       pupd lookup [-config file] [-host n] <name>")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("config", "", "service file")
	host := fs.Uint("host", 0, "local host number (overrides the config)")
	count := fs.Int("count", 4, "echo requests to send")
	timeout := fs.Duration("timeout", 2*time.Second, "per request timeout")
	if err := fs.Parse(os.Args[2:]); err != nil {
		usage()
	}

	switch os.Args[1] {
	case "serve":
		server, err := server.New(func(o *server.Options) {
			o.ConfigPath = *configPath
		})
		if err != nil {
			log.WithError(err).Fatal("Could not start server")
		}
		if err := server.Serve(context.Background()); err != nil {
			log.WithError(err).Fatal("Server failed")
		}
	case "ping", "lookup":
		if fs.NArg() != 1 {
			usage()
		}
		c, dir := newClient(*configPath, uint8(*host))
		defer c.Close()
		if os.Args[1] == "ping" {
			ping(c, dir, fs.Arg(0), *count, *timeout)
		} else {
			lookup(c, fs.Arg(0), *timeout)
		}
	default:
		usage()
	}
}

func newClient(configPath string, host uint8) (*client.Client, *directory.Directory) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.WithError(err).Fatal("Could not load config")
		}
	}
	if host != 0 {
		cfg.Host = host
	}
	log.SetLevel(cfg.LogLevel)

	dir := directory.New(cfg.Network, cfg.Host, cfg.Hosts)
	udp := cfg.UDP
	tr := transport.NewUDP(cfg.Host, nil, func(o *transport.UDPOptions) { *o = udp })
	c, err := client.New(dir, tr, nil)
	if err != nil {
		log.WithError(err).Fatal("Could not open transport")
	}
	return c, dir
}

func ping(c *client.Client, dir *directory.Directory, target string, count int, timeout time.Duration) {
	dst, err := dir.Resolve(target)
	if err != nil {
		log.WithError(err).Fatal("Unknown host")
	}
	payload := []byte("pupd echo")
	for i := 0; i < count; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		rtt, err := c.Ping(ctx, dst, payload)
		cancel()
		if err != nil {
			log.WithError(err).WithField("host", dst).Warn("No echo")
			continue
		}
		fmt.Printf("echo from %v: time=%v\n", dst, rtt)
		time.Sleep(time.Second)
	}
}

func lookup(c *client.Client, name string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	e, err := c.Lookup(ctx, name)
	if err != nil {
		log.WithError(err).Fatal("Lookup failed")
	}
	fmt.Printf("%s = %v\n", name, e)
}
