// Package server assembles a PUP host: transport, router, directory, the
// BSP manager and every service listening on it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/bsp"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/config"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/directory"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/echo"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/ftp"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/gateway"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/metrics"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/router"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/transport"
)

const statsInterval = 30 * time.Second

type Server struct {
	options *Options
	cfg     *config.Config
	log     *log.Entry

	dir     *directory.Directory
	tr      transport.Transport
	router  *router.Router
	manager *bsp.Manager
	files   *ftp.DiskStore

	mu      sync.Mutex
	serving bool
}

func New(opts ...func(*Options)) (*Server, error) {
	options := NewDefaultOptions()

	for _, opt := range opts {
		opt(options)
	}

	cfg := options.Config
	if options.ConfigPath != "" {
		var err error
		cfg, err = config.Load(options.ConfigPath)
		if err != nil {
			return nil, err
		}
	}
	if cfg == nil {
		cfg = config.Default()
	}

	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
	log.SetLevel(cfg.LogLevel)
	logger := log.WithField("host", fmt.Sprintf("%o#%o#", cfg.Network, cfg.Host))

	if err := os.MkdirAll(cfg.FTPRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create ftp root: %w", err)
	}
	files, err := ftp.NewDiskStore(cfg.FTPRoot)
	if err != nil {
		return nil, err
	}

	tr := options.Transport
	if tr == nil {
		udp := cfg.UDP
		tr = transport.NewUDP(cfg.Host, logger, func(o *transport.UDPOptions) { *o = udp })
	}

	dir := directory.New(cfg.Network, cfg.Host, cfg.Hosts)
	r := router.New(dir, tr, logger)
	bspOpts := cfg.BSP
	manager := bsp.NewManager(dir, r, logger, func(o *bsp.Options) { *o = bspOpts })
	r.SetStreamHandler(manager)

	responder := echo.NewResponder(dir, r, logger)
	r.RegisterHandler(pup.EchoMe, responder)

	lookup := directory.NewLookupService(dir, r, logger)
	r.RegisterHandler(pup.NameLookupRequest, lookup)
	r.RegisterHandler(pup.AddressLookupRequest, lookup)

	server := &Server{
		options: options,
		cfg:     cfg,
		log:     logger,
		dir:     dir,
		tr:      tr,
		router:  r,
		manager: manager,
		files:   files,
	}

	if err := server.listen(); err != nil {
		return nil, err
	}
	return server, nil
}

func (server *Server) listen() error {
	gw := gateway.NewFactory(func(o *gateway.Options) {
		o.Address = server.cfg.GatewayAddress
		o.DialTimeout = server.cfg.GatewayDialTimeout
	})
	services := []struct {
		socket  uint32
		name    string
		factory bsp.WorkerFactory
	}{
		{pup.SocketTelnet, "telnet", gw},
		{pup.SocketFTP, "ftp", ftp.NewFactory(server.files)},
		{pup.SocketBSPEcho, "bsp-echo", echo.NewWorker},
	}
	for _, s := range services {
		if err := server.manager.Listen(s.socket, s.name, s.factory); err != nil {
			return fmt.Errorf("listen %s: %w", s.name, err)
		}
	}
	return nil
}

// Directory returns the host's address service.
func (server *Server) Directory() *directory.Directory {
	return server.dir
}

// Serve runs until ctx is cancelled (or SIGINT arrives when signals are
// handled), then terminates every worker and closes the transport.
func (server *Server) Serve(ctx context.Context) error {
	server.mu.Lock()
	if server.serving {
		server.mu.Unlock()
		return errors.New("server: already serving")
	}
	server.serving = true
	server.mu.Unlock()

	if server.options.HandleSignals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := server.tr.Start(server.router); err != nil {
		return err
	}
	server.log.Info("Server started")

	var metricsSrv *http.Server
	if server.cfg.MetricsAddr != "" {
		metricsSrv = server.startMetrics()
	}

	if server.options.ConfigPath != "" {
		err := config.Watch(ctx, server.options.ConfigPath, server.log, func(cfg *config.Config) {
			server.dir.ReplaceHosts(cfg.Hosts)
			server.log.WithField("hosts", len(cfg.Hosts)).Info("Host table replaced")
		})
		if err != nil {
			server.log.WithError(err).Warn("Config changes will not be picked up")
		}
	}

	go server.startStats(ctx)

	<-ctx.Done()
	server.log.Info("Server is shutting down")

	server.manager.Shutdown()
	if metricsSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			server.log.WithError(err).Error("Could not stop metrics server")
		}
		done()
	}
	if err := server.tr.Close(); err != nil {
		server.log.WithError(err).Error("Could not close transport")
	}
	return nil
}

func (server *Server) startMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              server.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		server.log.WithField("addr", srv.Addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.log.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}

func (server *Server) startStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.log.WithField("channels", server.manager.ChannelCount()).Debug("Open channels")
		}
	}
}
