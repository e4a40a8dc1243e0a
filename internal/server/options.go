package server

import (
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/config"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/transport"
)

type Options struct {
	// ConfigPath names a TOML service file. It is loaded by New and watched
	// for host table changes while serving.
	ConfigPath string
	// Config is used as is when ConfigPath is empty.
	Config *config.Config
	// Transport overrides the UDP transport built from the configuration.
	Transport transport.Transport
	// HandleSignals stops Serve on SIGINT.
	HandleSignals bool
}

func NewDefaultOptions() *Options {
	return &Options{
		Config:        config.Default(),
		HandleSignals: true,
	}
}
