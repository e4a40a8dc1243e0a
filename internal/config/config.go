// Package config loads the pupd service file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/bsp"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/directory"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/transport"
)

type fileConfig struct {
	Network     uint8  `toml:"network"`
	Host        uint8  `toml:"host"`
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`

	UDP struct {
		Listen    string `toml:"listen"`
		Port      int    `toml:"port"`
		Broadcast string `toml:"broadcast"`
	} `toml:"udp"`

	BSP struct {
		Window         int    `toml:"window"`
		ConnectTimeout string `toml:"connect_timeout"`
		RetransmitMin  string `toml:"retransmit_min"`
		RetransmitMax  string `toml:"retransmit_max"`
		MaxRetries     int    `toml:"max_retries"`
		AckDelay       string `toml:"ack_delay"`
	} `toml:"bsp"`

	Gateway struct {
		Address     string `toml:"address"`
		DialTimeout string `toml:"dial_timeout"`
	} `toml:"gateway"`

	FTP struct {
		Root string `toml:"root"`
	} `toml:"ftp"`

	Hosts []struct {
		Name    string `toml:"name"`
		Network uint8  `toml:"network"`
		Host    uint8  `toml:"host"`
	} `toml:"hosts"`
}

type Config struct {
	Network     uint8
	Host        uint8
	LogLevel    log.Level
	MetricsAddr string

	UDP transport.UDPOptions
	BSP bsp.Options

	GatewayAddress     string
	GatewayDialTimeout time.Duration

	FTPRoot string

	Hosts []directory.Host
}

func Default() *Config {
	return &Config{
		Network:            1,
		Host:               1,
		LogLevel:           log.InfoLevel,
		UDP:                *transport.NewDefaultUDPOptions(),
		BSP:                *bsp.NewDefaultOptions(),
		GatewayAddress:     "localhost:23",
		GatewayDialTimeout: 5 * time.Second,
		FTPRoot:            "./files",
	}
}

// Load reads path on top of the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("network") {
		cfg.Network = raw.Network
	}
	if meta.IsDefined("host") {
		if raw.Host == 0 {
			return nil, fmt.Errorf("host 0 is reserved for broadcast")
		}
		cfg.Host = raw.Host
	}
	if meta.IsDefined("log_level") {
		lvl, err := log.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return nil, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("udp", "listen") {
		cfg.UDP.Listen = strings.TrimSpace(raw.UDP.Listen)
	}
	if meta.IsDefined("udp", "port") {
		cfg.UDP.Port = raw.UDP.Port
	}
	if meta.IsDefined("udp", "broadcast") {
		cfg.UDP.Broadcast = strings.TrimSpace(raw.UDP.Broadcast)
	}

	if meta.IsDefined("bsp", "window") {
		if raw.BSP.Window <= 0 {
			return nil, fmt.Errorf("bsp.window must be positive")
		}
		cfg.BSP.Window = raw.BSP.Window
	}
	if meta.IsDefined("bsp", "max_retries") {
		cfg.BSP.MaxRetries = raw.BSP.MaxRetries
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.BSP.ConnectTimeout, &cfg.BSP.ConnectTimeout},
		{"retransmit_min", raw.BSP.RetransmitMin, &cfg.BSP.RetransmitMin},
		{"retransmit_max", raw.BSP.RetransmitMax, &cfg.BSP.RetransmitMax},
		{"ack_delay", raw.BSP.AckDelay, &cfg.BSP.AckDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("bsp", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return nil, fmt.Errorf("parse bsp.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("gateway", "address") {
		cfg.GatewayAddress = strings.TrimSpace(raw.Gateway.Address)
	}
	if meta.IsDefined("gateway", "dial_timeout") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Gateway.DialTimeout))
		if err != nil {
			return nil, fmt.Errorf("parse gateway.dial_timeout: %w", err)
		}
		cfg.GatewayDialTimeout = v
	}

	if meta.IsDefined("ftp", "root") {
		cfg.FTPRoot = strings.TrimSpace(raw.FTP.Root)
	}

	for _, h := range raw.Hosts {
		name := strings.TrimSpace(h.Name)
		if name == "" {
			continue
		}
		cfg.Hosts = append(cfg.Hosts, directory.Host{Name: name, Network: h.Network, Host: h.Host})
	}

	return cfg, nil
}
