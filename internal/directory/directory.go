// Package directory answers addressing questions: who this host is, and
// where a named host lives. A Directory is built once at startup and handed
// to every component that needs it.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
)

var ErrUnknownHost = errors.New("directory: unknown host")

// Host is one entry of the host table.
type Host struct {
	Name    string
	Network uint8
	Host    uint8
}

type Directory struct {
	local pup.Endpoint

	mu      sync.RWMutex
	byName  map[string]Host
	byAddr  map[[2]uint8]Host
	entries []Host
}

func New(network, host uint8, hosts []Host) *Directory {
	d := &Directory{local: pup.Endpoint{Network: network, Host: host}}
	d.ReplaceHosts(hosts)
	return d
}

// ResolveLocalAddress returns this host's address with socket 0.
func (d *Directory) ResolveLocalAddress() pup.Endpoint {
	return d.local
}

// ResolveRemoteHost finds a host by case-insensitive name. The returned
// endpoint has socket 0.
func (d *Directory) ResolveRemoteHost(name string) (pup.Endpoint, error) {
	d.mu.RLock()
	h, ok := d.byName[strings.ToLower(strings.TrimSpace(name))]
	d.mu.RUnlock()
	if !ok {
		return pup.Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownHost, name)
	}
	return pup.Endpoint{Network: h.Network, Host: h.Host}, nil
}

// LookupName returns the name registered for a network/host pair.
func (d *Directory) LookupName(network, host uint8) (string, error) {
	d.mu.RLock()
	h, ok := d.byAddr[[2]uint8{network, host}]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %o#%o#", ErrUnknownHost, network, host)
	}
	return h.Name, nil
}

// IsLocal reports whether a packet addressed to e is for this host. Host 0
// is broadcast; network 0 means "this network".
func (d *Directory) IsLocal(e pup.Endpoint) bool {
	if e.Host != 0 && e.Host != d.local.Host {
		return false
	}
	return e.Network == 0 || e.Network == d.local.Network
}

// ReplaceHosts swaps in a new host table. Entries without a name are ignored;
// later duplicates win.
func (d *Directory) ReplaceHosts(hosts []Host) {
	byName := make(map[string]Host, len(hosts))
	byAddr := make(map[[2]uint8]Host, len(hosts))
	for _, h := range hosts {
		key := strings.ToLower(strings.TrimSpace(h.Name))
		if key == "" {
			continue
		}
		byName[key] = h
		byAddr[[2]uint8{h.Network, h.Host}] = h
	}

	entries := make([]Host, 0, len(byName))
	for _, h := range byName {
		entries = append(entries, h)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	d.mu.Lock()
	d.byName = byName
	d.byAddr = byAddr
	d.entries = entries
	d.mu.Unlock()
}

// Hosts returns the current table sorted by name.
func (d *Directory) Hosts() []Host {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Host(nil), d.entries...)
}
