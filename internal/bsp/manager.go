// Package bsp implements the Byte Stream Protocol: reliable, flow controlled
// connections carried in PUPs, plus the per-connection worker framework that
// services run on top of them.
package bsp

import (
	"context"
	"math/rand"
	"sync"

	"github.com/kelindar/bitmap"
	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/directory"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/metrics"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
)

const (
	// Connection sockets are allocated from this base upwards.
	ephemeralBase  uint32 = 0o100000
	ephemeralCount uint32 = 4096
)

type connKey struct {
	port pup.Endpoint
	id   uint32
}

type listener struct {
	name    string
	factory WorkerFactory
}

// Manager owns every channel on this host. It routes stream packets to the
// channel bound to their destination socket and accepts connection requests
// on listening sockets.
type Manager struct {
	dir    *directory.Directory
	sender pup.Sender
	opts   *Options
	log    *log.Entry

	mu        sync.RWMutex
	listeners map[uint32]*listener
	channels  map[uint32]*Channel
	accepted  map[connKey]*Channel
	sockets   bitmap.Bitmap
	workers   map[*Channel]Worker
	nextConn  uint32
	closed    bool
	wg        sync.WaitGroup
}

func NewManager(dir *directory.Directory, sender pup.Sender, logger *log.Entry, opts ...func(*Options)) *Manager {
	options := NewDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	metrics.RegisterMetrics()

	return &Manager{
		dir:       dir,
		sender:    sender,
		opts:      options,
		log:       logger.WithField("component", "bsp"),
		listeners: make(map[uint32]*listener),
		channels:  make(map[uint32]*Channel),
		accepted:  make(map[connKey]*Channel),
		workers:   make(map[*Channel]Worker),
		nextConn:  rand.Uint32(),
	}
}

// Listen accepts connections on a well-known socket, starting a worker from
// factory for each one.
func (m *Manager) Listen(socket uint32, name string, factory WorkerFactory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	if _, ok := m.listeners[socket]; ok {
		return ErrSocketInUse
	}
	m.listeners[socket] = &listener{name: name, factory: factory}
	m.log.WithFields(log.Fields{"socket": socket, "service": name}).Info("Listening")
	return nil
}

// Dial opens a connection to remote. A nil factory returns the channel
// without starting a worker on it.
func (m *Manager) Dial(ctx context.Context, remote pup.Endpoint, factory WorkerFactory) (*Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	ch, err := m.newChannelLocked(m.nextConn)
	m.nextConn++
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := ch.Open(ctx, remote); err != nil {
		return nil, err
	}
	m.startWorker(ch, factory)
	return ch, nil
}

func (m *Manager) newChannelLocked(connID uint32) (*Channel, error) {
	socket, err := m.allocSocketLocked()
	if err != nil {
		return nil, err
	}
	ch := newChannel(m, m.dir.ResolveLocalAddress().WithSocket(socket), connID)
	m.channels[socket] = ch
	metrics.OpenChannels.Inc()
	return ch, nil
}

func (m *Manager) allocSocketLocked() (uint32, error) {
	if uint32(m.sockets.Count()) >= ephemeralCount {
		return 0, ErrNoSockets
	}
	for i := uint32(0); i < ephemeralCount; i++ {
		if !m.sockets.Contains(i) {
			m.sockets.Set(i)
			return ephemeralBase + i, nil
		}
	}
	return 0, ErrNoSockets
}

func (m *Manager) release(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	socket := ch.local.Socket
	if m.channels[socket] == ch {
		delete(m.channels, socket)
		m.sockets.Remove(socket - ephemeralBase)
		metrics.OpenChannels.Dec()
	}
	if ch.key != nil && m.accepted[*ch.key] == ch {
		delete(m.accepted, *ch.key)
	}
}

// HandleStream is the router's entry point for stream packets.
func (m *Manager) HandleStream(pck *pup.Packet) {
	socket := pck.Destination.Socket
	m.mu.RLock()
	ch := m.channels[socket]
	l := m.listeners[socket]
	m.mu.RUnlock()

	switch {
	case ch != nil:
		ch.handle(pck)
	case l != nil && pck.Type == pup.RFC:
		m.accept(l, pck)
	default:
		m.refuse(pck)
	}
}

func (m *Manager) accept(l *listener, pck *pup.Packet) {
	port, err := pup.EndpointFromBytes(pck.Contents())
	if err != nil {
		port = pck.Source
	}
	key := connKey{port: port, id: pck.ID}

	m.mu.Lock()
	if ch, ok := m.accepted[key]; ok {
		m.mu.Unlock()
		ch.answerRFC()
		return
	}
	if m.closed {
		m.mu.Unlock()
		return
	}
	ch, err := m.newChannelLocked(pck.ID)
	if err != nil {
		m.mu.Unlock()
		m.log.WithError(err).Warn("Refusing connection")
		m.reply(pck, pup.Abort, encodeAbort(AbortNoResources, "no free sockets"))
		return
	}
	ch.remote = port
	ch.listenPort = m.dir.ResolveLocalAddress().WithSocket(pck.Destination.Socket)
	ch.key = &key
	ch.state = Listening
	ch.log = ch.log.WithFields(log.Fields{"remote": port, "service": l.name})
	m.accepted[key] = ch
	m.mu.Unlock()

	ch.accept()
	m.startWorker(ch, l.factory)
}

// refuse answers a stream packet for a socket nobody owns.
func (m *Manager) refuse(pck *pup.Packet) {
	switch pck.Type {
	case pup.Abort, pup.EndReply, pup.Ack:
		return
	case pup.End:
		// The connection is already gone; confirm so the peer can finish.
		m.reply(pck, pup.EndReply, nil)
	default:
		m.log.WithFields(log.Fields{"type": pck.Type, "socket": pck.Destination.Socket}).Debug("No such port")
		m.reply(pck, pup.Abort, encodeAbort(AbortNoListener, "no such port"))
	}
}

func (m *Manager) reply(req *pup.Packet, t pup.Type, contents []byte) {
	src := m.dir.ResolveLocalAddress().WithSocket(req.Destination.Socket)
	if err := m.sender.Send(pup.New(t, req.ID, req.Source, src, contents)); err != nil {
		m.log.WithError(err).Error("Could not send reply")
	}
}

func (m *Manager) startWorker(ch *Channel, factory WorkerFactory) {
	if factory == nil {
		return
	}
	w := factory(ch)
	if w == nil {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		w.Terminate()
		return
	}
	m.workers[ch] = w
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		<-w.Done()
		m.mu.Lock()
		delete(m.workers, ch)
		m.mu.Unlock()
	}()
}

// ChannelCount returns the number of channels not yet destroyed.
func (m *Manager) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Shutdown stops accepting connections, terminates every worker and
// destroys every channel, then waits for the workers to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.listeners = make(map[uint32]*listener)
	workers := make([]Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	m.log.WithField("workers", len(workers)).Info("Shutting down")
	for _, w := range workers {
		w.Terminate()
	}
	for _, ch := range channels {
		ch.Destroy()
	}
	m.wg.Wait()
}
