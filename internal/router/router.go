// Package router validates inbound PUPs and dispatches them by type, either
// to a registered datagram handler or to the stream layer.
package router

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/directory"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/metrics"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
)

type Handler interface {
	HandlePacket(pck *pup.Packet)
}

type HandlerFunc func(pck *pup.Packet)

func (f HandlerFunc) HandlePacket(pck *pup.Packet) { f(pck) }

// StreamHandler receives every stream protocol packet addressed to this host.
type StreamHandler interface {
	HandleStream(pck *pup.Packet)
}

// Transport is the outbound half of a transport.Transport.
type Transport interface {
	Send(dst uint8, raw []byte) error
}

type Router struct {
	dir *directory.Directory
	tr  Transport
	log *log.Entry

	mu       sync.RWMutex
	handlers map[pup.Type]Handler
	stream   StreamHandler
}

func New(dir *directory.Directory, tr Transport, logger *log.Entry) *Router {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	metrics.RegisterMetrics()
	return &Router{
		dir:      dir,
		tr:       tr,
		log:      logger.WithField("component", "router"),
		handlers: make(map[pup.Type]Handler),
	}
}

// RegisterHandler binds a datagram handler to a packet type, replacing any
// earlier registration.
func (r *Router) RegisterHandler(t pup.Type, h Handler) {
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
}

func (r *Router) SetStreamHandler(h StreamHandler) {
	r.mu.Lock()
	r.stream = h
	r.mu.Unlock()
}

func (r *Router) drop(reason string, fields log.Fields) {
	metrics.PacketsDropped.WithLabelValues(reason).Inc()
	r.log.WithFields(fields).WithField("reason", reason).Debug("Dropping packet")
}

// Receive is called by the transport for every frame addressed to this host.
// Malformed or unroutable packets are dropped without reply.
func (r *Router) Receive(raw []byte) {
	pck, err := pup.PacketFromBytes(raw)
	if err != nil {
		reason := "decode"
		if errors.Is(err, pup.ErrBadChecksum) {
			reason = "checksum"
		}
		r.drop(reason, log.Fields{"error": err, "size": len(raw)})
		return
	}

	if !r.dir.IsLocal(pck.Destination) {
		r.drop("not-local", log.Fields{"destination": pck.Destination})
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[pck.Type]
	stream := r.stream
	r.mu.RUnlock()

	metrics.PacketsIn.WithLabelValues(pck.Type.String()).Inc()
	r.log.WithField("packet", pck).Trace("Received")

	switch {
	case pck.Type.IsStream() && stream != nil:
		stream.HandleStream(pck)
	case ok:
		h.HandlePacket(pck)
	default:
		r.drop("no-handler", log.Fields{"type": pck.Type})
	}
}

// Send encodes pck and hands it to the transport addressed to its
// destination host.
func (r *Router) Send(pck *pup.Packet) error {
	raw, err := pck.ToBytes()
	if err != nil {
		return err
	}
	if err := r.tr.Send(pck.Destination.Host, raw); err != nil {
		return err
	}
	metrics.PacketsOut.WithLabelValues(pck.Type.String()).Inc()
	r.log.WithField("packet", pck).Trace("Sent")
	return nil
}

// Directory returns the address service the router filters with.
func (r *Router) Directory() *directory.Directory {
	return r.dir
}
