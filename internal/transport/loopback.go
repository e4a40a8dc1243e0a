package transport

import (
	"net"
	"sync"
)

const loopbackQueue = 1024

// Hub is an in-process network segment. Frames are delivered on a goroutine
// per attached host, so a receiver may send from inside Receive.
type Hub struct {
	mu    sync.RWMutex
	ports map[uint8]*Port
}

func NewHub() *Hub {
	return &Hub{ports: make(map[uint8]*Port)}
}

// Attach returns the transport for host. Attaching the same host twice
// replaces the earlier port.
func (h *Hub) Attach(host uint8) *Port {
	p := &Port{
		hub:   h,
		host:  host,
		queue: make(chan []byte, loopbackQueue),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.ports[host] = p
	h.mu.Unlock()
	return p
}

func (h *Hub) deliver(frame []byte) {
	hdr, _, err := decodeFrame(frame)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for host, p := range h.ports {
		if accept(host, hdr) {
			p.enqueue(frame)
		}
	}
}

// Port is one host's view of a Hub.
type Port struct {
	hub   *Hub
	host  uint8
	queue chan []byte

	mu     sync.Mutex
	filter func(raw []byte) bool

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// SetFilter installs a predicate applied to every outbound PUP; returning
// false drops it. Used to simulate loss.
func (p *Port) SetFilter(f func(raw []byte) bool) {
	p.mu.Lock()
	p.filter = f
	p.mu.Unlock()
}

func (p *Port) Start(r Receiver) error {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.done:
				return
			case frame := <-p.queue:
				_, body, err := decodeFrame(frame)
				if err == nil {
					r.Receive(body)
				}
			}
		}
	}()
	return nil
}

func (p *Port) enqueue(frame []byte) {
	select {
	case <-p.done:
	case p.queue <- frame:
	default:
		// Segment congested; the frame is lost like it would be on a wire.
	}
}

func (p *Port) Send(dst uint8, raw []byte) error {
	select {
	case <-p.done:
		return net.ErrClosed
	default:
	}

	p.mu.Lock()
	f := p.filter
	p.mu.Unlock()
	if f != nil && !f(raw) {
		return nil
	}

	frame, err := encodeFrame(dst, p.host, raw)
	if err != nil {
		return err
	}
	p.hub.deliver(frame)
	return nil
}

func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.hub.mu.Lock()
		if p.hub.ports[p.host] == p {
			delete(p.hub.ports, p.host)
		}
		p.hub.mu.Unlock()
		p.wg.Wait()
	})
	return nil
}
