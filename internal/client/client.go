// Package client issues datagram requests to PUP hosts: echo pings and
// name or address lookups.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/directory"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/router"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/serial"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/transport"
)

var (
	ErrEchoMismatch = errors.New("client: echo payload differs")
	ErrClosed       = errors.New("client: closed")
)

// LookupError carries the text of a DirectoryLookupError reply.
type LookupError struct {
	Text string
}

func (e *LookupError) Error() string {
	return "client: lookup failed: " + e.Text
}

type textRecord struct {
	Text string
}

func (r *textRecord) Fields() []serial.Field {
	return []serial.Field{serial.String("text", &r.Text)}
}

type Client struct {
	dir    *directory.Directory
	tr     transport.Transport
	router *router.Router
	log    *log.Entry

	mu      sync.Mutex
	pending map[uint32]chan *pup.Packet
	nextID  uint32
	closed  bool
}

// New starts tr and returns a client sending from the directory's local
// address.
func New(dir *directory.Directory, tr transport.Transport, logger *log.Entry) (*Client, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	c := &Client{
		dir:     dir,
		tr:      tr,
		log:     logger.WithField("component", "client"),
		pending: make(map[uint32]chan *pup.Packet),
		nextID:  rand.Uint32(),
	}
	c.router = router.New(dir, tr, logger)
	replies := router.HandlerFunc(c.deliver)
	for _, t := range []pup.Type{
		pup.ImAnEcho,
		pup.ImABadEcho,
		pup.NameLookupResponse,
		pup.AddressLookupResponse,
		pup.DirectoryLookupError,
	} {
		c.router.RegisterHandler(t, replies)
	}

	if err := tr.Start(c.router); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) deliver(pck *pup.Packet) {
	c.mu.Lock()
	ch, ok := c.pending[pck.ID]
	if ok {
		delete(c.pending, pck.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.WithFields(log.Fields{"id": pck.ID, "type": pck.Type}).Debug("Unsolicited reply")
		return
	}
	ch <- pck
}

// exchange sends one request and waits for the reply carrying its ID.
func (c *Client) exchange(ctx context.Context, t pup.Type, dst pup.Endpoint, contents []byte) (*pup.Packet, error) {
	reply := make(chan *pup.Packet, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.nextID
	c.nextID++
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	src := c.dir.ResolveLocalAddress().WithSocket(dst.Socket)
	if err := c.router.Send(pup.New(t, id, dst, src, contents)); err != nil {
		return nil, err
	}

	select {
	case pck := <-reply:
		return pck, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping sends payload to the echo socket of host and returns the round trip
// time once the same payload comes back.
func (c *Client) Ping(ctx context.Context, host pup.Endpoint, payload []byte) (time.Duration, error) {
	start := time.Now()
	reply, err := c.exchange(ctx, pup.EchoMe, host.WithSocket(pup.SocketEcho), payload)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	if reply.Type != pup.ImAnEcho {
		return rtt, fmt.Errorf("%w: got %v", ErrEchoMismatch, reply.Type)
	}
	if !bytes.Equal(reply.Contents(), payload) {
		return rtt, ErrEchoMismatch
	}
	return rtt, nil
}

// Lookup asks the network's name servers for the address of name.
func (c *Client) Lookup(ctx context.Context, name string) (pup.Endpoint, error) {
	body, err := serial.Encode(&textRecord{Text: name})
	if err != nil {
		return pup.Endpoint{}, err
	}
	reply, err := c.exchange(ctx, pup.NameLookupRequest, c.broadcast(), body)
	if err != nil {
		return pup.Endpoint{}, err
	}
	if reply.Type == pup.DirectoryLookupError {
		return pup.Endpoint{}, lookupError(reply)
	}
	return pup.EndpointFromBytes(reply.Contents())
}

// LookupAddress asks for the name registered for addr.
func (c *Client) LookupAddress(ctx context.Context, addr pup.Endpoint) (string, error) {
	reply, err := c.exchange(ctx, pup.AddressLookupRequest, c.broadcast(), addr.ToBytes())
	if err != nil {
		return "", err
	}
	var rec textRecord
	if err := serial.Decode(reply.Contents(), &rec); err != nil {
		return "", err
	}
	if reply.Type == pup.DirectoryLookupError {
		return "", &LookupError{Text: rec.Text}
	}
	return rec.Text, nil
}

func (c *Client) broadcast() pup.Endpoint {
	return pup.Endpoint{Network: c.dir.ResolveLocalAddress().Network, Socket: pup.SocketMiscServices}
}

func lookupError(reply *pup.Packet) error {
	var rec textRecord
	if err := serial.Decode(reply.Contents(), &rec); err != nil {
		return err
	}
	return &LookupError{Text: rec.Text}
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.tr.Close()
}
