package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

type UDPOptions struct {
	Listen    string
	Port      int
	Broadcast string
}

func NewDefaultUDPOptions() *UDPOptions {
	return &UDPOptions{
		Listen:    "0.0.0.0",
		Port:      DefaultPort,
		Broadcast: "255.255.255.255",
	}
}

// UDP carries frames as broadcast datagrams. Every host on the segment sees
// every frame and filters on the destination host byte.
type UDP struct {
	host    uint8
	options *UDPOptions
	log     *log.Entry

	conn  *net.UDPConn
	bcast *net.UDPAddr

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewUDP(host uint8, logger *log.Entry, opts ...func(*UDPOptions)) *UDP {
	options := NewDefaultUDPOptions()
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &UDP{
		host:    host,
		options: options,
		log:     logger.WithField("component", "udp"),
	}
}

func (u *UDP) Start(r Receiver) error {
	listenAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%v:%v", u.options.Listen, u.options.Port))
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	u.bcast, err = net.ResolveUDPAddr("udp4", fmt.Sprintf("%v:%v", u.options.Broadcast, u.options.Port))
	if err != nil {
		return fmt.Errorf("resolve broadcast address: %w", err)
	}

	u.conn, err = net.ListenUDP("udp4", listenAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	u.log.Infof("Listening on %v:%v", listenAddr.IP, listenAddr.Port)

	u.wg.Add(1)
	go u.readLoop(r)
	return nil
}

func (u *UDP) readLoop(r Receiver) {
	defer u.wg.Done()
	var buf [2048]byte
	for {
		n, addr, err := u.conn.ReadFromUDP(buf[:])
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.WithError(err).Error("Could not retrieve UDP datagram")
			continue
		}

		h, body, err := decodeFrame(buf[:n])
		if err != nil {
			u.log.WithField("from", addr).Debug("Dropping short frame")
			continue
		}
		if !accept(u.host, h) {
			continue
		}
		r.Receive(append([]byte(nil), body...))
	}
}

func (u *UDP) Send(dst uint8, raw []byte) error {
	if u.conn == nil {
		return net.ErrClosed
	}
	frame, err := encodeFrame(dst, u.host, raw)
	if err != nil {
		return err
	}
	if _, err := u.conn.WriteToUDP(frame, u.bcast); err != nil {
		return fmt.Errorf("write udp: %w", err)
	}
	return nil
}

func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		if u.conn != nil {
			err = u.conn.Close()
		}
		u.wg.Wait()
	})
	return err
}
