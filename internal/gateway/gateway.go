// Package gateway bridges BSP terminal connections to a telnet host.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/ziutek/telnet"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/bsp"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/metrics"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
)

// Terminal control marks.
const (
	MarkSync         byte = 1
	MarkLineWidth    byte = 2
	MarkPageLength   byte = 3
	MarkTerminalType byte = 4
	MarkTiming       byte = 5
	MarkTimingReply  byte = 6
)

type Options struct {
	Address     string
	DialTimeout time.Duration
}

func NewDefaultOptions() *Options {
	return &Options{
		Address:     "localhost:23",
		DialTimeout: 5 * time.Second,
	}
}

// Worker carries one terminal session.
type Worker struct {
	*bsp.BaseWorker
	options *Options

	conn *telnet.Conn

	LineWidth    byte
	PageLength   byte
	TerminalType byte

	sent     atomic.Int64
	received atomic.Int64
}

// NewFactory returns a worker factory dialing the host described by opts.
func NewFactory(opts ...func(*Options)) bsp.WorkerFactory {
	options := NewDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return func(ch *bsp.Channel) bsp.Worker {
		w := &Worker{BaseWorker: bsp.NewBaseWorker(ch, "gateway"), options: options}
		w.Start(w.run)
		return w
	}
}

func (w *Worker) run() error {
	conn, err := telnet.DialTimeout("tcp", w.options.Address, w.options.DialTimeout)
	if err != nil {
		return fmt.Errorf("host %s unreachable", w.options.Address)
	}
	w.conn = conn
	w.Log.WithField("host", w.options.Address).Info("Connected to host")

	w.Channel.OnDestroy(func(error) {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			w.Log.WithError(err).Error("Could not close host connection")
		}
	})
	defer func() {
		w.Log.Infof("Session ended (to host %s, from host %s)",
			sizestr.ToString(w.sent.Load()), sizestr.ToString(w.received.Load()))
	}()

	go w.fromHost()
	return w.toHost()
}

// fromHost copies host output into the channel until either side closes.
// The telnet conn answers option negotiation itself and strips it from
// the data.
func (w *Worker) fromHost() {
	in := metrics.WorkerBytes.WithLabelValues("gateway", "from-host")
	buf := make([]byte, pup.MaxContents)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			if serr := w.Channel.Send(buf[:n]); serr != nil {
				return
			}
			in.Add(float64(n))
			w.received.Add(int64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				w.Log.WithError(err).Warn("Host connection failed")
			}
			// Host hung up: end the stream so the reader loop finishes.
			if cerr := w.Channel.Close(); cerr != nil {
				w.Log.WithError(cerr).Debug("Close after host hangup")
			}
			return
		}
	}
}

func (w *Worker) toHost() error {
	out := metrics.WorkerBytes.WithLabelValues("gateway", "to-host")
	buf := make([]byte, pup.MaxContents)
	for {
		n, mark, err := w.Channel.Read(buf)
		if err != nil {
			return err
		}
		if mark != nil {
			if err := w.handleMark(mark.Code); err != nil {
				return err
			}
			continue
		}
		if _, err := w.conn.Write(buf[:n]); err != nil {
			return fmt.Errorf("host write failed: %w", err)
		}
		out.Add(float64(n))
		w.sent.Add(int64(n))
	}
}

func (w *Worker) handleMark(code byte) error {
	var err error
	switch code {
	case MarkSync, MarkTimingReply:
	case MarkLineWidth:
		w.LineWidth, err = w.Channel.ReadByte()
	case MarkPageLength:
		w.PageLength, err = w.Channel.ReadByte()
	case MarkTerminalType:
		w.TerminalType, err = w.Channel.ReadByte()
	case MarkTiming:
		err = w.Channel.SendMark(MarkTimingReply, true)
	default:
		w.Log.WithField("mark", code).Warn("Unknown terminal mark")
	}
	return err
}
