// Package echo implements the echo services: the datagram EchoMe responder
// and a stream worker that reflects everything it reads.
package echo

import (
	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/bsp"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/directory"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/metrics"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
)

// Responder answers EchoMe packets with ImAnEcho.
type Responder struct {
	dir    *directory.Directory
	sender pup.Sender
	log    *log.Entry
}

func NewResponder(dir *directory.Directory, sender pup.Sender, logger *log.Entry) *Responder {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Responder{dir: dir, sender: sender, log: logger.WithField("component", "echo")}
}

// HandlePacket swaps source and destination and returns the payload as
// received. An odd-length payload keeps its trailing garbage byte, which
// some diagnostic clients compare.
func (r *Responder) HandlePacket(pck *pup.Packet) {
	if pck.Type != pup.EchoMe {
		return
	}
	src := r.dir.ResolveLocalAddress().WithSocket(pck.Destination.Socket)
	reply := pup.New(pup.ImAnEcho, pck.ID, pck.Source, src, pck.Contents())
	if pck.HasGarbage() {
		reply = pup.NewWithGarbage(pup.ImAnEcho, pck.ID, pck.Source, src, pck.Payload())
	}

	r.log.WithFields(log.Fields{"from": pck.Source, "id": pck.ID}).Debug("Echo")
	if err := r.sender.Send(reply); err != nil {
		r.log.WithError(err).Error("Could not send echo reply")
	}
}

// Worker reflects data and marks back to the peer until it closes.
type Worker struct {
	*bsp.BaseWorker
}

func NewWorker(ch *bsp.Channel) bsp.Worker {
	w := &Worker{BaseWorker: bsp.NewBaseWorker(ch, "echo")}
	w.Start(w.run)
	return w
}

func (w *Worker) run() error {
	buf := make([]byte, pup.MaxContents)
	bytes := metrics.WorkerBytes.WithLabelValues("echo", "in")
	for {
		n, mark, err := w.Channel.Read(buf)
		if err != nil {
			return err
		}
		if mark != nil {
			if err := w.Channel.SendMark(mark.Code, false); err != nil {
				return err
			}
			continue
		}
		bytes.Add(float64(n))
		if err := w.Channel.Send(buf[:n]); err != nil {
			return err
		}
	}
}
