package bsp

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/metrics"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/serial"
)

type segment struct {
	data []byte
	mark *Mark
}

type outbound struct {
	typ      pup.Type
	pos      uint32
	contents []byte
}

func (o outbound) end() uint32 {
	return o.pos + uint32(len(o.contents))
}

// seqBefore compares stream positions modulo 2^32.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// Channel is one end of a BSP connection. All methods are safe for
// concurrent use; Read and Send block until data or window space is
// available, or the channel is destroyed.
type Channel struct {
	mgr  *Manager
	opts *Options

	mu    sync.Mutex
	cond  *sync.Cond
	log   *log.Entry
	state State
	err   error

	local      pup.Endpoint
	remote     pup.Endpoint
	listenPort pup.Endpoint
	connID     uint32
	key        *connKey

	established chan struct{}
	done        chan struct{}
	onDestroy   []func(error)

	rxNext         uint32
	rxQueue        []segment
	rxBytes        int
	lastAdvertised int
	peerEnded      bool
	ackTimer       *time.Timer
	ackGen         uint64

	txNext       uint32
	txAcked      uint32
	unacked      []outbound
	peerAvail    int
	peerMaxBytes int
	peerMaxPups  int
	blocked      int
	endSent      bool
	retxTimer    *time.Timer
	retxGen      uint64
	retxBackoff  *backoff.Backoff
	retries      int
}

func newChannel(mgr *Manager, local pup.Endpoint, connID uint32) *Channel {
	ch := &Channel{
		mgr:            mgr,
		opts:           mgr.opts,
		log:            mgr.log.WithField("local", local),
		state:          Idle,
		local:          local,
		connID:         connID,
		established:    make(chan struct{}),
		done:           make(chan struct{}),
		rxNext:         connID,
		lastAdvertised: mgr.opts.Window,
		txNext:         connID,
		txAcked:        connID,
		peerAvail:      mgr.opts.Window,
		peerMaxBytes:   pup.MaxContents,
		peerMaxPups:    mgr.opts.MaxPups,
		retxBackoff: &backoff.Backoff{
			Min:    mgr.opts.RetransmitMin,
			Max:    mgr.opts.RetransmitMax,
			Factor: 2,
		},
	}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Err returns the reason the channel was destroyed: nil after a graceful
// close or while the channel is alive.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

func (ch *Channel) LocalEndpoint() pup.Endpoint {
	return ch.local
}

func (ch *Channel) RemoteEndpoint() pup.Endpoint {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.remote
}

func (ch *Channel) Logger() *log.Entry {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.log
}

// Done is closed once the channel is destroyed.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// OnDestroy registers f to run exactly once when the channel is destroyed.
// If it already has been, f runs immediately.
func (ch *Channel) OnDestroy(f func(error)) {
	ch.mu.Lock()
	if ch.state == Destroyed {
		err := ch.err
		ch.mu.Unlock()
		f(err)
		return
	}
	ch.onDestroy = append(ch.onDestroy, f)
	ch.mu.Unlock()
}

func (ch *Channel) emit(t pup.Type, id uint32, contents []byte) {
	ch.emitTo(ch.remote, ch.local, t, id, contents)
}

func (ch *Channel) emitTo(dst, src pup.Endpoint, t pup.Type, id uint32, contents []byte) {
	ch.emitVia(ch.log, dst, src, t, id, contents)
}

// emitVia sends without touching ch.log, for callers not holding ch.mu.
func (ch *Channel) emitVia(logger *log.Entry, dst, src pup.Endpoint, t pup.Type, id uint32, contents []byte) {
	if err := ch.mgr.sender.Send(pup.New(t, id, dst, src, contents)); err != nil {
		logger.WithError(err).WithField("type", t).Error("Could not send packet")
	}
}

// Open connects to a listener at remote, retrying the request until it is
// answered, ctx ends or the connect timeout expires.
func (ch *Channel) Open(ctx context.Context, remote pup.Endpoint) error {
	ch.mu.Lock()
	if ch.state != Idle {
		ch.mu.Unlock()
		return ErrNotConnected
	}
	ch.remote = remote
	ch.state = Connecting
	ch.log = ch.log.WithField("remote", remote)
	logger := ch.log
	port := ch.local.ToBytes()
	ch.mu.Unlock()

	timeout := time.NewTimer(ch.opts.ConnectTimeout)
	defer timeout.Stop()
	b := &backoff.Backoff{Min: ch.opts.RetransmitMin, Max: ch.opts.RetransmitMax, Factor: 2}

	for {
		ch.emitVia(logger, remote, ch.local, pup.RFC, ch.connID, port)
		retry := time.NewTimer(b.Duration())
		select {
		case <-ch.established:
			retry.Stop()
			return nil
		case <-ch.done:
			retry.Stop()
			return ch.Err()
		case <-ctx.Done():
			retry.Stop()
			ch.destroy(ctx.Err())
			return ctx.Err()
		case <-timeout.C:
			retry.Stop()
			logger.Warn("Connect timed out")
			ch.destroy(ErrConnectTimeout)
			return ErrConnectTimeout
		case <-retry.C:
			logger.WithField("attempt", b.Attempt()).Debug("Repeating connection request")
		}
	}
}

// accept completes the listening side of a connection request.
func (ch *Channel) accept() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != Listening {
		return
	}
	ch.state = Connected
	close(ch.established)
	ch.log.Info("Connection accepted")
	ch.answerRFCLocked()
}

func (ch *Channel) answerRFC() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == Connected || ch.state == Closing {
		ch.answerRFCLocked()
	}
}

func (ch *Channel) answerRFCLocked() {
	ch.emitTo(ch.remote, ch.listenPort, pup.RFC, ch.connID, ch.local.ToBytes())
}

func (ch *Channel) handle(pck *pup.Packet) {
	ch.mu.Lock()
	kill, reason := ch.handleLocked(pck)
	ch.mu.Unlock()
	if kill {
		ch.destroy(reason)
	}
}

func (ch *Channel) handleLocked(pck *pup.Packet) (bool, error) {
	if ch.state == Destroyed {
		return false, nil
	}
	if pck.Type != pup.RFC && pck.Source != ch.remote {
		ch.log.WithField("source", pck.Source).Warn("Packet from unexpected port")
		return false, nil
	}

	switch pck.Type {
	case pup.RFC:
		if ch.state != Connecting || pck.ID != ch.connID {
			entry := ch.log.WithFields(log.Fields{"state": ch.state, "id": pck.ID})
			if ch.state == Connected && pck.ID == ch.connID {
				entry.Debug("Duplicate RFC answer")
			} else {
				entry.Warn("Unexpected RFC")
			}
			return false, nil
		}
		port, err := pup.EndpointFromBytes(pck.Contents())
		if err != nil {
			port = pck.Source
		}
		ch.remote = port
		ch.state = Connected
		ch.log = ch.log.WithField("remote", port)
		close(ch.established)
		ch.cond.Broadcast()
		ch.log.Info("Connection established")
	case pup.Data, pup.AData:
		ch.receiveLocked(pck, nil)
	case pup.Mark, pup.AMark:
		m := &Mark{}
		if c := pck.Contents(); len(c) > 0 {
			m.Code = c[0]
		}
		ch.receiveLocked(pck, m)
	case pup.Ack:
		ch.receiveAckLocked(pck)
	case pup.Interrupt:
		ch.emit(pup.InterruptReply, pck.ID, nil)
	case pup.InterruptReply:
	case pup.End:
		ch.emit(pup.EndReply, pck.ID, nil)
		ch.peerEnded = true
		if ch.state == Connected {
			ch.state = Closing
		}
		ch.cond.Broadcast()
		if len(ch.rxQueue) == 0 {
			return true, nil
		}
	case pup.EndReply:
		if ch.endSent {
			return true, nil
		}
	case pup.Abort:
		var rec abortRecord
		if err := serial.Decode(pck.Contents(), &rec); err != nil {
			ch.log.WithError(err).Debug("Malformed abort")
		}
		return true, &AbortError{Code: rec.Code, Text: rec.Text}
	default:
		ch.log.WithField("type", pck.Type).Warn("Unexpected packet type")
	}
	return false, nil
}

func (ch *Channel) receiveLocked(pck *pup.Packet, mark *Mark) {
	if ch.state != Connected && ch.state != Closing {
		ch.log.WithFields(log.Fields{"state": ch.state, "type": pck.Type}).Warn("Data on unconnected channel")
		return
	}

	if pck.ID != ch.rxNext {
		// Duplicate or out of order; the ack tells the sender where to resume.
		ch.sendAckLocked()
		return
	}

	size := len(pck.Contents())
	if mark != nil {
		size = 1
	}
	if size > ch.opts.Window-ch.rxBytes {
		ch.sendAckLocked()
		return
	}

	if mark != nil {
		ch.rxQueue = append(ch.rxQueue, segment{mark: mark})
	} else if size > 0 {
		ch.rxQueue = append(ch.rxQueue, segment{data: append([]byte(nil), pck.Contents()...)})
	}
	ch.rxBytes += size
	ch.rxNext += uint32(size)
	if size > 0 {
		ch.cond.Broadcast()
	}

	if pck.Type == pup.AData || pck.Type == pup.AMark {
		ch.sendAckLocked()
	} else {
		ch.scheduleAckLocked()
	}
}

func (ch *Channel) sendAckLocked() {
	ch.ackGen++
	if ch.ackTimer != nil {
		ch.ackTimer.Stop()
		ch.ackTimer = nil
	}

	avail := ch.opts.Window - ch.rxBytes
	if avail < 0 {
		avail = 0
	}
	rec := ackRecord{
		MaxBytesPerPup: pup.MaxContents,
		MaxPups:        uint16(ch.opts.MaxPups),
		BytesAvailable: uint16(avail),
	}
	b, err := serial.Encode(&rec)
	if err != nil {
		ch.log.WithError(err).Error("Could not encode ack")
		return
	}
	ch.lastAdvertised = avail
	ch.emit(pup.Ack, ch.rxNext, b)
}

func (ch *Channel) scheduleAckLocked() {
	if ch.ackTimer != nil {
		return
	}
	gen := ch.ackGen
	ch.ackTimer = time.AfterFunc(ch.opts.AckDelay, func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if gen != ch.ackGen {
			return
		}
		ch.ackTimer = nil
		if ch.state == Connected || ch.state == Closing {
			ch.sendAckLocked()
		}
	})
}

func (ch *Channel) receiveAckLocked(pck *pup.Packet) {
	var rec ackRecord
	if err := serial.Decode(pck.Contents(), &rec); err != nil {
		ch.log.WithError(err).Warn("Malformed ack")
		return
	}

	ack := pck.ID
	if seqBefore(ack, ch.txAcked) || seqBefore(ch.txNext, ack) {
		return
	}

	i := 0
	for i < len(ch.unacked) && !seqBefore(ack, ch.unacked[i].end()) {
		i++
	}
	ch.unacked = ch.unacked[i:]

	progressed := ack != ch.txAcked
	ch.txAcked = ack
	ch.peerAvail = int(rec.BytesAvailable)
	if rec.MaxBytesPerPup > 0 && int(rec.MaxBytesPerPup) < pup.MaxContents {
		ch.peerMaxBytes = int(rec.MaxBytesPerPup)
	} else {
		ch.peerMaxBytes = pup.MaxContents
	}
	if rec.MaxPups > 0 {
		ch.peerMaxPups = int(rec.MaxPups)
	}

	ch.retries = 0
	if progressed {
		ch.retxBackoff.Reset()
		ch.stopRetxLocked()
	}
	ch.armRetxLocked()
	ch.cond.Broadcast()
}

func (ch *Channel) stopRetxLocked() {
	ch.retxGen++
	if ch.retxTimer != nil {
		ch.retxTimer.Stop()
		ch.retxTimer = nil
	}
}

// armRetxLocked starts the retransmission timer if anything is waiting on
// the peer: unacknowledged data, a blocked writer or an unanswered End.
func (ch *Channel) armRetxLocked() {
	if ch.retxTimer != nil {
		return
	}
	if len(ch.unacked) == 0 && ch.blocked == 0 && !ch.endSent {
		return
	}
	gen := ch.retxGen
	ch.retxTimer = time.AfterFunc(ch.retxBackoff.Duration(), func() {
		ch.retransmit(gen)
	})
}

func (ch *Channel) retransmit(gen uint64) {
	ch.mu.Lock()
	if gen != ch.retxGen {
		ch.mu.Unlock()
		return
	}
	ch.retxTimer = nil
	if ch.state != Connected && ch.state != Closing {
		ch.mu.Unlock()
		return
	}
	if len(ch.unacked) == 0 && ch.blocked == 0 && !ch.endSent {
		ch.mu.Unlock()
		return
	}

	ch.retries++
	if ch.retries > ch.opts.MaxRetries {
		ch.log.WithField("retries", ch.retries-1).Warn("Peer not responding")
		ch.mu.Unlock()
		ch.abort(AbortTimeout, "peer not responding")
		return
	}

	switch {
	case len(ch.unacked) > 0:
		last := len(ch.unacked) - 1
		for i, o := range ch.unacked {
			t := o.typ
			if i == last {
				t = ackRequested(t)
			}
			ch.emit(t, o.pos, o.contents)
		}
		metrics.Retransmits.Add(float64(len(ch.unacked)))
		ch.log.WithField("count", len(ch.unacked)).Debug("Retransmitted")
	case ch.endSent:
		ch.emit(pup.End, ch.txNext, nil)
	default:
		// Zero window probe.
		ch.emit(pup.AData, ch.txNext, nil)
	}
	ch.armRetxLocked()
	ch.mu.Unlock()
}

func ackRequested(t pup.Type) pup.Type {
	switch t {
	case pup.Data:
		return pup.AData
	case pup.Mark:
		return pup.AMark
	}
	return t
}

func (ch *Channel) closedErrLocked() error {
	if ch.err != nil {
		return ch.err
	}
	return ErrClosed
}

// waitRoomLocked blocks until at least one position may be sent.
func (ch *Channel) waitRoomLocked() (int, error) {
	for {
		switch ch.state {
		case Connected:
		case Destroyed:
			return 0, ch.closedErrLocked()
		case Closing:
			return 0, ErrClosed
		default:
			return 0, ErrNotConnected
		}

		window := ch.peerAvail
		if ch.opts.Window < window {
			window = ch.opts.Window
		}
		room := window - int(ch.txNext-ch.txAcked)
		if room > 0 && len(ch.unacked) < ch.peerMaxPups {
			return room, nil
		}

		ch.blocked++
		ch.armRetxLocked()
		ch.cond.Wait()
		ch.blocked--
	}
}

func (ch *Channel) transmitLocked(t pup.Type, contents []byte) {
	o := outbound{typ: t, pos: ch.txNext, contents: append([]byte(nil), contents...)}
	ch.unacked = append(ch.unacked, o)
	ch.txNext = o.end()
	ch.emit(t, o.pos, o.contents)
	ch.armRetxLocked()
}

// Send queues data for reliable delivery, blocking while the peer's window
// is full.
func (ch *Channel) Send(data []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for len(data) > 0 {
		room, err := ch.waitRoomLocked()
		if err != nil {
			return err
		}
		n := len(data)
		if n > room {
			n = room
		}
		if n > ch.peerMaxBytes {
			n = ch.peerMaxBytes
		}

		t := pup.Data
		if n == len(data) || n == room {
			t = pup.AData
		}
		ch.transmitLocked(t, data[:n])
		data = data[n:]
	}
	return nil
}

func (ch *Channel) Write(p []byte) (int, error) {
	if err := ch.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendMark inserts a mark into the stream after all data sent so far. With
// ackRequested the peer acknowledges it immediately.
func (ch *Channel) SendMark(code byte, ackRequested bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, err := ch.waitRoomLocked(); err != nil {
		return err
	}
	t := pup.Mark
	if ackRequested {
		t = pup.AMark
	}
	ch.transmitLocked(t, []byte{code})
	return nil
}

// nextSegmentLocked waits for received data or the end of the stream.
func (ch *Channel) nextSegmentLocked() (*segment, error) {
	for len(ch.rxQueue) == 0 && ch.state != Destroyed && !ch.peerEnded {
		ch.cond.Wait()
	}
	if ch.state == Destroyed && ch.err != nil {
		return nil, ch.err
	}
	if len(ch.rxQueue) == 0 {
		return nil, io.EOF
	}
	return &ch.rxQueue[0], nil
}

func (ch *Channel) consumedLocked(n int) bool {
	ch.rxBytes -= n
	if ch.rxQueue[0].mark != nil || len(ch.rxQueue[0].data) == 0 {
		ch.rxQueue[0] = segment{}
		ch.rxQueue = ch.rxQueue[1:]
	}

	live := ch.state == Connected || ch.state == Closing
	half := ch.opts.Window / 2
	if live && ch.lastAdvertised < half && ch.opts.Window-ch.rxBytes >= half {
		ch.sendAckLocked()
	}
	return live && ch.peerEnded && len(ch.rxQueue) == 0
}

// Read returns received data, stopping at the next mark. When a mark is
// next in the stream it is returned alone with n == 0. Read returns io.EOF
// after the peer closes gracefully and the channel's error after an abort.
func (ch *Channel) Read(p []byte) (int, *Mark, error) {
	ch.mu.Lock()
	seg, err := ch.nextSegmentLocked()
	if err != nil {
		ch.mu.Unlock()
		return 0, nil, err
	}

	var n int
	var mark *Mark
	if seg.mark != nil {
		mark = seg.mark
		n = 1
	} else {
		n = copy(p, seg.data)
		seg.data = seg.data[n:]
	}
	finished := ch.consumedLocked(n)
	ch.mu.Unlock()

	if finished {
		ch.destroy(nil)
	}
	if mark != nil {
		return 0, mark, nil
	}
	return n, nil, nil
}

// ReadByte reads one data byte. It fails with ErrMarkPending if a mark is
// next in the stream.
func (ch *Channel) ReadByte() (byte, error) {
	ch.mu.Lock()
	seg, err := ch.nextSegmentLocked()
	if err != nil {
		ch.mu.Unlock()
		return 0, err
	}
	if seg.mark != nil {
		ch.mu.Unlock()
		return 0, ErrMarkPending
	}

	b := seg.data[0]
	seg.data = seg.data[1:]
	finished := ch.consumedLocked(1)
	ch.mu.Unlock()

	if finished {
		ch.destroy(nil)
	}
	return b, nil
}

// Close waits for outstanding data to be acknowledged, then ends the
// connection and waits for the peer to confirm.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	switch {
	case ch.state == Destroyed:
		err := ch.err
		ch.mu.Unlock()
		return err
	case ch.peerEnded:
		ch.mu.Unlock()
		ch.destroy(nil)
		return nil
	case ch.state != Connected && ch.state != Closing:
		ch.mu.Unlock()
		ch.destroy(ErrClosed)
		return nil
	}

	ch.state = Closing
	ch.cond.Broadcast()
	for len(ch.unacked) > 0 && ch.state != Destroyed && !ch.peerEnded {
		ch.cond.Wait()
	}

	if ch.peerEnded && ch.state != Destroyed {
		ch.mu.Unlock()
		ch.destroy(nil)
		return nil
	}
	if ch.state != Destroyed && !ch.endSent {
		ch.endSent = true
		ch.emit(pup.End, ch.txNext, nil)
		ch.armRetxLocked()
	}
	for ch.state != Destroyed {
		ch.cond.Wait()
	}
	err := ch.err
	ch.mu.Unlock()
	return err
}

// Abort tells the peer why the connection is being dropped and destroys the
// channel.
func (ch *Channel) Abort(text string) {
	ch.abort(AbortUnspecified, text)
}

func (ch *Channel) abort(code uint16, text string) {
	ch.mu.Lock()
	if ch.state == Destroyed {
		ch.mu.Unlock()
		return
	}
	if ch.state != Idle && ch.state != Listening {
		ch.emit(pup.Abort, ch.connID, encodeAbort(code, text))
	}
	ch.mu.Unlock()
	ch.destroy(&AbortError{Code: code, Text: text, Local: true})
}

// Destroy tears the channel down at once. Blocked readers and writers return
// ErrDestroyed. Calling Destroy again has no effect.
func (ch *Channel) Destroy() {
	ch.mu.Lock()
	switch ch.state {
	case Connecting, Connected, Closing:
		ch.emit(pup.Abort, ch.connID, encodeAbort(AbortShutdown, "connection destroyed"))
	}
	ch.mu.Unlock()
	ch.destroy(ErrDestroyed)
}

func (ch *Channel) destroy(reason error) {
	ch.mu.Lock()
	if ch.state == Destroyed {
		ch.mu.Unlock()
		return
	}
	prev := ch.state
	ch.state = Destroyed
	ch.err = reason
	ch.stopRetxLocked()
	ch.ackGen++
	if ch.ackTimer != nil {
		ch.ackTimer.Stop()
		ch.ackTimer = nil
	}
	ch.unacked = nil
	close(ch.done)
	callbacks := ch.onDestroy
	ch.onDestroy = nil
	ch.cond.Broadcast()
	logger := ch.log
	ch.mu.Unlock()

	ch.mgr.release(ch)

	var abortErr *AbortError
	if errors.As(reason, &abortErr) {
		origin := "remote"
		if abortErr.Local {
			origin = "local"
		}
		metrics.Aborts.WithLabelValues(origin).Inc()
	}
	logger.WithFields(log.Fields{"from": prev, "reason": reason}).Info("Channel destroyed")

	for _, f := range callbacks {
		f(reason)
	}
}
