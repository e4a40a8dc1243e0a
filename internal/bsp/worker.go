package bsp

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Worker services one channel on its own goroutine.
type Worker interface {
	// Terminate destroys the worker's channel. It is safe to call more than
	// once and from any goroutine.
	Terminate()
	// Done is closed when the worker's goroutine has exited.
	Done() <-chan struct{}
}

// WorkerFactory builds and starts a worker for a freshly connected channel.
type WorkerFactory func(ch *Channel) Worker

// BaseWorker carries what every worker needs: its channel, a session-scoped
// logger and exit signalling. Embed it and call Start.
type BaseWorker struct {
	Channel *Channel
	Log     *log.Entry
	Session uuid.UUID

	done     chan struct{}
	exitOnce sync.Once
}

func NewBaseWorker(ch *Channel, name string) *BaseWorker {
	session := uuid.New()
	return &BaseWorker{
		Channel: ch,
		Session: session,
		Log: ch.Logger().WithFields(log.Fields{
			"worker":  name,
			"session": session.String(),
		}),
		done: make(chan struct{}),
	}
}

// Start runs fn on a new goroutine. When fn returns nil or io.EOF the channel
// is closed gracefully; any other error aborts it with the error text.
func (w *BaseWorker) Start(fn func() error) {
	w.Log.Info("Worker started")
	go func() {
		defer w.exit()

		err := fn()
		switch {
		case err == nil || errors.Is(err, io.EOF):
			if err := w.Channel.Close(); err != nil {
				w.Log.WithError(err).Debug("Close ended with error")
			}
		case w.Channel.State() == Destroyed:
			w.Log.WithError(err).Debug("Channel gone")
		default:
			w.Log.WithError(err).Warn("Worker failed")
			w.Channel.Abort(err.Error())
		}
	}()
}

func (w *BaseWorker) exit() {
	w.exitOnce.Do(func() {
		close(w.done)
		w.Log.Info("Worker exited")
	})
}

func (w *BaseWorker) Terminate() {
	w.Channel.Destroy()
}

func (w *BaseWorker) Done() <-chan struct{} {
	return w.done
}
