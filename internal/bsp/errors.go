package bsp

import (
	"errors"
	"fmt"
)

var (
	ErrAborted        = errors.New("bsp: connection aborted")
	ErrConnectTimeout = errors.New("bsp: connect timed out")
	ErrClosed         = errors.New("bsp: connection closed")
	ErrNotConnected   = errors.New("bsp: not connected")
	ErrMarkPending    = errors.New("bsp: mark pending")
	ErrNoSockets      = errors.New("bsp: no free sockets")
	ErrSocketInUse    = errors.New("bsp: socket already in use")
	ErrShutdown       = errors.New("bsp: manager shut down")
)

// Abort codes carried in the first word of an Abort packet.
const (
	AbortUnspecified uint16 = 0
	AbortNoListener  uint16 = 1
	AbortTimeout     uint16 = 2
	AbortShutdown    uint16 = 3
	AbortNoResources uint16 = 4
)

// AbortError is the destroy reason of a channel that ended with an Abort,
// sent by either side.
type AbortError struct {
	Code  uint16
	Text  string
	Local bool
}

func (e *AbortError) Error() string {
	origin := "peer"
	if e.Local {
		origin = "local"
	}
	return fmt.Sprintf("bsp: %s abort (code %d): %s", origin, e.Code, e.Text)
}

func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

// ErrDestroyed is the reason of a channel torn down with Destroy. It
// matches both ErrAborted and ErrClosed.
var ErrDestroyed error = destroyedError{}

type destroyedError struct{}

func (destroyedError) Error() string { return "bsp: connection destroyed" }

func (destroyedError) Is(target error) bool {
	return target == ErrAborted || target == ErrClosed
}
