package session

import (
	"errors"
	"time"

	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/wire"
)

// State is the lifecycle stage of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Streaming
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	}
	return "unknown"
}

var (
	// ErrConnectFailed wraps dial failures.
	ErrConnectFailed = errors.New("connect failed")
	// ErrHandshakeFailed wraps failures of the hello exchange.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrDisconnected is returned when an established connection ends.
	ErrDisconnected = errors.New("disconnected")
	// ErrHeartbeatTimeout is returned when the peer stays silent for too many heartbeat intervals.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrClosed is returned by Connect after Disconnect.
	ErrClosed = errors.New("session closed")
)

// Status is a snapshot of the session.
type Status struct {
	State        State
	Endpoint     *domain.Endpoint
	Reconnecting bool
	Attempt      int       // consecutive failed attempts
	NextRetry    time.Time // zero unless Reconnecting
	Queued       int
	Sent         uint64
	Dropped      uint64
	DropReason   string
	LastError    error
	Peer         *wire.Hello // hello received from the viewer
	Codec        string
}
