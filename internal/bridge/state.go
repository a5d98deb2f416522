package bridge

import (
	"errors"
	"time"

	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/audio/device"
	"github.com/MrWong99/livecritic/pkg/provider/live"
)

// State is the lifecycle state of the bridge.
type State int

const (
	// StateIdle means no session exists. Connect is allowed.
	StateIdle State = iota
	// StateConnecting means devices are being opened and the gateway
	// handshake is in flight.
	StateConnecting
	// StateLive means audio is streaming in both directions.
	StateLive
	// StateError means the last session failed. All resources have been
	// released and Connect is allowed.
	StateError
	// StateClosed means the gateway closed the last session. All resources
	// have been released and Connect is allowed.
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canConnect reports whether Connect is valid from s.
func (s State) canConnect() bool {
	return s == StateIdle || s == StateError || s == StateClosed
}

// Status is a snapshot of the bridge.
type Status struct {
	State State
	// SessionID identifies the current or most recent session. Empty before
	// the first Connect.
	SessionID string
	// Err is the error that moved the bridge to StateError.
	Err error
	// Since is when the bridge entered State.
	Since time.Time
	// Speaking mirrors the playback indicator. Presentation only.
	Speaking bool
	// Level is the RMS level of the most recently scheduled buffer.
	Level float64
}

var (
	// ErrSessionActive is returned by Connect while a session is connecting
	// or live.
	ErrSessionActive = errors.New("bridge: session already active")

	// ErrDisconnected is returned by a Connect that was still in flight when
	// Disconnect was called.
	ErrDisconnected = errors.New("bridge: disconnected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bridge: closed")
)

// Kind classifies err into a short label for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, device.ErrDeviceUnavailable):
		return "device"
	case errors.Is(err, live.ErrHandshakeFailure):
		return "handshake"
	case errors.Is(err, live.ErrTransport):
		return "transport"
	case errors.Is(err, audio.ErrDecode):
		return "decode"
	case errors.Is(err, ErrSessionActive):
		return "session_active"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	default:
		return "other"
	}
}
