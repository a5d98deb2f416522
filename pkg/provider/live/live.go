// Package live defines the Gateway interface for realtime conversational
// audio backends.
//
// A Gateway opens a duplex session with a remote voice model: the client
// streams microphone frames up through [SessionHandle.Send] and the model
// streams synthesised speech (and optional transcripts) back through
// [Callbacks.OnMessage]. Sends are best effort and carry no delivery or
// backpressure signal.
//
// Callbacks are invoked from the gateway's own goroutines. They must return
// quickly and must not call [SessionHandle.Close].
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/livecritic/pkg/audio"
)

var (
	// ErrHandshakeFailure is returned by Connect when the remote session could
	// not be established: dial failure, rejected setup, or no setup
	// acknowledgement before the context expired.
	ErrHandshakeFailure = errors.New("live: handshake failed")

	// ErrTransport is delivered through Callbacks.OnError when an established
	// session fails. The session is unusable afterwards.
	ErrTransport = errors.New("live: transport error")

	// ErrClosed is returned by Send after the session has ended.
	ErrClosed = errors.New("live: session closed")
)

// Role identifies who spoke a transcript.
type Role string

const (
	// RoleUser marks recognised user speech.
	RoleUser Role = "user"
	// RoleModel marks the text version of the model's spoken output.
	RoleModel Role = "model"
)

// Transcript is a fragment of recognised or generated speech text. Gateways
// typically deliver transcripts incrementally, one fragment per message.
type Transcript struct {
	Role Role
	Text string
}

// Config is the per-session configuration sent during the handshake.
type Config struct {
	// Model overrides the gateway's default model when non-empty.
	Model string

	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string

	// Instructions is the system prompt for the session.
	Instructions string

	// Transcribe requests input and output transcriptions.
	Transcribe bool
}

// Callbacks receive asynchronous session events.
//
// OnOpen fires once after the handshake succeeds and before Connect returns.
// After OnError or OnClose fires no further callbacks are delivered. Nil
// fields are ignored.
type Callbacks struct {
	OnOpen func()

	// OnMessage delivers one inbound audio segment, one transcript fragment,
	// or both. Either argument may be nil.
	OnMessage func(blob *audio.InboundBlob, transcript *Transcript)

	// OnError reports a fatal transport failure wrapping [ErrTransport].
	OnError func(err error)

	// OnClose reports that the remote side closed the session normally.
	OnClose func(reason string)
}

// SessionHandle is one live duplex channel. All methods are safe for
// concurrent use.
type SessionHandle interface {
	// Send transmits one encoded capture frame. It returns [ErrClosed] after
	// the session has ended; any other error is a write failure.
	Send(frame audio.EncodedFrame) error

	// Close ends the session and waits for the gateway's goroutines to stop.
	// No callbacks fire after Close returns. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Gateway is the abstraction over a realtime voice backend.
type Gateway interface {
	// Connect dials the backend and completes the setup handshake. Failures
	// wrap [ErrHandshakeFailure]. The caller owns the returned handle.
	Connect(ctx context.Context, cfg Config, cb Callbacks) (SessionHandle, error)

	// Name returns a short identifier for logs and metrics.
	Name() string
}
