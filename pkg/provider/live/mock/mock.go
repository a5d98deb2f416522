// Package mock provides test doubles for the live package interfaces.
//
// Use Gateway to verify Connect calls and obtain controllable sessions. Use
// Session to push inbound messages, simulate transport failures or remote
// close, and inspect the frames the caller sent.
//
// Example:
//
//	gw := &mock.Gateway{}
//	handle, _ := gw.Connect(ctx, cfg, cb)
//	sess := gw.LastSession()
//	sess.Emit(&audio.InboundBlob{MIMEType: "audio/pcm;rate=24000", Data: b64}, nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/provider/live"
)

// Ensure Gateway and Session implement the live interfaces at compile time.
var (
	_ live.Gateway       = (*Gateway)(nil)
	_ live.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Gateway.Connect.
type ConnectCall struct {
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Gateway is a mock implementation of live.Gateway.
type Gateway struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectHook, if set, runs before Connect completes. A non-nil return
	// value fails the connect. Tests use it to hold a handshake open.
	ConnectHook func(ctx context.Context) error

	// OpenHook, if set, runs after OnOpen and before Connect returns. Tests
	// use it to end a session while the caller is still connecting.
	OpenHook func(s *Session)

	// SendErr, if non-nil, is returned by every Session.Send.
	SendErr error

	// SendHook, if set, runs at the start of every Session.Send without any
	// lock held. A non-nil return value is returned from Send. Tests use it to
	// stall the sender.
	SendHook func(frame audio.EncodedFrame) error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Name implements live.Gateway.
func (g *Gateway) Name() string { return "mock" }

// Connect records the call, runs ConnectHook and OpenHook, and returns a new
// Session.
// OnOpen fires before Connect returns, as with real gateways.
func (g *Gateway) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.SessionHandle, error) {
	g.mu.Lock()
	g.ConnectCalls = append(g.ConnectCalls, ConnectCall{Cfg: cfg})
	connectErr := g.ConnectErr
	hook := g.ConnectHook
	openHook := g.OpenHook
	sendErr := g.SendErr
	sendHook := g.SendHook
	g.mu.Unlock()

	if connectErr != nil {
		return nil, connectErr
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	s := &Session{cb: cb, sendErr: sendErr, sendHook: sendHook, sent: make(chan audio.EncodedFrame, 1024)}
	g.mu.Lock()
	g.sessions = append(g.sessions, s)
	g.mu.Unlock()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	if openHook != nil {
		openHook(s)
	}
	return s, nil
}

// Sessions returns every session created so far.
func (g *Gateway) Sessions() []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Session, len(g.sessions))
	copy(out, g.sessions)
	return out
}

// LastSession returns the most recently created session, or nil.
func (g *Gateway) LastSession() *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sessions) == 0 {
		return nil
	}
	return g.sessions[len(g.sessions)-1]
}

// Calls returns a copy of ConnectCalls.
func (g *Gateway) Calls() []ConnectCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ConnectCall, len(g.ConnectCalls))
	copy(out, g.ConnectCalls)
	return out
}

// ConnectCount returns the number of Connect calls.
func (g *Gateway) ConnectCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ConnectCalls)
}

// Session is a mock implementation of live.SessionHandle. Callbacks are
// delivered synchronously from the goroutine that calls Emit, Fail or
// RemoteClose, and are suppressed once the session has ended.
type Session struct {
	// cbMu serialises callback delivery against Close so no callback runs
	// after Close returns.
	cbMu sync.Mutex
	cb   live.Callbacks

	mu         sync.Mutex
	sendErr    error
	sendHook   func(audio.EncodedFrame) error
	frames     []audio.EncodedFrame
	sent       chan audio.EncodedFrame
	ended      bool
	closeCalls int
}

// Send records frame. It returns live.ErrClosed after the session ended.
func (s *Session) Send(frame audio.EncodedFrame) error {
	s.mu.Lock()
	hook := s.sendHook
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return live.ErrClosed
	}
	if hook != nil {
		if err := hook(frame); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return live.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, frame)
	select {
	case s.sent <- frame:
	default:
	}
	return nil
}

// Sent returns a channel that receives a copy of each successfully sent
// frame. It is buffered and drops frames once full.
func (s *Session) Sent() <-chan audio.EncodedFrame { return s.sent }

// Frames returns every frame sent so far, in order.
func (s *Session) Frames() []audio.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Close ends the session. Idempotent.
func (s *Session) Close() error {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.closeCalls++
	return nil
}

// CloseCalls returns the number of Close calls.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Ended reports whether the session was closed locally or remotely.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// deliver runs fn unless the session has ended. When end is true the session
// is marked ended after fn.
func (s *Session) deliver(end bool, fn func()) bool {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.mu.Lock()
	ended := s.ended
	if end {
		s.ended = true
	}
	s.mu.Unlock()
	if ended {
		return false
	}
	fn()
	return true
}

// Emit delivers an inbound message via OnMessage. It reports whether the
// callback ran.
func (s *Session) Emit(blob *audio.InboundBlob, transcript *live.Transcript) bool {
	return s.deliver(false, func() {
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(blob, transcript)
		}
	})
}

// Fail ends the session with a transport error delivered via OnError.
func (s *Session) Fail(err error) bool {
	return s.deliver(true, func() {
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
	})
}

// RemoteClose ends the session as if the peer closed it, via OnClose.
func (s *Session) RemoteClose(reason string) bool {
	return s.deliver(true, func() {
		if s.cb.OnClose != nil {
			s.cb.OnClose(reason)
		}
	})
}
