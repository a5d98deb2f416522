// Package gemini implements the live.Gateway interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64-encoded PCM media chunks; the
// model's speech arrives as inline data parts and is handed to the caller
// still encoded, together with input and output transcriptions.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecritic/pkg/audio"
	"github.com/MrWong99/livecritic/pkg/provider/live"
)

// Compile-time assertions that Gateway and session satisfy the live interfaces.
var _ live.Gateway = (*Gateway)(nil)
var _ live.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultHandshakeTimeout = 15 * time.Second
	defaultKeepalive        = 20 * time.Second
	keepaliveTimeout        = 5 * time.Second

	// Model turns carry whole audio segments, well beyond the websocket
	// library's 32 KiB default.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithModel sets the default Gemini model used for sessions.
func WithModel(model string) Option {
	return func(g *Gateway) { g.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(g *Gateway) { g.baseURL = url }
}

// WithHandshakeTimeout bounds the wait for setupComplete when the Connect
// context has no deadline of its own.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.handshakeTimeout = d }
}

// WithKeepalive sets the interval between WebSocket pings. Zero disables
// keepalive.
func WithKeepalive(d time.Duration) Option {
	return func(g *Gateway) { g.keepalive = d }
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// ── Gateway ────────────────────────────────────────────────────────────────────

// Gateway implements live.Gateway for Google's Gemini Live API.
type Gateway struct {
	apiKey           string
	model            string
	baseURL          string
	handshakeTimeout time.Duration
	keepalive        time.Duration
	log              *slog.Logger
}

// New creates a new Gemini Live Gateway with the given API key and options.
func New(apiKey string, opts ...Option) *Gateway {
	g := &Gateway{
		apiKey:           apiKey,
		model:            defaultModel,
		baseURL:          defaultBaseURL,
		handshakeTimeout: defaultHandshakeTimeout,
		keepalive:        defaultKeepalive,
		log:              slog.Default().With("component", "gemini"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Name implements live.Gateway.
func (g *Gateway) Name() string { return "gemini-live" }

// Connect dials Gemini Live, sends the setup message and waits for
// setupComplete. OnOpen fires before Connect returns.
func (g *Gateway) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.SessionHandle, error) {
	if _, ok := ctx.Deadline(); !ok && g.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.handshakeTimeout)
		defer cancel()
	}

	wsURL := g.baseURL + bidiPath + "?key=" + url.QueryEscape(g.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: dial: %w", live.ErrHandshakeFailure, err)
	}
	conn.SetReadLimit(readLimit)

	model := g.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		cb:       cb,
		log:      g.log.With("model", model),
		ctx:      sessCtx,
		cancel:   sessCancel,
		recvDone: make(chan struct{}),
		kaDone:   make(chan struct{}),
	}

	if err := sess.handshake(ctx, model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("%w: gemini: %w", live.ErrHandshakeFailure, err)
	}

	go sess.receiveLoop()
	if g.keepalive > 0 {
		go sess.keepaliveLoop(g.keepalive)
	} else {
		close(sess.kaDone)
	}

	sess.log.Info("gemini live session opened")
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) String() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("%s (%d %s)", msg, e.Code, e.Status)
	}
	return msg
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	cb   live.Callbacks
	log  *slog.Logger

	mu     sync.Mutex
	closed bool

	ctx      context.Context
	cancel   context.CancelFunc
	recvDone chan struct{}
	kaDone   chan struct{}
}

// handshake sends the setup message and blocks until setupComplete arrives.
func (s *session) handshake(ctx context.Context, model string, cfg live.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("closed during setup: %s", closeReason(err))
			}
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("skipping malformed message during setup", "err", err)
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("setup rejected: %s", msg.Error)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them to the
// callbacks. It exits on local close, remote close, transport failure or a
// server error message.
func (s *session) receiveLoop() {
	defer close(s.recvDone)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("skipping malformed server message", "err", err)
			continue
		}

		if msg.Error != nil {
			s.log.Error("gemini reported an error", "code", msg.Error.Code, "status", msg.Error.Status, "message", msg.Error.Message)
			s.emitError(fmt.Errorf("%w: gemini: %s", live.ErrTransport, msg.Error))
			s.conn.Close(websocket.StatusNormalClosure, "server error")
			return
		}
		if msg.GoAway != nil {
			s.log.Warn("gemini will close the session soon", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil {
			s.handleServerContent(msg.ServerContent)
		}
	}
}

// fail maps a read error to OnClose (normal remote close) or OnError.
func (s *session) fail(err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		reason := closeReason(err)
		s.log.Info("gemini closed the session", "reason", reason)
		if s.cb.OnClose != nil {
			s.cb.OnClose(reason)
		}
	case -1:
		s.emitError(fmt.Errorf("%w: gemini: read: %v", live.ErrTransport, err))
	default:
		s.emitError(fmt.Errorf("%w: gemini: closed: %s", live.ErrTransport, closeReason(err)))
	}
}

func (s *session) emitError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if s.cb.OnMessage == nil {
		return
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			s.cb.OnMessage(&audio.InboundBlob{
				MIMEType: p.InlineData.MIMEType,
				Data:     p.InlineData.Data,
			}, nil)
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.cb.OnMessage(nil, &live.Transcript{Role: live.RoleUser, Text: sc.InputTranscription.Text})
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.cb.OnMessage(nil, &live.Transcript{Role: live.RoleModel, Text: sc.OutputTranscription.Text})
	}

	if sc.Interrupted {
		s.log.Debug("model turn interrupted")
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
// Ping failures are left for the receive loop to surface.
func (s *session) keepaliveLoop(interval time.Duration) {
	defer close(s.kaDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.recvDone:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send delivers one encoded capture frame to the model as a realtime media
// chunk.
func (s *session) Send(frame audio.EncodedFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrClosed
	}
	s.mu.Unlock()

	select {
	case <-s.recvDone:
		return live.ErrClosed
	default:
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: frame.MIMEType, Data: frame.Data},
			},
		},
	}
	if err := s.writeJSON(s.ctx, msg); err != nil {
		if s.ctx.Err() != nil {
			return live.ErrClosed
		}
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Close terminates the session and waits for the receive and keepalive
// goroutines to exit. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop and keepaliveLoop
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		// Usually the connection was already torn down by the cancelled read.
		s.log.Debug("websocket close", "err", err)
	}
	<-s.recvDone
	<-s.kaDone
	s.log.Info("gemini live session closed")
	return nil
}

func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Reason != "" {
			return fmt.Sprintf("%s: %s", ce.Code, ce.Reason)
		}
		return ce.Code.String()
	}
	return err.Error()
}
