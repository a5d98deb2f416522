// Package openai implements the live.Gateway interface for OpenAI's Realtime
// API.
//
// Microphone frames are resampled to the 24 kHz PCM16 the Realtime API expects
// and appended to the server's input buffer; server-side voice activity
// detection decides when the model responds. Response audio deltas are handed
// to the caller still base64-encoded.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
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
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the only PCM16 rate the Realtime API accepts and emits.
	sampleRate = 24000

	defaultHandshakeTimeout = 15 * time.Second
	transcriptionModel      = "whisper-1"
	readLimit               = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithModel sets the default model used for sessions.
func WithModel(model string) Option {
	return func(g *Gateway) { g.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(g *Gateway) { g.baseURL = url }
}

// WithHandshakeTimeout bounds the wait for session.updated when the Connect
// context has no deadline of its own.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.handshakeTimeout = d }
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// ── Gateway ────────────────────────────────────────────────────────────────────

// Gateway implements live.Gateway for OpenAI's Realtime API.
type Gateway struct {
	apiKey           string
	model            string
	baseURL          string
	handshakeTimeout time.Duration
	log              *slog.Logger
}

// New creates a new OpenAI Realtime Gateway with the given API key and options.
func New(apiKey string, opts ...Option) *Gateway {
	g := &Gateway{
		apiKey:           apiKey,
		model:            defaultModel,
		baseURL:          defaultBaseURL,
		handshakeTimeout: defaultHandshakeTimeout,
		log:              slog.Default().With("component", "openai"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Name implements live.Gateway.
func (g *Gateway) Name() string { return "openai-realtime" }

// Connect dials the Realtime endpoint, sends session.update and waits for
// session.updated. OnOpen fires before Connect returns.
func (g *Gateway) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.SessionHandle, error) {
	if _, ok := ctx.Deadline(); !ok && g.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.handshakeTimeout)
		defer cancel()
	}

	model := g.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	conn, _, err := websocket.Dial(ctx, g.baseURL+"?model="+url.QueryEscape(model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + g.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: dial: %w", live.ErrHandshakeFailure, err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		cb:       cb,
		log:      g.log.With("model", model),
		ctx:      sessCtx,
		cancel:   sessCancel,
		recvDone: make(chan struct{}),
	}

	if err := sess.handshake(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("%w: openai: %w", live.ErrHandshakeFailure, err)
	}

	go sess.receiveLoop()

	sess.log.Info("openai realtime session opened")
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	return sess, nil
}

// ── Protocol message types ────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string         `json:"modalities"`
	Voice                   string           `json:"voice,omitempty"`
	Instructions            string           `json:"instructions,omitempty"`
	InputAudioFormat        string           `json:"input_audio_format"`
	OutputAudioFormat       string           `json:"output_audio_format"`
	InputAudioTranscription *transcribeParam `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection    `json:"turn_detection"`
}

type transcribeParam struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

type serverEvent struct {
	Type string `json:"type"`

	// Delta carries base64 audio for response.audio.delta and text for
	// response.audio_transcript.delta.
	Delta string `json:"delta,omitempty"`

	// Transcript is set on input transcription completion.
	Transcript string `json:"transcript,omitempty"`

	Error *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverError) String() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return msg
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
}

func (s *session) handshake(ctx context.Context, cfg live.Config) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetection{Type: "server_vad"},
	}
	if cfg.Transcribe {
		params.InputAudioTranscription = &transcribeParam{Model: transcriptionModel}
	}
	if err := s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		return fmt.Errorf("send session.update: %w", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return fmt.Errorf("closed during setup: %s", closeReason(err))
			}
			return fmt.Errorf("await session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Warn("skipping malformed event during setup", "err", err)
			continue
		}
		switch evt.Type {
		case "error":
			if evt.Error == nil {
				evt.Error = &serverError{}
			}
			return fmt.Errorf("session.update rejected: %s", evt.Error)
		case "session.updated":
			return nil
		}
	}
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop exits on local close, remote close or transport failure. Error
// events from the server are logged; they reject a single client event and do
// not end the session.
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

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Warn("skipping malformed server event", "err", err)
			continue
		}
		s.handleEvent(&evt)
	}
}

func (s *session) handleEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" || s.cb.OnMessage == nil {
			return
		}
		s.cb.OnMessage(&audio.InboundBlob{
			MIMEType: audio.PCMMIMEType(sampleRate),
			Data:     evt.Delta,
		}, nil)

	case "response.audio_transcript.delta":
		if evt.Delta == "" || s.cb.OnMessage == nil {
			return
		}
		s.cb.OnMessage(nil, &live.Transcript{Role: live.RoleModel, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" || s.cb.OnMessage == nil {
			return
		}
		s.cb.OnMessage(nil, &live.Transcript{Role: live.RoleUser, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		s.log.Debug("user speech started")

	case "error":
		if evt.Error == nil {
			evt.Error = &serverError{}
		}
		s.log.Warn("openai rejected an event", "type", evt.Error.Type, "code", evt.Error.Code, "message", evt.Error.Message)
	}
}

func (s *session) fail(err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		reason := closeReason(err)
		s.log.Info("openai closed the session", "reason", reason)
		if s.cb.OnClose != nil {
			s.cb.OnClose(reason)
		}
	case -1:
		s.emitError(fmt.Errorf("%w: openai: read: %v", live.ErrTransport, err))
	default:
		s.emitError(fmt.Errorf("%w: openai: closed: %s", live.ErrTransport, closeReason(err)))
	}
}

func (s *session) emitError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send appends one capture frame to the server input buffer, resampling it to
// 24 kHz first.
func (s *session) Send(frame audio.EncodedFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return live.ErrClosed
	}
	select {
	case <-s.recvDone:
		return live.ErrClosed
	default:
	}

	payload, err := toRealtimePCM(frame)
	if err != nil {
		return fmt.Errorf("openai: send: %w", err)
	}
	msg := appendAudioMessage{Type: "input_audio_buffer.append", Audio: payload}
	if err := s.writeJSON(s.ctx, msg); err != nil {
		if s.ctx.Err() != nil {
			return live.ErrClosed
		}
		return fmt.Errorf("openai: send: %w", err)
	}
	return nil
}

// toRealtimePCM re-encodes a PCM16 frame at the Realtime API rate.
func toRealtimePCM(frame audio.EncodedFrame) (string, error) {
	mediaType, params, err := mime.ParseMediaType(frame.MIMEType)
	if err != nil {
		return "", fmt.Errorf("mime type %q: %w", frame.MIMEType, err)
	}
	if mediaType != "audio/pcm" {
		return "", fmt.Errorf("unsupported mime type %q", mediaType)
	}
	rate := audio.CaptureSampleRate
	if v, ok := params["rate"]; ok {
		if rate, err = strconv.Atoi(v); err != nil || rate <= 0 {
			return "", fmt.Errorf("invalid rate %q", v)
		}
	}
	if rate == sampleRate {
		return frame.Data, nil
	}
	raw, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return "", fmt.Errorf("base64: %w", err)
	}
	return base64.StdEncoding.EncodeToString(audio.ResampleMono16(raw, rate, sampleRate)), nil
}

// Close terminates the session and waits for the receive goroutine to exit.
// Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		s.log.Debug("websocket close", "err", err)
	}
	<-s.recvDone
	s.log.Info("openai realtime session closed")
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
