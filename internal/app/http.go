package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/livecritic/internal/bridge"
	"github.com/MrWong99/livecritic/internal/observe"
	"github.com/MrWong99/livecritic/internal/transcript"
	"github.com/MrWong99/livecritic/pkg/audio/device"
	"github.com/MrWong99/livecritic/pkg/provider/live"
)

// StatusResponse is the JSON body of the /session endpoints.
type StatusResponse struct {
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Since     time.Time `json:"since"`
	Speaking  bool      `json:"speaking"`
	Level     float64   `json:"level"`
}

// TranscriptResponse is the JSON body of GET /session/transcript.
type TranscriptResponse struct {
	SessionID string           `json:"session_id"`
	Turns     []TranscriptTurn `json:"turns"`
}

// TranscriptTurn is one coalesced speaker turn.
type TranscriptTurn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Handler returns the HTTP control surface:
//
//	POST /session/connect     start a session
//	POST /session/disconnect  end the current session
//	GET  /session             current status
//	GET  /session/transcript  transcript of ?id= or the current session
//	GET  /sessions            IDs of sessions with transcripts
//	GET  /healthz, /readyz    probes
//	GET  /metrics             Prometheus exposition
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/connect", a.handleConnect)
	mux.HandleFunc("POST /session/disconnect", a.handleDisconnect)
	mux.HandleFunc("GET /session", a.handleStatus)
	mux.HandleFunc("GET /session/transcript", a.handleTranscript)
	mux.HandleFunc("GET /sessions", a.handleSessions)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics,
		observe.WithQuietRoutes("GET /healthz", "GET /readyz", "GET /metrics"),
		observe.WithSessionID(func() string { return a.bridge.Status().SessionID }),
		observe.WithAccessLogger(a.log.With("component", "http")),
	)(mux)
}

func (a *App) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := a.bridge.Connect(r.Context()); err != nil {
		writeJSON(w, connectStatus(err), errorResponse{Error: err.Error(), Kind: bridge.Kind(err)})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(a.bridge.Status()))
}

func (a *App) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	a.bridge.Disconnect()
	writeJSON(w, http.StatusOK, toStatusResponse(a.bridge.Status()))
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(a.bridge.Status()))
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = a.bridge.Status().SessionID
	}
	if id == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no session"})
		return
	}
	entries, err := a.transcripts.List(r.Context(), id)
	if err != nil {
		a.log.Warn("failed to list transcript", "session_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	resp := TranscriptResponse{SessionID: id, Turns: []TranscriptTurn{}}
	for _, e := range transcript.Coalesce(entries) {
		resp.Turns = append(resp.Turns, TranscriptTurn{Role: string(e.Role), Text: e.Text, At: e.At})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := a.transcripts.Sessions(r.Context())
	if err != nil {
		a.log.Warn("failed to list sessions", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

// connectStatus maps a Connect error to an HTTP status code.
func connectStatus(err error) int {
	switch {
	case errors.Is(err, bridge.ErrSessionActive), errors.Is(err, bridge.ErrDisconnected):
		return http.StatusConflict
	case errors.Is(err, device.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, live.ErrHandshakeFailure):
		return http.StatusBadGateway
	case errors.Is(err, bridge.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toStatusResponse(s bridge.Status) StatusResponse {
	resp := StatusResponse{
		State:     s.State.String(),
		SessionID: s.SessionID,
		Since:     s.Since,
		Speaking:  s.Speaking,
		Level:     s.Level,
	}
	if s.Err != nil {
		resp.Error = s.Err.Error()
		resp.ErrorKind = bridge.Kind(s.Err)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
