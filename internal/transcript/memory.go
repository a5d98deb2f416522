package transcript

import (
	"context"
	"slices"
	"sync"
)

var _ Log = (*Memory)(nil)

// Memory is an in-process [Log]. The zero value is ready to use.
type Memory struct {
	mu       sync.Mutex
	sessions map[string][]Entry
	order    []string
}

// NewMemory returns an empty Memory log.
func NewMemory() *Memory {
	return &Memory{}
}

// Append implements [Log].
func (m *Memory) Append(_ context.Context, e Entry) error {
	if e.SessionID == "" {
		return ErrEmptySession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string][]Entry)
	}
	if _, ok := m.sessions[e.SessionID]; !ok {
		m.order = append(m.order, e.SessionID)
	}
	m.sessions[e.SessionID] = append(m.sessions[e.SessionID], e)
	return nil
}

// List implements [Log].
func (m *Memory) List(_ context.Context, sessionID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.sessions[sessionID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Sessions implements [Log].
func (m *Memory) Sessions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.order)
	slices.Reverse(out)
	if out == nil {
		out = []string{}
	}
	return out, nil
}
