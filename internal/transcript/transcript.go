// Package transcript records the user and model transcripts produced during
// live sessions.
//
// A [Log] stores entries grouped by session ID. [Memory] keeps them in
// process; the postgres subpackage persists them. A [Recorder] sits between
// the session bridge and a Log so that slow storage never stalls the bridge.
package transcript

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/livecritic/pkg/provider/live"
)

// ErrEmptySession is returned when an entry has no session ID.
var ErrEmptySession = errors.New("transcript: empty session id")

// Entry is a single transcript fragment.
type Entry struct {
	SessionID string
	Role      live.Role
	Text      string
	At        time.Time
}

// Log stores transcript entries. Implementations must be safe for concurrent
// use.
type Log interface {
	// Append adds e to the end of its session's transcript.
	Append(ctx context.Context, e Entry) error

	// List returns every entry of sessionID in the order it was appended.
	// An unknown session yields an empty, non-nil slice.
	List(ctx context.Context, sessionID string) ([]Entry, error)

	// Sessions returns the IDs of every session with at least one entry,
	// most recent first.
	Sessions(ctx context.Context) ([]string, error)
}

// Coalesce merges consecutive entries from the same role into one entry whose
// text is the concatenation of the fragments. Gateways stream transcripts in
// small pieces; this turns them back into turns.
func Coalesce(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].Role == e.Role && out[n-1].SessionID == e.SessionID {
			out[n-1].Text += e.Text
			continue
		}
		out = append(out, e)
	}
	return out
}
