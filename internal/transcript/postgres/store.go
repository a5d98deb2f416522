// Package postgres provides a PostgreSQL-backed [transcript.Log].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Append(ctx, entry)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livecritic/internal/transcript"
	"github.com/MrWong99/livecritic/pkg/provider/live"
)

var _ transcript.Log = (*Store)(nil)

// Store persists transcript entries in a transcript_entries table. Entries of
// a session are returned in insertion order. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Append implements [transcript.Log].
func (s *Store) Append(ctx context.Context, e transcript.Entry) error {
	if e.SessionID == "" {
		return transcript.ErrEmptySession
	}
	const q = `
		INSERT INTO transcript_entries (session_id, role, text, at)
		VALUES ($1, $2, $3, $4)`

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q, e.SessionID, string(e.Role), e.Text, at); err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// List implements [transcript.Log].
func (s *Store) List(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	const q = `
		SELECT session_id, role, text, at
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e    transcript.Entry
			role string
		)
		if err := row.Scan(&e.SessionID, &role, &e.Text, &e.At); err != nil {
			return transcript.Entry{}, err
		}
		e.Role = live.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}

// Sessions implements [transcript.Log].
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	const q = `
		SELECT session_id
		FROM   transcript_entries
		GROUP  BY session_id
		ORDER  BY max(id) DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
