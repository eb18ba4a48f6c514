// Package pgstore provides a PostgreSQL-backed implementation of event.Log.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chorusflow/chorus/event"
)

// Schema is the DDL for the event log table. Applied by EnsureSchema or by
// the deployment's own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS chorus_events (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	data        JSONB,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_chorus_events_name ON chorus_events (name, occurred_at DESC);
`

// Store implements event.Log with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL event log.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the event log table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: ensure event schema: %w", err)
	}
	return nil
}

// Append stores an event, rejecting duplicate IDs.
func (s *Store) Append(ctx context.Context, e event.Event) error {
	return s.append(ctx, s.pool, e)
}

// AppendTx stores an event within an existing transaction, so publishers can
// commit the event atomically with the dispatch job that delivers it.
func (s *Store) AppendTx(ctx context.Context, tx pgx.Tx, e event.Event) error {
	return s.append(ctx, tx, e)
}

// execer is satisfied by both pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) append(ctx context.Context, q execer, e event.Event) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO chorus_events (id, name, data, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Name, e.Data, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return event.ErrDuplicateEvent
	}
	return nil
}

// Get returns the event with the given ID.
func (s *Store) Get(ctx context.Context, id string) (event.Event, bool, error) {
	var e event.Event
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, data, occurred_at
		FROM chorus_events
		WHERE id = $1
	`, id).Scan(&e.ID, &e.Name, &e.Data, &e.OccurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, fmt.Errorf("pgstore: get event: %w", err)
	}
	return e, true, nil
}

// ListRecent returns up to limit events with the given name, newest first.
func (s *Store) ListRecent(ctx context.Context, name string, limit int) ([]event.Event, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, name, data, occurred_at
		FROM chorus_events
	`)
	args := []any{}
	if name != "" {
		sb.WriteString(` WHERE name = $1`)
		args = append(args, name)
	}
	sb.WriteString(` ORDER BY occurred_at DESC`)
	if limit > 0 {
		sb.WriteString(fmt.Sprintf(` LIMIT %d`, limit))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var e event.Event
		if err := rows.Scan(&e.ID, &e.Name, &e.Data, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate events: %w", err)
	}
	return events, nil
}
