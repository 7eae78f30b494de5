package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentplane/agentplane/internal/common/telemetry"
)

// AppendEvent persists an event and the dependent metadata updates as one
// transaction: insert the event row, advance the owning session's
// last_event_id and updated_at, and touch the owning repository's
// last_activity_at. Returns the store-assigned monotone event id. On any
// failure the whole write rolls back and nothing becomes visible.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) (int64, error) {
	ctx, span := telemetry.Tracer("store").Start(ctx, "store.AppendEvent",
		trace.WithAttributes(
			attribute.String("session.id", ev.SessionID),
			attribute.String("event.type", ev.Type),
		))
	defer span.End()

	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = []byte("{}")
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var repoID string
	err = tx.GetContext(ctx, &repoID, s.rebind(`SELECT repo_id FROM sessions WHERE id = ?`), ev.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var id int64
	if s.pool.IsPostgres() {
		err = tx.GetContext(ctx, &id, s.rebind(`
			INSERT INTO events (session_id, ts, source, type, payload)
			VALUES (?, ?, ?, ?, ?) RETURNING id
		`), ev.SessionID, ev.TS, ev.Source, ev.Type, string(ev.Payload))
		if err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO events (session_id, ts, source, type, payload)
			VALUES (?, ?, ?, ?, ?)
		`), ev.SessionID, ev.TS, ev.Source, ev.Type, string(ev.Payload))
		if err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("event id: %w", err)
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET last_event_id = ?, updated_at = ? WHERE id = ?
	`), id, now, ev.SessionID); err != nil {
		return 0, fmt.Errorf("update session metadata: %w", err)
	}
	// Emitter clocks are not ordered with event ids; an event carrying an
	// older timestamp must not move the activity marker backwards.
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE repositories SET last_activity_at = ?
		WHERE id = ? AND (last_activity_at IS NULL OR last_activity_at < ?)
	`), ev.TS, repoID, ev.TS); err != nil {
		return 0, fmt.Errorf("update repository activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ingest tx: %w", err)
	}

	ev.ID = id
	return id, nil
}

// ListEvents returns the session's events filtered and bounded by opts.
// Results are ordered by id, ascending unless opts.Descending is set.
func (s *Store) ListEvents(ctx context.Context, sessionID string, opts ListEventsOptions) ([]*Event, error) {
	where := []string{"session_id = ?"}
	args := []any{sessionID}

	if opts.After != nil {
		where = append(where, "id > ?")
		args = append(args, *opts.After)
	}
	if opts.Before != nil {
		where = append(where, "id < ?")
		args = append(args, *opts.Before)
	}
	if opts.Source != "" {
		where = append(where, "source = ?")
		args = append(args, opts.Source)
	}
	if opts.Type != "" {
		where = append(where, "type = ?")
		args = append(args, opts.Type)
	}

	order := "ASC"
	if opts.Descending {
		order = "DESC"
	}

	query := `SELECT id, session_id, ts, source, type, payload FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id ` + order
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.pool.Reader().QueryxContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastEventByType returns the most recent event of the given source and type
// for the session, or ErrNotFound.
func (s *Store) LastEventByType(ctx context.Context, sessionID, source, eventType string) (*Event, error) {
	row := s.pool.Reader().QueryRowxContext(ctx, s.rebind(`
		SELECT id, session_id, ts, source, type, payload FROM events
		WHERE session_id = ? AND source = ? AND type = ?
		ORDER BY id DESC LIMIT 1
	`), sessionID, source, eventType)

	ev, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// scanEvent scans one event row; payload is stored as TEXT.
func scanEvent(scan func(...any) error) (*Event, error) {
	var ev Event
	var payload string
	if err := scan(&ev.ID, &ev.SessionID, &ev.TS, &ev.Source, &ev.Type, &payload); err != nil {
		return nil, err
	}
	ev.Payload = []byte(payload)
	return &ev, nil
}
