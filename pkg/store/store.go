package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/choiros/choird/pkg/config"
	"github.com/choiros/choird/pkg/events"
)

// Mirror publishes events to an external durable stream. Publishing is
// best-effort: a failure must never fail the local append.
type Mirror interface {
	// Publish sends the event and returns the external sequence number.
	Publish(ctx context.Context, event events.Event) (int64, error)
}

// Store is the event log plus its projections. All appends serialize through
// mu so seq stays strictly monotonic under concurrent writers.
type Store struct {
	db     *sql.DB
	driver string
	userID string

	mu     sync.Mutex
	mirror Mirror

	// now is swappable for deterministic tests.
	now func() time.Time
}

// Open connects the configured database, runs migrations, and returns a
// ready store.
func Open(ctx context.Context, cfg config.DatabaseConfig, userID string) (*Store, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		driver: cfg.Driver,
		userID: userID,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetMirror attaches an external stream mirror. Passing nil detaches it.
func (s *Store) SetMirror(m Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UserID returns the user namespace this store serves.
func (s *Store) UserID() string {
	return s.userID
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append normalizes the event type, assigns the next sequence number, writes
// the event row, and materializes its projection updates in one transaction.
// The mirror publish happens first and is best-effort; on failure the event
// is stored with a NULL external_seq and a warning is logged.
//
// Append is the durability boundary: an error here is fatal to the run.
func (s *Store) Append(ctx context.Context, eventType string, payload map[string]any, source events.Source) (int64, error) {
	if !events.ValidSource(source) {
		return 0, fmt.Errorf("%w: unknown event source %q", ErrInvalidInput, source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	event := events.Event{
		Timestamp: s.now(),
		Type:      events.Normalize(eventType),
		Source:    source,
		Payload:   payload,
	}

	if s.mirror != nil {
		extSeq, err := s.mirror.Publish(ctx, event)
		if err != nil {
			slog.Warn("Mirror publish failed, storing event locally only",
				"type", event.Type, "error", err)
		} else {
			event.ExternalSeq = &extSeq
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := s.insertEvent(ctx, tx, &event)
	if err != nil {
		return 0, err
	}
	event.Seq = seq

	if err := s.materialize(ctx, tx, &event); err != nil {
		return 0, fmt.Errorf("failed to materialize event %d (%s): %w", seq, event.Type, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event %d: %w", seq, err)
	}
	return seq, nil
}

// insertEvent writes the event row and returns the assigned seq. The next
// seq is computed inside the transaction so it is gapless and monotonic.
func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, event *events.Event) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events`),
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate event seq: %w", err)
	}

	payloadJSON, err := event.MarshalPayload()
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO events (seq, external_seq, timestamp, type, source, payload)
		          VALUES (?, ?, ?, ?, ?, ?)`),
		seq, event.ExternalSeq, event.Timestamp, event.Type, string(event.Source), string(payloadJSON),
	); err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return seq, nil
}

// Events returns events after sinceSeq in ascending seq order, optionally
// filtered by type. Pass the last returned seq to resume.
func (s *Store) Events(ctx context.Context, sinceSeq int64, eventType string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT seq, external_seq, timestamp, type, source, payload
	          FROM events WHERE seq > ?`
	args := []any{sinceSeq}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, events.Normalize(eventType))
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest assigned sequence number, 0 when empty.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events`,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to query latest seq: %w", err)
	}
	return seq, nil
}

// TouchedPaths returns the sorted set of repository paths referenced by file
// mutation events after sinceSeq. file.move contributes both endpoints.
func (s *Store) TouchedPaths(ctx context.Context, sinceSeq int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT type, payload FROM events
		          WHERE seq > ? AND type IN (?, ?, ?) ORDER BY seq`),
		sinceSeq, events.TypeFileWrite, events.TypeFileDelete, events.TypeFileMove,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query touched paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]struct{})
	for rows.Next() {
		var eventType, payloadJSON string
		if err := rows.Scan(&eventType, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan touched path row: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			continue
		}
		for _, key := range []string{"path", "from", "to"} {
			if p, ok := payload[key].(string); ok && p != "" {
				seen[p] = struct{}{}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// RebuildProjections purges every projection table and replays the full log
// through the materializer in seq order. The result is byte-identical for
// any equivalent input stream because projection timestamps come from event
// envelopes, never the wall clock. A receipt.projection.rebuild event is
// appended afterwards recording the replay count.
func (s *Store) RebuildProjections(ctx context.Context) (int64, error) {
	s.mu.Lock()

	count, err := s.rebuildLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if _, err := s.Append(ctx, events.TypeReceiptProjectionRebuild,
		map[string]any{"events_replayed": count}, events.SourceSystem); err != nil {
		return count, fmt.Errorf("rebuild succeeded but receipt append failed: %w", err)
	}
	return count, nil
}

func (s *Store) rebuildLocked(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range projectionTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return 0, fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, external_seq, timestamp, type, source, payload FROM events ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("failed to query events for rebuild: %w", err)
	}

	var replay []events.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		replay = append(replay, event)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for i := range replay {
		if err := s.materialize(ctx, tx, &replay[i]); err != nil {
			return 0, fmt.Errorf("failed to replay event %d (%s): %w", replay[i].Seq, replay[i].Type, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return int64(len(replay)), nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (events.Event, error) {
	var (
		event       events.Event
		externalSeq sql.NullInt64
		source      string
		payloadJSON string
	)
	if err := row.Scan(&event.Seq, &externalSeq, &event.Timestamp, &event.Type, &source, &payloadJSON); err != nil {
		return events.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	if externalSeq.Valid {
		event.ExternalSeq = &externalSeq.Int64
	}
	event.Source = events.Source(source)
	if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
		return events.Event{}, fmt.Errorf("failed to unmarshal payload of event %d: %w", event.Seq, err)
	}
	return event, nil
}
