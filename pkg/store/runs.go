package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/choiros/choird/pkg/events"
	"github.com/choiros/choird/pkg/mood"
)

// RunStatus is the lifecycle state of a run. Transitions never decrease
// ordinally along a given run.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunVerifying RunStatus = "verifying"
	RunVerified  RunStatus = "verified"
	RunFailed    RunStatus = "failed"
)

// runStatusOrdinal orders statuses for the no-regression check. verified and
// failed share the terminal rank; a terminal run never changes again.
var runStatusOrdinal = map[RunStatus]int{
	RunCreated:   0,
	RunRunning:   1,
	RunVerifying: 2,
	RunVerified:  3,
	RunFailed:    3,
}

// Terminal reports whether the status is an end state.
func (r RunStatus) Terminal() bool {
	return r == RunVerified || r == RunFailed
}

// Run is one attempt to satisfy a work item, from execute through adjudicate.
type Run struct {
	ID         string     `json:"id"`
	WorkItemID string     `json:"work_item_id"`
	Status     RunStatus  `json:"status"`
	Mood       mood.Mood  `json:"mood"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunNote is one row of the run_notes projection.
type RunNote struct {
	EventSeq  int64           `json:"event_seq"`
	RunID     string          `json:"run_id"`
	NoteType  string          `json:"note_type"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunVerification is one row of the run_verifications projection.
type RunVerification struct {
	EventSeq   int64           `json:"event_seq"`
	RunID      string          `json:"run_id"`
	VerifierID string          `json:"verifier_id"`
	Result     string          `json:"result"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CommitRequest is one row of the run_commit_requests projection.
type CommitRequest struct {
	EventSeq  int64           `json:"event_seq"`
	RunID     string          `json:"run_id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateRun inserts a new run for the work item. At most one non-terminal
// run may exist per work item; violating that returns ErrRunActive.
func (s *Store) CreateRun(ctx context.Context, workItemID string, m mood.Mood, status RunStatus) (*Run, error) {
	if workItemID == "" {
		return nil, NewValidationError("work_item_id", "must not be empty")
	}
	if status == "" {
		status = RunCreated
	}
	if _, ok := runStatusOrdinal[status]; !ok {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	if !m.Valid() {
		return nil, NewValidationError("mood", fmt.Sprintf("unknown mood %q", m))
	}

	var active int
	if err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM runs WHERE work_item_id = ? AND status NOT IN (?, ?)`),
		workItemID, string(RunVerified), string(RunFailed),
	).Scan(&active); err != nil {
		return nil, fmt.Errorf("failed to count active runs: %w", err)
	}
	if active > 0 {
		return nil, ErrRunActive
	}

	now := s.now()
	run := &Run{
		ID:         ulid.Make().String(),
		WorkItemID: workItemID,
		Status:     status,
		Mood:       m,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if status == RunRunning {
		run.StartedAt = &now
	}

	if _, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO runs (id, work_item_id, status, mood, created_at, updated_at, started_at, finished_at)
		          VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`),
		run.ID, run.WorkItemID, string(run.Status), run.Mood.String(),
		run.CreatedAt, run.UpdatedAt, run.StartedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// UpdateRun advances a run's status and/or mood. Status may only move
// forward; a terminal status also stamps finished_at.
func (s *Store) UpdateRun(ctx context.Context, id string, status RunStatus, m mood.Mood) (*Run, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if status != "" {
		newOrd, ok := runStatusOrdinal[status]
		if !ok {
			return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
		}
		if run.Status.Terminal() && status != run.Status {
			return nil, ErrStatusRegression
		}
		if newOrd < runStatusOrdinal[run.Status] {
			return nil, ErrStatusRegression
		}
		run.Status = status
	}
	if m != "" {
		if !m.Valid() {
			return nil, NewValidationError("mood", fmt.Sprintf("unknown mood %q", m))
		}
		run.Mood = m
	}

	now := s.now()
	run.UpdatedAt = now
	if run.Status == RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if run.Status.Terminal() && run.FinishedAt == nil {
		run.FinishedAt = &now
	}

	if _, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE runs SET status = ?, mood = ?, updated_at = ?, started_at = ?, finished_at = ?
		          WHERE id = ?`),
		string(run.Status), run.Mood.String(), run.UpdatedAt, run.StartedAt, run.FinishedAt, run.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to update run %s: %w", id, err)
	}
	return run, nil
}

// GetRun returns a run by id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, work_item_id, status, mood, created_at, updated_at, started_at, finished_at
		          FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs, optionally filtered by status, newest first.
func (s *Store) ListRuns(ctx context.Context, status RunStatus, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, work_item_id, status, mood, created_at, updated_at, started_at, finished_at FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row scanner) (*Run, error) {
	var (
		run        Run
		status     string
		moodStr    string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.WorkItemID, &status, &moodStr,
		&run.CreatedAt, &run.UpdatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Mood = mood.Mood(moodStr)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}

// AddRunNote appends a note.* event for the run. The materializer inserts
// the run_notes row (and a commit request for note.request.verify).
func (s *Store) AddRunNote(ctx context.Context, runID, noteType string, body map[string]any) (int64, error) {
	return s.Append(ctx, noteType, map[string]any{
		"run_id": runID,
		"body":   body,
	}, events.SourceSystem)
}

// AddRunVerification appends a receipt.verifier.attestations event carrying
// one attestation for the run.
func (s *Store) AddRunVerification(ctx context.Context, runID string, attestation map[string]any) (int64, error) {
	return s.Append(ctx, events.TypeReceiptVerifierAttestations, map[string]any{
		"run_id":      runID,
		"attestation": attestation,
	}, events.SourceSystem)
}

// RunNotes returns the run's notes in event order.
func (s *Store) RunNotes(ctx context.Context, runID string) ([]RunNote, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT event_seq, run_id, note_type, body, created_at FROM run_notes
		          WHERE run_id = ? ORDER BY event_seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunNote
	for rows.Next() {
		var (
			n    RunNote
			body string
		)
		if err := rows.Scan(&n.EventSeq, &n.RunID, &n.NoteType, &body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run note: %w", err)
		}
		n.Body = json.RawMessage(body)
		out = append(out, n)
	}
	return out, rows.Err()
}

// RunVerifications returns the run's attestation rows in event order.
func (s *Store) RunVerifications(ctx context.Context, runID string) ([]RunVerification, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT event_seq, run_id, verifier_id, result, payload, created_at
		          FROM run_verifications WHERE run_id = ? ORDER BY event_seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run verifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunVerification
	for rows.Next() {
		var (
			v          RunVerification
			verifierID sql.NullString
			result     sql.NullString
			payload    string
		)
		if err := rows.Scan(&v.EventSeq, &v.RunID, &verifierID, &result, &payload, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run verification: %w", err)
		}
		v.VerifierID = verifierID.String
		v.Result = result.String
		v.Payload = json.RawMessage(payload)
		out = append(out, v)
	}
	return out, rows.Err()
}

// CommitRequests returns the run's commit requests in event order.
func (s *Store) CommitRequests(ctx context.Context, runID string) ([]CommitRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT event_seq, run_id, status, payload, created_at
		          FROM run_commit_requests WHERE run_id = ? ORDER BY event_seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query commit requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CommitRequest
	for rows.Next() {
		var (
			cr      CommitRequest
			payload string
		)
		if err := rows.Scan(&cr.EventSeq, &cr.RunID, &cr.Status, &payload, &cr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan commit request: %w", err)
		}
		cr.Payload = json.RawMessage(payload)
		out = append(out, cr)
	}
	return out, rows.Err()
}
