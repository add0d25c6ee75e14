package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/choiros/choird/pkg/events"
)

// projectionTables lists every table the materializer owns, in purge order.
// work_items, runs, and sync_state are operational tables, not projections,
// so rebuilds leave them alone.
var projectionTables = []string{
	"run_commit_requests",
	"run_verifications",
	"run_notes",
	"checkpoints",
	"ahdb_state",
	"ahdb_deltas",
	"tool_calls",
	"messages",
	"conversations",
	"files",
}

// AHDB slot names in canonical order.
var ahdbSlots = []string{"assert", "hypothesize", "drive", "believe"}

// materialize is the single projection dispatch: given one event it updates
// whichever projection tables its type owns. It is the sole projection
// writer; everything else appends events. Must be called inside the same
// transaction as the event insert so readers never observe a seq without its
// projection updates.
func (s *Store) materialize(ctx context.Context, tx *sql.Tx, event *events.Event) error {
	switch {
	case event.Type == events.TypeFileWrite:
		return s.applyFileWrite(ctx, tx, event)
	case event.Type == events.TypeFileDelete:
		return s.applyFileDelete(ctx, tx, event)
	case event.Type == events.TypeMessage:
		return s.applyMessage(ctx, tx, event)
	case event.Type == events.TypeToolCall:
		return s.applyToolCall(ctx, tx, event)
	case event.Type == events.TypeCheckpoint:
		return s.applyCheckpoint(ctx, tx, event)
	case event.Type == events.TypeReceiptAHDBDelta:
		return s.applyAHDBDelta(ctx, tx, event)
	case event.Type == events.TypeReceiptVerifierAttestations:
		return s.applyVerifierAttestations(ctx, tx, event)
	case strings.HasPrefix(event.Type, "note."):
		return s.applyNote(ctx, tx, event)
	}
	// Every other type lives only in the log.
	return nil
}

func (s *Store) applyFileWrite(ctx context.Context, tx *sql.Tx, event *events.Event) error {
	path := event.PayloadString("path")
	if path == "" {
		return nil
	}
	contentHash := event.PayloadString("content_hash")

	query := `INSERT INTO files (path, content_hash, updated_at) VALUES (?, ?, ?)
	          ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash,
	          updated_at = excluded.updated_at`
	_, err := tx.ExecContext(ctx, s.rebind(query), path, contentHash, event.Timestamp)
	return err
}

func (s *Store) applyFileDelete(ctx context.Context, tx *sql.Tx, event *events.Event) error {
	path := event.PayloadString("path")
	if path == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM files WHERE path = ?`), path)
	return err
}

func (s *Store) applyMessage(ctx context.Context, tx *sql.Tx, event *events.Event) error {
	conversationID, hasConversation := payloadInt64(event.Payload, "conversation_id")
	if hasConversation {
		if err := s.ensureConversation(ctx, tx, conversationID, event); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO messages (event_seq, conversation_id, role, content, timestamp)
		          VALUES (?, ?, ?, ?, ?)`),
		event.Seq, nullableInt64(conversationID, hasConversation),
		event.PayloadString("role"), event.PayloadString("content"), event.Timestamp,
	); err != nil {
		return err
	}

	if hasConversation {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE conversations SET last_seq = ? WHERE id = ?`),
			event.Seq, conversationID,
		); err != nil {
			return err
		}
	}
	return nil
}

// ensureConversation auto-creates the conversation row on first reference so
// message materialization is idempotent across rebuilds.
func (s *Store) ensureConversation(ctx context.Context, tx *sql.Tx, id int64, event *events.Event) error {
	var exists int
	err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT 1 FROM conversations WHERE id = ?`), id,
	).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}
	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO conversations (id, started_at, last_seq) VALUES (?, ?, NULL)`),
		id, event.Timestamp,
	)
	return err
}

func (s *Store) applyToolCall(ctx context.Context, tx *sql.Tx, event *events.Event) error {
	conversationID, hasConversation := payloadInt64(event.Payload, "conversation_id")
	if hasConversation {
		if err := s.ensureConversation(ctx, tx, conversationID, event); err != nil {
			return err
		}
	}

	toolInput, err := json.Marshal(event.Payload["tool_input"])
	if err != nil {
		return fmt.Errorf("failed to marshal tool_input: %w", err)
	}
	toolResult, err := json.Marshal(event.Payload["tool_result"])
	if err != nil {
		return fmt.Errorf("failed to marshal tool_result: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO tool_calls (event_seq, conversation_id, tool_name, tool_input, tool_result, timestamp)
		          VALUES (?, ?, ?, ?, ?, ?)`),
		event.Seq, nullableInt64(conversationID, hasConversation),
		event.PayloadString("tool_name"), string(toolInput), string(toolResult), event.Timestamp,
	)
	return err
}

func (s *Store) applyCheckpoint(ctx context.Context, tx *sql.Tx, event *events.Event) error {
	sha := event.PayloadString("commit_sha")
	if sha == "" {
		return nil
	}
	lastEventSeq, _ := payloadInt64(event.Payload, "last_event_seq")
	lastExternalSeq, hasExternal := payloadInt64(event.Payload, "last_external_seq")

	_, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO checkpoints (event_seq, commit_sha, last_event_seq, last_external_seq, message, created_at)
		          VALUES (?, ?, ?, ?, ?, ?)`),
		event.Seq, sha, lastEventSeq, nullableInt64(lastExternalSeq, hasExternal),
		event.PayloadString("message"), event.Timestamp,
	)
	return err
}

// applyAHDBDelta records the delta and folds it last-writer-wins into
// ahdb_state per slot. Deltas are applied in event order, so a full rebuild
// converges to the same state.
func (s *Store) applyAHDBDelta(ctx context.Context, tx *sql.Tx, event *events.Event) error {
	delta := extractAHDBDelta(event.Payload)
	if len(delta) == 0 {
		return nil
	}

	deltaJSON, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("failed to marshal ahdb delta: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO ahdb_deltas (event_seq, run_id, delta, created_at) VALUES (?, ?, ?, ?)`),
		event.Seq, event.PayloadString("run_id"), string(deltaJSON), event.Timestamp,
	); err != nil {
		return err
	}

	for _, slot := range ahdbSlots {
		value, ok := delta[slot]
		if !ok || value == nil {
			// Slot deletions are not supported: nil values are ignored.
			continue
		}
		valueJSON, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal ahdb slot %s: %w", slot, err)
		}
		query := `INSERT INTO ahdb_state (slot, value, updated_seq, updated_at) VALUES (?, ?, ?, ?)
		          ON CONFLICT(slot) DO UPDATE SET value = excluded.value,
		          updated_seq = excluded.updated_seq, updated_at = excluded.updated_at`
		if _, err := tx.ExecContext(ctx, s.rebind(query),
			slot, string(valueJSON), event.Seq, event.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// extractAHDBDelta pulls the slot map out of a receipt.ahdb.delta payload.
// Accepted shapes: nested under "delta", "ahdb_delta", or "ahdb"; or the
// slot keys directly at the top level.
func extractAHDBDelta(payload map[string]any) map[string]any {
	for _, key := range []string{"delta", "ahdb_delta", "ahdb"} {
		if nested, ok := payload[key].(map[string]any); ok {
			return filterAHDBSlots(nested)
		}
	}
	return filterAHDBSlots(payload)
}

func filterAHDBSlots(m map[string]any) map[string]any {
	out := make(map[string]any)
	for _, slot := range ahdbSlots {
		if v, ok := m[slot]; ok {
			out[slot] = v
		}
	}
	return out
}

func (s *Store) applyNote(ctx context.Context, tx *sql.Tx, event *events.Event) error {
	runID := event.PayloadString("run_id")
	body, err := json.Marshal(event.Payload["body"])
	if err != nil {
		return fmt.Errorf("failed to marshal note body: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO run_notes (event_seq, run_id, note_type, body, created_at)
		          VALUES (?, ?, ?, ?, ?)`),
		event.Seq, runID, event.Type, string(body), event.Timestamp,
	); err != nil {
		return err
	}

	// note.request.verify doubles as the commit request.
	if event.Type == events.TypeNoteRequestVerify {
		payloadJSON, err := json.Marshal(event.Payload["body"])
		if err != nil {
			return fmt.Errorf("failed to marshal commit request payload: %w", err)
		}
		status := "ready_for_review"
		if body, ok := event.Payload["body"].(map[string]any); ok {
			if v, ok := body["status"].(string); ok && v != "" {
				status = v
			}
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO run_commit_requests (event_seq, run_id, status, payload, created_at)
			          VALUES (?, ?, ?, ?, ?)`),
			event.Seq, runID, status, string(payloadJSON), event.Timestamp,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyVerifierAttestations(ctx context.Context, tx *sql.Tx, event *events.Event) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal attestation payload: %w", err)
	}

	var verifierID, result string
	if att, ok := event.Payload["attestation"].(map[string]any); ok {
		verifierID, _ = att["verifier_id"].(string)
		result, _ = att["result"].(string)
	} else {
		verifierID = event.PayloadString("verifier_id")
		result = event.PayloadString("result")
	}

	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO run_verifications (event_seq, run_id, verifier_id, result, payload, created_at)
		          VALUES (?, ?, ?, ?, ?, ?)`),
		event.Seq, event.PayloadString("run_id"), verifierID, result, string(payloadJSON), event.Timestamp,
	)
	return err
}

// payloadInt64 reads an integer payload field. JSON numbers decode as
// float64; stored ints survive the round trip.
func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func nullableInt64(v int64, ok bool) any {
	if !ok {
		return nil
	}
	return v
}
