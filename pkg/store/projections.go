package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/choiros/choird/pkg/events"
)

// FileState is one row of the files projection.
type FileState struct {
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is one row of the messages projection.
type Message struct {
	EventSeq       int64     `json:"event_seq"`
	ConversationID *int64    `json:"conversation_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// GetOrCreateConversation returns the most recent conversation id, or
// allocates the next id when none exists. The row itself is created lazily
// by the first message event, so this never writes outside the materializer.
func (s *Store) GetOrCreateConversation(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations ORDER BY started_at DESC, id DESC LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query conversations: %w", err)
	}
	return id, nil
}

// AddMessage appends a message event for the conversation. Materialization
// inserts the messages row and advances the conversation's last_seq.
func (s *Store) AddMessage(ctx context.Context, conversationID int64, role, content string) (int64, error) {
	source := events.SourceAgent
	if role == "user" {
		source = events.SourceUser
	}
	return s.Append(ctx, events.TypeMessage, map[string]any{
		"conversation_id": conversationID,
		"role":            role,
		"content":         content,
	}, source)
}

// ConversationMessages returns the last limit messages in chronological order.
func (s *Store) ConversationMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT event_seq, conversation_id, role, content, timestamp FROM messages
		          WHERE conversation_id = ? ORDER BY event_seq DESC LIMIT ?`),
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			convID sql.NullInt64
		)
		if err := rows.Scan(&m.EventSeq, &convID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if convID.Valid {
			m.ConversationID = &convID.Int64
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse newest-first into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LogToolCall appends a tool.call event carrying the tool's input and result.
func (s *Store) LogToolCall(ctx context.Context, conversationID int64, toolName string, toolInput, toolResult map[string]any) (int64, error) {
	return s.Append(ctx, events.TypeToolCall, map[string]any{
		"conversation_id": conversationID,
		"tool_name":       toolName,
		"tool_input":      toolInput,
		"tool_result":     toolResult,
	}, events.SourceAgent)
}

// LogFileWrite hashes the content and appends a file.write event.
func (s *Store) LogFileWrite(ctx context.Context, path string, content []byte) (int64, error) {
	sum := sha256.Sum256(content)
	return s.Append(ctx, events.TypeFileWrite, map[string]any{
		"path":         path,
		"content_hash": hex.EncodeToString(sum[:]),
		"size_bytes":   len(content),
	}, events.SourceAgent)
}

// LogFileDelete appends a file.delete event.
func (s *Store) LogFileDelete(ctx context.Context, path string) (int64, error) {
	return s.Append(ctx, events.TypeFileDelete, map[string]any{"path": path}, events.SourceAgent)
}

// GetFile returns the files projection row for path.
func (s *Store) GetFile(ctx context.Context, path string) (*FileState, error) {
	var f FileState
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT path, content_hash, updated_at FROM files WHERE path = ?`), path,
	).Scan(&f.Path, &f.ContentHash, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file %s: %w", path, err)
	}
	return &f, nil
}

// AHDBState returns the current four-slot state as slot → decoded value.
// Slots never written are absent.
func (s *Store) AHDBState(ctx context.Context) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot, value FROM ahdb_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ahdb state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	state := make(map[string]any)
	for rows.Next() {
		var slot, valueJSON string
		if err := rows.Scan(&slot, &valueJSON); err != nil {
			return nil, fmt.Errorf("failed to scan ahdb slot: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
			return nil, fmt.Errorf("failed to decode ahdb slot %s: %w", slot, err)
		}
		state[slot] = value
	}
	return state, rows.Err()
}

// Checkpoint is one row of the checkpoints projection.
type Checkpoint struct {
	EventSeq        int64     `json:"event_seq"`
	CommitSHA       string    `json:"commit_sha"`
	LastEventSeq    int64     `json:"last_event_seq"`
	LastExternalSeq *int64    `json:"last_external_seq,omitempty"`
	Message         string    `json:"message"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordCheckpoint appends a checkpoint event capturing the commit and the
// log frontier at commit time. The projection row follows from the event.
func (s *Store) RecordCheckpoint(ctx context.Context, commitSHA, message string) (int64, error) {
	lastSeq, err := s.LatestSeq(ctx)
	if err != nil {
		return 0, err
	}

	payload := map[string]any{
		"commit_sha":     commitSHA,
		"message":        message,
		"last_event_seq": lastSeq,
	}
	if extSeq, err := s.latestExternalSeq(ctx); err == nil && extSeq != nil {
		payload["last_external_seq"] = *extSeq
	}
	return s.Append(ctx, events.TypeCheckpoint, payload, events.SourceSystem)
}

func (s *Store) latestExternalSeq(ctx context.Context) (*int64, error) {
	var extSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(external_seq) FROM events WHERE external_seq IS NOT NULL`,
	).Scan(&extSeq)
	if err != nil {
		return nil, err
	}
	if !extSeq.Valid {
		return nil, nil
	}
	return &extSeq.Int64, nil
}

// LastCheckpoint returns the most recent checkpoint, or ErrNotFound.
func (s *Store) LastCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var (
		cp     Checkpoint
		extSeq sql.NullInt64
		msg    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT event_seq, commit_sha, last_event_seq, last_external_seq, message, created_at
		 FROM checkpoints ORDER BY event_seq DESC LIMIT 1`,
	).Scan(&cp.EventSeq, &cp.CommitSHA, &cp.LastEventSeq, &extSeq, &msg, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last checkpoint: %w", err)
	}
	if extSeq.Valid {
		cp.LastExternalSeq = &extSeq.Int64
	}
	cp.Message = msg.String
	return &cp, nil
}
