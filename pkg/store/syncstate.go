package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// sync_state keys. Per-user keys are suffixed with ":{user_id}".
const (
	keyLastGoodCheckpoint    = "last_good_checkpoint"
	keySandboxHandlePrefix   = "sandbox_handle:"
	keySandboxCheckpointPref = "last_sandbox_checkpoint:"
)

// LastGood is the most recent verified repo checkpoint. Rollback resets the
// workspace to CommitSHA.
type LastGood struct {
	CommitSHA string    `json:"commit_sha"`
	EventSeq  int64     `json:"event_seq"`
	RunID     string    `json:"run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SandboxHandle records the sandbox a user's runs execute in, so a restarted
// daemon can reattach instead of provisioning a fresh one.
type SandboxHandle struct {
	SandboxID string    `json:"sandbox_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// SandboxCheckpoint points at the sandbox snapshot taken alongside the last
// verified run, used to restore execution state on rollback.
type SandboxCheckpoint struct {
	CheckpointID string    `json:"checkpoint_id"`
	SandboxID    string    `json:"sandbox_id"`
	EventSeq     int64     `json:"event_seq"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetSyncState reads the raw JSON value for key, or ErrNotFound.
func (s *Store) GetSyncState(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT value FROM sync_state WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// SetSyncState upserts the JSON value for key. Last writer wins.
func (s *Store) SetSyncState(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode sync state %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO sync_state (key, value) VALUES (?, ?)
		          ON CONFLICT(key) DO UPDATE SET value = excluded.value`),
		key, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", key, err)
	}
	return nil
}

// DeleteSyncState removes a key. Missing keys are not an error.
func (s *Store) DeleteSyncState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sync_state WHERE key = ?`), key)
	if err != nil {
		return fmt.Errorf("failed to delete sync state %s: %w", key, err)
	}
	return nil
}

func (s *Store) getSyncStateInto(ctx context.Context, key string, out any) error {
	raw, err := s.GetSyncState(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode sync state %s: %w", key, err)
	}
	return nil
}

// LastGoodCheckpoint returns the last verified checkpoint pointer, or
// ErrNotFound before the first verified run.
func (s *Store) LastGoodCheckpoint(ctx context.Context) (*LastGood, error) {
	var lg LastGood
	if err := s.getSyncStateInto(ctx, keyLastGoodCheckpoint, &lg); err != nil {
		return nil, err
	}
	return &lg, nil
}

// SetLastGoodCheckpoint moves the last-good pointer forward.
func (s *Store) SetLastGoodCheckpoint(ctx context.Context, lg LastGood) error {
	if lg.UpdatedAt.IsZero() {
		lg.UpdatedAt = s.now()
	}
	return s.SetSyncState(ctx, keyLastGoodCheckpoint, lg)
}

// GetSandboxHandle returns the recorded sandbox for the store's user, or
// ErrNotFound when none is provisioned.
func (s *Store) GetSandboxHandle(ctx context.Context) (*SandboxHandle, error) {
	var h SandboxHandle
	if err := s.getSyncStateInto(ctx, keySandboxHandlePrefix+s.userID, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// SetSandboxHandle records the sandbox the user's runs execute in.
func (s *Store) SetSandboxHandle(ctx context.Context, h SandboxHandle) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	return s.SetSyncState(ctx, keySandboxHandlePrefix+s.userID, h)
}

// ClearSandboxHandle forgets the recorded sandbox, after destroy.
func (s *Store) ClearSandboxHandle(ctx context.Context) error {
	return s.DeleteSyncState(ctx, keySandboxHandlePrefix+s.userID)
}

// SandboxCheckpointPointer returns the last sandbox snapshot pointer for the
// store's user, or ErrNotFound.
func (s *Store) SandboxCheckpointPointer(ctx context.Context) (*SandboxCheckpoint, error) {
	var cp SandboxCheckpoint
	if err := s.getSyncStateInto(ctx, keySandboxCheckpointPref+s.userID, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// SetSandboxCheckpointPointer records the sandbox snapshot taken alongside a
// verified run.
func (s *Store) SetSandboxCheckpointPointer(ctx context.Context, cp SandboxCheckpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	return s.SetSyncState(ctx, keySandboxCheckpointPref+s.userID, cp)
}
