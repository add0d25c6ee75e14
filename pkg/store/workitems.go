package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// WorkItemStatus is the lifecycle state of a work item.
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemQueued     WorkItemStatus = "queued"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemDone       WorkItemStatus = "done"
	WorkItemFailed     WorkItemStatus = "failed"
)

// ValidWorkItemStatus reports whether s is a known work item status.
func ValidWorkItemStatus(s WorkItemStatus) bool {
	switch s {
	case WorkItemPending, WorkItemQueued, WorkItemInProgress, WorkItemDone, WorkItemFailed:
		return true
	}
	return false
}

// WorkItem is a unit of requested work with acceptance criteria and the
// verifiers its adjudication must run.
type WorkItem struct {
	ID                 string         `json:"id"`
	Description        string         `json:"description"`
	AcceptanceCriteria string         `json:"acceptance_criteria,omitempty"`
	RequiredVerifiers  []string       `json:"required_verifiers"`
	RiskTier           string         `json:"risk_tier,omitempty"`
	Dependencies       []string       `json:"dependencies"`
	Status             WorkItemStatus `json:"status"`
	ParentID           string         `json:"parent_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// UpsertWorkItem inserts or updates a work item. An empty ID allocates a
// ULID; an empty status defaults to pending.
func (s *Store) UpsertWorkItem(ctx context.Context, item *WorkItem) (*WorkItem, error) {
	if item.Description == "" {
		return nil, NewValidationError("description", "must not be empty")
	}
	if item.Status == "" {
		item.Status = WorkItemPending
	}
	if !ValidWorkItemStatus(item.Status) {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", item.Status))
	}
	if item.ID == "" {
		item.ID = ulid.Make().String()
	}

	now := s.now()
	item.UpdatedAt = now

	required, err := json.Marshal(stringsOrEmpty(item.RequiredVerifiers))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal required_verifiers: %w", err)
	}
	deps, err := json.Marshal(stringsOrEmpty(item.Dependencies))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	existing, err := s.GetWorkItem(ctx, item.ID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	if existing == nil {
		item.CreatedAt = now
		_, err = s.db.ExecContext(ctx,
			s.rebind(`INSERT INTO work_items
			          (id, description, acceptance_criteria, required_verifiers, risk_tier,
			           dependencies, status, parent_id, created_at, updated_at)
			          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			item.ID, item.Description, nullableString(item.AcceptanceCriteria),
			string(required), nullableString(item.RiskTier), string(deps),
			string(item.Status), nullableString(item.ParentID), item.CreatedAt, item.UpdatedAt,
		)
	} else {
		item.CreatedAt = existing.CreatedAt
		_, err = s.db.ExecContext(ctx,
			s.rebind(`UPDATE work_items SET description = ?, acceptance_criteria = ?,
			          required_verifiers = ?, risk_tier = ?, dependencies = ?, status = ?,
			          parent_id = ?, updated_at = ? WHERE id = ?`),
			item.Description, nullableString(item.AcceptanceCriteria),
			string(required), nullableString(item.RiskTier), string(deps),
			string(item.Status), nullableString(item.ParentID), item.UpdatedAt, item.ID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert work item %s: %w", item.ID, err)
	}
	return item, nil
}

// SetWorkItemStatus updates only the status field.
func (s *Store) SetWorkItemStatus(ctx context.Context, id string, status WorkItemStatus) error {
	if !ValidWorkItemStatus(status) {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorkItem returns a work item by id, or ErrNotFound.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, description, acceptance_criteria, required_verifiers, risk_tier,
		          dependencies, status, parent_id, created_at, updated_at
		          FROM work_items WHERE id = ?`), id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query work item %s: %w", id, err)
	}
	return item, nil
}

// ListWorkItems returns work items, optionally filtered by status, newest
// first.
func (s *Store) ListWorkItems(ctx context.Context, status WorkItemStatus, limit int) ([]*WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, description, acceptance_criteria, required_verifiers, risk_tier,
	          dependencies, status, parent_id, created_at, updated_at FROM work_items`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanWorkItem(row scanner) (*WorkItem, error) {
	var (
		item               WorkItem
		acceptanceCriteria sql.NullString
		riskTier           sql.NullString
		parentID           sql.NullString
		requiredJSON       string
		depsJSON           string
		status             string
	)
	if err := row.Scan(&item.ID, &item.Description, &acceptanceCriteria, &requiredJSON,
		&riskTier, &depsJSON, &status, &parentID, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.AcceptanceCriteria = acceptanceCriteria.String
	item.RiskTier = riskTier.String
	item.ParentID = parentID.String
	item.Status = WorkItemStatus(status)
	if err := json.Unmarshal([]byte(requiredJSON), &item.RequiredVerifiers); err != nil {
		return nil, fmt.Errorf("failed to decode required_verifiers: %w", err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &item.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies: %w", err)
	}
	return &item, nil
}

func stringsOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
