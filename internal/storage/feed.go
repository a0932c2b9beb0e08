package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveAutomationRun inserts a run keyed to a calendar event's upstream id.
func (s *Store) SaveAutomationRun(r AutomationRun) error {
	status := r.Status
	if status == "" {
		status = "pending"
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO automation_runs (id, event_upstream_id, capability, status, payload, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.EventUpstreamID, r.Capability, status, jsonOr(r.Payload, "{}"),
		createdAt.Format(time.RFC3339),
	)
	return err
}

// ListAutomationRuns returns runs for an event. Soft-deleted runs are
// included only when includeDeleted is set.
func (s *Store) ListAutomationRuns(capability, eventUpstreamID string, includeDeleted bool) ([]AutomationRun, error) {
	query := `SELECT id, event_upstream_id, capability, status, payload, created_at, deleted_at
		FROM automation_runs WHERE capability = ? AND event_upstream_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, capability, eventUpstreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AutomationRun
	for rows.Next() {
		var r AutomationRun
		var createdAt string
		var deletedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.EventUpstreamID, &r.Capability, &r.Status, &r.Payload, &createdAt, &deletedAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if deletedAt.Valid && deletedAt.String != "" {
			if r.DeletedAt, err = time.Parse(time.RFC3339, deletedAt.String); err != nil {
				return nil, fmt.Errorf("parsing deleted_at: %w", err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveFeedItem inserts a feed item keyed to a synced record's upstream id.
func (s *Store) SaveFeedItem(f FeedItem) error {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO feed_items (id, source_upstream_id, capability, title, body, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		f.ID, f.SourceUpstreamID, f.Capability, f.Title, f.Body,
		createdAt.Format(time.RFC3339),
	)
	return err
}

// ListFeedItems returns live feed items, newest first.
func (s *Store) ListFeedItems(limit int) ([]FeedItem, error) {
	rows, err := s.db.Query(`
		SELECT id, source_upstream_id, capability, title, body, created_at, deleted_at
		FROM feed_items WHERE deleted_at IS NULL ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FeedItem
	for rows.Next() {
		var f FeedItem
		var createdAt string
		var deletedAt sql.NullString
		if err := rows.Scan(&f.ID, &f.SourceUpstreamID, &f.Capability, &f.Title, &f.Body, &createdAt, &deletedAt); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, f)
	}
	return results, rows.Err()
}
