package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UpsertCalendarEvent inserts or updates an event keyed by
// (capability, upstream_id). Re-upserting the same upstream record leaves
// exactly one stored row.
func (s *Store) UpsertCalendarEvent(ev CalendarEvent) error {
	syncedAt := ev.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO calendar_events (id, upstream_id, capability, account_email, title, description,
			start_at, end_at, attendees, recurrence, conference_url, hyperlink, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(capability, upstream_id) DO UPDATE SET
			account_email = excluded.account_email,
			title = excluded.title,
			description = excluded.description,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			attendees = excluded.attendees,
			recurrence = excluded.recurrence,
			conference_url = excluded.conference_url,
			hyperlink = excluded.hyperlink,
			synced_at = excluded.synced_at`,
		ev.ID, ev.UpstreamID, ev.Capability, ev.AccountEmail, ev.Title, ev.Description,
		ev.StartAt.UTC().Format(time.RFC3339), ev.EndAt.UTC().Format(time.RFC3339),
		jsonOr(ev.Attendees, "[]"), jsonOr(ev.Recurrence, "[]"), ev.ConferenceURL, ev.Hyperlink,
		syncedAt.Format(time.RFC3339),
	)
	return err
}

// ListCalendarEvents returns all stored events for a capability ordered by start time.
func (s *Store) ListCalendarEvents(capability string) ([]CalendarEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, upstream_id, capability, account_email, title, description,
			start_at, end_at, attendees, recurrence, conference_url, hyperlink, synced_at
		FROM calendar_events WHERE capability = ? ORDER BY start_at`, capability)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CalendarEvent
	for rows.Next() {
		var ev CalendarEvent
		var startAt, endAt, syncedAt string
		if err := rows.Scan(&ev.ID, &ev.UpstreamID, &ev.Capability, &ev.AccountEmail,
			&ev.Title, &ev.Description, &startAt, &endAt, &ev.Attendees, &ev.Recurrence,
			&ev.ConferenceURL, &ev.Hyperlink, &syncedAt); err != nil {
			return nil, err
		}
		if ev.StartAt, err = time.Parse(time.RFC3339, startAt); err != nil {
			return nil, fmt.Errorf("parsing start_at: %w", err)
		}
		if ev.EndAt, err = time.Parse(time.RFC3339, endAt); err != nil {
			return nil, fmt.Errorf("parsing end_at: %w", err)
		}
		if ev.SyncedAt, err = time.Parse(time.RFC3339, syncedAt); err != nil {
			return nil, fmt.Errorf("parsing synced_at: %w", err)
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}

// EvictCalendarEventsNotIn deletes events of the capability whose upstream id
// is absent from surviving, and soft-deletes dependent automation runs and
// feed items keyed by the removed ids. Returns the number of evicted events.
// An empty surviving set evicts everything for the capability; callers must
// only invoke this after a fully completed sync pass.
func (s *Store) EvictCalendarEventsNotIn(capability string, surviving []string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning eviction transaction: %w", err)
	}
	defer tx.Rollback()

	removed, err := selectMissingIDs(tx, "calendar_events", capability, surviving)
	if err != nil {
		return 0, err
	}
	if len(removed) == 0 {
		return 0, tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range removed {
		if _, err := tx.Exec(`DELETE FROM calendar_events WHERE capability = ? AND upstream_id = ?`, capability, id); err != nil {
			return 0, fmt.Errorf("deleting event %s: %w", id, err)
		}
		if _, err := tx.Exec(`UPDATE automation_runs SET deleted_at = ? WHERE capability = ? AND event_upstream_id = ? AND deleted_at IS NULL`,
			now, capability, id); err != nil {
			return 0, fmt.Errorf("soft-deleting automation runs for %s: %w", id, err)
		}
		if _, err := tx.Exec(`UPDATE feed_items SET deleted_at = ? WHERE capability = ? AND source_upstream_id = ? AND deleted_at IS NULL`,
			now, capability, id); err != nil {
			return 0, fmt.Errorf("soft-deleting feed items for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing eviction: %w", err)
	}
	return len(removed), nil
}

// UpsertDocument inserts or updates a document keyed by (capability, upstream_id).
func (s *Store) UpsertDocument(d Document) error {
	syncedAt := d.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, upstream_id, capability, kind, title, content, snippet, hyperlink, metadata, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(capability, upstream_id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			content = excluded.content,
			snippet = excluded.snippet,
			hyperlink = excluded.hyperlink,
			metadata = excluded.metadata,
			synced_at = excluded.synced_at`,
		d.ID, d.UpstreamID, d.Capability, d.Kind, d.Title, d.Content, d.Snippet,
		d.Hyperlink, jsonOr(d.Metadata, "{}"), syncedAt.Format(time.RFC3339),
	)
	return err
}

// GetDocumentByUpstreamID returns the document for (capability, upstream_id),
// or ErrNotFound.
func (s *Store) GetDocumentByUpstreamID(capability, upstreamID string) (Document, error) {
	row := s.db.QueryRow(`
		SELECT id, upstream_id, capability, kind, title, content, snippet, hyperlink, metadata, synced_at
		FROM documents WHERE capability = ? AND upstream_id = ?`, capability, upstreamID)
	var d Document
	var syncedAt string
	err := row.Scan(&d.ID, &d.UpstreamID, &d.Capability, &d.Kind, &d.Title, &d.Content,
		&d.Snippet, &d.Hyperlink, &d.Metadata, &syncedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.SyncedAt, err = time.Parse(time.RFC3339, syncedAt); err != nil {
		return Document{}, fmt.Errorf("parsing synced_at: %w", err)
	}
	return d, nil
}

// ListDocuments returns all stored documents for a capability ordered by sync time.
func (s *Store) ListDocuments(capability string) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, upstream_id, capability, kind, title, content, snippet, hyperlink, metadata, synced_at
		FROM documents WHERE capability = ? ORDER BY synced_at DESC`, capability)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var syncedAt string
		if err := rows.Scan(&d.ID, &d.UpstreamID, &d.Capability, &d.Kind, &d.Title,
			&d.Content, &d.Snippet, &d.Hyperlink, &d.Metadata, &syncedAt); err != nil {
			return nil, err
		}
		if d.SyncedAt, err = time.Parse(time.RFC3339, syncedAt); err != nil {
			return nil, fmt.Errorf("parsing synced_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// EvictDocumentsNotIn deletes documents of the capability absent from
// surviving and soft-deletes dependent feed items. Returns the number of
// evicted documents. Same completed-pass contract as the calendar variant.
func (s *Store) EvictDocumentsNotIn(capability string, surviving []string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning eviction transaction: %w", err)
	}
	defer tx.Rollback()

	removed, err := selectMissingIDs(tx, "documents", capability, surviving)
	if err != nil {
		return 0, err
	}
	if len(removed) == 0 {
		return 0, tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range removed {
		if _, err := tx.Exec(`DELETE FROM documents WHERE capability = ? AND upstream_id = ?`, capability, id); err != nil {
			return 0, fmt.Errorf("deleting document %s: %w", id, err)
		}
		if _, err := tx.Exec(`UPDATE feed_items SET deleted_at = ? WHERE capability = ? AND source_upstream_id = ? AND deleted_at IS NULL`,
			now, capability, id); err != nil {
			return 0, fmt.Errorf("soft-deleting feed items for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing eviction: %w", err)
	}
	return len(removed), nil
}

// selectMissingIDs returns upstream ids present in the table for the
// capability but absent from surviving.
func selectMissingIDs(tx *sql.Tx, table, capability string, surviving []string) ([]string, error) {
	query := `SELECT upstream_id FROM ` + table + ` WHERE capability = ?`
	args := []any{capability}
	if len(surviving) > 0 {
		query += ` AND upstream_id NOT IN (?` + strings.Repeat(",?", len(surviving)-1) + `)`
		for _, id := range surviving {
			args = append(args, id)
		}
	}

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting evicted ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func jsonOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
