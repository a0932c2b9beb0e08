package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveConnection inserts or updates a connection keyed by (email, scope).
// Tokens and provider are replaced; the original id and created_at survive
// an update.
func (s *Store) SaveConnection(c Connection) error {
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !c.CreatedAt.IsZero() {
		createdAt = c.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO connections (id, email, provider, scope, access_token, refresh_token, last_synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(email, scope) DO UPDATE SET
			provider = excluded.provider,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at`,
		c.ID, c.Email, c.Provider, c.Scope, c.AccessToken, c.RefreshToken, createdAt, now,
	)
	return err
}

// EnsureLocalConnection creates the built-in local-files connection if the
// database does not have one yet. Unlike OAuth connections, which get their
// row when the user signs in, the local provider has no sign-in step; a
// fresh database would otherwise never be able to start a local pass. The
// row carries no tokens and uses the empty email.
func (s *Store) EnsureLocalConnection(scope string) (Connection, error) {
	conn, err := s.FindConnection("", scope)
	if err == nil {
		return conn, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Connection{}, err
	}
	conn = Connection{ID: uuid.New().String(), Provider: "local", Scope: scope}
	if err := s.SaveConnection(conn); err != nil {
		return Connection{}, err
	}
	return s.FindConnection("", scope)
}

// FindConnection returns the connection for (email, scope), or ErrNotFound.
func (s *Store) FindConnection(email, scope string) (Connection, error) {
	row := s.db.QueryRow(`
		SELECT id, email, provider, scope, access_token, refresh_token, last_synced, created_at, updated_at
		FROM connections WHERE email = ? AND scope = ?`, email, scope,
	)
	return scanConnection(row)
}

// ListConnections returns every stored connection ordered by email.
func (s *Store) ListConnections() ([]Connection, error) {
	rows, err := s.db.Query(`
		SELECT id, email, provider, scope, access_token, refresh_token, last_synced, created_at, updated_at
		FROM connections ORDER BY email, scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// UpdateConnectionTokens replaces the stored tokens after a refresh.
// An empty refreshToken leaves the stored one untouched.
func (s *Store) UpdateConnectionTokens(id, accessToken, refreshToken string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var res sql.Result
	var err error
	if refreshToken == "" {
		res, err = s.db.Exec(`UPDATE connections SET access_token = ?, updated_at = ? WHERE id = ?`,
			accessToken, now, id)
	} else {
		res, err = s.db.Exec(`UPDATE connections SET access_token = ?, refresh_token = ?, updated_at = ? WHERE id = ?`,
			accessToken, refreshToken, now, id)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateLastSynced records the completion marker for a connection.
func (s *Store) UpdateLastSynced(id string, ts time.Time) error {
	res, err := s.db.Exec(`UPDATE connections SET last_synced = ?, updated_at = ? WHERE id = ?`,
		ts.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteConnectionsByEmail removes all connections for an account (sign-out).
func (s *Store) DeleteConnectionsByEmail(email string) error {
	_, err := s.db.Exec(`DELETE FROM connections WHERE email = ?`, email)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (Connection, error) {
	var c Connection
	var lastSynced sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Email, &c.Provider, &c.Scope, &c.AccessToken, &c.RefreshToken,
		&lastSynced, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		return Connection{}, err
	}
	if lastSynced.Valid && lastSynced.String != "" {
		t, err := time.Parse(time.RFC3339, lastSynced.String)
		if err != nil {
			return Connection{}, fmt.Errorf("parsing last_synced: %w", err)
		}
		c.LastSynced = t
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Connection{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Connection{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
