package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Connection is one authorized (account, scope) pairing with its tokens.
type Connection struct {
	ID           string
	Email        string
	Provider     string // "google", "microsoft", "local"
	Scope        string // capability name, e.g. "calendar", "gmail"
	AccessToken  string
	RefreshToken string
	LastSynced   time.Time // zero when never synced
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CalendarEvent is a normalized upstream calendar record. Attendees and
// Recurrence hold JSON arrays flattened from the provider schema.
type CalendarEvent struct {
	ID            string
	UpstreamID    string
	Capability    string
	AccountEmail  string
	Title         string
	Description   string
	StartAt       time.Time
	EndAt         time.Time
	Attendees     string // JSON array stored as text
	Recurrence    string // JSON array stored as text
	ConferenceURL string
	Hyperlink     string
	SyncedAt      time.Time
}

// Document is a normalized upstream email, drive file, or local file.
type Document struct {
	ID         string
	UpstreamID string
	Capability string
	Kind       string // "email", "drive_file", "local_file"
	Title      string
	Content    string
	Snippet    string
	Hyperlink  string
	Metadata   string // JSON object stored as text
	SyncedAt   time.Time
}

// AutomationRun is a dependent record keyed by a calendar event's upstream id.
// Evicting the event soft-deletes its runs.
type AutomationRun struct {
	ID              string
	EventUpstreamID string
	Capability      string
	Status          string
	Payload         string // JSON object stored as text
	CreatedAt       time.Time
	DeletedAt       time.Time // zero when live
}

// FeedItem is a UI feed entry derived from a synced record.
type FeedItem struct {
	ID               string    `json:"id"`
	SourceUpstreamID string    `json:"source_upstream_id,omitempty"`
	Capability       string    `json:"capability"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	CreatedAt        time.Time `json:"created_at"`
	DeletedAt        time.Time `json:"-"` // zero when live
}
