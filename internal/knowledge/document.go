// Package knowledge models the heterogeneous record kinds the assistant
// answers questions over as one closed union, resolved at load time.
package knowledge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/satchel-dev/satchel/internal/storage"
)

// Kind enumerates every document variant the store can hold.
type Kind int

const (
	KindEmail Kind = iota
	KindCalendarEvent
	KindDriveFile
	KindLocalFile
)

func (k Kind) String() string {
	switch k {
	case KindEmail:
		return "email"
	case KindCalendarEvent:
		return "calendar_event"
	case KindDriveFile:
		return "drive_file"
	case KindLocalFile:
		return "local_file"
	default:
		return "unknown"
	}
}

// ParseKind maps a stored kind string back to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "email":
		return KindEmail, nil
	case "calendar_event":
		return KindCalendarEvent, nil
	case "drive_file":
		return KindDriveFile, nil
	case "local_file":
		return KindLocalFile, nil
	default:
		return 0, fmt.Errorf("unknown document kind %q", s)
	}
}

const summaryLimit = 280

// Document is the load-time resolved view of a synced record: every field
// a consumer needs is materialized here, no per-call dispatch.
type Document struct {
	Kind      Kind
	Title     string
	Summary   string
	Hyperlink string
	promptRef string
	body      string
	when      time.Time
}

// PromptText renders the document as a block suitable for inclusion in a
// model prompt.
func (d Document) PromptText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", d.Kind, d.Title)
	if !d.when.IsZero() {
		fmt.Fprintf(&b, " (%s)", d.when.Format("2006-01-02"))
	}
	b.WriteString("\n")
	if d.promptRef != "" {
		fmt.Fprintf(&b, "From: %s\n", d.promptRef)
	}
	b.WriteString(d.body)
	return b.String()
}

// FromStored resolves a stored document row into its union variant.
func FromStored(d storage.Document) (Document, error) {
	kind, err := ParseKind(d.Kind)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		Kind:      kind,
		Title:     d.Title,
		Summary:   summarize(d.Snippet, d.Content),
		Hyperlink: d.Hyperlink,
		body:      d.Content,
		when:      d.SyncedAt,
	}

	// The prompt reference differs per variant: sender for email, path for
	// local files, nothing for drive files.
	var meta map[string]string
	if d.Metadata != "" {
		_ = json.Unmarshal([]byte(d.Metadata), &meta)
	}
	switch kind {
	case KindEmail:
		doc.promptRef = meta["from"]
	case KindLocalFile:
		doc.promptRef = meta["path"]
	}

	return doc, nil
}

// FromCalendarEvent resolves a calendar event row into the union.
func FromCalendarEvent(ev storage.CalendarEvent) Document {
	body := ev.Description
	if ev.ConferenceURL != "" {
		body += "\nConference: " + ev.ConferenceURL
	}
	return Document{
		Kind:      KindCalendarEvent,
		Title:     ev.Title,
		Summary:   summarize("", ev.Description),
		Hyperlink: ev.Hyperlink,
		promptRef: ev.AccountEmail,
		body:      body,
		when:      ev.StartAt,
	}
}

func summarize(snippet, content string) string {
	s := snippet
	if s == "" {
		s = content
	}
	s = strings.TrimSpace(s)
	if len(s) > summaryLimit {
		s = s[:summaryLimit]
		if i := strings.LastIndexByte(s, ' '); i > 0 {
			s = s[:i]
		}
		s += "…"
	}
	return s
}
