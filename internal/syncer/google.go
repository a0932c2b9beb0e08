package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	drive "google.golang.org/api/drive/v3"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/satchel-dev/satchel/internal/storage"
)

const (
	calendarPageSize = 250
	gmailPageSize    = 100
	drivePageSize    = 100
)

// SyncWindow bounds a calendar provider's fetch range.
type SyncWindow struct {
	Lookback  time.Duration
	Lookahead time.Duration
}

// WindowFromDays builds a SyncWindow from whole-day config values.
func WindowFromDays(lookback, lookahead int) SyncWindow {
	return SyncWindow{
		Lookback:  time.Duration(lookback) * 24 * time.Hour,
		Lookahead: time.Duration(lookahead) * 24 * time.Hour,
	}
}

// GoogleCalendarProvider pages through the primary calendar inside the
// configured window.
type GoogleCalendarProvider struct {
	email  string
	window SyncWindow
	opts   []option.ClientOption // test hook: endpoint/client overrides
}

func NewGoogleCalendarProvider(email string, window SyncWindow, opts ...option.ClientOption) *GoogleCalendarProvider {
	return &GoogleCalendarProvider{email: email, window: window, opts: opts}
}

func (p *GoogleCalendarProvider) Capability() Capability { return CapGoogleCalendar }
func (p *GoogleCalendarProvider) Class() RecordClass     { return ClassEvents }

func (p *GoogleCalendarProvider) FetchPage(ctx context.Context, accessToken, pageToken string) (Page, error) {
	srv, err := calendar.NewService(ctx, p.clientOptions(ctx, accessToken)...)
	if err != nil {
		return Page{}, fmt.Errorf("creating calendar service: %w", err)
	}

	now := time.Now().UTC()
	call := srv.Events.List("primary").
		TimeMin(now.Add(-p.window.Lookback).Format(time.RFC3339)).
		TimeMax(now.Add(p.window.Lookahead).Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(calendarPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return Page{}, fmt.Errorf("%w: listing calendar events: %v", ErrTransient, err)
	}

	page := Page{NextPageToken: resp.NextPageToken}
	for _, item := range resp.Items {
		ev, err := normalizeCalendarEvent(item, p.email)
		if err != nil {
			// Surfaced as a skippable record, not a page failure.
			page.Records = append(page.Records, Upstream{ID: item.Id})
			continue
		}
		page.Records = append(page.Records, Upstream{ID: item.Id, Event: ev})
	}
	return page, nil
}

func (p *GoogleCalendarProvider) clientOptions(ctx context.Context, accessToken string) []option.ClientOption {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	return append(opts, p.opts...)
}

// normalizeCalendarEvent flattens the provider schema: attendee emails and
// recurrence rules become JSON arrays, conferencing collapses to one URL.
func normalizeCalendarEvent(item *calendar.Event, email string) (*storage.CalendarEvent, error) {
	if item.Id == "" {
		return nil, fmt.Errorf("%w: event without id", ErrDataIntegrity)
	}

	start, err := parseEventTime(item.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s start: %v", ErrDataIntegrity, item.Id, err)
	}
	end, err := parseEventTime(item.End)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s end: %v", ErrDataIntegrity, item.Id, err)
	}

	var attendees []string
	for _, a := range item.Attendees {
		if a.Email != "" {
			attendees = append(attendees, a.Email)
		}
	}
	attendeesJSON, _ := json.Marshal(attendees)
	recurrenceJSON, _ := json.Marshal(item.Recurrence)

	conference := item.HangoutLink
	if conference == "" && item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				conference = ep.Uri
				break
			}
		}
	}

	return &storage.CalendarEvent{
		ID:            uuid.New().String(),
		UpstreamID:    item.Id,
		Capability:    string(CapGoogleCalendar),
		AccountEmail:  email,
		Title:         item.Summary,
		Description:   item.Description,
		StartAt:       start,
		EndAt:         end,
		Attendees:     string(attendeesJSON),
		Recurrence:    string(recurrenceJSON),
		ConferenceURL: conference,
		Hyperlink:     item.HtmlLink,
	}, nil
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, error) {
	if t == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	if t.Date != "" {
		return time.Parse("2006-01-02", t.Date)
	}
	return time.Time{}, fmt.Errorf("missing time")
}

// GmailProvider pages through recent messages and normalizes them into
// email documents. Content comes from headers plus the snippet; full body
// retrieval stays with the provider.
type GmailProvider struct {
	email    string
	lookback time.Duration
	opts     []option.ClientOption
}

func NewGmailProvider(email string, lookback time.Duration, opts ...option.ClientOption) *GmailProvider {
	return &GmailProvider{email: email, lookback: lookback, opts: opts}
}

func (p *GmailProvider) Capability() Capability { return CapGmail }
func (p *GmailProvider) Class() RecordClass     { return ClassDocuments }

func (p *GmailProvider) FetchPage(ctx context.Context, accessToken, pageToken string) (Page, error) {
	srv, err := gmail.NewService(ctx, p.clientOptions(ctx, accessToken)...)
	if err != nil {
		return Page{}, fmt.Errorf("creating gmail service: %w", err)
	}

	days := int(p.lookback.Hours() / 24)
	if days < 1 {
		days = 1
	}
	call := srv.Users.Messages.List("me").
		Q(fmt.Sprintf("newer_than:%dd", days)).
		MaxResults(gmailPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return Page{}, fmt.Errorf("%w: listing messages: %v", ErrTransient, err)
	}

	page := Page{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		full, err := srv.Users.Messages.Get("me", m.Id).
			Format("metadata").
			MetadataHeaders("Subject", "From").
			Context(ctx).Do()
		if err != nil {
			return Page{}, fmt.Errorf("%w: fetching message %s: %v", ErrTransient, m.Id, err)
		}
		page.Records = append(page.Records, Upstream{ID: m.Id, Doc: normalizeGmailMessage(full)})
	}
	return page, nil
}

func (p *GmailProvider) clientOptions(ctx context.Context, accessToken string) []option.ClientOption {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	return append(opts, p.opts...)
}

func normalizeGmailMessage(m *gmail.Message) *storage.Document {
	var subject, from string
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch h.Name {
			case "Subject":
				subject = h.Value
			case "From":
				from = h.Value
			}
		}
	}

	meta, _ := json.Marshal(map[string]string{
		"from":      from,
		"thread_id": m.ThreadId,
	})

	return &storage.Document{
		ID:         uuid.New().String(),
		UpstreamID: m.Id,
		Capability: string(CapGmail),
		Kind:       "email",
		Title:      subject,
		Content:    m.Snippet,
		Snippet:    m.Snippet,
		Hyperlink:  "https://mail.google.com/mail/u/0/#inbox/" + m.Id,
		Metadata:   string(meta),
	}
}

// DriveProvider pages through non-trashed files.
type DriveProvider struct {
	email string
	opts  []option.ClientOption
}

func NewDriveProvider(email string, opts ...option.ClientOption) *DriveProvider {
	return &DriveProvider{email: email, opts: opts}
}

func (p *DriveProvider) Capability() Capability { return CapGoogleDrive }
func (p *DriveProvider) Class() RecordClass     { return ClassDocuments }

func (p *DriveProvider) FetchPage(ctx context.Context, accessToken, pageToken string) (Page, error) {
	srv, err := drive.NewService(ctx, p.clientOptions(ctx, accessToken)...)
	if err != nil {
		return Page{}, fmt.Errorf("creating drive service: %w", err)
	}

	call := srv.Files.List().
		Q("trashed = false").
		Fields("nextPageToken", "files(id, name, mimeType, description, webViewLink, modifiedTime)").
		PageSize(drivePageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return Page{}, fmt.Errorf("%w: listing drive files: %v", ErrTransient, err)
	}

	page := Page{NextPageToken: resp.NextPageToken}
	for _, f := range resp.Files {
		meta, _ := json.Marshal(map[string]string{
			"mime_type":     f.MimeType,
			"modified_time": f.ModifiedTime,
		})
		page.Records = append(page.Records, Upstream{
			ID: f.Id,
			Doc: &storage.Document{
				ID:         uuid.New().String(),
				UpstreamID: f.Id,
				Capability: string(CapGoogleDrive),
				Kind:       "drive_file",
				Title:      f.Name,
				Content:    f.Description,
				Snippet:    f.Description,
				Hyperlink:  f.WebViewLink,
				Metadata:   string(meta),
			},
		})
	}
	return page, nil
}

func (p *DriveProvider) clientOptions(ctx context.Context, accessToken string) []option.ClientOption {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	return append(opts, p.opts...)
}
