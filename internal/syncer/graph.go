package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/satchel-dev/satchel/internal/storage"
)

const (
	graphBaseURL  = "https://graph.microsoft.com/v1.0"
	graphPageSize = 50
)

// graphClient wraps the Microsoft Graph REST surface used by the two
// Microsoft providers. Paging follows @odata.nextLink: the link itself is
// the page token.
type graphClient struct {
	baseURL string
	http    *http.Client
}

func newGraphClient(baseURL string) *graphClient {
	if baseURL == "" {
		baseURL = graphBaseURL
	}
	return &graphClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *graphClient) get(ctx context.Context, rawURL, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: graph request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: graph returned %d", ErrConnection, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: graph returned %d: %s", ErrTransient, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding graph response: %v", ErrDataIntegrity, err)
	}
	return nil
}

type graphEventsPage struct {
	NextLink string       `json:"@odata.nextLink"`
	Value    []graphEvent `json:"value"`
}

type graphEvent struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    struct {
		Content string `json:"content"`
	} `json:"body"`
	BodyPreview string `json:"bodyPreview"`
	Start       struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"end"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees"`
	OnlineMeeting *struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
	WebLink string `json:"webLink"`
}

// MicrosoftCalendarProvider pages /me/calendarview inside the configured
// window.
type MicrosoftCalendarProvider struct {
	email  string
	window SyncWindow
	client *graphClient
}

func NewMicrosoftCalendarProvider(email string, window SyncWindow) *MicrosoftCalendarProvider {
	return &MicrosoftCalendarProvider{email: email, window: window, client: newGraphClient("")}
}

func (p *MicrosoftCalendarProvider) Capability() Capability { return CapMicrosoftCalendar }
func (p *MicrosoftCalendarProvider) Class() RecordClass     { return ClassEvents }

func (p *MicrosoftCalendarProvider) FetchPage(ctx context.Context, accessToken, pageToken string) (Page, error) {
	reqURL := pageToken
	if reqURL == "" {
		now := time.Now().UTC()
		q := url.Values{}
		q.Set("startDateTime", now.Add(-p.window.Lookback).Format(time.RFC3339))
		q.Set("endDateTime", now.Add(p.window.Lookahead).Format(time.RFC3339))
		q.Set("$top", fmt.Sprint(graphPageSize))
		q.Set("$orderby", "start/dateTime")
		reqURL = p.client.baseURL + "/me/calendarview?" + q.Encode()
	}

	var out graphEventsPage
	if err := p.client.get(ctx, reqURL, accessToken, &out); err != nil {
		return Page{}, err
	}

	page := Page{NextPageToken: out.NextLink}
	for _, item := range out.Value {
		ev, err := normalizeGraphEvent(item, p.email)
		if err != nil {
			page.Records = append(page.Records, Upstream{ID: item.ID})
			continue
		}
		page.Records = append(page.Records, Upstream{ID: item.ID, Event: ev})
	}
	return page, nil
}

func normalizeGraphEvent(item graphEvent, email string) (*storage.CalendarEvent, error) {
	if item.ID == "" {
		return nil, fmt.Errorf("%w: event without id", ErrDataIntegrity)
	}

	start, err := parseGraphTime(item.Start.DateTime)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s start: %v", ErrDataIntegrity, item.ID, err)
	}
	end, err := parseGraphTime(item.End.DateTime)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s end: %v", ErrDataIntegrity, item.ID, err)
	}

	var attendees []string
	for _, a := range item.Attendees {
		if a.EmailAddress.Address != "" {
			attendees = append(attendees, a.EmailAddress.Address)
		}
	}
	attendeesJSON, _ := json.Marshal(attendees)

	conference := ""
	if item.OnlineMeeting != nil {
		conference = item.OnlineMeeting.JoinURL
	}

	return &storage.CalendarEvent{
		ID:            uuid.New().String(),
		UpstreamID:    item.ID,
		Capability:    string(CapMicrosoftCalendar),
		AccountEmail:  email,
		Title:         item.Subject,
		Description:   item.BodyPreview,
		StartAt:       start,
		EndAt:         end,
		Attendees:     string(attendeesJSON),
		Recurrence:    "[]",
		ConferenceURL: conference,
		Hyperlink:     item.WebLink,
	}, nil
}

// Graph returns calendarview times without a zone suffix, in UTC.
func parseGraphTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.0000000", s)
}

type graphMessagesPage struct {
	NextLink string         `json:"@odata.nextLink"`
	Value    []graphMessage `json:"value"`
}

type graphMessage struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview"`
	From        struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	WebLink          string `json:"webLink"`
	ReceivedDateTime string `json:"receivedDateTime"`
	ConversationID   string `json:"conversationId"`
	IsDraft          bool   `json:"isDraft"`
}

// MicrosoftOutlookProvider pages /me/messages newer than the lookback.
type MicrosoftOutlookProvider struct {
	email    string
	lookback time.Duration
	client   *graphClient
}

func NewMicrosoftOutlookProvider(email string, lookback time.Duration) *MicrosoftOutlookProvider {
	return &MicrosoftOutlookProvider{email: email, lookback: lookback, client: newGraphClient("")}
}

func (p *MicrosoftOutlookProvider) Capability() Capability { return CapMicrosoftOutlook }
func (p *MicrosoftOutlookProvider) Class() RecordClass     { return ClassDocuments }

func (p *MicrosoftOutlookProvider) FetchPage(ctx context.Context, accessToken, pageToken string) (Page, error) {
	reqURL := pageToken
	if reqURL == "" {
		since := time.Now().UTC().Add(-p.lookback).Format(time.RFC3339)
		q := url.Values{}
		q.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since))
		q.Set("$top", fmt.Sprint(graphPageSize))
		q.Set("$orderby", "receivedDateTime desc")
		reqURL = p.client.baseURL + "/me/messages?" + q.Encode()
	}

	var out graphMessagesPage
	if err := p.client.get(ctx, reqURL, accessToken, &out); err != nil {
		return Page{}, err
	}

	page := Page{NextPageToken: out.NextLink}
	for _, m := range out.Value {
		if m.IsDraft {
			continue
		}
		meta, _ := json.Marshal(map[string]string{
			"from":      m.From.EmailAddress.Address,
			"thread_id": m.ConversationID,
		})
		page.Records = append(page.Records, Upstream{
			ID: m.ID,
			Doc: &storage.Document{
				ID:         uuid.New().String(),
				UpstreamID: m.ID,
				Capability: string(CapMicrosoftOutlook),
				Kind:       "email",
				Title:      m.Subject,
				Content:    m.BodyPreview,
				Snippet:    m.BodyPreview,
				Hyperlink:  m.WebLink,
				Metadata:   string(meta),
			},
		})
	}
	return page, nil
}
