package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newGraphTestProvider(srvURL string) *MicrosoftCalendarProvider {
	return &MicrosoftCalendarProvider{
		email:  "a@b.c",
		window: WindowFromDays(16, 31),
		client: newGraphClient(srvURL),
	}
}

func TestGraphCalendarPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"value": [
				{"id": "ev-2", "subject": "Second",
				 "start": {"dateTime": "2026-09-01T10:00:00.0000000", "timeZone": "UTC"},
				 "end":   {"dateTime": "2026-09-01T11:00:00.0000000", "timeZone": "UTC"}}
			]}`)
			return
		}
		fmt.Fprintf(w, `{"@odata.nextLink": %q, "value": [
			{"id": "ev-1", "subject": "First",
			 "bodyPreview": "agenda",
			 "start": {"dateTime": "2026-08-31T09:00:00.0000000", "timeZone": "UTC"},
			 "end":   {"dateTime": "2026-08-31T09:30:00.0000000", "timeZone": "UTC"},
			 "attendees": [{"emailAddress": {"address": "x@y.z"}}],
			 "onlineMeeting": {"joinUrl": "https://teams.example/j/1"},
			 "webLink": "https://outlook.example/ev-1"}
		]}`, srv.URL+"/me/calendarview?page=2")
	}))
	defer srv.Close()

	p := newGraphTestProvider(srv.URL)

	page, err := p.FetchPage(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(page.Records))
	}
	ev := page.Records[0].Event
	if ev == nil {
		t.Fatal("record has no event")
	}
	if ev.Title != "First" || ev.ConferenceURL != "https://teams.example/j/1" {
		t.Fatalf("event = %+v", ev)
	}
	if want := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC); !ev.StartAt.Equal(want) {
		t.Fatalf("start = %v, want %v", ev.StartAt, want)
	}
	if page.NextPageToken == "" {
		t.Fatal("first page lost its next link")
	}

	// Second page follows the nextLink verbatim.
	page, err = p.FetchPage(context.Background(), "tok", page.NextPageToken)
	if err != nil {
		t.Fatalf("FetchPage page 2: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].ID != "ev-2" {
		t.Fatalf("page 2 records = %+v", page.Records)
	}
	if page.NextPageToken != "" {
		t.Fatalf("final page has next token %q", page.NextPageToken)
	}
}

func TestGraphUnauthorizedIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newGraphTestProvider(srv.URL)
	_, err := p.FetchPage(context.Background(), "stale", "")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestGraphServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newGraphTestProvider(srv.URL)
	_, err := p.FetchPage(context.Background(), "tok", "")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestGraphOutlookSkipsDrafts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value": [
			{"id": "m-1", "subject": "Hi", "bodyPreview": "hello",
			 "from": {"emailAddress": {"address": "x@y.z"}},
			 "conversationId": "t-1",
			 "webLink": "https://outlook.example/m-1"},
			{"id": "m-2", "subject": "Draft", "isDraft": true}
		]}`)
	}))
	defer srv.Close()

	p := &MicrosoftOutlookProvider{
		email:    "a@b.c",
		lookback: 16 * 24 * time.Hour,
		client:   newGraphClient(srv.URL),
	}
	page, err := p.FetchPage(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("got %d records, want 1 (draft skipped)", len(page.Records))
	}
	doc := page.Records[0].Doc
	if doc == nil || doc.Kind != "email" || doc.Title != "Hi" {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Metadata == "" {
		t.Fatal("metadata missing")
	}
}

func TestGraphEventMissingIDSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value": [
			{"subject": "no id",
			 "start": {"dateTime": "2026-08-31T09:00:00.0000000"},
			 "end":   {"dateTime": "2026-08-31T09:30:00.0000000"}}
		]}`)
	}))
	defer srv.Close()

	p := newGraphTestProvider(srv.URL)
	page, err := p.FetchPage(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].Event != nil {
		t.Fatalf("records = %+v, want one body-less record", page.Records)
	}
}
