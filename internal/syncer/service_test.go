package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/satchel-dev/satchel/internal/events"
	"github.com/satchel-dev/satchel/internal/storage"
)

type fakeGateway struct {
	connections map[string]storage.Connection

	upsertedEvents []storage.CalendarEvent
	upsertedDocs   []storage.Document
	upsertErr      error

	evictCalls    int
	lastSurviving []string
	lastSyncedID  string
	lastSyncedAt  time.Time
	feedItems     []storage.FeedItem
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{connections: make(map[string]storage.Connection)}
}

func (g *fakeGateway) addConnection(conn storage.Connection) {
	g.connections[conn.Email+"/"+conn.Scope] = conn
}

func (g *fakeGateway) UpsertCalendarEvent(ev storage.CalendarEvent) error {
	if g.upsertErr != nil {
		return g.upsertErr
	}
	g.upsertedEvents = append(g.upsertedEvents, ev)
	return nil
}

func (g *fakeGateway) UpsertDocument(doc storage.Document) error {
	if g.upsertErr != nil {
		return g.upsertErr
	}
	g.upsertedDocs = append(g.upsertedDocs, doc)
	return nil
}

func (g *fakeGateway) EvictCalendarEventsNotIn(capability string, surviving []string) (int, error) {
	g.evictCalls++
	g.lastSurviving = surviving
	return 0, nil
}

func (g *fakeGateway) EvictDocumentsNotIn(capability string, surviving []string) (int, error) {
	g.evictCalls++
	g.lastSurviving = surviving
	return 0, nil
}

func (g *fakeGateway) FindConnection(email, scope string) (storage.Connection, error) {
	conn, ok := g.connections[email+"/"+scope]
	if !ok {
		return storage.Connection{}, storage.ErrNotFound
	}
	return conn, nil
}

func (g *fakeGateway) UpdateLastSynced(id string, ts time.Time) error {
	g.lastSyncedID = id
	g.lastSyncedAt = ts
	return nil
}

func (g *fakeGateway) SaveFeedItem(f storage.FeedItem) error {
	g.feedItems = append(g.feedItems, f)
	return nil
}

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (t *fakeTokens) Refresh(_ context.Context, _ storage.Connection) (string, error) {
	t.calls++
	if t.err != nil {
		return "", t.err
	}
	return t.token, nil
}

// fakeProvider serves a scripted sequence of pages. Page tokens are the
// string index of the next page.
type fakeProvider struct {
	capability Capability
	class      RecordClass
	pages      []Page
	errOnPage  int // 1-based; 0 means never fail
	calls      int
}

func (p *fakeProvider) Capability() Capability { return p.capability }
func (p *fakeProvider) Class() RecordClass     { return p.class }

func (p *fakeProvider) FetchPage(_ context.Context, _, pageToken string) (Page, error) {
	p.calls++
	if p.errOnPage > 0 && p.calls == p.errOnPage {
		return Page{}, fmt.Errorf("%w: upstream said no", ErrTransient)
	}
	idx := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "%d", &idx)
	}
	if idx >= len(p.pages) {
		return Page{}, nil
	}
	page := p.pages[idx]
	if idx+1 < len(p.pages) {
		page.NextPageToken = fmt.Sprintf("%d", idx+1)
	}
	return page, nil
}

func eventRecord(upstreamID string) Upstream {
	return Upstream{
		ID: upstreamID,
		Event: &storage.CalendarEvent{
			UpstreamID: upstreamID,
			Capability: string(CapGoogleCalendar),
			Title:      "event " + upstreamID,
		},
	}
}

func newTestService(g *fakeGateway, t *fakeTokens, p *fakeProvider) (*Service, *events.Bus) {
	bus := events.NewBus()
	svc := NewService(NewGuard(), g, t, bus, nil)
	svc.background = func(f func()) { f() } // run the worker inline
	svc.RegisterProvider(p)
	return svc, bus
}

func TestStartSyncNoConnection(t *testing.T) {
	g := newFakeGateway()
	svc, _ := newTestService(g, &fakeTokens{token: "tok"}, &fakeProvider{capability: CapGoogleCalendar})

	_, err := svc.StartSync(context.Background(), CapGoogleCalendar, "a@b.c")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestStartSyncUnknownCapability(t *testing.T) {
	g := newFakeGateway()
	svc, _ := newTestService(g, &fakeTokens{token: "tok"}, &fakeProvider{capability: CapGoogleCalendar})

	if _, err := svc.StartSync(context.Background(), CapGmail, "a@b.c"); err == nil {
		t.Fatal("expected error for unregistered capability")
	}
}

func TestStartSyncTokenFailureLeavesGuardClear(t *testing.T) {
	g := newFakeGateway()
	g.addConnection(storage.Connection{ID: "c1", Email: "a@b.c", Provider: "google", Scope: "calendar"})
	tokens := &fakeTokens{err: fmt.Errorf("%w: revoked", ErrConnection)}
	svc, _ := newTestService(g, tokens, &fakeProvider{capability: CapGoogleCalendar})

	accepted, err := svc.StartSync(context.Background(), CapGoogleCalendar, "a@b.c")
	if accepted || !errors.Is(err, ErrConnection) {
		t.Fatalf("accepted=%v err=%v, want rejection with ErrConnection", accepted, err)
	}
	if svc.IsSyncing(CapGoogleCalendar) {
		t.Fatal("guard should stay clear when token refresh fails")
	}
}

func TestSyncPassUpsertsAndEvicts(t *testing.T) {
	g := newFakeGateway()
	g.addConnection(storage.Connection{ID: "c1", Email: "a@b.c", Provider: "google", Scope: "calendar"})
	provider := &fakeProvider{
		capability: CapGoogleCalendar,
		class:      ClassEvents,
		pages: []Page{
			{Records: []Upstream{eventRecord("E1"), eventRecord("E2")}},
			{Records: []Upstream{eventRecord("E3")}},
		},
	}
	svc, bus := newTestService(g, &fakeTokens{token: "tok"}, provider)
	ch, cancel := bus.Subscribe()
	defer cancel()

	before := time.Now().UTC()
	accepted, err := svc.StartSync(context.Background(), CapGoogleCalendar, "a@b.c")
	if err != nil || !accepted {
		t.Fatalf("StartSync: accepted=%v err=%v", accepted, err)
	}

	if len(g.upsertedEvents) != 3 {
		t.Fatalf("upserted %d events, want 3", len(g.upsertedEvents))
	}
	if g.evictCalls != 1 {
		t.Fatalf("evict called %d times, want 1", g.evictCalls)
	}
	want := []string{"E1", "E2", "E3"}
	if len(g.lastSurviving) != len(want) {
		t.Fatalf("surviving = %v, want %v", g.lastSurviving, want)
	}
	for i, id := range want {
		if g.lastSurviving[i] != id {
			t.Fatalf("surviving = %v, want %v", g.lastSurviving, want)
		}
	}
	if g.lastSyncedID != "c1" {
		t.Fatalf("last-synced updated for %q, want c1", g.lastSyncedID)
	}
	// The marker records the pass start, not its end.
	if g.lastSyncedAt.Before(before) || g.lastSyncedAt.After(time.Now().UTC()) {
		t.Fatalf("last-synced %v not inside the pass window", g.lastSyncedAt)
	}
	if svc.IsSyncing(CapGoogleCalendar) {
		t.Fatal("guard should clear after the pass completes")
	}
	if len(g.feedItems) != 1 || g.feedItems[0].Capability != string(CapGoogleCalendar) {
		t.Fatalf("feed items = %+v, want one for the pass", g.feedItems)
	}

	select {
	case ev := <-ch:
		if ev.Type != "sync_completed" || !ev.Success || ev.Count != 3 {
			t.Fatalf("unexpected completion event %+v", ev)
		}
	default:
		t.Fatal("no completion event published")
	}
}

func TestSyncPassErrorMidPaginationSkipsEviction(t *testing.T) {
	g := newFakeGateway()
	g.addConnection(storage.Connection{ID: "c1", Email: "a@b.c", Provider: "google", Scope: "calendar"})
	provider := &fakeProvider{
		capability: CapGoogleCalendar,
		class:      ClassEvents,
		pages: []Page{
			{Records: []Upstream{eventRecord("E1")}},
			{Records: []Upstream{eventRecord("E2")}},
		},
		errOnPage: 2,
	}
	svc, bus := newTestService(g, &fakeTokens{token: "tok"}, provider)
	ch, cancel := bus.Subscribe()
	defer cancel()

	if _, err := svc.StartSync(context.Background(), CapGoogleCalendar, "a@b.c"); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	// E1 from the successful first page is persisted and retained.
	if len(g.upsertedEvents) != 1 || g.upsertedEvents[0].UpstreamID != "E1" {
		t.Fatalf("upserted = %+v, want just E1", g.upsertedEvents)
	}
	if g.evictCalls != 0 {
		t.Fatal("eviction must not run after a mid-pagination error")
	}
	if g.lastSyncedID != "" {
		t.Fatal("last-synced must not advance after a failed pass")
	}
	if len(g.feedItems) != 0 {
		t.Fatalf("failed pass recorded feed items: %+v", g.feedItems)
	}
	if svc.IsSyncing(CapGoogleCalendar) {
		t.Fatal("guard should clear even when the pass fails")
	}

	select {
	case ev := <-ch:
		if ev.Success {
			t.Fatalf("failed pass published success event %+v", ev)
		}
	default:
		t.Fatal("failed pass published no completion event")
	}
}

func TestSyncContendedRequestRejected(t *testing.T) {
	g := newFakeGateway()
	g.addConnection(storage.Connection{ID: "c1", Email: "a@b.c", Provider: "google", Scope: "gmail"})
	provider := &fakeProvider{capability: CapGmail, class: ClassDocuments}
	svc, _ := newTestService(g, &fakeTokens{token: "tok"}, provider)

	// Hold the worker instead of running it, so the flag stays set.
	var held func()
	svc.background = func(f func()) { held = f }

	accepted, err := svc.StartSync(context.Background(), CapGmail, "a@b.c")
	if err != nil || !accepted {
		t.Fatalf("first StartSync: accepted=%v err=%v", accepted, err)
	}

	accepted, err = svc.StartSync(context.Background(), CapGmail, "a@b.c")
	if err != nil {
		t.Fatalf("second StartSync: %v", err)
	}
	if accepted {
		t.Fatal("second StartSync accepted while a pass is in flight")
	}

	held()
	if svc.IsSyncing(CapGmail) {
		t.Fatal("guard should clear once the held pass runs")
	}
}

func TestSyncSkipsMalformedRecords(t *testing.T) {
	g := newFakeGateway()
	g.addConnection(storage.Connection{ID: "c1", Email: "a@b.c", Provider: "google", Scope: "calendar"})
	provider := &fakeProvider{
		capability: CapGoogleCalendar,
		class:      ClassEvents,
		pages: []Page{{Records: []Upstream{
			eventRecord("E1"),
			{ID: "E2"}, // provider could not normalize this one
			eventRecord("E3"),
		}}},
	}
	svc, _ := newTestService(g, &fakeTokens{token: "tok"}, provider)

	if _, err := svc.StartSync(context.Background(), CapGoogleCalendar, "a@b.c"); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if len(g.upsertedEvents) != 2 {
		t.Fatalf("upserted %d events, want 2", len(g.upsertedEvents))
	}
	// The body-less record still counts as seen, so it is not evicted.
	if len(g.lastSurviving) != 3 {
		t.Fatalf("surviving = %v, want all three ids", g.lastSurviving)
	}
}

func TestSyncGatewayWriteFailureDoesNotEvict(t *testing.T) {
	g := newFakeGateway()
	g.upsertErr = errors.New("disk full")
	g.addConnection(storage.Connection{ID: "c1", Email: "a@b.c", Provider: "google", Scope: "calendar"})
	provider := &fakeProvider{
		capability: CapGoogleCalendar,
		class:      ClassEvents,
		pages:      []Page{{Records: []Upstream{eventRecord("E1"), eventRecord("E2")}}},
	}
	svc, _ := newTestService(g, &fakeTokens{token: "tok"}, provider)

	if _, err := svc.StartSync(context.Background(), CapGoogleCalendar, "a@b.c"); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if len(g.upsertedEvents) != 0 {
		t.Fatalf("upserted %d events, want 0", len(g.upsertedEvents))
	}
	// Records the gateway refused to store were still seen upstream.
	// Eviction must treat them as surviving, not as gone.
	if len(g.lastSurviving) != 2 {
		t.Fatalf("surviving = %v, want both observed ids", g.lastSurviving)
	}
}

func TestSyncLocalConnectionNeedsNoToken(t *testing.T) {
	g := newFakeGateway()
	g.addConnection(storage.Connection{ID: "c1", Email: "local", Provider: "local", Scope: "local_files"})
	provider := &fakeProvider{capability: CapLocalFiles, class: ClassDocuments}
	tokens := &fakeTokens{token: ""}
	svc, _ := newTestService(g, tokens, provider)

	accepted, err := svc.StartSync(context.Background(), CapLocalFiles, "local")
	if err != nil || !accepted {
		t.Fatalf("StartSync: accepted=%v err=%v", accepted, err)
	}
	if tokens.calls != 1 {
		t.Fatalf("refresh called %d times, want 1", tokens.calls)
	}
}

func TestSyncLocalFilesOnFreshStore(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	// Mirrors server startup: seed the built-in connection before any
	// pass is requested.
	if _, err := store.EnsureLocalConnection(string(CapLocalFiles)); err != nil {
		t.Fatalf("EnsureLocalConnection: %v", err)
	}

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("grocery list"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	svc := NewService(NewGuard(), store, NewTokenGate(OAuthApp{}, OAuthApp{}), events.NewBus(), nil)
	svc.background = func(f func()) { f() }
	svc.RegisterProvider(NewLocalFilesProvider(root))

	accepted, err := svc.StartSync(context.Background(), CapLocalFiles, "")
	if err != nil || !accepted {
		t.Fatalf("StartSync on fresh store: accepted=%v err=%v", accepted, err)
	}

	docs, err := store.ListDocuments(string(CapLocalFiles))
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 || docs[0].UpstreamID != "notes.txt" {
		t.Fatalf("docs = %+v, want the one walked file", docs)
	}
}

func TestResetGuardClearsAllFlags(t *testing.T) {
	svc, _ := newTestService(newFakeGateway(), &fakeTokens{}, &fakeProvider{capability: CapGmail})
	svc.guard.SetSyncing(CapGmail, true)
	svc.guard.SetSyncing(CapGoogleDrive, true)

	svc.ResetGuard()

	if svc.IsSyncing(CapGmail) || svc.IsSyncing(CapGoogleDrive) {
		t.Fatal("reset left flags set")
	}
}
