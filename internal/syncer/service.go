package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/satchel-dev/satchel/internal/events"
	"github.com/satchel-dev/satchel/internal/storage"
)

// Gateway is the narrow persistence contract the sync core consumes.
// *storage.Store satisfies it.
type Gateway interface {
	UpsertCalendarEvent(storage.CalendarEvent) error
	UpsertDocument(storage.Document) error
	EvictCalendarEventsNotIn(capability string, surviving []string) (int, error)
	EvictDocumentsNotIn(capability string, surviving []string) (int, error)
	FindConnection(email, scope string) (storage.Connection, error)
	UpdateLastSynced(id string, ts time.Time) error
	SaveFeedItem(storage.FeedItem) error
}

// TokenRefresher is satisfied by *TokenGate.
type TokenRefresher interface {
	Refresh(ctx context.Context, conn storage.Connection) (string, error)
}

// Indexer refreshes the vector index for a capability after a completed
// pass. Optional; a nil indexer skips indexing.
type Indexer interface {
	Reindex(ctx context.Context, capability string) error
}

// Service owns the per-capability sync state machine: guard checking,
// worker spawning, and completion notification.
type Service struct {
	guard     *Guard
	store     Gateway
	tokens    TokenRefresher
	bus       *events.Bus
	indexer   Indexer
	providers map[Capability]ProviderFactory
	logger    *slog.Logger

	// background runs a worker goroutine; replaced in tests to run inline.
	background func(func())
}

func NewService(guard *Guard, store Gateway, tokens TokenRefresher, bus *events.Bus, indexer Indexer) *Service {
	return &Service{
		guard:      guard,
		store:      store,
		tokens:     tokens,
		bus:        bus,
		indexer:    indexer,
		providers:  make(map[Capability]ProviderFactory),
		logger:     slog.Default(),
		background: func(f func()) { go f() },
	}
}

// ProviderFactory builds a provider bound to one connection. OAuth
// providers stamp the connection's email into every record they emit.
type ProviderFactory func(conn storage.Connection) Provider

// RegisterProvider wires a connection-independent provider, such as the
// local-files walker.
func (s *Service) RegisterProvider(p Provider) {
	s.providers[p.Capability()] = func(storage.Connection) Provider { return p }
}

// RegisterFactory wires an account-bound provider for a capability.
func (s *Service) RegisterFactory(c Capability, build ProviderFactory) {
	s.providers[c] = build
}

// IsSyncing reports whether a pass is active for the capability.
func (s *Service) IsSyncing(c Capability) bool {
	return s.guard.IsSyncing(c)
}

// ResetGuard clears every guard flag. Called on sign-out, after the
// account's connections are removed.
func (s *Service) ResetGuard() {
	s.guard.Reset()
}

// StartSync begins a sync pass for (capability, email). Returns false with
// a nil error when a pass is already running: contended sync requests are
// idempotent no-ops, not queued. Token refresh failures abort before the
// guard is set and surface as ErrConnection.
func (s *Service) StartSync(ctx context.Context, c Capability, email string) (bool, error) {
	build, ok := s.providers[c]
	if !ok {
		return false, fmt.Errorf("no provider registered for capability %q", c)
	}

	if s.guard.IsSyncing(c) {
		return false, nil
	}

	conn, err := s.store.FindConnection(email, string(c))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("%w: no connection for %s/%s", ErrConnection, email, c)
		}
		return false, fmt.Errorf("loading connection: %w", err)
	}

	token, err := s.tokens.Refresh(ctx, conn)
	if err != nil {
		return false, err
	}

	s.guard.SetSyncing(c, true)
	p := build(conn)
	s.background(func() {
		// Workers have no external cancellation: they run to completion
		// or error regardless of the originating request.
		s.runPass(context.WithoutCancel(ctx), p, conn, token)
	})
	return true, nil
}

// runPass executes one full pagination pass. Eviction only happens after
// every page was fetched: a pass that errors mid-pagination has an
// incomplete seen-set and must not destroy local records based on it.
func (s *Service) runPass(ctx context.Context, p Provider, conn storage.Connection, token string) {
	c := p.Capability()
	defer s.guard.SetSyncing(c, false)

	windowStart := time.Now().UTC()

	var seen []string
	var synced int
	pageToken := ""
	failed := false

	for {
		page, err := p.FetchPage(ctx, token, pageToken)
		if err != nil {
			s.logger.Error("sync pass aborted mid-pagination",
				"capability", c, "email", conn.Email, "error", err)
			failed = true
			break
		}

		for _, rec := range page.Records {
			if rec.Event == nil && rec.Doc == nil {
				// Provider saw the record but could not normalize it.
				// Keep it alive locally; skip the content update.
				seen = append(seen, rec.ID)
				continue
			}
			if err := s.applyRecord(rec); err != nil {
				// One failed write never sinks the pass. The record was
				// observed upstream, so it stays in the seen-set; evicting
				// it over a local write error would destroy data still
				// present at the provider.
				s.logger.Warn("skipping record that failed to store",
					"capability", c, "upstream_id", rec.ID, "error", err)
				seen = append(seen, rec.ID)
				continue
			}
			seen = append(seen, rec.ID)
			synced++
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if failed {
		s.bus.Publish(events.SyncCompleted(string(c), false, synced))
		return
	}

	evicted, err := s.evict(p.Class(), c, seen)
	if err != nil {
		s.logger.Error("eviction failed", "capability", c, "error", err)
	} else if evicted > 0 {
		s.logger.Info("evicted records gone upstream", "capability", c, "count", evicted)
	}

	if err := s.store.UpdateLastSynced(conn.ID, windowStart); err != nil {
		s.logger.Error("recording last-synced marker failed", "capability", c, "error", err)
	}

	if s.indexer != nil {
		if err := s.indexer.Reindex(ctx, string(c)); err != nil {
			s.logger.Warn("reindexing failed", "capability", c, "error", err)
		}
	}

	body := fmt.Sprintf("%d records synced", synced)
	if conn.Email != "" {
		body += " for " + conn.Email
	}
	item := storage.FeedItem{
		ID:         uuid.NewString(),
		Capability: string(c),
		Title:      fmt.Sprintf("Synced %s", c),
		Body:       body,
	}
	if err := s.store.SaveFeedItem(item); err != nil {
		s.logger.Warn("recording feed item failed", "capability", c, "error", err)
	}

	s.bus.Publish(events.SyncCompleted(string(c), true, synced))
}

func (s *Service) applyRecord(rec Upstream) error {
	switch {
	case rec.Event != nil:
		return s.store.UpsertCalendarEvent(*rec.Event)
	case rec.Doc != nil:
		return s.store.UpsertDocument(*rec.Doc)
	default:
		return fmt.Errorf("%w: record %q has no body", ErrDataIntegrity, rec.ID)
	}
}

func (s *Service) evict(class RecordClass, c Capability, surviving []string) (int, error) {
	if class == ClassEvents {
		return s.store.EvictCalendarEventsNotIn(string(c), surviving)
	}
	return s.store.EvictDocumentsNotIn(string(c), surviving)
}
