package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/satchel-dev/satchel/internal/knowledge"
	"github.com/satchel-dev/satchel/internal/storage"
)

// Source lists synced records for one capability. *storage.Store
// satisfies it.
type Source interface {
	ListDocuments(capability string) ([]storage.Document, error)
	ListCalendarEvents(capability string) ([]storage.CalendarEvent, error)
}

// Indexer keeps the vector index aligned with the synced store: after a
// completed sync pass it embeds records that have no vectors yet and
// drops vectors whose source record was evicted.
type Indexer struct {
	docs     Source
	store    VectorStore
	embedder *Embedder
	logger   *slog.Logger
}

func NewIndexer(docs Source, store VectorStore, embedder *Embedder) *Indexer {
	return &Indexer{
		docs:     docs,
		store:    store,
		embedder: embedder,
		logger:   slog.Default(),
	}
}

// Reindex reconciles the index for one capability. Embedding failures for
// individual records are logged and skipped; the next pass retries them.
func (ix *Indexer) Reindex(ctx context.Context, capability string) error {
	docs, err := ix.docs.ListDocuments(capability)
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}
	calEvents, err := ix.docs.ListCalendarEvents(capability)
	if err != nil {
		return fmt.Errorf("listing calendar events: %w", err)
	}

	indexed, err := ix.store.SourceIDs(capability)
	if err != nil {
		return fmt.Errorf("listing indexed sources: %w", err)
	}

	live := make(map[string]bool, len(docs)+len(calEvents))
	var added, removed int
	for _, doc := range docs {
		live[doc.UpstreamID] = true
		if indexed[doc.UpstreamID] {
			continue
		}
		if err := ix.indexDocument(ctx, doc); err != nil {
			ix.logger.Warn("indexing document failed",
				"capability", capability, "upstream_id", doc.UpstreamID, "error", err)
			continue
		}
		added++
	}
	for _, ev := range calEvents {
		live[ev.UpstreamID] = true
		if indexed[ev.UpstreamID] {
			continue
		}
		if err := ix.indexEvent(ctx, ev); err != nil {
			ix.logger.Warn("indexing calendar event failed",
				"capability", capability, "upstream_id", ev.UpstreamID, "error", err)
			continue
		}
		added++
	}

	// Vectors for evicted records.
	for sourceID := range indexed {
		if live[sourceID] {
			continue
		}
		if err := ix.store.DeleteBySource(sourceID); err != nil {
			ix.logger.Warn("dropping stale vectors failed",
				"capability", capability, "source_id", sourceID, "error", err)
			continue
		}
		removed++
	}

	if added > 0 || removed > 0 {
		ix.logger.Info("vector index reconciled",
			"capability", capability, "added", added, "removed", removed)
	}
	return nil
}

func (ix *Indexer) indexDocument(ctx context.Context, doc storage.Document) error {
	kd, err := knowledge.FromStored(doc)
	if err != nil {
		return err
	}

	text := kd.PromptText()
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}

	return ix.store.Insert([]Record{{
		ID:         uuid.New().String(),
		SourceID:   doc.UpstreamID,
		SourceType: doc.Capability,
		TextChunk:  text,
		Embedding:  vec,
		Tags:       fmt.Sprintf(`["%s"]`, doc.Kind),
	}})
}

func (ix *Indexer) indexEvent(ctx context.Context, ev storage.CalendarEvent) error {
	text := knowledge.FromCalendarEvent(ev).PromptText()
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}

	return ix.store.Insert([]Record{{
		ID:         uuid.New().String(),
		SourceID:   ev.UpstreamID,
		SourceType: ev.Capability,
		TextChunk:  text,
		Embedding:  vec,
		Tags:       `["calendar_event"]`,
	}})
}
