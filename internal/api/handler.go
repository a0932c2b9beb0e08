package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/satchel-dev/satchel/internal/events"
	"github.com/satchel-dev/satchel/internal/inference"
	"github.com/satchel-dev/satchel/internal/retrieval"
	"github.com/satchel-dev/satchel/internal/storage"
	"github.com/satchel-dev/satchel/internal/syncer"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Retriever abstracts semantic search for completion enrichment and MCP.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]retrieval.ContextChunk, error)
}

// SyncService is the slice of the sync layer the handlers consume.
type SyncService interface {
	StartSync(ctx context.Context, c syncer.Capability, email string) (bool, error)
	IsSyncing(c syncer.Capability) bool
	ResetGuard()
}

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Store      *storage.Store
	Sync       SyncService
	Controller *inference.Controller
	Registry   *inference.Registry
	Retriever  Retriever // optional; nil disables completion enrichment
	Bus        *events.Bus
	Token      string
	TopK       int
}

// NewHandler returns the daemon's HTTP API. Health is open; everything else
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/chat/completions", handleCompletions(deps))
		r.Post("/v1/interrupt", handleInterrupt(deps))

		r.Post("/sync/{capability}", handleStartSync(deps))
		r.Get("/sync/{capability}", handleSyncStatus(deps))

		r.Get("/connections", handleListConnections(deps))
		r.Delete("/connections/{email}", handleSignOut(deps))

		r.Get("/recall", handleRecall(deps))
		r.Get("/feed", handleFeed(deps))
		r.Get("/events", handleEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
