package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/satchel-dev/satchel/internal/retrieval"
	"github.com/satchel-dev/satchel/internal/syncer"
)

type startSyncRequest struct {
	Email string `json:"email"`
}

func handleStartSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		capability, err := syncer.ParseCapability(chi.URLParam(r, "capability"))
		if err != nil {
			httpError(w, http.StatusNotFound, "invalid_request_error", "%v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		// An empty body is fine: local capabilities have no account email.
		var req startSyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		accepted, err := deps.Sync.StartSync(r.Context(), capability, req.Email)
		if err != nil {
			if errors.Is(err, syncer.ErrConnection) {
				httpError(w, http.StatusUnauthorized, "connection_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"accepted": accepted,
		})
	}
}

func handleSyncStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		capability, err := syncer.ParseCapability(chi.URLParam(r, "capability"))
		if err != nil {
			httpError(w, http.StatusNotFound, "invalid_request_error", "%v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"capability": string(capability),
			"is_syncing": deps.Sync.IsSyncing(capability),
		})
	}
}

func handleListConnections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := deps.Store.ListConnections()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing connections: %v", err)
			return
		}

		type connInfo struct {
			Email      string    `json:"email"`
			Provider   string    `json:"provider"`
			Scope      string    `json:"scope"`
			LastSynced time.Time `json:"last_synced,omitzero"`
		}
		out := make([]connInfo, len(conns))
		for i, c := range conns {
			out[i] = connInfo{
				Email:      c.Email,
				Provider:   c.Provider,
				Scope:      c.Scope,
				LastSynced: c.LastSynced,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleSignOut removes every connection for the account and clears all
// guard flags so that no stale "syncing" state survives re-auth.
func handleSignOut(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if email == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "email is required")
			return
		}

		if err := deps.Store.DeleteConnectionsByEmail(email); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "removing connections: %v", err)
			return
		}
		deps.Sync.ResetGuard()

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRecall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Retriever == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "retrieval is not configured")
			return
		}
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query parameter q is required")
			return
		}
		limit := 5
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 50 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be between 1 and 50")
				return
			}
			limit = n
		}
		chunks, err := deps.Retriever.Retrieve(r.Context(), query, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recall: %v", err)
			return
		}
		if chunks == nil {
			chunks = []retrieval.ContextChunk{}
		}
		writeJSON(w, http.StatusOK, chunks)
	}
}

func handleFeed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Store.ListFeedItems(50)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing feed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// handleEvents streams bus notifications (sync completions) as SSE until
// the client disconnects.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sse, err := newSSEWriter(w)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		ch, cancel := deps.Bus.Subscribe()
		defer cancel()

		sse.Comment("connected")
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := sse.Data(ev); err != nil {
					return
				}
			}
		}
	}
}
