package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/satchel-dev/satchel/internal/inference"
)

// CompletionRequest is the body of POST /v1/chat/completions.
type CompletionRequest struct {
	Model     string              `json:"model"`
	Messages  []inference.Message `json:"messages"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
	Stop      []string            `json:"stop,omitempty"`
	Seed      int                 `json:"seed,omitempty"`
	Stream    *bool               `json:"stream,omitempty"`
}

func handleCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}

		messages := enrich(deps, r, req.Messages)

		infReq := inference.Request{
			Messages:  messages,
			MaxTokens: req.MaxTokens,
			Stop:      req.Stop,
		}

		if req.Stream != nil && !*req.Stream {
			completeBuffered(deps, w, r, infReq)
			return
		}

		sse, err := newSSEWriter(w)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		state := deps.Controller.Complete(r.Context(), infReq, sse)
		slog.Debug("completion stream finished", "state", state.String())
	}
}

// enrich prepends retrieved personal context as a system message, keyed off
// the last user message. Retrieval failures degrade to the bare request.
func enrich(deps Deps, r *http.Request, messages []inference.Message) []inference.Message {
	if deps.Retriever == nil {
		return messages
	}
	query := lastUserContent(messages)
	if query == "" {
		return messages
	}

	topK := deps.TopK
	if topK <= 0 {
		topK = 5
	}
	chunks, err := deps.Retriever.Retrieve(r.Context(), query, topK)
	if err != nil {
		slog.Warn("completion enrichment failed", "error", err)
		return messages
	}
	if len(chunks) == 0 {
		return messages
	}

	var b strings.Builder
	b.WriteString("Relevant personal context:\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "- %s\n", c.Text)
	}

	enriched := make([]inference.Message, 0, len(messages)+1)
	enriched = append(enriched, inference.Message{Role: "system", Content: b.String()})
	enriched = append(enriched, messages...)

	slog.Debug("request enriched", "chunks_used", len(chunks))
	return enriched
}

func lastUserContent(messages []inference.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// bufferedWriter collects tokens for the non-streaming response shape.
type bufferedWriter struct {
	text strings.Builder
	err  string
}

func (b *bufferedWriter) Comment(string) error { return nil }
func (b *bufferedWriter) Event(string) error   { return nil }
func (b *bufferedWriter) Done() error          { return nil }

func (b *bufferedWriter) Data(v any) error {
	switch f := v.(type) {
	case inference.TokenFrame:
		b.text.WriteString(f.Token)
	case inference.ErrorFrame:
		b.err = f.Error
	}
	return nil
}

func completeBuffered(deps Deps, w http.ResponseWriter, r *http.Request, req inference.Request) {
	buf := &bufferedWriter{}
	state := deps.Controller.Complete(r.Context(), req, buf)

	if state == inference.StateFailed {
		httpError(w, http.StatusBadGateway, "api_error", "completion failed: %s", buf.err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": buf.text.String(),
		"state":   state.String(),
	})
}

func handleInterrupt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stopped := deps.Registry.StopAll()
		writeJSON(w, http.StatusOK, map[string]any{
			"stopped": stopped,
		})
	}
}
