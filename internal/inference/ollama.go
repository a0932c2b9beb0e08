package inference

import (
	"context"
	"fmt"

	"github.com/satchel-dev/satchel/internal/ollama"
)

// OllamaRuntime adapts the push-style ollama generate stream to the
// controller's pull model. Advance evaluates prompt text with a zero
// sampling budget; Next lazily opens a continuation stream and hands
// tokens out one at a time.
type OllamaRuntime struct {
	client *ollama.Client
	model  string
}

func NewOllamaRuntime(client *ollama.Client, model string) *OllamaRuntime {
	return &OllamaRuntime{client: client, model: model}
}

type streamItem struct {
	token string
	done  bool
	ctx   []int
	err   error
}

type tokenStream struct {
	items     chan streamItem
	cancel    context.CancelFunc
	generated string
}

// Advance feeds text into the session's context without sampling any
// tokens.
func (r *OllamaRuntime) Advance(ctx context.Context, sess *Session, text string) error {
	if text == "" {
		return nil
	}
	opts := &ollama.GenerateOptions{NumPredict: 0}
	tokens, err := r.client.GenerateStream(ctx, r.model, text, sess.Context, opts,
		func(ollama.GenerateChunk) error { return nil })
	if err != nil {
		return fmt.Errorf("%w: advancing context: %v", ErrModel, err)
	}
	sess.Context = tokens
	sess.Fingerprint(text)
	return nil
}

// Next returns the next generated token. The first call opens the stream;
// done=true closes it and folds the generated text into the session
// fingerprint. A caller that stops pulling before done leaves the stream
// open, which marks the session non-reusable; cancelling ctx tears the
// underlying request down.
func (r *OllamaRuntime) Next(ctx context.Context, sess *Session) (string, bool, error) {
	if sess.stream == nil {
		r.openStream(ctx, sess)
	}

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case item, ok := <-sess.stream.items:
		if !ok {
			sess.closeStream()
			return "", true, nil
		}
		if item.err != nil {
			sess.closeStream()
			return "", false, fmt.Errorf("%w: %v", ErrModel, item.err)
		}
		if item.done {
			sess.Context = item.ctx
			// Trailing newline closes the assistant turn, so the next
			// request's rendered prefix hashes to this fingerprint.
			sess.Fingerprint(sess.stream.generated + "\n")
			sess.closeStream()
			return "", true, nil
		}
		sess.stream.generated += item.token
		return item.token, false, nil
	}
}

func (r *OllamaRuntime) openStream(ctx context.Context, sess *Session) {
	streamCtx, cancel := context.WithCancel(ctx)
	st := &tokenStream{
		items:  make(chan streamItem, 16),
		cancel: cancel,
	}
	sess.stream = st

	contextTokens := sess.Context
	go func() {
		defer close(st.items)
		_, err := r.client.GenerateStream(streamCtx, r.model, "", contextTokens, nil,
			func(chunk ollama.GenerateChunk) error {
				item := streamItem{token: chunk.Response, done: chunk.Done, ctx: chunk.Context}
				if item.token == "" && !item.done {
					return nil
				}
				select {
				case st.items <- item:
					return nil
				case <-streamCtx.Done():
					return streamCtx.Err()
				}
			})
		if err != nil && streamCtx.Err() == nil {
			select {
			case st.items <- streamItem{err: err}:
			case <-streamCtx.Done():
			}
		}
	}()
}
