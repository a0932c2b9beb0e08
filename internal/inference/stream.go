package inference

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// State is the terminal state of a completion stream.
type State int

const (
	StateDone State = iota
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "failed"
	}
}

// Named progress events interleaved into the stream for UI signaling.
const (
	EventFeedingPrompt    = "FEEDING_PROMPT"
	EventGeneratingTokens = "GENERATING_TOKENS"
)

// FrameWriter receives the stream's output frames. The api layer implements
// it over an SSE response; tests implement it over a slice.
type FrameWriter interface {
	Comment(msg string) error
	Event(name string) error
	Data(v any) error
	// Done writes the literal terminal frame.
	Done() error
}

// TokenFrame wraps one generated token.
type TokenFrame struct {
	Token string `json:"token"`
}

// ErrorFrame terminates a failed stream before the Done frame.
type ErrorFrame struct {
	Error string `json:"error"`
}

// Request is one parsed completion call.
type Request struct {
	Messages  []Message
	MaxTokens int
	Stop      []string
}

// Controller drives a completion request through its state machine:
// Idle, Feeding, Generating, then Done, Aborted, or Failed. One model lock
// serializes completions process-wide; local inference is not meaningfully
// parallelizable across requests.
type Controller struct {
	runtime   Runtime
	pool      *Pool
	registry  *Registry
	maxTokens int
	logger    *slog.Logger

	modelMu sync.Mutex
}

func NewController(runtime Runtime, pool *Pool, registry *Registry, maxTokens int) *Controller {
	return &Controller{
		runtime:   runtime,
		pool:      pool,
		registry:  registry,
		maxTokens: maxTokens,
		logger:    slog.Default(),
	}
}

// Complete runs one completion stream to its terminal state. Errors are
// written as stream frames, never returned: by the time anything can fail
// the response headers are long gone.
func (c *Controller) Complete(ctx context.Context, req Request, w FrameWriter) State {
	c.modelMu.Lock()
	defer c.modelMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := NewHandle()
	c.registry.Register(h)
	defer c.registry.Deregister(h)

	budget := req.MaxTokens
	if budget <= 0 || budget > c.maxTokens {
		budget = c.maxTokens
	}

	sess, suffix := c.acquireSession(req.Messages)
	defer c.pool.Return(sess)

	state := c.run(ctx, req, w, h, sess, suffix, budget)

	if err := w.Done(); err != nil {
		c.logger.Debug("consumer dropped before terminal frame", "state", state)
	}
	return state
}

func (c *Controller) run(ctx context.Context, req Request, w FrameWriter, h *Handle, sess *Session, suffix string, budget int) State {
	// Feeding
	if err := w.Event(EventFeedingPrompt); err != nil {
		return StateAborted
	}
	if err := c.runtime.Advance(ctx, sess, suffix); err != nil {
		c.logger.Error("prompt feed failed", "error", err)
		w.Data(ErrorFrame{Error: err.Error()})
		return StateFailed
	}

	// Generating
	if err := w.Event(EventGeneratingTokens); err != nil {
		return StateAborted
	}
	c.registry.SetGenerating(true)
	defer c.registry.SetGenerating(false)

	var text strings.Builder
	emitted := 0
	for {
		if h.Abort.IsSet() {
			return StateAborted
		}
		if emitted >= budget {
			return StateDone
		}

		tok, done, err := c.runtime.Next(ctx, sess)
		if err != nil {
			if ctx.Err() != nil {
				return StateAborted
			}
			c.logger.Error("generation failed", "error", err)
			w.Data(ErrorFrame{Error: err.Error()})
			return StateFailed
		}
		if done {
			return StateDone
		}

		text.WriteString(tok)
		if cut, matched := trimAtStop(text.String(), text.Len()-len(tok), req.Stop); matched {
			if cut != "" {
				w.Data(TokenFrame{Token: cut})
			}
			return StateDone
		}

		// Abort is re-checked before every emission, not just per loop.
		if h.Abort.IsSet() {
			return StateAborted
		}
		if err := w.Data(TokenFrame{Token: tok}); err != nil {
			// Consumer disconnected.
			return StateAborted
		}
		emitted++
	}
}

// acquireSession finds the pooled session with the longest matching rendered
// prefix and returns it with the remaining text to feed. No match yields a
// fresh session and the whole prompt.
func (c *Controller) acquireSession(msgs []Message) (*Session, string) {
	full := RenderPrompt(msgs)
	for i := len(msgs); i >= 1; i-- {
		prefix := RenderPrefix(msgs[:i])
		if sess, ok := c.pool.Checkout(FingerprintOf(prefix)); ok {
			return sess, full[len(prefix):]
		}
	}
	return NewSession(), full
}

// trimAtStop checks whether any stop string landed inside the newly
// appended token. On a match it returns the part of that token preceding
// the stop string, which is the last text to emit.
func trimAtStop(text string, prevLen int, stops []string) (string, bool) {
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		// Search from just before the new token so a stop string split
		// across token boundaries is still caught.
		from := prevLen - len(stop) + 1
		if from < 0 {
			from = 0
		}
		idx := strings.Index(text[from:], stop)
		if idx < 0 {
			continue
		}
		abs := from + idx
		if abs >= prevLen {
			return text[prevLen:abs], true
		}
		return "", true
	}
	return "", false
}
