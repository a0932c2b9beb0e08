package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeRuntime serves a scripted token sequence and mirrors the real
// runtime's session bookkeeping: an open stream marks the session
// non-reusable until generation runs to completion.
type fakeRuntime struct {
	tokens     []string
	advanceErr error
	nextErr    error

	advanced []string
	idx      int
	gen      strings.Builder
}

func (r *fakeRuntime) Advance(_ context.Context, sess *Session, text string) error {
	if r.advanceErr != nil {
		return r.advanceErr
	}
	r.advanced = append(r.advanced, text)
	sess.Fingerprint(text)
	return nil
}

func (r *fakeRuntime) Next(_ context.Context, sess *Session) (string, bool, error) {
	if r.nextErr != nil {
		return "", false, r.nextErr
	}
	if sess.stream == nil {
		sess.stream = &tokenStream{}
	}
	if r.idx >= len(r.tokens) {
		sess.Fingerprint(r.gen.String() + "\n")
		sess.stream = nil
		return "", true, nil
	}
	tok := r.tokens[r.idx]
	r.idx++
	r.gen.WriteString(tok)
	return tok, false, nil
}

type recordedFrame struct {
	kind string // "event", "data", "comment", "done"
	name string
	data any
}

type fakeWriter struct {
	frames  []recordedFrame
	dataErr error // returned from Data to simulate a dropped consumer
}

func (w *fakeWriter) Comment(msg string) error {
	w.frames = append(w.frames, recordedFrame{kind: "comment", name: msg})
	return nil
}

func (w *fakeWriter) Event(name string) error {
	w.frames = append(w.frames, recordedFrame{kind: "event", name: name})
	return nil
}

func (w *fakeWriter) Data(v any) error {
	if w.dataErr != nil {
		return w.dataErr
	}
	w.frames = append(w.frames, recordedFrame{kind: "data", data: v})
	return nil
}

func (w *fakeWriter) Done() error {
	w.frames = append(w.frames, recordedFrame{kind: "done"})
	return nil
}

func (w *fakeWriter) tokens() []string {
	var out []string
	for _, f := range w.frames {
		if tf, ok := f.data.(TokenFrame); ok {
			out = append(out, tf.Token)
		}
	}
	return out
}

func (w *fakeWriter) events() []string {
	var out []string
	for _, f := range w.frames {
		if f.kind == "event" {
			out = append(out, f.name)
		}
	}
	return out
}

func (w *fakeWriter) doneTerminal(t *testing.T) {
	t.Helper()
	if len(w.frames) == 0 || w.frames[len(w.frames)-1].kind != "done" {
		t.Fatal("stream did not end with the terminal frame")
	}
}

func userMessages(contents ...string) []Message {
	msgs := make([]Message, len(contents))
	for i, c := range contents {
		msgs[i] = Message{Role: "user", Content: c}
	}
	return msgs
}

func TestCompleteHappyPath(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"Hello", " ", "world"}}
	w := &fakeWriter{}
	c := NewController(rt, NewPool(4), NewRegistry(), 64)

	state := c.Complete(context.Background(), Request{Messages: userMessages("hi")}, w)

	if state != StateDone {
		t.Fatalf("state = %v, want done", state)
	}
	got := w.tokens()
	if strings.Join(got, "") != "Hello world" {
		t.Fatalf("tokens = %v", got)
	}
	events := w.events()
	if len(events) != 2 || events[0] != EventFeedingPrompt || events[1] != EventGeneratingTokens {
		t.Fatalf("events = %v", events)
	}
	w.doneTerminal(t)
}

func TestCompleteMaxTokensBudget(t *testing.T) {
	// A model that would naturally generate 20 tokens.
	tokens := make([]string, 20)
	for i := range tokens {
		tokens[i] = "x"
	}
	rt := &fakeRuntime{tokens: tokens}
	w := &fakeWriter{}
	c := NewController(rt, NewPool(4), NewRegistry(), 64)

	state := c.Complete(context.Background(), Request{
		Messages:  userMessages("go"),
		MaxTokens: 5,
	}, w)

	if state != StateDone {
		t.Fatalf("state = %v, want done", state)
	}
	if n := len(w.tokens()); n != 5 {
		t.Fatalf("emitted %d tokens, want exactly 5", n)
	}
	w.doneTerminal(t)
}

func TestCompleteAbortBeforeFirstToken(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"never", "sent"}}
	w := &fakeWriter{}
	reg := NewRegistry()

	// StopAll lands during the prompt feed, before any token exists:
	// zero tokens and a non-Failed terminal.
	c := NewController(&abortingRuntime{fakeRuntime: rt, registry: reg}, NewPool(4), reg, 64)

	state := c.Complete(context.Background(), Request{Messages: userMessages("hi")}, w)

	if state != StateAborted {
		t.Fatalf("state = %v, want aborted", state)
	}
	if n := len(w.tokens()); n != 0 {
		t.Fatalf("emitted %d tokens after pre-generation abort, want 0", n)
	}
	w.doneTerminal(t)
}

// abortingRuntime calls StopAll during the prompt feed, modeling an
// operator stop that lands before the first token.
type abortingRuntime struct {
	*fakeRuntime
	registry *Registry
}

func (r *abortingRuntime) Advance(ctx context.Context, sess *Session, text string) error {
	if err := r.fakeRuntime.Advance(ctx, sess, text); err != nil {
		return err
	}
	r.registry.StopAll()
	return nil
}

func TestCompleteModelErrorIsFailed(t *testing.T) {
	rt := &fakeRuntime{nextErr: ErrModel}
	w := &fakeWriter{}
	c := NewController(rt, NewPool(4), NewRegistry(), 64)

	state := c.Complete(context.Background(), Request{Messages: userMessages("hi")}, w)

	if state != StateFailed {
		t.Fatalf("state = %v, want failed", state)
	}
	var sawError bool
	for _, f := range w.frames {
		if _, ok := f.data.(ErrorFrame); ok {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("failed stream emitted no error frame")
	}
	w.doneTerminal(t)
}

func TestCompleteFeedErrorIsFailed(t *testing.T) {
	rt := &fakeRuntime{advanceErr: errors.New("context overflow")}
	w := &fakeWriter{}
	c := NewController(rt, NewPool(4), NewRegistry(), 64)

	state := c.Complete(context.Background(), Request{Messages: userMessages("hi")}, w)

	if state != StateFailed {
		t.Fatalf("state = %v, want failed", state)
	}
	if len(w.tokens()) != 0 {
		t.Fatal("failed feed emitted tokens")
	}
}

func TestCompleteConsumerDropIsAborted(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"a", "b", "c"}}
	w := &fakeWriter{dataErr: errors.New("broken pipe")}
	c := NewController(rt, NewPool(4), NewRegistry(), 64)

	state := c.Complete(context.Background(), Request{Messages: userMessages("hi")}, w)

	if state != StateAborted {
		t.Fatalf("state = %v, want aborted", state)
	}
}

func TestCompleteStopString(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"thinking", "...", "END", "never"}}
	w := &fakeWriter{}
	c := NewController(rt, NewPool(4), NewRegistry(), 64)

	state := c.Complete(context.Background(), Request{
		Messages: userMessages("hi"),
		Stop:     []string{"END"},
	}, w)

	if state != StateDone {
		t.Fatalf("state = %v, want done", state)
	}
	joined := strings.Join(w.tokens(), "")
	if strings.Contains(joined, "END") || strings.Contains(joined, "never") {
		t.Fatalf("stop string leaked into output: %q", joined)
	}
	if joined != "thinking..." {
		t.Fatalf("output = %q, want text before the stop string", joined)
	}
}

func TestCompleteStopStringAcrossTokens(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"abcE", "NDxyz"}}
	w := &fakeWriter{}
	c := NewController(rt, NewPool(4), NewRegistry(), 64)

	c.Complete(context.Background(), Request{
		Messages: userMessages("hi"),
		Stop:     []string{"END"},
	}, w)

	joined := strings.Join(w.tokens(), "")
	if strings.Contains(joined, "ND") {
		t.Fatalf("split stop string leaked: %q", joined)
	}
}

func TestCompleteSessionReturnedAndReused(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"fine"}}
	pool := NewPool(4)
	c := NewController(rt, pool, NewRegistry(), 64)

	msgs := userMessages("how are you")
	state := c.Complete(context.Background(), Request{Messages: msgs}, &fakeWriter{})
	if state != StateDone {
		t.Fatalf("first completion state = %v", state)
	}
	if pool.Len() != 1 {
		t.Fatalf("pool holds %d sessions after completion, want 1", pool.Len())
	}

	// Follow-up conversation carrying the assistant reply as a prefix:
	// the pooled session matches and only the suffix is re-fed.
	followup := append(msgs,
		Message{Role: "assistant", Content: "fine"},
		Message{Role: "user", Content: "good"},
	)
	rt2 := &fakeRuntime{tokens: []string{"thanks"}}
	c2 := NewController(rt2, pool, NewRegistry(), 64)

	state = c2.Complete(context.Background(), Request{Messages: followup}, &fakeWriter{})
	if state != StateDone {
		t.Fatalf("second completion state = %v", state)
	}
	if len(rt2.advanced) != 1 {
		t.Fatalf("advanced %d chunks, want 1", len(rt2.advanced))
	}
	full := RenderPrompt(followup)
	if len(rt2.advanced[0]) >= len(full) {
		t.Fatalf("re-fed the whole prompt (%d bytes) instead of the suffix", len(rt2.advanced[0]))
	}
	if !strings.HasSuffix(full, rt2.advanced[0]) {
		t.Fatalf("advanced chunk %q is not a suffix of the prompt", rt2.advanced[0])
	}
}

func TestCompleteAbortedSessionNotPooled(t *testing.T) {
	tokens := make([]string, 10)
	for i := range tokens {
		tokens[i] = "t"
	}
	rt := &fakeRuntime{tokens: tokens}
	pool := NewPool(4)
	c := NewController(rt, pool, NewRegistry(), 64)

	// Budget stop mid-stream leaves the fake's stream open: the session's
	// context diverged from its fingerprint and must be dropped.
	state := c.Complete(context.Background(), Request{
		Messages:  userMessages("hi"),
		MaxTokens: 3,
	}, &fakeWriter{})

	if state != StateDone {
		t.Fatalf("state = %v", state)
	}
	if pool.Len() != 0 {
		t.Fatalf("pool holds %d sessions after a mid-stream stop, want 0", pool.Len())
	}
}
