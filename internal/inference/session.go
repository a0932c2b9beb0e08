package inference

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// SessionID is a fingerprint of the text advanced into a session. Two
// sessions that advanced identical text have identical ids, which is what
// makes pool reuse work: a request whose rendered prefix hashes to a pooled
// id can resume that session without re-feeding the prefix.
type SessionID string

// FingerprintOf returns the SessionID a fresh session would have after
// advancing exactly the given text.
func FingerprintOf(text string) SessionID {
	d := xxhash.New()
	d.WriteString(text)
	return SessionID(fmt.Sprintf("%016x", d.Sum64()))
}

// Session owns model-resident conversation state: the backend's context
// token array plus the incrementally hashed fingerprint of everything
// advanced so far. A session is exclusively held by at most one in-flight
// completion at a time.
type Session struct {
	// Context carries the backend's opaque context tokens.
	Context []int

	digest *xxhash.Digest

	// stream is the live token stream during generation, owned by the
	// runtime. A session with an unfinished stream has context state that
	// diverged from its fingerprint and must not be reused.
	stream *tokenStream
}

func NewSession() *Session {
	return &Session{digest: xxhash.New()}
}

// ID returns the current fingerprint.
func (s *Session) ID() SessionID {
	return SessionID(fmt.Sprintf("%016x", s.digest.Sum64()))
}

// Fingerprint folds text into the session id. Called by the runtime for
// every chunk of text advanced or generated.
func (s *Session) Fingerprint(text string) {
	s.digest.WriteString(text)
}

// Reusable reports whether the session's context state matches its
// fingerprint. False while a generation stream is open or was torn down
// early: the pool drops such sessions instead of re-inserting them.
func (s *Session) Reusable() bool {
	return s.stream == nil
}

// closeStream tears down the live token stream and releases the context
// that keeps its backend request alive.
func (s *Session) closeStream() {
	if s.stream == nil {
		return
	}
	if s.stream.cancel != nil {
		s.stream.cancel()
	}
	s.stream = nil
}
