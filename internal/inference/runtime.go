package inference

import (
	"context"
	"errors"
)

// ErrModel marks an inference-runtime failure. Completion streams terminate
// with a Failed state and an error frame; never retried automatically.
var ErrModel = errors.New("model error")

// Runtime is the model backend behind the stream controller. Advance feeds
// prompt text into the session's context without sampling; Next pulls one
// generated token, returning done=true on end-of-sequence.
//
// A single runtime instance is shared process-wide and is NOT safe for
// concurrent use; the controller serializes access behind its model lock.
type Runtime interface {
	Advance(ctx context.Context, sess *Session, text string) error
	Next(ctx context.Context, sess *Session) (token string, done bool, err error)
}
