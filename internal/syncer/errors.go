package syncer

import "errors"

// ErrConnection marks token/auth failures. Surfaced to the caller so the
// UI can prompt reauthentication; never retried here.
var ErrConnection = errors.New("connection authorization failed")

// ErrTransient marks network, rate-limit, and 5xx provider failures.
// Retried with backoff at the token refresh gate; a transient failure
// mid-pagination aborts the pass instead.
var ErrTransient = errors.New("transient provider failure")

// ErrDataIntegrity marks a single malformed upstream record. The record is
// skipped and the pass continues.
var ErrDataIntegrity = errors.New("malformed upstream record")
