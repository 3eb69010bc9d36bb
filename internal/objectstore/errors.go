package objectstore

import "errors"

// ErrNotFound means the (exchange, date) combination has no source blob. It is
// an expected condition, surfaced to the operator as a skip, never a failure.
var ErrNotFound = errors.New("source file not found")

// ErrTransient marks a retryable object-store failure (network, throttling,
// timeout). The worker records it as failed; the operator re-runs with
// --idempotent.
var ErrTransient = errors.New("transient object store error")
