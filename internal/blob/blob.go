// Package blob stores artifact payloads and addresses them by opaque
// URI. The engine records only the URI; consumers resolve it back through
// the same store. Implementations are swappable: in-memory for tests and
// single-process prototypes, filesystem for durable local deployments.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no payload exists for the given URI.
var ErrNotFound = errors.New("blob: not found")

// Store persists artifact payloads. Put returns the opaque URI the
// payload is addressable by; Get resolves a URI produced by the same
// store. Payloads are immutable once written.
type Store interface {
	Put(ctx context.Context, runID, key string, data []byte) (string, error)
	Get(ctx context.Context, uri string) ([]byte, error)
}
