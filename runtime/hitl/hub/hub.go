// Package hub hands continuation payloads from the continuation endpoint to
// the chat stream of the run they resume.
package hub

import (
	"context"
	"errors"

	"goa.design/hitl/runtime/hitl/continuation"
)

// ErrClosed is returned by Wait and Push once the hub is closed.
var ErrClosed = errors.New("hub: closed")

// Hub is a FIFO of continuation payloads per run. Implementations must be
// safe for concurrent use.
type Hub interface {
	// Push enqueues payload for runID. Push does not wait for a consumer.
	Push(ctx context.Context, runID string, payload continuation.Payload) error
	// Wait dequeues the oldest payload for runID, blocking until one is
	// available or ctx is done.
	Wait(ctx context.Context, runID string) (continuation.Payload, error)
	// Forget drops the payloads queued for runID and releases the resources
	// held for it.
	Forget(ctx context.Context, runID string) error
}
