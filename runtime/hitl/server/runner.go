package server

import (
	"context"

	"goa.design/hitl/runtime/hitl/chunk"
	"goa.design/hitl/runtime/hitl/continuation"
)

type (
	// Emitter writes one chunk to the client stream.
	Emitter func(chunk.Chunk) error

	// Runner executes runs on behalf of the chat endpoint. A run may pause on
	// pending approvals or client tools; the server then waits for a
	// continuation and hands it to Resume until HasPending reports false.
	Runner interface {
		// Start runs the model on the user text of a new turn.
		Start(ctx context.Context, runID, text string, emit Emitter) error
		// Resume continues a paused run with a continuation payload.
		Resume(ctx context.Context, runID string, payload continuation.Payload, emit Emitter) error
		// HasPending reports whether the run waits on approvals or client
		// tool results.
		HasPending(ctx context.Context, runID string) (bool, error)
	}
)
