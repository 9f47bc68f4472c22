// Package provider defines the uniform capability contract every upstream
// adapter implements: blocking generation, a cancellable push stream, and
// synchronous embeddings. Providers that lack a capability reject it with
// domain.ErrUnsupported instead of degrading silently.
package provider

import (
	"context"

	"github.com/tokengate/tokengate/internal/domain"
)

// Event is one incremental frame from a streaming call. Providers may
// interleave content fragments and usage-only frames; a usage-only frame
// has empty Content and a non-nil Usage snapshot.
type Event struct {
	Content string
	Usage   *domain.Usage
}

type Provider interface {
	ID() string

	// Generate performs a single blocking completion call.
	Generate(ctx context.Context, req domain.ChatRequest) (*domain.Completion, error)

	// Stream starts an upstream streaming call. Events are delivered until
	// the upstream signals end-of-stream, at which point the event channel
	// closes. At most one error is sent before both channels close.
	Stream(ctx context.Context, req domain.ChatRequest) (<-chan Event, <-chan error)

	// Embeddings maps input strings to vectors.
	Embeddings(ctx context.Context, req domain.EmbeddingsRequest) (*domain.EmbeddingsResponse, error)

	// Models lists model ids this adapter can serve.
	Models(ctx context.Context) ([]string, error)

	HealthCheck(ctx context.Context) error
}
