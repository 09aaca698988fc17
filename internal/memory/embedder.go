package memory

import "context"

// Embedder produces a vector embedding for a memory's text. The engine is
// agnostic about the model behind it; implementations wrap whatever
// embedding provider the surrounding service configures.
//
// A nil Embedder is valid everywhere one is accepted: records without an
// embedding simply skip the vector tier until one becomes available.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
