// Package embeddings defines the Provider interface for vector embedding backends.
//
// The transcript archive embeds finished turns so past conversations can be
// searched semantically. Any backend that maps text to dense float32 vectors
// can serve: a hosted API such as OpenAI text-embedding-3 or a local model
// behind Ollama.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). The archive sizes its vector
// column from Dimensions at startup, so the value must be stable for the
// lifetime of the instance.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails
	// or ctx is cancelled. Text is passed through verbatim; any
	// model-specific prefixing is the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// provider call. The returned slice has the same length as texts and the
	// i-th element corresponds to texts[i]. On error the entire result is
	// nil; partial results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging
	// and for verifying that archived vectors were produced by the same
	// model that queries use.
	ModelID() string
}
