// Package embedding provides the external text-embedding collaborator.
//
// The reconciler and the task handlers treat embedding as best-effort:
// a failed call degrades to an empty vector and never blocks persistence.
package embedding

import "context"

// Embedder turns text into a fixed-form numeric vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Func adapts a plain function to the Embedder interface.
type Func func(ctx context.Context, text string) ([]float32, error)

// Embed implements Embedder.
func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// Disabled is an Embedder that always returns an empty vector. It is used
// when no embedding endpoint is configured; tasks then persist without
// embeddings and similarity ranking is unavailable.
var Disabled Embedder = Func(func(context.Context, string) ([]float32, error) {
	return []float32{}, nil
})
