// Package embed defines the frozen face-embedding provider consumed by the
// attack and its two implementations: a hermetic linear model with analytic
// gradients and a client for a remote embedding server wrapping the real
// pretrained recognizer.
package embed

import (
	"context"

	"github.com/kozaktomas/doppel/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// Provider maps normalized face batches to fixed-length embedding vectors.
//
// The model behind a Provider is frozen: no call may mutate its parameters,
// and implementations must be safe for concurrent use. SimilarityGradient
// computes the gradient of the mean inner-product similarity with respect to
// the input batch only; no gradient state survives between calls.
type Provider interface {
	// Dim returns the embedding dimensionality.
	Dim() int

	// Embed computes one embedding per batch sample, returned as rows of
	// a (batch, dim) matrix.
	Embed(ctx context.Context, batch *tensor.Batch) (*mat.Dense, error)

	// SimilarityGradient returns the gradient of
	// mean_b <target_b, embed(x_b)> with respect to the input batch,
	// together with the current mean similarity. targetRep must have one
	// row per batch sample.
	SimilarityGradient(ctx context.Context, batch *tensor.Batch, targetRep *mat.Dense) (*tensor.Batch, float64, error)
}
