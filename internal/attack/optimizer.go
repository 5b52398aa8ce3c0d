// Package attack implements the iterative gradient-ascent perturbation of
// source face crops toward a target identity's embedding.
package attack

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/doppel/internal/embed"
	"github.com/kozaktomas/doppel/internal/metrics"
	"github.com/kozaktomas/doppel/internal/tensor"
)

// ErrNumericInstability marks an optimization that produced a non-finite
// gradient or similarity. The batch is reported as failed instead of
// emitting corrupted images.
var ErrNumericInstability = errors.New("non-finite value during optimization")

const (
	// DefaultStopSimilarity is the mean similarity above which the
	// attack is treated as converged.
	DefaultStopSimilarity = 0.99

	clampLo = -1.0
	clampHi = 1.0
)

// Options tune one attack run.
type Options struct {
	LR             float64 // ascent step size
	Steps          int     // maximum iteration count
	StopSimilarity float64 // early-stop threshold, DefaultStopSimilarity when zero
}

// Result is the immutable outcome of one optimized batch.
type Result struct {
	Perturbed  *tensor.Batch // normalized space, clamped to [-1, 1]
	PixelDist  float64       // mean per-sample pixel-space distance to the target
	Similarity float64       // final mean embedding similarity
	Steps      int           // iterations actually executed
}

// Run perturbs a copy of source so its embedding under the frozen provider
// converges toward target's embedding.
//
// The target embedding is computed once up front and never receives
// gradient flow. Each step computes a fresh gradient of the mean
// inner-product similarity with respect to the working batch, takes an
// ascent step, and projects back into the valid pixel range; no computation
// history survives between steps. The loop stops early once mean similarity
// exceeds the threshold.
func Run(ctx context.Context, provider embed.Provider, source, target *tensor.Batch, opts Options) (*Result, error) {
	if opts.Steps <= 0 {
		return nil, fmt.Errorf("step budget must be positive, got %d", opts.Steps)
	}
	if opts.LR <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", opts.LR)
	}
	stop := opts.StopSimilarity
	if stop == 0 {
		stop = DefaultStopSimilarity
	}

	targetRep, err := provider.Embed(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to embed target batch: %w", err)
	}

	working := source.Clone()
	steps := 0
	for step := 1; step <= opts.Steps; step++ {
		grad, similarity, err := provider.SimilarityGradient(ctx, working, targetRep)
		if err != nil {
			return nil, fmt.Errorf("gradient computation failed at step %d: %w", step, err)
		}
		if !metrics.Finite(similarity) || !grad.IsFinite() {
			return nil, fmt.Errorf("step %d: %w", step, ErrNumericInstability)
		}

		if err := working.AddScaled(opts.LR, grad); err != nil {
			return nil, fmt.Errorf("ascent update failed: %w", err)
		}
		working.Clamp(clampLo, clampHi)
		steps = step

		if similarity > stop {
			break
		}
	}

	finalRep, err := provider.Embed(ctx, working)
	if err != nil {
		return nil, fmt.Errorf("failed to embed perturbed batch: %w", err)
	}
	similarity, err := metrics.MeanSimilarity(targetRep, finalRep)
	if err != nil {
		return nil, err
	}
	if !metrics.Finite(similarity) {
		return nil, fmt.Errorf("final similarity: %w", ErrNumericInstability)
	}

	pixelDist, err := meanPixelDistance(working, target)
	if err != nil {
		return nil, err
	}

	return &Result{
		Perturbed:  working,
		PixelDist:  pixelDist,
		Similarity: similarity,
		Steps:      steps,
	}, nil
}

// meanPixelDistance averages the per-sample pixel-space distance between two
// normalized batches after denormalizing both.
func meanPixelDistance(a, b *tensor.Batch) (float64, error) {
	if a.N != b.N {
		return 0, fmt.Errorf("batch size mismatch: %d vs %d", a.N, b.N)
	}
	var sum float64
	size := a.SampleSize()
	pa := make([]float64, size)
	pb := make([]float64, size)
	for n := 0; n < a.N; n++ {
		for i, v := range a.Sample(n) {
			pa[i] = tensor.Denormalize(v)
		}
		for i, v := range b.Sample(n) {
			pb[i] = tensor.Denormalize(v)
		}
		d, err := metrics.PixelDistance(pa, pb)
		if err != nil {
			return 0, err
		}
		sum += d
	}
	return sum / float64(a.N), nil
}
