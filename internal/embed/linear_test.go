package embed

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/kozaktomas/doppel/internal/metrics"
	"github.com/kozaktomas/doppel/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

func testConfig() LinearConfig {
	return LinearConfig{Dim: 4, ImageSize: 8, PoolFactor: 2, WeightSeed: 7}
}

func randomBatch(t *testing.T, n, size int, seed int64) *tensor.Batch {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	b := tensor.New(n, 3, size, size)
	for i := range b.Data {
		b.Data[i] = rng.Float64()*2 - 1
	}
	return b
}

func TestNewLinearValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  LinearConfig
	}{
		{"zero dim", LinearConfig{Dim: 0, ImageSize: 8, PoolFactor: 2}},
		{"zero pool", LinearConfig{Dim: 4, ImageSize: 8, PoolFactor: 0}},
		{"indivisible pool", LinearConfig{Dim: 4, ImageSize: 8, PoolFactor: 3}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLinear(tc.cfg); err == nil {
				t.Error("expected config error")
			}
		})
	}
}

func TestLinearDeterministic(t *testing.T) {
	a, err := NewLinear(testConfig())
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	b, err := NewLinear(testConfig())
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	batch := randomBatch(t, 2, 8, 1)
	ctx := context.Background()

	ea, err := a.Embed(ctx, batch)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	eb, err := b.Embed(ctx, batch)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if !mat.EqualApprox(ea, eb, 1e-15) {
		t.Error("same seed should produce identical embeddings")
	}
}

func TestLinearEmbeddingsUnitNorm(t *testing.T) {
	l, err := NewLinear(testConfig())
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	batch := randomBatch(t, 3, 8, 2)

	rep, err := l.Embed(context.Background(), batch)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for i := 0; i < batch.N; i++ {
		norm := mat.Norm(rep.RowView(i), 2)
		if math.Abs(norm-1) > 1e-12 {
			t.Errorf("embedding %d has norm %v; want 1", i, norm)
		}
	}
}

// TestLinearGradientMatchesFiniteDifference checks the analytic input
// gradient against central finite differences of the similarity objective.
func TestLinearGradientMatchesFiniteDifference(t *testing.T) {
	l, err := NewLinear(testConfig())
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	ctx := context.Background()

	batch := randomBatch(t, 2, 8, 3)
	target := randomBatch(t, 2, 8, 4)
	targetRep, err := l.Embed(ctx, target)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	grad, _, err := l.SimilarityGradient(ctx, batch, targetRep)
	if err != nil {
		t.Fatalf("SimilarityGradient failed: %v", err)
	}

	objective := func(b *tensor.Batch) float64 {
		rep, err := l.Embed(ctx, b)
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		sim, err := metrics.MeanSimilarity(targetRep, rep)
		if err != nil {
			t.Fatalf("MeanSimilarity failed: %v", err)
		}
		return sim
	}

	const h = 1e-6
	rng := rand.New(rand.NewSource(5))
	for check := 0; check < 20; check++ {
		i := rng.Intn(len(batch.Data))

		plus := batch.Clone()
		plus.Data[i] += h
		minus := batch.Clone()
		minus.Data[i] -= h

		numeric := (objective(plus) - objective(minus)) / (2 * h)
		analytic := grad.Data[i]
		if math.Abs(numeric-analytic) > 1e-6 {
			t.Errorf("element %d: analytic gradient %v, finite difference %v", i, analytic, numeric)
		}
	}
}

func TestLinearGradientSimilarityMatchesEmbed(t *testing.T) {
	l, err := NewLinear(testConfig())
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	ctx := context.Background()

	batch := randomBatch(t, 2, 8, 6)
	target := randomBatch(t, 2, 8, 7)
	targetRep, err := l.Embed(ctx, target)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	_, sim, err := l.SimilarityGradient(ctx, batch, targetRep)
	if err != nil {
		t.Fatalf("SimilarityGradient failed: %v", err)
	}

	rep, err := l.Embed(ctx, batch)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	want, err := metrics.MeanSimilarity(targetRep, rep)
	if err != nil {
		t.Fatalf("MeanSimilarity failed: %v", err)
	}
	if math.Abs(sim-want) > 1e-12 {
		t.Errorf("SimilarityGradient similarity = %v; Embed path gives %v", sim, want)
	}
}

func TestLinearShapeErrors(t *testing.T) {
	l, err := NewLinear(testConfig())
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	ctx := context.Background()

	wrongSize := randomBatch(t, 1, 4, 8)
	if _, err := l.Embed(ctx, wrongSize); err == nil {
		t.Error("expected error for wrong crop size")
	}

	batch := randomBatch(t, 2, 8, 9)
	badTarget := mat.NewDense(1, 4, nil)
	if _, _, err := l.SimilarityGradient(ctx, batch, badTarget); err == nil {
		t.Error("expected error for target batch size mismatch")
	}
}
