package embed

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/kozaktomas/doppel/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// LinearConfig describes a frozen linear recognizer.
type LinearConfig struct {
	Dim         int    // embedding dimensionality
	ImageSize   int    // expected crop side length
	PoolFactor  int    // average-pooling window (ImageSize must be divisible by it)
	WeightSeed  int64  // seed for deterministic weight generation
	WeightsPath string // optional float32 weights file, overrides the seed
}

// Linear is a frozen average-pool + linear projection + L2 normalization
// embedding model. It stands in for the pretrained recognizer where a real
// serving process is unavailable (tests, offline runs) while keeping the
// same contract: deterministic weights, exact analytic input gradients, no
// parameter updates ever.
type Linear struct {
	dim      int
	size     int
	pool     int
	features int // 3 * (size/pool)^2
	weights  *mat.Dense
}

// NewLinear builds the model, generating weights from the configured seed or
// loading them from the weights file when one is given.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("embedding dim must be positive, got %d", cfg.Dim)
	}
	if cfg.PoolFactor <= 0 || cfg.ImageSize%cfg.PoolFactor != 0 {
		return nil, fmt.Errorf("image size %d not divisible by pool factor %d", cfg.ImageSize, cfg.PoolFactor)
	}
	side := cfg.ImageSize / cfg.PoolFactor
	features := 3 * side * side

	l := &Linear{
		dim:      cfg.Dim,
		size:     cfg.ImageSize,
		pool:     cfg.PoolFactor,
		features: features,
	}

	if cfg.WeightsPath != "" {
		w, err := loadWeights(cfg.WeightsPath, cfg.Dim, features)
		if err != nil {
			return nil, fmt.Errorf("failed to load weights: %w", err)
		}
		l.weights = w
		return l, nil
	}

	rng := rand.New(rand.NewSource(cfg.WeightSeed))
	scale := 1.0 / math.Sqrt(float64(features))
	data := make([]float64, cfg.Dim*features)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	l.weights = mat.NewDense(cfg.Dim, features, data)
	return l, nil
}

// loadWeights reads dim*features little-endian float32 values.
func loadWeights(path string, dim, features int) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw := make([]float32, dim*features)
	if err := binary.Read(f, binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("weights file %s too short for %dx%d model: %w", path, dim, features, err)
	}
	data := make([]float64, len(raw))
	for i, v := range raw {
		data[i] = float64(v)
	}
	return mat.NewDense(dim, features, data), nil
}

// Dim returns the embedding dimensionality.
func (l *Linear) Dim() int {
	return l.dim
}

// pooled average-pools one sample into a feature vector.
func (l *Linear) pooled(b *tensor.Batch, n int) (*mat.VecDense, error) {
	if b.C != 3 || b.H != l.size || b.W != l.size {
		return nil, fmt.Errorf("batch shape (%d,%d,%d) does not match model input (3,%d,%d)", b.C, b.H, b.W, l.size, l.size)
	}
	side := l.size / l.pool
	window := float64(l.pool * l.pool)
	f := mat.NewVecDense(l.features, nil)
	idx := 0
	for c := 0; c < 3; c++ {
		for py := 0; py < side; py++ {
			for px := 0; px < side; px++ {
				var sum float64
				for dy := 0; dy < l.pool; dy++ {
					for dx := 0; dx < l.pool; dx++ {
						sum += b.At(n, c, py*l.pool+dy, px*l.pool+dx)
					}
				}
				f.SetVec(idx, sum/window)
				idx++
			}
		}
	}
	return f, nil
}

// forward computes the L2-normalized embedding of one sample and returns it
// with the pre-normalization norm (needed for gradients).
func (l *Linear) forward(b *tensor.Batch, n int) (e *mat.VecDense, norm float64, err error) {
	f, err := l.pooled(b, n)
	if err != nil {
		return nil, 0, err
	}
	z := mat.NewVecDense(l.dim, nil)
	z.MulVec(l.weights, f)
	norm = mat.Norm(z, 2)
	if norm == 0 {
		return nil, 0, fmt.Errorf("sample %d maps to the zero embedding", n)
	}
	e = mat.NewVecDense(l.dim, nil)
	e.ScaleVec(1/norm, z)
	return e, norm, nil
}

// Embed computes one embedding per batch sample.
func (l *Linear) Embed(ctx context.Context, batch *tensor.Batch) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := mat.NewDense(batch.N, l.dim, nil)
	for n := 0; n < batch.N; n++ {
		e, _, err := l.forward(batch, n)
		if err != nil {
			return nil, err
		}
		out.SetRow(n, e.RawVector().Data)
	}
	return out, nil
}

// SimilarityGradient computes the gradient of the mean inner-product
// similarity with respect to the input batch.
//
// With f = pool(x), z = W f, e = z/|z| and s = <t, e>, the chain rule gives
// ds/dz = (t - s*e)/|z|, ds/df = W^T ds/dz, and ds/dx spreads each pooled
// cell's gradient uniformly over its window. The batch mean scales every
// sample's gradient by 1/N.
func (l *Linear) SimilarityGradient(ctx context.Context, batch *tensor.Batch, targetRep *mat.Dense) (*tensor.Batch, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	tr, tc := targetRep.Dims()
	if tr != batch.N || tc != l.dim {
		return nil, 0, fmt.Errorf("target embeddings are %dx%d, want %dx%d", tr, tc, batch.N, l.dim)
	}

	grad := tensor.New(batch.N, batch.C, batch.H, batch.W)
	side := l.size / l.pool
	window := float64(l.pool * l.pool)
	invN := 1.0 / float64(batch.N)

	var simSum float64
	dz := mat.NewVecDense(l.dim, nil)
	df := mat.NewVecDense(l.features, nil)
	for n := 0; n < batch.N; n++ {
		e, norm, err := l.forward(batch, n)
		if err != nil {
			return nil, 0, err
		}
		t := targetRep.RowView(n)
		s := mat.Dot(t, e)
		simSum += s

		// ds/dz = (t - s*e) / |z|
		dz.AddScaledVec(t, -s, e)
		dz.ScaleVec(1/norm, dz)

		// ds/df = W^T ds/dz
		df.MulVec(l.weights.T(), dz)

		// Spread pooled-cell gradients back over pixels.
		idx := 0
		for c := 0; c < 3; c++ {
			for py := 0; py < side; py++ {
				for px := 0; px < side; px++ {
					g := df.AtVec(idx) / window * invN
					idx++
					for dy := 0; dy < l.pool; dy++ {
						for dx := 0; dx < l.pool; dx++ {
							grad.Set(n, c, py*l.pool+dy, px*l.pool+dx, g)
						}
					}
				}
			}
		}
	}
	return grad, simSum * invN, nil
}
