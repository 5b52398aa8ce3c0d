// Package metrics provides the pixel-space and embedding-space measures used
// to score attack effectiveness.
package metrics

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PixelDistance computes the root-mean-square Euclidean distance between two
// equally-shaped pixel-value slices. It is zero for identical inputs,
// symmetric, and grows monotonically with pixel-wise divergence.
func PixelDistance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("shape mismatch: %d vs %d elements", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("empty input")
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(a))), nil
}

// ImageDistance is PixelDistance over two same-sized images, flattened
// across all RGB channels.
func ImageDistance(a, b image.Image) (float64, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return 0, fmt.Errorf("image size mismatch: %dx%d vs %dx%d", ab.Dx(), ab.Dy(), bb.Dx(), bb.Dy())
	}
	if ab.Dx() == 0 || ab.Dy() == 0 {
		return 0, fmt.Errorf("empty image")
	}
	var sum float64
	n := 0
	for y := 0; y < ab.Dy(); y++ {
		for x := 0; x < ab.Dx(); x++ {
			ar, ag, az, _ := a.At(ab.Min.X+x, ab.Min.Y+y).RGBA()
			br, bg, bz, _ := b.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			for _, d := range [3]float64{
				float64(ar>>8) - float64(br>>8),
				float64(ag>>8) - float64(bg>>8),
				float64(az>>8) - float64(bz>>8),
			} {
				sum += d * d
				n++
			}
		}
	}
	return math.Sqrt(sum / float64(n)), nil
}

// MeanSimilarity computes the mean over batch rows of the inner product
// between corresponding rows of target and current embeddings.
func MeanSimilarity(target, current *mat.Dense) (float64, error) {
	tr, tc := target.Dims()
	cr, cc := current.Dims()
	if tr != cr || tc != cc {
		return 0, fmt.Errorf("embedding shape mismatch: %dx%d vs %dx%d", tr, tc, cr, cc)
	}
	if tr == 0 {
		return 0, fmt.Errorf("empty embedding batch")
	}
	var sum float64
	for i := 0; i < tr; i++ {
		sum += mat.Dot(target.RowView(i), current.RowView(i))
	}
	return sum / float64(tr), nil
}

// Finite reports whether v is a usable number (not NaN, not infinite).
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
