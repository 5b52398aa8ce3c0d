// Package tensor holds normalized image batches for the attack pipeline.
//
// Images are stored as float64 values in (N, C, H, W) layout, normalized to
// [-1, 1] with t = (pixel - 127.5) / 128.0. Every batch handed to an
// embedding provider must be in this range; Denormalize is the exact inverse
// affine map back to [0, 255] pixel space.
package tensor

import (
	"fmt"
	"image"
	"math"
)

const (
	normShift = 127.5
	normScale = 128.0
)

// Batch is a batch of images in (N, C, H, W) layout.
type Batch struct {
	N, C, H, W int
	Data       []float64
}

// New allocates a zero-filled batch with the given dimensions.
func New(n, c, h, w int) *Batch {
	return &Batch{N: n, C: c, H: h, W: w, Data: make([]float64, n*c*h*w)}
}

// FromImages decodes a slice of equally-sized images into a normalized batch.
func FromImages(imgs []image.Image) (*Batch, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("empty image list")
	}
	bounds := imgs[0].Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	b := New(len(imgs), 3, h, w)
	for i, img := range imgs {
		ib := img.Bounds()
		if ib.Dx() != w || ib.Dy() != h {
			return nil, fmt.Errorf("image %d is %dx%d, want %dx%d", i, ib.Dx(), ib.Dy(), w, h)
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, bl, _ := img.At(ib.Min.X+x, ib.Min.Y+y).RGBA()
				b.Set(i, 0, y, x, normalize(float64(r>>8)))
				b.Set(i, 1, y, x, normalize(float64(g>>8)))
				b.Set(i, 2, y, x, normalize(float64(bl>>8)))
			}
		}
	}
	return b, nil
}

func normalize(pixel float64) float64 {
	return (pixel - normShift) / normScale
}

// Denormalize maps a normalized value back to pixel space: pixel = t*128 + 127.5.
func Denormalize(t float64) float64 {
	return t*normScale + normShift
}

// Normalize maps a pixel value into the normalized range.
func Normalize(pixel float64) float64 {
	return normalize(pixel)
}

func (b *Batch) index(n, c, y, x int) int {
	return ((n*b.C+c)*b.H+y)*b.W + x
}

// At returns the element at (n, c, y, x).
func (b *Batch) At(n, c, y, x int) float64 {
	return b.Data[b.index(n, c, y, x)]
}

// Set writes the element at (n, c, y, x).
func (b *Batch) Set(n, c, y, x int, v float64) {
	b.Data[b.index(n, c, y, x)] = v
}

// SampleSize returns the number of elements per sample (C*H*W).
func (b *Batch) SampleSize() int {
	return b.C * b.H * b.W
}

// Sample returns the i-th sample's data as a slice view into the batch.
func (b *Batch) Sample(i int) []float64 {
	size := b.SampleSize()
	return b.Data[i*size : (i+1)*size]
}

// Clone returns a deep copy of the batch.
func (b *Batch) Clone() *Batch {
	out := &Batch{N: b.N, C: b.C, H: b.H, W: b.W, Data: make([]float64, len(b.Data))}
	copy(out.Data, b.Data)
	return out
}

// AddScaled performs b += scale * g elementwise. The two batches must have
// identical shapes.
func (b *Batch) AddScaled(scale float64, g *Batch) error {
	if len(g.Data) != len(b.Data) {
		return fmt.Errorf("shape mismatch: %d vs %d elements", len(b.Data), len(g.Data))
	}
	for i, v := range g.Data {
		b.Data[i] += scale * v
	}
	return nil
}

// Clamp projects every element into [lo, hi].
func (b *Batch) Clamp(lo, hi float64) {
	for i, v := range b.Data {
		if v < lo {
			b.Data[i] = lo
		} else if v > hi {
			b.Data[i] = hi
		}
	}
}

// IsFinite reports whether every element is a finite number.
func (b *Batch) IsFinite() bool {
	for _, v := range b.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ToImages denormalizes the batch back to pixel space and renders each
// sample as an RGBA image, clamping pixel values into [0, 255].
func (b *Batch) ToImages() []*image.RGBA {
	imgs := make([]*image.RGBA, b.N)
	for i := 0; i < b.N; i++ {
		img := image.NewRGBA(image.Rect(0, 0, b.W, b.H))
		for y := 0; y < b.H; y++ {
			for x := 0; x < b.W; x++ {
				img.SetRGBA(x, y, imageColor(
					Denormalize(b.At(i, 0, y, x)),
					Denormalize(b.At(i, 1, y, x)),
					Denormalize(b.At(i, 2, y, x)),
				))
			}
		}
		imgs[i] = img
	}
	return imgs
}
