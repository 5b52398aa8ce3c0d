package tensor

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestNormalizeDenormalizeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		pixel float64
	}{
		{"black", 0},
		{"white", 255},
		{"mid", 127.5},
		{"low", 1},
		{"high", 254},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			norm := Normalize(tc.pixel)
			back := Denormalize(norm)
			if math.Abs(back-tc.pixel) > 1e-9 {
				t.Errorf("Denormalize(Normalize(%v)) = %v; want %v", tc.pixel, back, tc.pixel)
			}
		})
	}
}

func TestNormalizeRange(t *testing.T) {
	// The full pixel range must map inside [-1, 1].
	for pixel := 0.0; pixel <= 255; pixel++ {
		norm := Normalize(pixel)
		if norm < -1 || norm > 1 {
			t.Fatalf("Normalize(%v) = %v, outside [-1, 1]", pixel, norm)
		}
	}
}

func TestClamp(t *testing.T) {
	b := New(1, 1, 2, 2)
	b.Data = []float64{-3, -1, 0.5, 7}
	b.Clamp(-1, 1)
	want := []float64{-1, -1, 0.5, 1}
	for i, v := range b.Data {
		if v != want[i] {
			t.Errorf("element %d = %v; want %v", i, v, want[i])
		}
	}
}

func TestAddScaled(t *testing.T) {
	b := New(1, 1, 1, 2)
	b.Data = []float64{1, 2}
	g := New(1, 1, 1, 2)
	g.Data = []float64{10, -10}

	if err := b.AddScaled(0.5, g); err != nil {
		t.Fatalf("AddScaled failed: %v", err)
	}
	if b.Data[0] != 6 || b.Data[1] != -3 {
		t.Errorf("got %v; want [6 -3]", b.Data)
	}

	mismatched := New(1, 1, 1, 3)
	if err := b.AddScaled(1, mismatched); err == nil {
		t.Error("expected error for mismatched shapes")
	}
}

func TestIsFinite(t *testing.T) {
	b := New(1, 1, 1, 3)
	if !b.IsFinite() {
		t.Error("zero batch should be finite")
	}
	b.Data[1] = math.NaN()
	if b.IsFinite() {
		t.Error("batch with NaN should not be finite")
	}
	b.Data[1] = math.Inf(1)
	if b.IsFinite() {
		t.Error("batch with Inf should not be finite")
	}
}

func TestFromImagesToImagesRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 60), uint8(y * 60), 128, 255})
		}
	}

	b, err := FromImages([]image.Image{img})
	if err != nil {
		t.Fatalf("FromImages failed: %v", err)
	}
	if b.N != 1 || b.C != 3 || b.H != 4 || b.W != 4 {
		t.Fatalf("unexpected shape (%d,%d,%d,%d)", b.N, b.C, b.H, b.W)
	}

	out := b.ToImages()
	if len(out) != 1 {
		t.Fatalf("got %d images; want 1", len(out))
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			want := img.RGBAAt(x, y)
			got := out[0].RGBAAt(x, y)
			if got != want {
				t.Errorf("pixel (%d,%d) = %v; want %v", x, y, got, want)
			}
		}
	}
}

func TestFromImagesSizeMismatch(t *testing.T) {
	a := image.NewRGBA(image.Rect(0, 0, 4, 4))
	b := image.NewRGBA(image.Rect(0, 0, 8, 8))
	if _, err := FromImages([]image.Image{a, b}); err == nil {
		t.Error("expected error for differently sized images")
	}
}

func TestSampleView(t *testing.T) {
	b := New(2, 3, 2, 2)
	for i := range b.Data {
		b.Data[i] = float64(i)
	}
	s := b.Sample(1)
	if len(s) != b.SampleSize() {
		t.Fatalf("sample has %d elements; want %d", len(s), b.SampleSize())
	}
	if s[0] != float64(b.SampleSize()) {
		t.Errorf("sample 1 starts at %v; want %v", s[0], float64(b.SampleSize()))
	}
	// The view aliases batch memory.
	s[0] = -1
	if b.Data[b.SampleSize()] != -1 {
		t.Error("Sample should return a view, not a copy")
	}
}
