package detect

import (
	"fmt"
	"image"
	stddraw "image/draw"
	"math"

	"golang.org/x/image/draw"
)

// SquareBox expands a detection bbox into a margin-padded square clipped to
// the frame, so the crop keeps the recognizer's expected aspect ratio.
// Returns the square region and its side length.
func SquareBox(bbox []float64, frame image.Rectangle, margin float64) (image.Rectangle, int, error) {
	if len(bbox) != 4 {
		return image.Rectangle{}, 0, fmt.Errorf("bbox has %d coordinates, want 4", len(bbox))
	}
	x1, y1, x2, y2 := bbox[0]-margin, bbox[1]-margin, bbox[2]+margin, bbox[3]+margin
	if x2 <= x1 || y2 <= y1 {
		return image.Rectangle{}, 0, fmt.Errorf("degenerate bbox %v", bbox)
	}

	side := math.Max(x2-x1, y2-y1)
	cx, cy := (x1+x2)/2, (y1+y2)/2

	box := image.Rect(
		int(math.Round(cx-side/2)),
		int(math.Round(cy-side/2)),
		int(math.Round(cx+side/2)),
		int(math.Round(cy+side/2)),
	).Intersect(frame)
	if box.Empty() {
		return image.Rectangle{}, 0, fmt.Errorf("bbox %v lies outside the frame", bbox)
	}
	return box, box.Dx(), nil
}

// CropFace cuts the box out of the frame and resizes it to size x size.
func CropFace(frame image.Image, box image.Rectangle, size int) *image.RGBA {
	crop := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	stddraw.Draw(crop, crop.Bounds(), frame, box.Min, stddraw.Src)

	out := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(out, out.Bounds(), crop, crop.Bounds(), draw.Src, nil)
	return out
}

// RestoreCrop is the inverse of CropFace: it resizes a perturbed crop back
// to its original box size and composites it over a copy of the frame at the
// recorded location. The frame itself is never modified.
func RestoreCrop(frame image.Image, crop image.Image, meta *Metadata) (*image.RGBA, error) {
	bounds := frame.Bounds()
	out := image.NewRGBA(bounds)
	stddraw.Draw(out, bounds, frame, bounds.Min, stddraw.Src)

	box := image.Rect(
		int(math.Round(meta.Box[0])),
		int(math.Round(meta.Box[1])),
		int(math.Round(meta.Box[2])),
		int(math.Round(meta.Box[3])),
	)
	if box.Empty() {
		return nil, fmt.Errorf("metadata for %s has an empty box", meta.ID)
	}

	resized := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	draw.BiLinear.Scale(resized, resized.Bounds(), crop, crop.Bounds(), draw.Src, nil)

	stddraw.Draw(out, box, resized, image.Point{}, stddraw.Src)
	return out, nil
}
