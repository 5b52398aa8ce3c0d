package dataset

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kozaktomas/doppel/internal/tensor"
)

const cropSuffix = "_cropped.png"

// CropPath returns the path of the cropped face image for an id.
func CropPath(dir, id string) string {
	return filepath.Join(dir, id+cropSuffix)
}

// ListCropIDs returns the sorted ids of all face crops in dir.
func ListCropIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read crop directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), cropSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), cropSuffix))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no face crops found in %s", dir)
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadImage decodes a single image file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// SaveImage writes an image as PNG.
func SaveImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

// Loader yields fixed-size batches of paired source/target crop tensors.
type Loader struct {
	dir       string
	pairs     []Pair
	batchSize int
	workers   int
}

// Batch is one loaded batch of paired, normalized crops.
type Batch struct {
	Source *tensor.Batch
	Target *tensor.Batch
	Pairs  []Pair
}

// NewLoader creates a loader over the crop directory. The final batch may be
// smaller than batchSize; nothing is dropped.
func NewLoader(dir string, pairs []Pair, batchSize, workers int) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if workers <= 0 {
		workers = 1
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pairs to load")
	}
	return &Loader{dir: dir, pairs: pairs, batchSize: batchSize, workers: workers}, nil
}

// Batches returns the number of batches the loader yields.
func (l *Loader) Batches() int {
	return (len(l.pairs) + l.batchSize - 1) / l.batchSize
}

// Load decodes the idx-th batch. Decoding is fanned out over a bounded
// worker pool; samples are independent and reassembled in pair order.
func (l *Loader) Load(ctx context.Context, idx int) (*Batch, error) {
	if idx < 0 || idx >= l.Batches() {
		return nil, fmt.Errorf("batch index %d out of range [0, %d)", idx, l.Batches())
	}
	start := idx * l.batchSize
	end := min(start+l.batchSize, len(l.pairs))
	batchPairs := l.pairs[start:end]

	sources := make([]image.Image, len(batchPairs))
	targets := make([]image.Image, len(batchPairs))
	errs := make([]error, len(batchPairs))

	sem := make(chan struct{}, l.workers)
	var wg sync.WaitGroup
	for i, p := range batchPairs {
		wg.Add(1)
		go func(i int, p Pair) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			src, err := LoadImage(CropPath(l.dir, p.SourceID))
			if err != nil {
				errs[i] = err
				return
			}
			tgt, err := LoadImage(CropPath(l.dir, p.TargetID))
			if err != nil {
				errs[i] = err
				return
			}
			sources[i] = src
			targets[i] = tgt
		}(i, p)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to load pair %s -> %s: %w", batchPairs[i].SourceID, batchPairs[i].TargetID, err)
		}
	}

	source, err := tensor.FromImages(sources)
	if err != nil {
		return nil, fmt.Errorf("failed to build source batch: %w", err)
	}
	target, err := tensor.FromImages(targets)
	if err != nil {
		return nil, fmt.Errorf("failed to build target batch: %w", err)
	}
	return &Batch{Source: source, Target: target, Pairs: batchPairs}, nil
}
