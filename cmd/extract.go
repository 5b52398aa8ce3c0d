package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/doppel/internal/config"
	"github.com/kozaktomas/doppel/internal/dataset"
	"github.com/kozaktomas/doppel/internal/detect"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Detect and crop faces from a directory of images",
	Long: `Detect the face in every PNG image of a directory using the external
face-detection service, crop and resize it to the recognizer's input size
and store the crop together with a metadata sidecar describing where it was
cut from. The sidecar is required later to composite the perturbed crop back
into the full-resolution frame.

Crops are written to <dir>_cropped/<id>_cropped.png with <id>_info.json
sidecars.

Examples:
  # Crop faces from the validation set
  doppel extract --dir val

  # Larger crops with more context around the face
  doppel extract --dir test --image-size 224 --margin 10`,
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().String("dir", "", "Directory of source images (required)")
	extractCmd.Flags().Int("image-size", 160, "Side length of the cropped face images")
	extractCmd.Flags().Float64("margin", 5, "Margin in pixels added around the detected face")
	extractCmd.Flags().Int("concurrency", 4, "Number of parallel workers")
	_ = extractCmd.MarkFlagRequired("dir")
}

func runExtract(cmd *cobra.Command, args []string) error {
	dir := mustGetString(cmd, "dir")
	imageSize := mustGetInt(cmd, "image-size")
	margin := mustGetFloat64(cmd, "margin")
	concurrency := mustGetInt(cmd, "concurrency")

	ctx := context.Background()
	cfg := config.Load()
	detector := detect.NewClient(cfg.Detector.URL)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".png") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no PNG images found in %s", dir)
	}

	cropDir := dir + "_cropped"
	if err := os.MkdirAll(cropDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", cropDir, err)
	}

	fmt.Printf("Extracting faces from %d images in %s\n", len(files), dir)
	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Extracting faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	var successCount, errorCount int
	var mu sync.Mutex

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, file := range files {
		wg.Add(1)
		go func(file string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			id := strings.TrimSuffix(file, ".png")
			if err := extractOne(ctx, detector, dir, cropDir, file, id, imageSize, margin); err != nil {
				mu.Lock()
				errorCount++
				mu.Unlock()
				fmt.Printf("\n%s: %v\n", id, err)
				bar.Add(1)
				return
			}
			mu.Lock()
			successCount++
			mu.Unlock()
			bar.Add(1)
		}(file)
	}
	wg.Wait()
	fmt.Println()

	fmt.Printf("\nCompleted: %d successful, %d errors\n", successCount, errorCount)
	return nil
}

func extractOne(ctx context.Context, detector *detect.Client, dir, cropDir, file, id string, imageSize int, margin float64) error {
	path := filepath.Join(dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	face, err := detector.DetectBest(ctx, data)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}

	frame, err := dataset.LoadImage(path)
	if err != nil {
		return err
	}

	box, boxSize, err := detect.SquareBox(face.BBox, frame.Bounds(), margin)
	if err != nil {
		return err
	}

	crop := detect.CropFace(frame, box, imageSize)
	if err := dataset.SaveImage(dataset.CropPath(cropDir, id), crop); err != nil {
		return err
	}

	meta := &detect.Metadata{
		ID:      id,
		Box:     [4]float64{float64(box.Min.X), float64(box.Min.Y), float64(box.Max.X), float64(box.Max.Y)},
		BoxSize: boxSize,
	}
	return detect.SaveMetadata(cropDir, meta)
}
