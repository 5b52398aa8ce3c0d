package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/coder/hnsw"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/doppel/internal/config"
	"github.com/kozaktomas/doppel/internal/dataset"
	"github.com/kozaktomas/doppel/internal/detect"
	"github.com/kozaktomas/doppel/internal/embed"
	"github.com/kozaktomas/doppel/internal/tensor"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify attack success via nearest-neighbor search",
	Long: `Re-crop each adversarial frame produced by a previous attack run, embed
the crop and check whether its nearest neighbor among all target crop
embeddings is the intended target identity. This judges attack success by
retrieval instead of trusting the optimizer's own similarity score.

Examples:
  # Verify a self-paired validation run
  doppel verify --dir val --log-dir logs

  # Verify an evaluation run
  doppel verify --dir test --log-dir logs --mode test`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().String("dir", "", "Directory of original images; crops are read from <dir>_cropped (required)")
	verifyCmd.Flags().String("log-dir", "logs", "Log directory of the attack run to verify")
	verifyCmd.Flags().String("mode", "val", "Run mode subdirectory (val or test)")
	verifyCmd.Flags().Int("image-size", 160, "Side length of the face crops")
	verifyCmd.Flags().String("pretrained", "vggface2", "Pretrained recognizer preset (vggface2, casia-webface)")
	verifyCmd.Flags().Bool("remote", false, "Use the remote embedding server instead of the local linear model")
	_ = verifyCmd.MarkFlagRequired("dir")
}

func runVerify(cmd *cobra.Command, args []string) error {
	dir := mustGetString(cmd, "dir")
	logDir := mustGetString(cmd, "log-dir")
	mode := mustGetString(cmd, "mode")
	imageSize := mustGetInt(cmd, "image-size")
	pretrained := mustGetString(cmd, "pretrained")
	remote := mustGetBool(cmd, "remote")

	ctx := context.Background()
	cfg := config.Load()
	cropDir := dir + "_cropped"
	runDir := filepath.Join(logDir, mode)

	provider, err := buildProvider(cfg, pretrained, imageSize, remote)
	if err != nil {
		return err
	}

	records, err := loadPairRecords(filepath.Join(runDir, "pairs.json"))
	if err != nil {
		return err
	}

	ids, err := dataset.ListCropIDs(cropDir)
	if err != nil {
		return err
	}

	// Index all target crop embeddings.
	fmt.Printf("Indexing %d target crops\n", len(ids))
	graph := hnsw.NewGraph[string]()
	graph.Distance = hnsw.CosineDistance
	for _, id := range ids {
		vec, err := embedImagePath(ctx, provider, dataset.CropPath(cropDir, id))
		if err != nil {
			return fmt.Errorf("failed to embed target crop %s: %w", id, err)
		}
		graph.Add(hnsw.MakeNode(id, vec))
	}

	bar := progressbar.NewOptions(len(records),
		progressbar.OptionSetDescription("Verifying"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	hits, misses := 0, 0
	for _, rec := range records {
		sourceID := strings.TrimSuffix(rec.Adversarial, "_adv.png")
		targetID := strings.TrimSuffix(rec.Target, ".png")

		vec, err := embedAdversarialCrop(ctx, provider, runDir, cropDir, sourceID, imageSize)
		if err != nil {
			return fmt.Errorf("failed to embed adversarial crop %s: %w", sourceID, err)
		}

		neighbors := graph.Search(vec, 1)
		if len(neighbors) == 1 && neighbors[0].Key == targetID {
			hits++
		} else {
			misses++
		}
		bar.Add(1)
	}
	fmt.Println()

	total := hits + misses
	if total == 0 {
		return fmt.Errorf("no pair records found in %s", runDir)
	}
	fmt.Printf("\nVerified: %d of %d adversarial frames retrieve their target (%.1f%%)\n",
		hits, total, 100*float64(hits)/float64(total))
	return nil
}

// embedAdversarialCrop re-crops the saved adversarial frame with the source
// frame's detection metadata and embeds the crop.
func embedAdversarialCrop(ctx context.Context, provider embed.Provider, runDir, cropDir, sourceID string, imageSize int) ([]float32, error) {
	meta, err := detect.LoadMetadata(cropDir, sourceID)
	if err != nil {
		return nil, err
	}
	frame, err := dataset.LoadImage(filepath.Join(runDir, sourceID+"_adv.png"))
	if err != nil {
		return nil, err
	}
	box := image.Rect(
		int(math.Round(meta.Box[0])),
		int(math.Round(meta.Box[1])),
		int(math.Round(meta.Box[2])),
		int(math.Round(meta.Box[3])),
	)
	crop := detect.CropFace(frame, box, imageSize)
	return embedImage(ctx, provider, crop)
}

func embedImagePath(ctx context.Context, provider embed.Provider, path string) ([]float32, error) {
	img, err := dataset.LoadImage(path)
	if err != nil {
		return nil, err
	}
	return embedImage(ctx, provider, img)
}

func embedImage(ctx context.Context, provider embed.Provider, img image.Image) ([]float32, error) {
	batch, err := tensor.FromImages([]image.Image{img})
	if err != nil {
		return nil, err
	}
	rep, err := provider.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	vec := make([]float32, provider.Dim())
	for i := range vec {
		vec[i] = float32(rep.At(0, i))
	}
	return vec, nil
}

// pairRecord mirrors the entries of a run's pairs.json.
type pairRecord struct {
	Adversarial string `json:"adversarial"`
	Target      string `json:"target"`
}

func loadPairRecords(path string) ([]pairRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pairing list: %w", err)
	}
	var records []pairRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return records, nil
}
