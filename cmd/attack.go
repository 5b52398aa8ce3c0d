package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/doppel/internal/attack"
	"github.com/kozaktomas/doppel/internal/config"
	"github.com/kozaktomas/doppel/internal/dataset"
	"github.com/kozaktomas/doppel/internal/embed"
	"github.com/kozaktomas/doppel/internal/runner"
)

var attackCmd = &cobra.Command{
	Use:   "attack",
	Short: "Run the impersonation attack over extracted face crops",
	Long: `Perturb each source face crop so that its embedding under the frozen
recognizer converges toward its paired target's embedding, then composite
the perturbed crops back into the full-resolution frames.

Without --pairs the run is self-paired: the id list is randomly permuted
against itself (seeded, reproducible). With --pairs the (source, target)
associations are read from the given whitespace-separated file.

Adversarial frames, the pairing list and a run manifest are written under
the log directory.

Examples:
  # Self-paired attack on the validation set
  doppel attack --dir val --log-dir logs

  # Evaluation attack driven by an external pairing list
  doppel attack --dir test --pairs test/pair.txt --log-dir logs

  # Attack through the remote embedding server
  doppel attack --dir val --log-dir logs --remote`,
	RunE: runAttack,
}

func init() {
	rootCmd.AddCommand(attackCmd)

	attackCmd.Flags().String("dir", "", "Directory of original images; crops are read from <dir>_cropped (required)")
	attackCmd.Flags().String("pairs", "", "Pair file with 'source target' lines (default: self-paired mode)")
	attackCmd.Flags().String("log-dir", "logs", "Location to save attack outputs")
	attackCmd.Flags().Int("batch-size", 1, "Attack batch size")
	attackCmd.Flags().Float64("lr", 1.0, "Attack learning rate")
	attackCmd.Flags().Int("steps", 300, "Number of iterative attack steps")
	attackCmd.Flags().Int("image-size", 160, "Side length of the face crops")
	attackCmd.Flags().String("pretrained", "vggface2", "Pretrained recognizer preset (vggface2, casia-webface)")
	attackCmd.Flags().Int64("seed", 1234, "Random seed for self-paired mode")
	attackCmd.Flags().Bool("remote", false, "Use the remote embedding server instead of the local linear model")
	attackCmd.Flags().Int("concurrency", 4, "Number of parallel image decoders")
	_ = attackCmd.MarkFlagRequired("dir")
}

func runAttack(cmd *cobra.Command, args []string) error {
	dir := mustGetString(cmd, "dir")
	pairFile := mustGetString(cmd, "pairs")
	logDir := mustGetString(cmd, "log-dir")
	batchSize := mustGetInt(cmd, "batch-size")
	lr := mustGetFloat64(cmd, "lr")
	steps := mustGetInt(cmd, "steps")
	imageSize := mustGetInt(cmd, "image-size")
	pretrained := mustGetString(cmd, "pretrained")
	seed := mustGetInt64(cmd, "seed")
	remote := mustGetBool(cmd, "remote")
	concurrency := mustGetInt(cmd, "concurrency")

	ctx := context.Background()
	cfg := config.Load()
	cropDir := dir + "_cropped"

	provider, err := buildProvider(cfg, pretrained, imageSize, remote)
	if err != nil {
		return err
	}

	var pairs []dataset.Pair
	mode := "val"
	if pairFile != "" {
		mode = "test"
		pairs, err = loadPairFile(pairFile)
	} else {
		var ids []string
		ids, err = dataset.ListCropIDs(cropDir)
		if err == nil {
			pairs = dataset.SelfPairs(ids, seed)
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("==> Attack on %s set (%d pairs, batch size %d)\n", mode, len(pairs), batchSize)

	r := &runner.Runner{
		Provider:   provider,
		CropDir:    cropDir,
		FrameDir:   dir,
		LogDir:     filepath.Join(logDir, mode),
		BatchSize:  batchSize,
		Workers:    concurrency,
		Attack:     attack.Options{LR: lr, Steps: steps},
		Pretrained: pretrained,
	}
	stats, err := r.Run(ctx, pairs, mode, seed)
	if err != nil {
		return fmt.Errorf("attack run failed: %w", err)
	}

	fmt.Printf("=>[%s] pixel dist: %.3f, pixel_crop_dist: %.3f, rep_dist: %.3f\n",
		mode, stats.FramePixelDist, stats.CropPixelDist, stats.Similarity)
	if stats.Failed > 0 {
		fmt.Printf("Failed samples: %d of %d\n", stats.Failed, stats.Failed+stats.Samples)
	}
	return nil
}

// buildProvider picks the embedding provider: the hermetic linear model by
// default, the remote embedding server with --remote.
func buildProvider(cfg *config.Config, pretrained string, imageSize int, remote bool) (embed.Provider, error) {
	if remote {
		return embed.NewRemote(cfg.Embedding.URL, cfg.Embedding.Dim), nil
	}
	preset, err := cfg.Preset(pretrained)
	if err != nil {
		return nil, err
	}
	provider, err := embed.NewLinear(embed.LinearConfig{
		Dim:         preset.Dim,
		ImageSize:   imageSize,
		PoolFactor:  preset.PoolFactor,
		WeightSeed:  preset.WeightSeed,
		WeightsPath: cfg.Embedding.WeightsPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s model: %w", pretrained, err)
	}
	return provider, nil
}

// loadPairFile reads an external pairing list, accepting either bare ids or
// image filenames per field.
func loadPairFile(path string) ([]dataset.Pair, error) {
	pairs, err := dataset.PairsFromFile(path)
	if err != nil {
		return nil, err
	}
	for i := range pairs {
		pairs[i].SourceID = trimImageName(pairs[i].SourceID)
		pairs[i].TargetID = trimImageName(pairs[i].TargetID)
	}
	return pairs, nil
}

func trimImageName(name string) string {
	name = strings.TrimSuffix(name, ".png")
	return strings.TrimSuffix(name, "_cropped")
}
