// Package runner drives full attack runs: it loads paired crop batches,
// invokes the perturbation optimizer, composites the perturbed crops back
// into their full-resolution frames and aggregates the run statistics.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/kozaktomas/doppel/internal/attack"
	"github.com/kozaktomas/doppel/internal/dataset"
	"github.com/kozaktomas/doppel/internal/detect"
	"github.com/kozaktomas/doppel/internal/embed"
	"github.com/kozaktomas/doppel/internal/metrics"
)

// Runner configures one attack run over a crop directory.
type Runner struct {
	Provider   embed.Provider
	CropDir    string // face crops and their metadata sidecars
	FrameDir   string // original full-resolution frames, <id>.png
	LogDir     string // run outputs: adversarial frames, pairs.json, manifest.json
	BatchSize  int
	Workers    int // parallel image decoders
	Attack     attack.Options
	Pretrained string // preset name, recorded in the manifest
}

// Stats aggregates a finished run.
type Stats struct {
	FramePixelDist float64 `json:"frame_pixel_dist"` // mean full-frame distance, adversarial vs original
	CropPixelDist  float64 `json:"crop_pixel_dist"`  // mean perturbed-crop distance to the target crop
	Similarity     float64 `json:"similarity"`       // mean final embedding similarity
	Samples        int     `json:"samples"`
	Failed         int     `json:"failed"` // samples lost to numeric instability or I/O
}

// pairRecord is one line of the serialized pairing list.
type pairRecord struct {
	Adversarial string `json:"adversarial"`
	Target      string `json:"target"`
}

// manifest describes a run for later inspection and verification.
type manifest struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	Seed       int64     `json:"seed"`
	Pretrained string    `json:"pretrained"`
	LR         float64   `json:"lr"`
	Steps      int       `json:"steps"`
	StartedAt  time.Time `json:"started_at"`
	Stats      *Stats    `json:"stats"`
}

// Run executes the attack over the given pairs. Mode and seed are recorded
// in the manifest only; pair sourcing already happened upstream.
func (r *Runner) Run(ctx context.Context, pairs []dataset.Pair, mode string, seed int64) (*Stats, error) {
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	loader, err := dataset.NewLoader(r.CropDir, pairs, r.BatchSize, r.Workers)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	stats := &Stats{}
	var records []pairRecord
	var cropDistSum, simSum, frameDistSum float64
	batchesDone, framesDone := 0, 0

	bar := progressbar.NewOptions(loader.Batches(),
		progressbar.OptionSetDescription("Attacking"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	for idx := 0; idx < loader.Batches(); idx++ {
		batch, err := loader.Load(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", idx, err)
		}

		result, err := attack.Run(ctx, r.Provider, batch.Source, batch.Target, r.Attack)
		if errors.Is(err, attack.ErrNumericInstability) {
			fmt.Printf("batch %d failed: %v\n", idx+1, err)
			stats.Failed += len(batch.Pairs)
			bar.Add(1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", idx, err)
		}

		cropDistSum += result.PixelDist
		simSum += result.Similarity
		batchesDone++
		fmt.Printf("sample %d, rep_similarity: %.3f\n", idx+1, result.Similarity)

		advCrops := result.Perturbed.ToImages()
		for i, p := range batch.Pairs {
			meta, err := detect.LoadMetadata(r.CropDir, p.SourceID)
			if err != nil {
				// Without the sidecar the crop cannot be mapped back;
				// treat as a broken dataset, not a skippable sample.
				return nil, fmt.Errorf("reconstruction of %s: %w", p.SourceID, err)
			}

			frame, err := dataset.LoadImage(filepath.Join(r.FrameDir, p.SourceID+".png"))
			if err != nil {
				fmt.Printf("skipping %s: %v\n", p.SourceID, err)
				stats.Failed++
				continue
			}

			advFrame, err := detect.RestoreCrop(frame, advCrops[i], meta)
			if err != nil {
				return nil, fmt.Errorf("reconstruction of %s: %w", p.SourceID, err)
			}

			advName := p.SourceID + "_adv.png"
			if err := dataset.SaveImage(filepath.Join(r.LogDir, advName), advFrame); err != nil {
				fmt.Printf("skipping %s: %v\n", p.SourceID, err)
				stats.Failed++
				continue
			}

			dist, err := metrics.ImageDistance(advFrame, frame)
			if err != nil {
				return nil, fmt.Errorf("frame distance for %s: %w", p.SourceID, err)
			}
			frameDistSum += dist
			framesDone++
			records = append(records, pairRecord{Adversarial: advName, Target: p.TargetID + ".png"})
			stats.Samples++
		}
		bar.Add(1)
	}
	fmt.Println()

	if batchesDone > 0 {
		stats.CropPixelDist = cropDistSum / float64(batchesDone)
		stats.Similarity = simSum / float64(batchesDone)
	}
	if framesDone > 0 {
		stats.FramePixelDist = frameDistSum / float64(framesDone)
	}

	if err := writeJSON(filepath.Join(r.LogDir, "pairs.json"), records); err != nil {
		return nil, err
	}
	m := manifest{
		RunID:      uuid.NewString(),
		Mode:       mode,
		Seed:       seed,
		Pretrained: r.Pretrained,
		LR:         r.Attack.LR,
		Steps:      r.Attack.Steps,
		StartedAt:  started,
		Stats:      stats,
	}
	if err := writeJSON(filepath.Join(r.LogDir, "manifest.json"), m); err != nil {
		return nil, err
	}
	return stats, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
