package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Metadata records where a face crop was extracted from its source frame.
// It is written once at extraction time and only read afterwards; the attack
// cannot composite a perturbed crop back without it.
type Metadata struct {
	ID      string     `json:"id"`
	Box     [4]float64 `json:"box"`      // [x1, y1, x2, y2] in frame pixels
	BoxSize int        `json:"box_size"` // side length of the square crop region
}

// MetadataPath returns the sidecar path for a given id inside dir.
func MetadataPath(dir, id string) string {
	return filepath.Join(dir, id+"_info.json")
}

// SaveMetadata writes the sidecar next to the crop.
func SaveMetadata(dir string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	path := MetadataPath(dir, meta.ID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// LoadMetadata reads the sidecar for an id. A missing file means the crop
// cannot be mapped back into its frame and is a fatal condition upstream.
func LoadMetadata(dir, id string) (*Metadata, error) {
	path := MetadataPath(dir, id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", id, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &meta, nil
}
