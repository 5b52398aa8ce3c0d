package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var presetsYAML []byte

type Config struct {
	Detector  DetectorConfig
	Embedding EmbeddingConfig
	Presets   PresetsConfig
}

type DetectorConfig struct {
	URL string // face-detection service, defaults to http://localhost:8001
}

type EmbeddingConfig struct {
	URL         string // embedding server for remote attacks, defaults to http://localhost:8000
	Dim         int    // embedding dimensionality for the remote provider
	WeightsPath string // optional weights file for the local linear provider
}

type PresetsConfig struct {
	Presets map[string]ModelPreset `yaml:"presets"`
}

// ModelPreset describes one pretrained recognizer identity.
type ModelPreset struct {
	Dim        int   `yaml:"dim"`
	PoolFactor int   `yaml:"pool_factor"`
	WeightSeed int64 `yaml:"weight_seed"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func Load() *Config {
	var presets PresetsConfig
	if err := yaml.Unmarshal(presetsYAML, &presets); err != nil {
		// Embedded file, cannot fail outside of a broken build.
		panic("failed to unmarshal embedded presets.yaml: " + err.Error())
	}

	return &Config{
		Detector: DetectorConfig{
			URL: os.Getenv("DETECTOR_URL"),
		},
		Embedding: EmbeddingConfig{
			URL:         os.Getenv("EMBEDDING_URL"),
			Dim:         envInt("EMBEDDING_DIM", 512),
			WeightsPath: os.Getenv("WEIGHTS_PATH"),
		},
		Presets: presets,
	}
}

// Preset looks up a pretrained model preset by name.
func (c *Config) Preset(name string) (ModelPreset, error) {
	preset, ok := c.Presets.Presets[name]
	if !ok {
		names := make([]string, 0, len(c.Presets.Presets))
		for n := range c.Presets.Presets {
			names = append(names, n)
		}
		sort.Strings(names)
		return ModelPreset{}, fmt.Errorf("unknown pretrained preset %q, available: %v", name, names)
	}
	return preset, nil
}
