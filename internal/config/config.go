package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/menta2k/siamfc-go/internal/dataset"
	"github.com/menta2k/siamfc-go/pkg/head"
	"github.com/menta2k/siamfc-go/pkg/loss"
	"github.com/menta2k/siamfc-go/pkg/transforms"
)

// Config holds the application configuration
type Config struct {
	Transform transforms.Config `json:"transform"`
	Head      head.Config       `json:"head"`
	Loss      loss.Config       `json:"loss"`
	Dataset   dataset.Config    `json:"dataset"`
	Output    OutputConfig      `json:"output"`
}

// OutputConfig holds configuration for written patches
type OutputConfig struct {
	Format   string `json:"format"`
	Quality  int    `json:"quality"`
	Lossless bool   `json:"lossless"`
	Dir      string `json:"dir"`
	LogLevel string `json:"log_level"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Transform: transforms.DefaultConfig(),
		Head:      head.Config{OutScale: head.DefaultOutScale},
		Loss:      loss.DefaultConfig(),
		Dataset:   dataset.DefaultConfig(),
		Output: OutputConfig{
			Format:   "png",
			Quality:  90,
			Lossless: false,
			Dir:      "./out",
			LogLevel: "info",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from
// the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	t := c.Transform
	if t.ExemplarSize < 1 {
		return fmt.Errorf("transform.exemplar_sz must be positive")
	}

	// The instance path shrinks by 16 pixels after the context crop.
	if t.InstanceSize <= 16 {
		return fmt.Errorf("transform.instance_sz must be greater than 16")
	}

	if t.Context < 0 {
		return fmt.Errorf("transform.context must not be negative")
	}

	if t.MaxStretch < 0 || t.MaxStretch >= 1 {
		return fmt.Errorf("transform.max_stretch must be between 0 and 1")
	}

	if c.Head.OutScale == 0 {
		return fmt.Errorf("head.out_scale must not be zero")
	}

	if c.Loss.TotalStride < 1 {
		return fmt.Errorf("loss.total_stride must be positive")
	}

	if c.Loss.RPos < 0 || c.Loss.RNeg < 0 {
		return fmt.Errorf("loss.r_pos and loss.r_neg must not be negative")
	}

	if c.Dataset.FrameRange < 1 {
		return fmt.Errorf("dataset.frame_range must be positive")
	}

	if c.Dataset.MinSide > c.Dataset.MaxSide || c.Dataset.MinRatio > c.Dataset.MaxRatio || c.Dataset.MinAspect > c.Dataset.MaxAspect {
		return fmt.Errorf("dataset minimum filters must not exceed their maximums")
	}

	switch c.Output.Format {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.format must be one of jpg, png, webp")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "siamfc", "config.json")
}
