package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/synthprep/internal/logging"
	"github.com/menta2k/synthprep/pkg/orchestrator"
	"github.com/menta2k/synthprep/pkg/timeout"
)

// Config holds the application configuration
type Config struct {
	Log      logging.Config `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Merge    MergeConfig    `yaml:"merge"`
	Generate GenerateConfig `yaml:"generate"`
	Renderer RendererConfig `yaml:"renderer"`
	Export   ExportConfig   `yaml:"export"`
}

// StoreConfig holds settings shared by every store the tool writes
type StoreConfig struct {
	Compression int `yaml:"compression"` // zstd level, 0 disables
}

// MergeConfig locates the merge sources and destination
type MergeConfig struct {
	ImageDir   string   `yaml:"image_dir"`
	Depth      string   `yaml:"depth"`
	Seg        string   `yaml:"seg"`
	Dest       string   `yaml:"dest"`
	Extensions []string `yaml:"extensions"`
}

// GenerateConfig holds the orchestrator run parameters
type GenerateConfig struct {
	Dataset        string        `yaml:"dataset"`
	Output         string        `yaml:"output"`
	Start          int           `yaml:"start"`
	End            int           `yaml:"end"`
	NumImages      int           `yaml:"num_images"`
	Instances      int           `yaml:"instances"`
	TimeBudget     time.Duration `yaml:"time_budget"`
	DepthChannel   int           `yaml:"depth_channel"`
	TransposeDepth bool          `yaml:"transpose_depth"`
	Visualize      bool          `yaml:"visualize"`
	Timeout        string        `yaml:"timeout"` // guard strategy: auto, signal or timer
	MetricsFile    string        `yaml:"metrics_file"`
}

// RendererConfig points at the renderer service
type RendererConfig struct {
	URL      string        `yaml:"url"`
	Compress bool          `yaml:"compress"`
	Timeout  time.Duration `yaml:"timeout"` // HTTP client timeout
}

// ExportConfig holds settings for dumping results to files
type ExportConfig struct {
	Dir     string `yaml:"dir"`
	Format  string `yaml:"format"`
	Quality int    `yaml:"quality"`
	Overlay bool   `yaml:"overlay"`
}

// Default returns a configuration with default values
func Default() *Config {
	p := orchestrator.DefaultParams()
	return &Config{
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Merge: MergeConfig{
			ImageDir:   "data/bg_img",
			Depth:      "data/depth.db",
			Seg:        "data/seg.db",
			Dest:       "data/dset.db",
			Extensions: []string{"jpg"},
		},
		Generate: GenerateConfig{
			Dataset:        "data/dset.db",
			Output:         "results/SynthText.db",
			Start:          p.Start,
			End:            p.End,
			NumImages:      p.NumImages,
			Instances:      p.Instances,
			TimeBudget:     p.TimeBudget,
			DepthChannel:   p.DepthChannel,
			TransposeDepth: p.TransposeDepth,
			Timeout:        string(timeout.Auto),
		},
		Renderer: RendererConfig{
			URL:     "http://localhost:8500",
			Timeout: 5 * time.Minute,
		},
		Export: ExportConfig{
			Dir:     "results/export",
			Format:  "png",
			Quality: 95,
			Overlay: true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file. Keys absent from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Params converts the generate section to orchestrator run parameters
func (c *Config) Params() orchestrator.Params {
	g := c.Generate
	return orchestrator.Params{
		Start:          g.Start,
		End:            g.End,
		NumImages:      g.NumImages,
		Instances:      g.Instances,
		TimeBudget:     g.TimeBudget,
		DepthChannel:   g.DepthChannel,
		TransposeDepth: g.TransposeDepth,
		Visualize:      g.Visualize,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Store.Compression < 0 || c.Store.Compression > 19 {
		return fmt.Errorf("store.compression must be between 0 and 19")
	}

	if len(c.Merge.Extensions) == 0 {
		return fmt.Errorf("merge.extensions cannot be empty")
	}

	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	if _, err := timeout.ParseStrategy(c.Generate.Timeout); err != nil {
		return fmt.Errorf("generate.timeout: %w", err)
	}

	if c.Renderer.Timeout < 0 {
		return fmt.Errorf("renderer.timeout must not be negative")
	}

	if c.Export.Quality < 1 || c.Export.Quality > 100 {
		return fmt.Errorf("export.quality must be between 1 and 100")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./synthprep.yaml"
	}
	return filepath.Join(home, ".config", "synthprep", "config.yaml")
}
