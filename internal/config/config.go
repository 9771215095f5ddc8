package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/menta2k/scene-analyzer/pkg/render"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Vision   VisionConfig   `json:"vision"`
	Analysis AnalysisConfig `json:"analysis"`
	Render   RenderConfig   `json:"render"`
	Ingest   IngestConfig   `json:"ingest"`
	History  HistoryConfig  `json:"history"`
	Schedule ScheduleConfig `json:"schedule"`
}

// Duration is a time.Duration written as a string ("10s") in JSON
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "1m30s" style strings or integer seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = v
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// ServerConfig holds configuration for the HTTP API
type ServerConfig struct {
	Addr           string   `json:"addr"`
	ReadTimeout    Duration `json:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout"`
	MaxUploadBytes int64    `json:"max_upload_bytes"`
	HistoryLimit   int      `json:"history_limit"`
}

// VisionConfig selects and tunes the vision provider
type VisionConfig struct {
	Backend             string   `json:"backend"` // ollama, llamacpp or rekognition
	URL                 string   `json:"url"`
	Model               string   `json:"model"`
	Timeout             Duration `json:"timeout"`
	Region              string   `json:"region"`
	Profile             string   `json:"profile"`
	MaxLabels           int      `json:"max_labels"`
	MinLabelConfidence  float64  `json:"min_label_confidence"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
	SendSize            int      `json:"send_size"`
	SendQuality         int      `json:"send_quality"`
}

// AnalysisConfig holds the merge and overlay parameters
type AnalysisConfig struct {
	MatchIoUThreshold   float64           `json:"match_iou_threshold"`
	IdentityConfidence  float64           `json:"identity_confidence"`
	TopLabels           int               `json:"top_labels"`
	ReferenceCollection string            `json:"reference_collection"`
	Collections         map[string]string `json:"collections"` // id -> directory of portraits
}

// RenderConfig holds configuration for the annotated image
type RenderConfig struct {
	Format   string            `json:"format"`
	Quality  int               `json:"quality"`
	Lossless bool              `json:"lossless"`
	Stroke   int               `json:"stroke"`
	Palette  render.PaletteHex `json:"palette"`
}

// IngestConfig holds configuration for accepted uploads
type IngestConfig struct {
	Quality          int      `json:"quality"`
	MinImageSize     int      `json:"min_image_size"`
	SupportedFormats []string `json:"supported_formats"`
}

// HistoryConfig holds configuration for the result history database
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	Keep    int    `json:"keep"` // 0 keeps everything
}

// ScheduleConfig holds the periodic trigger. A zero interval disables it.
type ScheduleConfig struct {
	Interval Duration `json:"interval"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8090",
			ReadTimeout:    Duration{30 * time.Second},
			WriteTimeout:   Duration{30 * time.Second},
			MaxUploadBytes: 20 << 20,
			HistoryLimit:   50,
		},
		Vision: VisionConfig{
			Backend:             "ollama",
			URL:                 "http://localhost:11434",
			Model:               "qwen2.5vl:7b",
			Timeout:             Duration{10 * time.Second},
			MaxLabels:           20,
			MinLabelConfidence:  0.5,
			SimilarityThreshold: 0.8,
			SendSize:            1024,
			SendQuality:         85,
		},
		Analysis: AnalysisConfig{
			MatchIoUThreshold:   0.5,
			IdentityConfidence:  0.8,
			TopLabels:           5,
			ReferenceCollection: "default",
			Collections:         map[string]string{},
		},
		Render: RenderConfig{
			Format:  "png",
			Quality: 92,
			Palette: render.DefaultPaletteHex(),
		},
		Ingest: IngestConfig{
			Quality:          90,
			MinImageSize:     16,
			SupportedFormats: []string{"jpeg", "png", "gif", "webp"},
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "./scene-analyzer.db",
			Keep:    1000,
		},
		Schedule: ScheduleConfig{
			Interval: Duration{5 * time.Second},
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Keys missing from the
// file keep their default values.
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

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Vision.Backend {
	case "ollama", "llamacpp", "rekognition":
	default:
		return fmt.Errorf("vision.backend must be one of ollama, llamacpp, rekognition")
	}

	if c.Vision.Backend != "rekognition" && c.Vision.URL == "" {
		return fmt.Errorf("vision.url is required for the %s backend", c.Vision.Backend)
	}

	if c.Vision.Timeout.Duration <= 0 {
		return fmt.Errorf("vision.timeout must be positive")
	}

	if !unit(c.Vision.MinLabelConfidence) {
		return fmt.Errorf("vision.min_label_confidence must be between 0 and 1")
	}

	if !unit(c.Vision.SimilarityThreshold) {
		return fmt.Errorf("vision.similarity_threshold must be between 0 and 1")
	}

	if !unit(c.Analysis.MatchIoUThreshold) {
		return fmt.Errorf("analysis.match_iou_threshold must be between 0 and 1")
	}

	if !unit(c.Analysis.IdentityConfidence) {
		return fmt.Errorf("analysis.identity_confidence must be between 0 and 1")
	}

	if c.Analysis.TopLabels < 0 {
		return fmt.Errorf("analysis.top_labels cannot be negative")
	}

	if c.Analysis.ReferenceCollection == "" {
		return fmt.Errorf("analysis.reference_collection cannot be empty")
	}

	switch c.Render.Format {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("render.format must be one of png, jpg, webp")
	}

	if c.Render.Quality < 1 || c.Render.Quality > 100 {
		return fmt.Errorf("render.quality must be between 1 and 100")
	}

	if _, err := render.ParsePalette(c.Render.Palette); err != nil {
		return fmt.Errorf("render.palette: %w", err)
	}

	if c.Ingest.Quality < 1 || c.Ingest.Quality > 100 {
		return fmt.Errorf("ingest.quality must be between 1 and 100")
	}

	if c.Ingest.MinImageSize < 1 {
		return fmt.Errorf("ingest.min_image_size must be positive")
	}

	if len(c.Ingest.SupportedFormats) == 0 {
		return fmt.Errorf("ingest.supported_formats cannot be empty")
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	if c.Schedule.Interval.Duration < 0 {
		return fmt.Errorf("schedule.interval cannot be negative")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "scene-analyzer", "config.json")
}
