package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Vision.Timeout.Duration)
	assert.Equal(t, 0.5, cfg.Analysis.MatchIoUThreshold)
	assert.Equal(t, 0.8, cfg.Analysis.IdentityConfidence)
	assert.Equal(t, 5, cfg.Analysis.TopLabels)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Vision.Backend = "rekognition"
	cfg.Vision.Region = "eu-west-1"
	cfg.Analysis.Collections = map[string]string{"family": "/srv/faces"}
	cfg.Schedule.Interval = Duration{time.Minute}
	require.NoError(t, cfg.SaveToFile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"interval": "1m0s"`)

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"vision": {"model": "llava:13b", "timeout": "3s"}, "schedule": {"interval": 0}}`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "llava:13b", cfg.Vision.Model)
	assert.Equal(t, 3*time.Second, cfg.Vision.Timeout.Duration)
	assert.Equal(t, "ollama", cfg.Vision.Backend)
	assert.Equal(t, "png", cfg.Render.Format)
	assert.Zero(t, cfg.Schedule.Interval.Duration)
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"vision": {"timeout": "soon"}}`), 0o644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Duration)

	require.NoError(t, json.Unmarshal([]byte(`2.5`), &d))
	assert.Equal(t, 2500*time.Millisecond, d.Duration)

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration{90 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Vision.Backend = "clip" }},
		{"missing url", func(c *Config) { c.Vision.URL = "" }},
		{"zero timeout", func(c *Config) { c.Vision.Timeout = Duration{} }},
		{"iou above one", func(c *Config) { c.Analysis.MatchIoUThreshold = 1.5 }},
		{"negative identity cutoff", func(c *Config) { c.Analysis.IdentityConfidence = -0.1 }},
		{"negative top labels", func(c *Config) { c.Analysis.TopLabels = -1 }},
		{"empty collection", func(c *Config) { c.Analysis.ReferenceCollection = "" }},
		{"bad render format", func(c *Config) { c.Render.Format = "bmp" }},
		{"bad render quality", func(c *Config) { c.Render.Quality = 0 }},
		{"bad palette", func(c *Config) { c.Render.Palette.Animal = "blue-ish" }},
		{"bad ingest quality", func(c *Config) { c.Ingest.Quality = 101 }},
		{"no formats", func(c *Config) { c.Ingest.SupportedFormats = nil }},
		{"history without path", func(c *Config) { c.History.Enabled = true; c.History.Path = "" }},
		{"negative interval", func(c *Config) { c.Schedule.Interval = Duration{-time.Second} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Vision.Backend = "rekognition"
	cfg.Vision.URL = ""
	assert.NoError(t, cfg.Validate(), "rekognition needs no url")
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "config.json", filepath.Base(GetConfigPath()))
}
