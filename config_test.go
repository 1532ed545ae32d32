package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, path string) (*Config, error) {
	t.Helper()
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return LoadConfig(v)
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	loaded, err := loadTestConfig(t, "")
	require.NoError(t, err)
	assert.Equal(t, cfg, *loaded)
}

func TestConfigFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "protein-diffusion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  hidden_dim: 64
  edge_policy: knn
  k_neighbors: 12
diffusion:
  schedule: cosine
  steps: 500
training:
  batch_size: 4
`), 0o644))
	t.Setenv("PDIFF_TRAINING_BATCH_SIZE", "16")
	t.Setenv("PDIFF_DATA_DIR", "/data/pdb")

	cfg, err := loadTestConfig(t, path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Model.HiddenDim)
	assert.Equal(t, "knn", cfg.Model.EdgePolicy)
	assert.Equal(t, 12, cfg.Model.KNeighbors)
	assert.Equal(t, "cosine", cfg.Diffusion.Schedule)
	assert.Equal(t, 500, cfg.Diffusion.Steps)
	assert.Equal(t, 16, cfg.Training.BatchSize, "environment beats the file")
	assert.Equal(t, "/data/pdb", cfg.Data.Dir)
	assert.Equal(t, DefaultModelConfig().NumLayers, cfg.Model.NumLayers)

	schedule, err := cfg.Diffusion.NoiseSchedule()
	require.NoError(t, err)
	assert.Equal(t, ScheduleCosine, schedule.Kind())
}

func TestFlagsOverrideConfig(t *testing.T) {
	t.Setenv("PDIFF_TRAINING_EPOCHS", "5")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("epochs", 0, "")
	flags.Float64("lr", 0, "")
	require.NoError(t, flags.Parse([]string{"--epochs", "9"}))

	v, err := newViper("")
	require.NoError(t, err)
	require.NoError(t, bindFlags(v, flags, map[string]string{
		"epochs":  "training.epochs",
		"lr":      "training.learning_rate",
		"missing": "training.seed",
	}))

	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Training.Epochs)
	// Unset flags fall through to lower-precedence sources.
	assert.Equal(t, DefaultTrainingConfig().LearningRate, cfg.Training.LearningRate)
}

func TestFindProjectConfigWalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "protein-diffusion.toml"), []byte("[sampling]\nresidues = 33\n"), 0o644))
	t.Chdir(nested)

	found := findProjectConfig()
	require.NotEmpty(t, found)
	assert.Equal(t, "protein-diffusion.toml", filepath.Base(found))

	cfg, err := loadTestConfig(t, "")
	require.NoError(t, err)
	assert.Equal(t, 33, cfg.Sampling.Residues)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown edge policy", func(c *Config) { c.Model.EdgePolicy = "radius" }},
		{"odd embedding", func(c *Config) { c.Model.PosEmbedDim = 33 }},
		{"zero steps", func(c *Config) { c.Diffusion.Steps = 0 }},
		{"unknown schedule", func(c *Config) { c.Diffusion.Schedule = "quadratic" }},
		{"inverted betas", func(c *Config) { c.Diffusion.BetaStart, c.Diffusion.BetaEnd = 0.02, 1e-4 }},
		{"bad optimizer", func(c *Config) { c.Training.Optimizer = "lion" }},
		{"zero batch", func(c *Config) { c.Training.BatchSize = 0 }},
		{"too many residues", func(c *Config) { c.Sampling.Residues = c.Model.MaxResidues + 1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"long chain id", func(c *Config) { c.Data.Chain = "AB" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := newViper(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestConfigYAML(t *testing.T) {
	cfg := DefaultConfig()
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "hidden_dim: 128")
	assert.Contains(t, out, "schedule: linear")
}
