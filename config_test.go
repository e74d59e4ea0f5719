package main

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.NoError(t, testConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero k", func(c *Config) { c.K = 0 }},
		{"negative batch", func(c *Config) { c.BatchSize = -1 }},
		{"zero save interval", func(c *Config) { c.SaveCheckpoint = 0 }},
		{"zero d steps", func(c *Config) { c.DSteps = 0 }},
		{"empty train dir", func(c *Config) { c.TrainDir = "" }},
		{"negative cache", func(c *Config) { c.CacheSize = -1 }},
		{"dropout one", func(c *Config) { c.Dropout = 1 }},
		{"zero lr", func(c *Config) { c.LRD = 0 }},
		{"beta out of range", func(c *Config) { c.AdamBeta2 = 1 }},
		{"zero epsilon", func(c *Config) { c.AdamEpsilon = 0 }},
		{"negative clip", func(c *Config) { c.GradClip = -1 }},
		{"unknown projection init", func(c *Config) { c.ProjectionInit = "ones" }},
		{"bad mirror url", func(c *Config) { c.S3Mirror = "http://bucket/x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Equal(t, ErrInvalidConfig, errors.Cause(cfg.Validate()))
		})
	}
}

func TestValidateDataset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 4

	assert.NoError(t, cfg.ValidateDataset(4))
	assert.Equal(t, ErrInvalidConfig, errors.Cause(cfg.ValidateDataset(3)))
	assert.Equal(t, ErrNoFrames, errors.Cause(cfg.ValidateDataset(0)))
}

func TestLogStep(t *testing.T) {
	assert.Equal(t, 50, LogStep(1))
	assert.Equal(t, 50, LogStep(10))
	assert.Equal(t, 20, LogStep(11))
	assert.Equal(t, 25, LogStep(1000))
	assert.Equal(t, 520, LogStep(100000))
}

func TestConfigPaths(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "/train/model_weights.gob.sz", cfg.CheckpointPath())
	assert.Equal(t, "/train/backup_model_weights.gob.sz", cfg.BackupPath())
	assert.Equal(t, "/train/wi_weights", cfg.ProjectionPath())
	assert.Equal(t, "/train/images", cfg.ImagesDir())
	assert.Equal(t, 48, cfg.FrameDim())
}

func TestLoadConfigFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run.yaml", []byte(`
data_dir: /datasets/vox
k: 4
lr_g: 0.001
loss_weights:
  content: 0.5
compute:
  num_workers: 3
`), 0644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadConfigFile(fs, "/run.yaml"))
	assert.Equal(t, "/datasets/vox", cfg.DataDir)
	assert.Equal(t, 4, cfg.K)
	assert.Equal(t, 0.001, cfg.LRG)
	assert.Equal(t, 3, cfg.Compute.NumWorkers)
	assert.Equal(t, 0.5, cfg.Weights.Content)

	// Absent keys keep their defaults.
	def := DefaultConfig()
	assert.Equal(t, def.LRD, cfg.LRD)
	assert.Equal(t, def.FrameSize, cfg.FrameSize)
}

func TestLoadConfigFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/typo.yaml", []byte("batchsize: 4\n"), 0644))

	cfg := DefaultConfig()
	assert.Equal(t, ErrInvalidConfig, errors.Cause(cfg.LoadConfigFile(fs, "/typo.yaml")))
	assert.Error(t, cfg.LoadConfigFile(fs, "/missing.yaml"))
}

func TestLoadTrainConfigFlagsOverrideFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run.yaml", []byte("k: 4\nepochs: 3\nseed: 5\n"), 0644))

	k, seed, projInit := 6, int64(11), "zero"
	cfg, err := loadTrainConfig(fs, &trainCmd{Config: "/run.yaml", K: &k, Seed: &seed, ProjectionInit: &projInit})
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.K)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, int64(11), cfg.Seed)
	assert.Equal(t, "zero", cfg.ProjectionInit)

	bad := 0
	_, err = loadTrainConfig(fs, &trainCmd{DSteps: &bad})
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = newLogger("loud", "json")
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
	_, err = newLogger("info", "xml")
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
}

func TestParseS3URL(t *testing.T) {
	bucket, prefix, err := parseS3URL("s3://runs/vox/exp1/")
	require.NoError(t, err)
	assert.Equal(t, "runs", bucket)
	assert.Equal(t, "vox/exp1", prefix)

	_, _, err = parseS3URL("s3:///nobucket")
	assert.Error(t, err)
	_, _, err = parseS3URL("file:///tmp")
	assert.Error(t, err)
}
