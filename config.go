package main

import (
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig is returned when a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is every knob of a training run. It is built once at startup
// (defaults, then an optional YAML file, then command-line flags) and
// passed by pointer to the trainer.
type Config struct {
	// Data
	DataDir   string `yaml:"data_dir"`
	TrainDir  string `yaml:"train_dir"`
	K         int    `yaml:"k"`          // reference pairs per sample
	FrameSize int    `yaml:"frame_size"` // frames are FrameSize x FrameSize RGB
	CacheSize int    `yaml:"cache_size"` // decoded images kept in memory
	Workers   int    `yaml:"workers"`

	// Model
	EmbedDim       int     `yaml:"embed_dim"`
	Hidden         int     `yaml:"hidden"`
	Dropout        float64 `yaml:"dropout"`
	ProjectionInit string  `yaml:"projection_init"` // "random" or "zero"

	// Training
	BatchSize      int     `yaml:"batch_size"`
	Epochs         int     `yaml:"epochs"`
	SaveCheckpoint int     `yaml:"save_checkpoint"` // steps between checkpoints
	Seed           int64   `yaml:"seed"`
	DSteps         int     `yaml:"d_steps"` // discriminator steps per generator step
	LRG            float64 `yaml:"lr_g"`
	LRD            float64 `yaml:"lr_d"`
	AdamBeta1      float64 `yaml:"adam_beta1"`
	AdamBeta2      float64 `yaml:"adam_beta2"`
	AdamEpsilon    float64 `yaml:"adam_epsilon"`
	GradClip       float64 `yaml:"grad_clip"`

	Weights LossWeights   `yaml:"loss_weights"`
	Compute ComputeConfig `yaml:"compute"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	S3Mirror  string `yaml:"s3_mirror"` // optional s3://bucket/prefix
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:   "data",
		TrainDir:  "train",
		K:         8,
		FrameSize: 64,
		CacheSize: 1024,
		Workers:   4,

		EmbedDim:       512,
		Hidden:         256,
		Dropout:        0.1,
		ProjectionInit: "random",

		BatchSize:      1,
		Epochs:         10,
		SaveCheckpoint: 1000,
		Seed:           1,
		DSteps:         2,
		LRG:            5e-5,
		LRD:            2e-4,
		AdamBeta1:      0.9,
		AdamBeta2:      0.999,
		AdamEpsilon:    1e-8,

		Weights: DefaultLossWeights(),
		Compute: DefaultComputeConfig(),

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadConfigFile overlays the YAML file at path onto c. Keys absent from
// the file keep their current values.
func (c *Config) LoadConfigFile(fs afero.Fs, path string) error {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "parsing %s: %v", path, err)
	}
	return nil
}

// Validate rejects values the trainer cannot run with.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"k", c.K},
		{"frame_size", c.FrameSize},
		{"workers", c.Workers},
		{"embed_dim", c.EmbedDim},
		{"hidden", c.Hidden},
		{"batch_size", c.BatchSize},
		{"epochs", c.Epochs},
		{"save_checkpoint", c.SaveCheckpoint},
		{"d_steps", c.DSteps},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s must be positive, got %d", p.name, p.v)
		}
	}

	switch {
	case c.TrainDir == "":
		return errors.Wrap(ErrInvalidConfig, "train_dir is empty")
	case c.CacheSize < 0:
		return errors.Wrapf(ErrInvalidConfig, "cache_size must be >= 0, got %d", c.CacheSize)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Wrapf(ErrInvalidConfig, "dropout must be in [0, 1), got %g", c.Dropout)
	case c.LRG <= 0 || c.LRD <= 0:
		return errors.Wrapf(ErrInvalidConfig, "learning rates must be positive, got lr_g=%g lr_d=%g", c.LRG, c.LRD)
	case c.AdamBeta1 < 0 || c.AdamBeta1 >= 1 || c.AdamBeta2 < 0 || c.AdamBeta2 >= 1:
		return errors.Wrapf(ErrInvalidConfig, "adam betas must be in [0, 1), got %g, %g", c.AdamBeta1, c.AdamBeta2)
	case c.AdamEpsilon <= 0:
		return errors.Wrapf(ErrInvalidConfig, "adam_epsilon must be positive, got %g", c.AdamEpsilon)
	case c.GradClip < 0:
		return errors.Wrapf(ErrInvalidConfig, "grad_clip must be >= 0, got %g", c.GradClip)
	}

	switch c.ProjectionInit {
	case "random", "zero":
	default:
		return errors.Wrapf(ErrInvalidConfig, "projection_init must be random or zero, got %q", c.ProjectionInit)
	}
	if c.S3Mirror != "" {
		if _, _, err := parseS3URL(c.S3Mirror); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "s3_mirror: %v", err)
		}
	}
	return nil
}

// ValidateDataset checks the settings that depend on the dataset.
func (c *Config) ValidateDataset(numIdentities int) error {
	if numIdentities == 0 {
		return errors.Wrapf(ErrNoFrames, "no identities under %s", c.DataDir)
	}
	if c.BatchSize > numIdentities {
		return errors.Wrapf(ErrInvalidConfig, "batch_size %d exceeds %d identities", c.BatchSize, numIdentities)
	}
	return nil
}

// FrameDim is the flattened length of one frame: 3 x FrameSize x FrameSize.
func (c *Config) FrameDim() int {
	return 3 * c.FrameSize * c.FrameSize
}

// LogStep returns how many steps pass between log records, scaled so runs
// over datasets of different size log roughly as often per epoch.
func LogStep(numBatches int) int {
	if numBatches <= 10 {
		return 50
	}
	return int(math.Round(0.005*float64(numBatches) + 20))
}

// CheckpointPath is the single live checkpoint file.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.TrainDir, "model_weights.gob.sz")
}

// BackupPath receives the previous checkpoint before each overwrite.
func (c *Config) BackupPath() string {
	return filepath.Join(c.TrainDir, "backup_model_weights.gob.sz")
}

// ProjectionPath is the LevelDB sidecar holding the identity table.
func (c *Config) ProjectionPath() string {
	return filepath.Join(c.TrainDir, "wi_weights")
}

// ImagesDir receives the triptych images.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.TrainDir, "images")
}

func (c *Config) adamG() AdamConfig {
	return AdamConfig{LR: c.LRG, Beta1: c.AdamBeta1, Beta2: c.AdamBeta2, Epsilon: c.AdamEpsilon, GradClip: c.GradClip}
}

func (c *Config) adamD() AdamConfig {
	return AdamConfig{LR: c.LRD, Beta1: c.AdamBeta1, Beta2: c.AdamBeta2, Epsilon: c.AdamEpsilon, GradClip: c.GradClip}
}
