package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// trainCmd holds the training flags. Unset flags leave the value from the
// config file (or the default) untouched.
type trainCmd struct {
	Config string `arg:"--config" help:"YAML config file"`

	Data           *string  `arg:"--data" help:"preprocessed dataset directory"`
	TrainDir       *string  `arg:"--train-dir" help:"checkpoint and metrics directory"`
	K              *int     `arg:"-k" help:"reference frames per sample"`
	BatchSize      *int     `arg:"--batch-size"`
	Epochs         *int     `arg:"--epochs"`
	FrameSize      *int     `arg:"--frame-size"`
	Workers        *int     `arg:"--workers" help:"sample decoding goroutines"`
	Seed           *int64   `arg:"--seed"`
	SaveCheckpoint *int     `arg:"--save-checkpoint" help:"steps between checkpoints"`
	DSteps         *int     `arg:"--d-steps" help:"discriminator steps per generator step"`
	LRG            *float64 `arg:"--lr-g"`
	LRD            *float64 `arg:"--lr-d"`
	ProjectionInit *string  `arg:"--projection-init" help:"random or zero"`
	S3Mirror       *string  `arg:"--s3-mirror" help:"s3://bucket/prefix to mirror checkpoints to"`
	LogLevel       *string  `arg:"--log-level"`
	LogFormat      *string  `arg:"--log-format" help:"json or console"`
}

func (c *trainCmd) apply(cfg *Config) {
	setString(&cfg.DataDir, c.Data)
	setString(&cfg.TrainDir, c.TrainDir)
	setInt(&cfg.K, c.K)
	setInt(&cfg.BatchSize, c.BatchSize)
	setInt(&cfg.Epochs, c.Epochs)
	setInt(&cfg.FrameSize, c.FrameSize)
	setInt(&cfg.Workers, c.Workers)
	if c.Seed != nil {
		cfg.Seed = *c.Seed
	}
	setInt(&cfg.SaveCheckpoint, c.SaveCheckpoint)
	setInt(&cfg.DSteps, c.DSteps)
	setFloat(&cfg.LRG, c.LRG)
	setFloat(&cfg.LRD, c.LRD)
	setString(&cfg.ProjectionInit, c.ProjectionInit)
	setString(&cfg.S3Mirror, c.S3Mirror)
	setString(&cfg.LogLevel, c.LogLevel)
	setString(&cfg.LogFormat, c.LogFormat)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// loadTrainConfig layers defaults, the config file and the flags.
func loadTrainConfig(fs afero.Fs, c *trainCmd) (*Config, error) {
	cfg := DefaultConfig()
	if c.Config != "" {
		if err := cfg.LoadConfigFile(fs, c.Config); err != nil {
			return nil, err
		}
	}
	c.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func runTrain(ctx context.Context, c *trainCmd) error {
	fs := afero.NewOsFs()
	cfg, err := loadTrainConfig(fs, c)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := fs.MkdirAll(cfg.TrainDir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "creating %s", cfg.TrainDir)
	}

	ds, err := OpenDataset(fs, cfg.DataDir, cfg.FrameSize, cfg.K, cfg.CacheSize, log)
	if err != nil {
		return err
	}
	log.Info("dataset", zap.String("dir", cfg.DataDir), zap.Int("identities", ds.Len()))

	store, err := OpenLevelDBProjectionStore(cfg.ProjectionPath())
	if err != nil {
		return err
	}
	defer store.Close()

	var mirror Mirror
	if cfg.S3Mirror != "" {
		m, err := NewS3Mirror(cfg.S3Mirror, "")
		if err != nil {
			return err
		}
		mirror = m
	}

	ckpt := NewCheckpointManager(fs, cfg.CheckpointPath(), cfg.BackupPath(), store, mirror, log)
	sink := NewMetricsSink(fs, cfg.TrainDir, cfg.FrameSize, log)

	trainer, err := NewTrainer(cfg, ds, ckpt, sink, log)
	if err != nil {
		return err
	}
	if err := trainer.Init(ctx); err != nil {
		return err
	}
	if err := trainer.Run(ctx); err != nil {
		return err
	}

	epoch, step, _ := trainer.Position()
	log.Info("training complete", zap.Int("epochs", epoch), zap.Int("steps", step))
	return nil
}
