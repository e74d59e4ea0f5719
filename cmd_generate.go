package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

type generateCmd struct {
	Model     string `arg:"--model,required" help:"checkpoint file"`
	Embedding string `arg:"--embedding,required" help:"artifact written by embed"`
	Sketch    string `arg:"--sketch,required" help:"target landmark sketch image"`
	Output    string `arg:"--output,required" help:"PNG to write"`
	LogLevel  string `arg:"--log-level"`
}

func runGenerate(ctx context.Context, c *generateCmd) error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	log, err := newLogger(c.LogLevel, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	fs := afero.NewOsFs()
	ck, err := NewCheckpointManager(fs, c.Model, "", nil, nil, log).Load()
	if err != nil {
		return errors.Wrapf(err, "loading %s", c.Model)
	}
	art, err := LoadArtifact(fs, c.Embedding)
	if err != nil {
		return err
	}
	if art.Arch.EmbedDim != ck.Arch.EmbedDim || len(art.Embedding) != ck.Arch.EmbedDim {
		return errors.Wrapf(ErrStateDictMismatch, "embedding of %d values, generator expects %d", len(art.Embedding), ck.Arch.EmbedDim)
	}

	g, err := generatorFromCheckpoint(ck, DefaultComputeConfig(), log)
	if err != nil {
		return err
	}

	img, err := decodeImageFile(fs, c.Sketch)
	if err != nil {
		return err
	}
	size := ck.Arch.FrameSize
	frame := GenerateFrame(g, art, imageToCHW(img, size))

	if err := writePNG(fs, c.Output, chwToRGBA(frame, size)); err != nil {
		return err
	}
	log.Info("frame written", zap.String("path", c.Output), zap.Int("size", size))
	return nil
}
