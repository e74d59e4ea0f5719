package main

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

type embedCmd struct {
	Model    string   `arg:"--model,required" help:"checkpoint file"`
	Video    string   `arg:"--video" help:"video file (read with ffmpeg)"`
	Frames   string   `arg:"--frames" help:"directory of frame images, instead of --video"`
	Output   string   `arg:"--output,required" help:"embedding artifact to write"`
	T        int      `arg:"-t" help:"frames to average"`
	Detector string   `arg:"--detector,required" help:"landmark detector program"`
	Args     []string `arg:"--detector-arg,separate" help:"argument passed to the detector (repeatable)"`
	Seed     int64    `arg:"--seed"`
	LogLevel string   `arg:"--log-level"`
}

func runEmbed(ctx context.Context, c *embedCmd) error {
	if c.T == 0 {
		c.T = 32
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if (c.Video == "") == (c.Frames == "") {
		return errors.Wrap(ErrInvalidConfig, "exactly one of --video and --frames is required")
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

	var src FrameSource
	source := c.Video
	if c.Video != "" {
		src = NewFFmpegFrameSource(c.Video)
	} else {
		dir, err := NewDirFrameSource(fs, c.Frames)
		if err != nil {
			return err
		}
		src, source = dir, c.Frames
	}

	det := CommandDetector{Path: c.Detector, Args: c.Args}
	art, err := ExtractEmbedding(ctx, ck, src, det, c.T, rand.New(rand.NewSource(c.Seed)), DefaultComputeConfig(), log)
	if err != nil {
		return err
	}
	art.Source = source

	if err := SaveArtifact(fs, c.Output, art); err != nil {
		return err
	}
	log.Info("embedding written",
		zap.String("path", c.Output),
		zap.Int("frames", art.Frames),
		zap.Int("dim", len(art.Embedding)))
	return nil
}
