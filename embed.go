package main

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const artifactVersion = 1

// EmbeddingArtifact is an identity embedding extracted from a video,
// consumed by generator-only inference.
type EmbeddingArtifact struct {
	Version   int
	Arch      Arch
	Step      int    // training step of the checkpoint that produced it
	Source    string // video or frame directory
	Frames    int    // frames averaged
	Embedding []float64
}

// SaveArtifact writes art atomically.
func SaveArtifact(fs afero.Fs, path string, art *EmbeddingArtifact) error {
	art.Version = artifactVersion
	buf, err := marshalGobSnappy(art)
	if err != nil {
		return errors.Wrap(err, "encoding embedding artifact")
	}
	return writeFileAtomic(fs, path, buf)
}

// LoadArtifact reads an artifact written by SaveArtifact.
func LoadArtifact(fs afero.Fs, path string) (*EmbeddingArtifact, error) {
	var art EmbeddingArtifact
	if err := readGobSnappyFile(fs, path, &art); err != nil {
		return nil, err
	}
	if art.Version != artifactVersion {
		return nil, errors.Errorf("embedding artifact %s has version %d, expected %d", path, art.Version, artifactVersion)
	}
	return &art, nil
}

// embedderFromCheckpoint rebuilds the embedder of ck. The load is strict.
func embedderFromCheckpoint(ck *Checkpoint, compute ComputeConfig, log *zap.Logger) (*Embedder, error) {
	a := ck.Arch
	e := NewEmbedder(3*a.FrameSize*a.FrameSize, a.Hidden, a.EmbedDim, compute)
	if _, err := LoadStateDict(e.Params(), ck.Embedder, true, log); err != nil {
		return nil, errors.Wrap(err, "embedder")
	}
	return e, nil
}

// generatorFromCheckpoint rebuilds the generator of ck in eval mode.
func generatorFromCheckpoint(ck *Checkpoint, compute ComputeConfig, log *zap.Logger) (*Generator, error) {
	a := ck.Arch
	g := NewGenerator(3*a.FrameSize*a.FrameSize, a.Hidden, a.EmbedDim, 0, compute)
	if _, err := LoadStateDict(g.Params(), ck.Generator, true, log); err != nil {
		return nil, errors.Wrap(err, "generator")
	}
	g.Eval()
	return g, nil
}

// ComputeEmbedding runs e over the pairs and averages the per-pair
// embeddings into one identity embedding.
func ComputeEmbedding(e *Embedder, pairs []FrameResult) []float64 {
	d := len(pairs[0].Frame)
	frames := NewTensor(len(pairs), d)
	sketches := NewTensor(len(pairs), d)
	for i, p := range pairs {
		copy(frames.Row(i), p.Frame)
		copy(sketches.Row(i), p.Sketch)
	}
	vectors, _ := e.Forward(frames, sketches)
	return MeanEmbedding(vectors, len(pairs)).Row(0)
}

// ExtractEmbedding selects t frames of src, renders their sketches,
// embeds them with the checkpoint's embedder and returns the artifact.
func ExtractEmbedding(ctx context.Context, ck *Checkpoint, src FrameSource, det LandmarkDetector, t int, rng *rand.Rand, compute ComputeConfig, log *zap.Logger) (*EmbeddingArtifact, error) {
	e, err := embedderFromCheckpoint(ck, compute, log)
	if err != nil {
		return nil, err
	}

	n, err := src.Count(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "counting frames")
	}
	if n == 0 {
		return nil, ErrNoFrames
	}

	indices := SelectFrameIndices(n, t, rng)
	pairs, err := ExtractPairs(ctx, src, det, indices, ck.Arch.FrameSize, log)
	if err != nil {
		return nil, err
	}

	return &EmbeddingArtifact{
		Arch:      ck.Arch,
		Step:      ck.Step,
		Frames:    len(pairs),
		Embedding: ComputeEmbedding(e, pairs),
	}, nil
}

// GenerateFrame renders one frame for a target sketch from an artifact.
func GenerateFrame(g *Generator, art *EmbeddingArtifact, sketch []float64) []float64 {
	eHat := NewTensorFrom(append([]float64(nil), art.Embedding...), 1, len(art.Embedding))
	out, _ := g.Forward(NewTensorFrom(append([]float64(nil), sketch...), 1, len(sketch)), eHat)
	return out.Row(0)
}
