package main

import (
	"fmt"
	"math/rand"
)

// Embedder maps one (frame, landmark sketch) pair to an embedding vector
// of length EmbedDim. It holds no state besides its weights.
//
// The K-wise average that turns per-reference embeddings into one identity
// embedding is the caller's job (MeanEmbedding), so the embedder stays a
// pure per-pair function.
type Embedder struct {
	frameDim int
	embedDim int

	l1 *Linear // (2*frameDim) → hidden
	l2 *Linear // hidden → embedDim
}

// EmbedderCache holds the activations Backward needs.
type EmbedderCache struct {
	x    *Tensor // concatenated input
	pre1 *Tensor
	h1   *Tensor
	pre2 *Tensor
}

// NewEmbedder creates an embedder for flattened frames of frameDim values.
func NewEmbedder(frameDim, hidden, embedDim int, compute ComputeConfig) *Embedder {
	return &Embedder{
		frameDim: frameDim,
		embedDim: embedDim,
		l1:       NewLinear(2*frameDim, hidden, compute),
		l2:       NewLinear(hidden, embedDim, compute),
	}
}

// EmbedDim returns the embedding length.
func (e *Embedder) EmbedDim() int { return e.embedDim }

// InitWeights applies Xavier-uniform to every weight matrix.
func (e *Embedder) InitWeights(rng *rand.Rand) {
	e.l1.Init(rng)
	e.l2.Init(rng)
}

// Params returns the embedder's trainable tensors.
func (e *Embedder) Params() []Param {
	return append(e.l1.Params("embedder.l1"), e.l2.Params("embedder.l2")...)
}

// Forward embeds N pairs. frames and sketches must both be (N, frameDim).
// Returns (N, EmbedDim): one embedding per pair.
func (e *Embedder) Forward(frames, sketches *Tensor) (*Tensor, *EmbedderCache) {
	if !shapeEqual(frames.shape, sketches.shape) {
		panic(fmt.Sprintf("embedder: frame shape %v does not match sketch shape %v", frames.shape, sketches.shape))
	}
	if frames.Cols() != e.frameDim {
		panic(fmt.Sprintf("embedder: frame width %d, expected %d", frames.Cols(), e.frameDim))
	}

	c := &EmbedderCache{x: ConcatCols(frames, sketches)}
	c.pre1 = e.l1.Forward(c.x)
	c.h1 = ReLU(c.pre1)
	c.pre2 = e.l2.Forward(c.h1)
	return ReLU(c.pre2), c
}

// Backward accumulates weight gradients for gradOut = ∂L/∂embeddings.
// Inputs are data, so no input gradient is produced.
func (e *Embedder) Backward(c *EmbedderCache, gradOut *Tensor) {
	gradPre2 := ReLUBackward(c.pre2, gradOut)
	gradH1 := e.l2.Backward(c.h1, gradPre2, true, true)
	gradPre1 := ReLUBackward(c.pre1, gradH1)
	e.l1.Backward(c.x, gradPre1, true, false)
}

// MeanEmbedding averages groups of k consecutive per-pair embeddings:
// (B*k, E) → (B, E). The mean does not depend on the order of the k
// references within a group.
func MeanEmbedding(vectors *Tensor, k int) *Tensor {
	return GroupMean(vectors, k)
}
