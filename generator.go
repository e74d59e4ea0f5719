package main

import (
	"fmt"
	"math/rand"
)

// Generator synthesizes a frame from a target landmark sketch and an
// identity embedding. The output has the sketch's resolution, with pixel
// values in [0, 1].
//
// Training mode applies dropout to the hidden layer. Eval mode is the
// no-gradient inference path: dropout is off and Forward is deterministic.
type Generator struct {
	frameDim int
	embedDim int
	dropout  float64
	training bool
	rng      *rand.Rand

	l1 *Linear // (frameDim + embedDim) → hidden
	l2 *Linear // hidden → frameDim
}

// GeneratorCache holds the activations Backward needs.
type GeneratorCache struct {
	x    *Tensor
	pre1 *Tensor
	h1   *Tensor
	mask *Tensor // nil when dropout was not applied
	h1d  *Tensor
	out  *Tensor
}

// NewGenerator creates a generator in training mode.
func NewGenerator(frameDim, hidden, embedDim int, dropout float64, compute ComputeConfig) *Generator {
	return &Generator{
		frameDim: frameDim,
		embedDim: embedDim,
		dropout:  dropout,
		training: true,
		rng:      rand.New(rand.NewSource(1)),
		l1:       NewLinear(frameDim+embedDim, hidden, compute),
		l2:       NewLinear(hidden, frameDim, compute),
	}
}

// InitWeights applies Xavier-uniform to every weight matrix.
func (g *Generator) InitWeights(rng *rand.Rand) {
	g.l1.Init(rng)
	g.l2.Init(rng)
}

// Params returns the generator's trainable tensors.
func (g *Generator) Params() []Param {
	return append(g.l1.Params("generator.l1"), g.l2.Params("generator.l2")...)
}

// Train switches to training mode (dropout on).
func (g *Generator) Train() { g.training = true }

// Eval switches to evaluation mode (dropout off).
func (g *Generator) Eval() { g.training = false }

// SetRNG replaces the dropout source. The trainer reseeds it every step so
// that a resumed run draws the same masks as an uninterrupted one.
func (g *Generator) SetRNG(rng *rand.Rand) { g.rng = rng }

// Forward renders (B, frameDim) frames from (B, frameDim) sketches and
// (B, embedDim) embeddings. A batch size disagreement between the two
// inputs is a fatal precondition violation.
func (g *Generator) Forward(sketch, eHat *Tensor) (*Tensor, *GeneratorCache) {
	if sketch.Rows() != eHat.Rows() {
		panic(fmt.Sprintf("generator: sketch batch %d does not match embedding batch %d", sketch.Rows(), eHat.Rows()))
	}
	if sketch.Cols() != g.frameDim || eHat.Cols() != g.embedDim {
		panic(fmt.Sprintf("generator: got widths (%d, %d), expected (%d, %d)", sketch.Cols(), eHat.Cols(), g.frameDim, g.embedDim))
	}

	c := &GeneratorCache{x: ConcatCols(sketch, eHat)}
	c.pre1 = g.l1.Forward(c.x)
	c.h1 = ReLU(c.pre1)
	c.h1d = c.h1
	if g.training && g.dropout > 0 {
		c.h1d, c.mask = applyDropout(c.h1, g.dropout, g.rng)
	}
	c.out = Sigmoid(g.l2.Forward(c.h1d))
	return c.out, c
}

// Backward accumulates weight gradients for gradOut = ∂L/∂frames and
// returns ∂L/∂eHat.
func (g *Generator) Backward(c *GeneratorCache, gradOut *Tensor) *Tensor {
	gradPre2 := SigmoidBackward(c.out, gradOut)
	gradH1 := g.l2.Backward(c.h1d, gradPre2, true, true)
	if c.mask != nil {
		gradH1 = DropoutBackward(c.mask, gradH1)
	}
	gradPre1 := ReLUBackward(c.pre1, gradH1)
	gradX := g.l1.Backward(c.x, gradPre1, true, true)
	return SplitCols(gradX, g.frameDim, g.embedDim)[1]
}
