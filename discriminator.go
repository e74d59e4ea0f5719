package main

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The discriminator scores how real a (frame, sketch) pair looks for a
// given identity:
//
//   v      = body(frame, sketch)            (B, E) shared features
//   score  = <v, w0 + W[identity]> + b      (B, 1)
//
// w0 and b form the shared realism head. W is the identity projection
// table: one learned row per training identity. The table is not one of
// the dense Params(); it lives in a ProjectionTable and receives sparse
// gradients, only for the rows gathered by the current batch.
//
// Forward also returns the intermediate feature maps [h1, v]. The
// generator loss matches them between real and generated pairs.
//
// ===========================================================================

// Discriminator is the identity-conditioned realism critic.
type Discriminator struct {
	frameDim int
	embedDim int

	l1 *Linear // (2*frameDim) → hidden
	l2 *Linear // hidden → embedDim
	w0 *Tensor // (1, embedDim) shared projection
	b  *Tensor // (1, 1) shared bias

	table *ProjectionTable
}

// DiscriminatorCache holds the activations Backward needs.
type DiscriminatorCache struct {
	idx  []int
	x    *Tensor
	pre1 *Tensor
	h1   *Tensor
	pre2 *Tensor
	v    *Tensor
}

// NewDiscriminator creates a discriminator over the given projection table.
// The table width must equal embedDim.
func NewDiscriminator(frameDim, hidden, embedDim int, table *ProjectionTable, compute ComputeConfig) *Discriminator {
	if table.Dim() != embedDim {
		panic(fmt.Sprintf("discriminator: projection width %d, embed dim %d", table.Dim(), embedDim))
	}
	return &Discriminator{
		frameDim: frameDim,
		embedDim: embedDim,
		l1:       NewLinear(2*frameDim, hidden, compute),
		l2:       NewLinear(hidden, embedDim, compute),
		w0:       NewTensor(1, embedDim),
		b:        NewTensor(1, 1),
		table:    table,
	}
}

// Table returns the identity projection table.
func (d *Discriminator) Table() *ProjectionTable { return d.table }

// InitWeights applies Xavier-uniform to the body and zeroes the head.
// The projection table is initialized separately, once, at checkpoint
// creation.
func (d *Discriminator) InitWeights(rng *rand.Rand) {
	d.l1.Init(rng)
	d.l2.Init(rng)
	for i := range d.w0.data {
		d.w0.data[i] = 0
	}
	d.b.data[0] = 0
}

// Params returns the dense trainable tensors (projection table excluded).
func (d *Discriminator) Params() []Param {
	params := append(d.l1.Params("discriminator.l1"), d.l2.Params("discriminator.l2")...)
	return append(params,
		Param{Name: "discriminator.w0", T: d.w0},
		Param{Name: "discriminator.b", T: d.b},
	)
}

// Forward scores B pairs for identities idx. It returns the (B, 1) scores,
// the feature maps [h1, v] and the cache for Backward.
func (d *Discriminator) Forward(frame, sketch *Tensor, idx []int) (*Tensor, []*Tensor, *DiscriminatorCache) {
	if !shapeEqual(frame.shape, sketch.shape) {
		panic(fmt.Sprintf("discriminator: frame shape %v does not match sketch shape %v", frame.shape, sketch.shape))
	}
	if len(idx) != frame.Rows() {
		panic(fmt.Sprintf("discriminator: %d identities for batch of %d", len(idx), frame.Rows()))
	}

	c := &DiscriminatorCache{idx: idx, x: ConcatCols(frame, sketch)}
	c.pre1 = d.l1.Forward(c.x)
	c.h1 = ReLU(c.pre1)
	c.pre2 = d.l2.Forward(c.h1)
	c.v = ReLU(c.pre2)

	scores := NewTensor(len(idx), 1)
	for i, id := range idx {
		row := c.v.Row(i)
		scores.data[i] = floats.Dot(row, d.w0.data) + floats.Dot(row, d.table.view(id)) + d.b.data[0]
	}
	return scores, []*Tensor{c.h1, c.v}, c
}

// Backward propagates gradients from the scores and, optionally, from
// the feature maps (gradFeats may be nil or hold nil entries).
//
// paramGrads controls whether the body, the head and the gathered
// projection rows accumulate gradient. With paramGrads false the network
// acts frozen and only the input gradient flows. needInput controls
// whether ∂L/∂frame is computed; it is nil otherwise.
func (d *Discriminator) Backward(c *DiscriminatorCache, gradScore *Tensor, gradFeats []*Tensor, paramGrads, needInput bool) *Tensor {
	gradV := NewTensor(c.v.shape...)
	gradW0 := NewTensor(1, d.embedDim)
	gradB := 0.0
	rowGrad := make([]float64, d.embedDim)

	for i, id := range c.idx {
		g := gradScore.data[i]
		proj := d.table.view(id)
		dst := gradV.Row(i)
		floats.AddScaled(dst, g, d.w0.data)
		floats.AddScaled(dst, g, proj)

		if paramGrads {
			v := c.v.Row(i)
			floats.AddScaled(gradW0.data, g, v)
			gradB += g
			floats.ScaleTo(rowGrad, g, v)
			d.table.AccumulateGrad(id, rowGrad)
		}
	}
	if paramGrads {
		d.w0.AccumulateGrad(gradW0)
		d.b.grad[0] += gradB
	}
	if len(gradFeats) > 1 && gradFeats[1] != nil {
		floats.Add(gradV.data, gradFeats[1].data)
	}

	gradPre2 := ReLUBackward(c.pre2, gradV)
	gradH1 := d.l2.Backward(c.h1, gradPre2, paramGrads, true)
	if len(gradFeats) > 0 && gradFeats[0] != nil {
		floats.Add(gradH1.data, gradFeats[0].data)
	}
	gradPre1 := ReLUBackward(c.pre1, gradH1)
	gradX := d.l1.Backward(c.x, gradPre1, paramGrads, needInput)
	if !needInput {
		return nil
	}
	return SplitCols(gradX, d.frameDim, d.frameDim)[0]
}
