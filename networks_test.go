package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	netFrameDim = 12
	netHidden   = 10
	netEmbedDim = 8
)

func TestEmbedderBackwardNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	e := NewEmbedder(netFrameDim, netHidden, netEmbedDim, SingleThreadedConfig())
	e.InitWeights(rng)
	frames := randomTensor(rng, 3, netFrameDim)
	sketches := randomTensor(rng, 3, netFrameDim)
	probe := randomTensor(rng, 3, netEmbedDim)

	loss := func() float64 {
		out, _ := e.Forward(frames, sketches)
		return dot(out, probe)
	}
	out, cache := e.Forward(frames, sketches)
	require.Equal(t, []int{3, netEmbedDim}, out.Shape())
	e.Backward(cache, probe)

	for _, p := range e.Params() {
		for i := 0; i < p.T.Size(); i += 7 {
			requireGradClose(t, numericGrad(loss, p.T.data, i), p.T.grad[i], "%s[%d]", p.Name, i)
		}
	}
}

func TestEmbedderShapePreconditions(t *testing.T) {
	e := NewEmbedder(netFrameDim, netHidden, netEmbedDim, SingleThreadedConfig())
	assert.Panics(t, func() { e.Forward(NewTensor(2, netFrameDim), NewTensor(3, netFrameDim)) })
	assert.Panics(t, func() { e.Forward(NewTensor(2, 5), NewTensor(2, 5)) })
}

// TestMeanEmbeddingOrderInvariant checks that permuting the K references
// of a sample does not change its embedding.
func TestMeanEmbeddingOrderInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	e := NewEmbedder(netFrameDim, netHidden, netEmbedDim, SingleThreadedConfig())
	e.InitWeights(rng)

	const k = 4
	frames := randomTensor(rng, k, netFrameDim)
	sketches := randomTensor(rng, k, netFrameDim)

	perm := []int{2, 0, 3, 1}
	pf := NewTensor(k, netFrameDim)
	ps := NewTensor(k, netFrameDim)
	for i, j := range perm {
		copy(pf.Row(i), frames.Row(j))
		copy(ps.Row(i), sketches.Row(j))
	}

	a, _ := e.Forward(frames, sketches)
	b, _ := e.Forward(pf, ps)
	ma := MeanEmbedding(a, k).Data()
	mb := MeanEmbedding(b, k).Data()
	for i := range ma {
		assert.InDelta(t, ma[i], mb[i], 1e-12)
	}
}

func TestGeneratorBackwardNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	g := NewGenerator(netFrameDim, netHidden, netEmbedDim, 0.2, SingleThreadedConfig())
	g.InitWeights(rng)
	g.Eval()

	sketch := randomTensor(rng, 2, netFrameDim)
	eHat := randomTensor(rng, 2, netEmbedDim)
	probe := randomTensor(rng, 2, netFrameDim)

	loss := func() float64 {
		out, _ := g.Forward(sketch, eHat)
		return dot(out, probe)
	}
	out, cache := g.Forward(sketch, eHat)
	for _, v := range out.Data() {
		require.True(t, v > 0 && v < 1, "outputs are sigmoid-bounded")
	}
	gradE := g.Backward(cache, probe)

	for i := range eHat.data {
		requireGradClose(t, numericGrad(loss, eHat.data, i), gradE.data[i], "eHat[%d]", i)
	}
	for _, p := range g.Params() {
		for i := 0; i < p.T.Size(); i += 5 {
			requireGradClose(t, numericGrad(loss, p.T.data, i), p.T.grad[i], "%s[%d]", p.Name, i)
		}
	}
}

func TestGeneratorDropoutOnlyInTraining(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	g := NewGenerator(netFrameDim, netHidden, netEmbedDim, 0.5, SingleThreadedConfig())
	g.InitWeights(rng)
	sketch := randomTensor(rng, 1, netFrameDim)
	eHat := randomTensor(rng, 1, netEmbedDim)

	g.Eval()
	a, _ := g.Forward(sketch, eHat)
	b, _ := g.Forward(sketch, eHat)
	assert.Equal(t, a.Data(), b.Data())

	// Same seed, same mask.
	g.Train()
	g.SetRNG(rand.New(rand.NewSource(99)))
	c, cc := g.Forward(sketch, eHat)
	g.SetRNG(rand.New(rand.NewSource(99)))
	d, _ := g.Forward(sketch, eHat)
	assert.Equal(t, c.Data(), d.Data())
	assert.NotNil(t, cc.mask)
}

func TestGeneratorBatchMismatchPanics(t *testing.T) {
	g := NewGenerator(netFrameDim, netHidden, netEmbedDim, 0, SingleThreadedConfig())
	assert.Panics(t, func() { g.Forward(NewTensor(2, netFrameDim), NewTensor(3, netEmbedDim)) })
	assert.Panics(t, func() { g.Forward(NewTensor(2, netFrameDim), NewTensor(2, netEmbedDim+1)) })
}

func newTestDiscriminator(rng *rand.Rand, identities int) *Discriminator {
	table := NewProjectionTable(identities, netEmbedDim)
	table.InitRandom(rng)
	d := NewDiscriminator(netFrameDim, netHidden, netEmbedDim, table, SingleThreadedConfig())
	d.InitWeights(rng)
	// A non-zero head so every gradient path is exercised.
	for i := range d.w0.data {
		d.w0.data[i] = rng.Float64() - 0.5
	}
	d.b.data[0] = 0.1
	return d
}

func TestDiscriminatorScore(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	d := newTestDiscriminator(rng, 3)
	frame := randomTensor(rng, 2, netFrameDim)
	sketch := randomTensor(rng, 2, netFrameDim)

	scores, feats, _ := d.Forward(frame, sketch, []int{2, 0})
	require.Equal(t, []int{2, 1}, scores.Shape())
	require.Len(t, feats, 2)

	v := feats[1]
	for i, id := range []int{2, 0} {
		want := d.b.data[0]
		row := d.Table().Row(id)
		for j := 0; j < netEmbedDim; j++ {
			want += v.At(i, j) * (d.w0.data[j] + row[j])
		}
		assert.InDelta(t, want, scores.At(i, 0), 1e-12)
	}

	assert.Panics(t, func() { d.Forward(frame, sketch, []int{0}) })
}

func TestDiscriminatorBackwardNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	d := newTestDiscriminator(rng, 3)
	frame := randomTensor(rng, 2, netFrameDim)
	sketch := randomTensor(rng, 2, netFrameDim)
	idx := []int{1, 2}

	scoreProbe := randomTensor(rng, 2, 1)
	h1Probe := randomTensor(rng, 2, netHidden)
	vProbe := randomTensor(rng, 2, netEmbedDim)

	loss := func() float64 {
		s, f, _ := d.Forward(frame, sketch, idx)
		return dot(s, scoreProbe) + dot(f[0], h1Probe) + dot(f[1], vProbe)
	}
	_, _, cache := d.Forward(frame, sketch, idx)
	gradFrame := d.Backward(cache, scoreProbe, []*Tensor{h1Probe, vProbe}, true, true)

	for i := range frame.data {
		requireGradClose(t, numericGrad(loss, frame.data, i), gradFrame.data[i], "frame[%d]", i)
	}
	for _, p := range d.Params() {
		for i := 0; i < p.T.Size(); i += 3 {
			requireGradClose(t, numericGrad(loss, p.T.data, i), p.T.grad[i], "%s[%d]", p.Name, i)
		}
	}

	assert.Equal(t, []int{1, 2}, d.Table().TouchedRows())
	for _, row := range []int{1, 2} {
		data := d.Table().view(row)
		grad := d.Table().RowGrad(row)
		for j := range data {
			requireGradClose(t, numericGrad(loss, data, j), grad[j], "row %d[%d]", row, j)
		}
	}
	assert.Nil(t, d.Table().RowGrad(0))
}

// TestDiscriminatorFrozenBackward checks that a backward pass without
// parameter gradients leaves every parameter and table row untouched.
func TestDiscriminatorFrozenBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(16))
	d := newTestDiscriminator(rng, 2)
	frame := randomTensor(rng, 1, netFrameDim)
	sketch := randomTensor(rng, 1, netFrameDim)

	_, _, cache := d.Forward(frame, sketch, []int{1})
	gradFrame := d.Backward(cache, NewTensorFrom([]float64{-1}, 1, 1), nil, false, true)
	assert.NotNil(t, gradFrame)

	for _, p := range d.Params() {
		assert.Equal(t, make([]float64, p.T.Size()), p.T.Grad(), p.Name)
	}
	assert.Empty(t, d.Table().TouchedRows())

	_, _, cache = d.Forward(frame, sketch, []int{1})
	assert.Nil(t, d.Backward(cache, NewTensorFrom([]float64{1}, 1, 1), nil, true, false))
}

func TestDiscriminatorTableWidthMustMatch(t *testing.T) {
	assert.Panics(t, func() {
		NewDiscriminator(netFrameDim, netHidden, netEmbedDim, NewProjectionTable(2, netEmbedDim+1), SingleThreadedConfig())
	})
}

func TestDiscriminatorInitZeroHead(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	d := NewDiscriminator(netFrameDim, netHidden, netEmbedDim, NewProjectionTable(1, netEmbedDim), SingleThreadedConfig())
	d.InitWeights(rng)
	assert.Equal(t, make([]float64, netEmbedDim), d.w0.Data())
	assert.Equal(t, 0.0, d.b.data[0])
}
