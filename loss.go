package main

import "math"

// LossWeights scales the terms of the generator loss.
type LossWeights struct {
	Content float64 `yaml:"content"`
	FM      float64 `yaml:"fm"`
	Adv     float64 `yaml:"adv"`
	Match   float64 `yaml:"match"`
}

// DefaultLossWeights returns the usual weighting.
func DefaultLossWeights() LossWeights {
	return LossWeights{Content: 1, FM: 10, Adv: 1, Match: 80}
}

// GeneratorLossInputs collects everything the generator loss looks at.
type GeneratorLossInputs struct {
	Fake       *Tensor   // x̂, generated frames (B, D)
	Real       *Tensor   // x, ground-truth frames (B, D)
	FakeFeats  []*Tensor // discriminator features on (x̂, sketch)
	RealFeats  []*Tensor // discriminator features on (x, sketch), constants
	FakeScore  *Tensor   // discriminator score on (x̂, sketch), (B, 1)
	Embedding  *Tensor   // ê, identity embedding (B, E)
	Projection *Tensor   // W[idx], gathered projection rows (B, E), constants
}

// GeneratorLossTerms are the unweighted terms and the weighted total.
type GeneratorLossTerms struct {
	Content float64
	FM      float64
	Adv     float64
	Match   float64
	Total   float64
}

// GeneratorLossGrads are the gradients of the weighted total.
type GeneratorLossGrads struct {
	Fake      *Tensor   // direct ∂L/∂x̂ from the content term
	FakeFeats []*Tensor // ∂L/∂(fake features)
	FakeScore *Tensor   // ∂L/∂(fake score)
	Embedding *Tensor   // direct ∂L/∂ê from the match term
}

// GeneratorLoss computes
//
//	L_G = wC·|x̂ - x|₁ + wFM·Σ_l |D_l(x̂) - D_l(x)|₁ - wAdv·mean r̂ + wM·|ê - W[idx]|₁
//
// where |·|₁ is the mean absolute difference. The real features and the
// gathered projection rows are constants: no gradient is returned for them.
func GeneratorLoss(w LossWeights, in GeneratorLossInputs) (GeneratorLossTerms, GeneratorLossGrads) {
	var terms GeneratorLossTerms
	var grads GeneratorLossGrads

	terms.Content = L1Loss(in.Fake, in.Real)
	grads.Fake = Scale(L1LossBackward(in.Fake, in.Real), w.Content)

	grads.FakeFeats = make([]*Tensor, len(in.FakeFeats))
	for l := range in.FakeFeats {
		terms.FM += L1Loss(in.FakeFeats[l], in.RealFeats[l])
		grads.FakeFeats[l] = Scale(L1LossBackward(in.FakeFeats[l], in.RealFeats[l]), w.FM)
	}

	b := float64(in.FakeScore.Rows())
	grads.FakeScore = NewTensor(in.FakeScore.shape...)
	for i, r := range in.FakeScore.data {
		terms.Adv -= r / b
		grads.FakeScore.data[i] = -w.Adv / b
	}

	terms.Match = L1Loss(in.Embedding, in.Projection)
	grads.Embedding = Scale(L1LossBackward(in.Embedding, in.Projection), w.Match)

	terms.Total = w.Content*terms.Content + w.FM*terms.FM + w.Adv*terms.Adv + w.Match*terms.Match
	return terms, grads
}

// HingeReal is mean(max(0, 1 - r)): real scores are pushed above +1.
// It returns the loss and ∂loss/∂r.
func HingeReal(scores *Tensor) (float64, *Tensor) {
	return hinge(scores, -1)
}

// HingeFake is mean(max(0, 1 + r̂)): fake scores are pushed below -1.
// It returns the loss and ∂loss/∂r̂.
func HingeFake(scores *Tensor) (float64, *Tensor) {
	return hinge(scores, +1)
}

// hinge computes mean(max(0, 1 + sign·r)).
func hinge(scores *Tensor, sign float64) (float64, *Tensor) {
	n := float64(scores.Size())
	grad := NewTensor(scores.shape...)
	loss := 0.0
	for i, r := range scores.data {
		m := 1 + sign*r
		loss += math.Max(0, m)
		if m > 0 {
			grad.data[i] = sign / n
		}
	}
	return loss / n, grad
}
