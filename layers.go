package main

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrStateDictMismatch is returned by a strict state-dict load when names
// or shapes disagree with the network.
var ErrStateDictMismatch = errors.New("state dict does not match network")

// Param is a named trainable tensor. Names are stable across runs and are
// the keys of checkpointed weights and optimizer state.
type Param struct {
	Name string
	T    *Tensor
}

// Network is implemented by the embedder, generator and discriminator.
type Network interface {
	// Params returns every dense trainable tensor in a fixed order.
	Params() []Param

	// InitWeights applies the fresh-run initialization policy.
	InitWeights(rng *rand.Rand)
}

// Linear is a fully connected layer: y = x @ W + b.
type Linear struct {
	W *Tensor // (in, out)
	B *Tensor // (1, out)

	compute ComputeConfig
}

// NewLinear creates a zero-initialized layer; call Init before training.
func NewLinear(in, out int, compute ComputeConfig) *Linear {
	return &Linear{
		W:       NewTensor(in, out),
		B:       NewTensor(1, out),
		compute: compute,
	}
}

// Init sets W to Xavier-uniform and B to zero.
func (l *Linear) Init(rng *rand.Rand) {
	XavierUniform(l.W, rng)
	for i := range l.B.data {
		l.B.data[i] = 0
	}
}

// In returns the input width.
func (l *Linear) In() int { return l.W.shape[0] }

// Out returns the output width.
func (l *Linear) Out() int { return l.W.shape[1] }

// Forward computes x @ W + b for x of shape (batch, in).
func (l *Linear) Forward(x *Tensor) *Tensor {
	if x.Cols() != l.In() {
		panic(fmt.Sprintf("linear: input width %d, layer expects %d", x.Cols(), l.In()))
	}
	return AddRowVector(MatMul(x, l.W, l.compute), l.B)
}

// Backward propagates gradY through the layer given the forward input x.
// With paramGrads false the layer's W and B gradients are left untouched,
// which is how a frozen network passes gradient through to its input.
// The input gradient is only computed when needInput is set.
func (l *Linear) Backward(x, gradY *Tensor, paramGrads, needInput bool) *Tensor {
	gradX, gradW := MatMulBackward(x, l.W, gradY, needInput, paramGrads, l.compute)
	if paramGrads {
		l.W.AccumulateGrad(gradW)
		l.B.AccumulateGrad(AddRowVectorBackward(gradY))
	}
	return gradX
}

// Params lists W and B under the given prefix.
func (l *Linear) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".weight", T: l.W},
		{Name: prefix + ".bias", T: l.B},
	}
}

// applyDropout zeroes each element with probability p and scales the
// survivors by 1/(1-p). It returns the output and the mask used, so the
// backward pass can replay it.
func applyDropout(x *Tensor, p float64, rng *rand.Rand) (out, mask *Tensor) {
	mask = NewTensor(x.shape...)
	keep := 1.0 / (1.0 - p)
	for i := range mask.data {
		if rng.Float64() >= p {
			mask.data[i] = keep
		}
	}
	return Mul(x, mask), mask
}

// ===========================================================================
// STATE DICTS
// ===========================================================================

// TensorState is the serialized form of one parameter.
type TensorState struct {
	Name  string
	Shape []int
	Data  []float64
}

// StateDict is the serialized form of a network's parameters.
type StateDict []TensorState

// NewStateDict snapshots params. Data is copied.
func NewStateDict(params []Param) StateDict {
	sd := make(StateDict, len(params))
	for i, p := range params {
		data := make([]float64, len(p.T.data))
		copy(data, p.T.data)
		sd[i] = TensorState{Name: p.Name, Shape: p.T.Shape(), Data: data}
	}
	return sd
}

// LoadStateDict copies sd into params.
//
// Strict mode requires an exact match of names and shapes and fails
// without modifying anything otherwise. Lenient mode loads every entry
// whose name and shape match, logs the rest, and returns the names of the
// params that kept their current values.
func LoadStateDict(params []Param, sd StateDict, strict bool, log *zap.Logger) ([]string, error) {
	byName := make(map[string]TensorState, len(sd))
	for _, ts := range sd {
		byName[ts.Name] = ts
	}

	var problems, skipped []string
	matched := make(map[string]bool, len(params))
	for _, p := range params {
		ts, ok := byName[p.Name]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("missing %s", p.Name))
			skipped = append(skipped, p.Name)
		case !shapeEqual(ts.Shape, p.T.shape) || len(ts.Data) != len(p.T.data):
			problems = append(problems, fmt.Sprintf("%s: checkpoint shape %v, network shape %v", p.Name, ts.Shape, p.T.shape))
			skipped = append(skipped, p.Name)
		default:
			matched[p.Name] = true
		}
	}
	for name := range byName {
		if !paramNamed(params, name) {
			problems = append(problems, fmt.Sprintf("unexpected %s", name))
		}
	}
	sort.Strings(problems)

	if strict && len(problems) > 0 {
		return nil, errors.Wrapf(ErrStateDictMismatch, "%v", problems)
	}
	for _, msg := range problems {
		log.Warn("lenient state dict load", zap.String("problem", msg))
	}

	for _, p := range params {
		if matched[p.Name] {
			copy(p.T.data, byName[p.Name].Data)
		}
	}
	return skipped, nil
}

func paramNamed(params []Param, name string) bool {
	for _, p := range params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// countParameters counts total elements across params.
func countParameters(params []Param) int {
	total := 0
	for _, p := range params {
		total += p.T.Size()
	}
	return total
}

// zeroGrads clears the gradient buffer of every param.
func zeroGrads(params []Param) {
	for _, p := range params {
		p.T.ZeroGrad()
	}
}
