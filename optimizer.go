package main

import (
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// AdamConfig holds the hyperparameters of one Adam optimizer.
type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64 // L2 regularization, added to the gradient
	GradClip    float64 // global-norm clip; 0 disables
}

// AdamOptimizer implements Adam over a fixed list of dense parameters and,
// optionally, the rows of a projection table.
//
// Adam combines:
//   - Momentum (moving average of gradients)
//   - RMSProp (moving average of squared gradients)
//   - Bias correction (accounts for initialization at zero)
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)  // Bias correction
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
//
// Table rows use the lazy variant: a row is updated only on steps where it
// received gradient, with its own step counter t, so rows of identities
// absent from the batch do not move at all.
type AdamOptimizer struct {
	cfg    AdamConfig
	params []Param

	// State (one per parameter)
	m []*Tensor // First moment (momentum)
	v []*Tensor // Second moment (variance)
	t int       // Time step (for bias correction)

	table *ProjectionTable
	rowM  map[int][]float64
	rowV  map[int][]float64
	rowT  map[int]int
}

// NewAdamOptimizer creates an Adam optimizer for params.
func NewAdamOptimizer(params []Param, cfg AdamConfig) *AdamOptimizer {
	// Initialize moment tensors (same shape as parameters)
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.T.shape...)
		v[i] = NewTensor(p.T.shape...)
	}

	return &AdamOptimizer{
		cfg:    cfg,
		params: params,
		m:      m,
		v:      v,
		rowM:   make(map[int][]float64),
		rowV:   make(map[int][]float64),
		rowT:   make(map[int]int),
	}
}

// WithTable makes the optimizer also update the touched rows of table.
func (opt *AdamOptimizer) WithTable(table *ProjectionTable) *AdamOptimizer {
	opt.table = table
	return opt
}

// Steps returns the number of dense steps taken.
func (opt *AdamOptimizer) Steps() int { return opt.t }

// ZeroGrad clears the gradients of every parameter it owns.
func (opt *AdamOptimizer) ZeroGrad() {
	zeroGrads(opt.params)
	if opt.table != nil {
		opt.table.ZeroGrad()
	}
}

// Step performs one Adam update from the accumulated gradients.
func (opt *AdamOptimizer) Step() {
	if opt.cfg.GradClip > 0 {
		opt.clipGradients(opt.cfg.GradClip)
	}

	opt.t++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(opt.cfg.Beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.cfg.Beta2, float64(opt.t))

	for i, p := range opt.params {
		opt.update(p.T.data, p.T.grad, opt.m[i].data, opt.v[i].data, bias1, bias2)
	}

	if opt.table == nil {
		return
	}
	for _, row := range opt.table.TouchedRows() {
		m, ok := opt.rowM[row]
		if !ok {
			m = make([]float64, opt.table.dim)
			opt.rowM[row] = m
			opt.rowV[row] = make([]float64, opt.table.dim)
		}
		opt.rowT[row]++
		t := float64(opt.rowT[row])
		opt.update(opt.table.view(row), opt.table.RowGrad(row), m, opt.rowV[row],
			1.0-math.Pow(opt.cfg.Beta1, t), 1.0-math.Pow(opt.cfg.Beta2, t))
	}
}

func (opt *AdamOptimizer) update(data, grads, m, v []float64, bias1, bias2 float64) {
	b1, b2 := opt.cfg.Beta1, opt.cfg.Beta2
	for j := range data {
		// Gradient with weight decay
		grad := grads[j] + opt.cfg.WeightDecay*data[j]

		m[j] = b1*m[j] + (1.0-b1)*grad
		v[j] = b2*v[j] + (1.0-b2)*grad*grad

		mHat := m[j] / bias1
		vHat := v[j] / bias2

		data[j] -= opt.cfg.LR * mHat / (math.Sqrt(vHat) + opt.cfg.Epsilon)
	}
}

// clipGradients clips gradients by global norm, table rows included.
func (opt *AdamOptimizer) clipGradients(maxNorm float64) {
	globalNorm := 0.0
	for _, p := range opt.params {
		for _, g := range p.T.grad {
			globalNorm += g * g
		}
	}
	if opt.table != nil {
		for _, row := range opt.table.TouchedRows() {
			for _, g := range opt.table.RowGrad(row) {
				globalNorm += g * g
			}
		}
	}
	globalNorm = math.Sqrt(globalNorm)
	if globalNorm <= maxNorm {
		return
	}

	scale := maxNorm / globalNorm
	for _, p := range opt.params {
		for i := range p.T.grad {
			p.T.grad[i] *= scale
		}
	}
	if opt.table != nil {
		for _, row := range opt.table.TouchedRows() {
			g := opt.table.RowGrad(row)
			for i := range g {
				g[i] *= scale
			}
		}
	}
}

// ===========================================================================
// STATE
// ===========================================================================

// MomentState is the checkpointed Adam state of one dense parameter.
type MomentState struct {
	Name string
	M    []float64
	V    []float64
}

// RowMomentState is the checkpointed Adam state of one table row.
type RowMomentState struct {
	Row  int
	Step int
	M    []float64
	V    []float64
}

// OptimizerState is everything needed to continue an optimizer exactly.
type OptimizerState struct {
	Step    int
	Moments []MomentState
	Rows    []RowMomentState
}

// State snapshots the optimizer. Slices are copied.
func (opt *AdamOptimizer) State() OptimizerState {
	st := OptimizerState{Step: opt.t}
	for i, p := range opt.params {
		st.Moments = append(st.Moments, MomentState{
			Name: p.Name,
			M:    append([]float64(nil), opt.m[i].data...),
			V:    append([]float64(nil), opt.v[i].data...),
		})
	}

	rows := make([]int, 0, len(opt.rowT))
	for r := range opt.rowT {
		rows = append(rows, r)
	}
	sort.Ints(rows)
	for _, r := range rows {
		st.Rows = append(st.Rows, RowMomentState{
			Row:  r,
			Step: opt.rowT[r],
			M:    append([]float64(nil), opt.rowM[r]...),
			V:    append([]float64(nil), opt.rowV[r]...),
		})
	}
	return st
}

// LoadState restores a snapshot. Every parameter must have a matching
// entry, except those named in reset: their moments start from zero and
// any saved entry for them is ignored. Nothing is modified on error.
func (opt *AdamOptimizer) LoadState(st OptimizerState, reset map[string]bool) error {
	byName := make(map[string]MomentState, len(st.Moments))
	for _, ms := range st.Moments {
		byName[ms.Name] = ms
	}

	for _, p := range opt.params {
		if reset[p.Name] {
			continue
		}
		ms, ok := byName[p.Name]
		if !ok {
			return errors.Wrapf(ErrStateDictMismatch, "optimizer state missing %s", p.Name)
		}
		if len(ms.M) != p.T.Size() || len(ms.V) != p.T.Size() {
			return errors.Wrapf(ErrStateDictMismatch, "optimizer state for %s has %d values, param has %d", p.Name, len(ms.M), p.T.Size())
		}
	}
	for _, rs := range st.Rows {
		if opt.table == nil {
			return errors.Wrap(ErrStateDictMismatch, "optimizer state has table rows but no table is attached")
		}
		if rs.Row < 0 || rs.Row >= opt.table.rows || len(rs.M) != opt.table.dim || len(rs.V) != opt.table.dim {
			return errors.Wrapf(ErrStateDictMismatch, "optimizer state for row %d does not fit table %dx%d", rs.Row, opt.table.rows, opt.table.dim)
		}
	}

	opt.t = st.Step
	for i, p := range opt.params {
		if reset[p.Name] {
			opt.m[i] = NewTensor(p.T.shape...)
			opt.v[i] = NewTensor(p.T.shape...)
			continue
		}
		ms := byName[p.Name]
		copy(opt.m[i].data, ms.M)
		copy(opt.v[i].data, ms.V)
	}

	opt.rowM = make(map[int][]float64, len(st.Rows))
	opt.rowV = make(map[int][]float64, len(st.Rows))
	opt.rowT = make(map[int]int, len(st.Rows))
	for _, rs := range st.Rows {
		opt.rowM[rs.Row] = append([]float64(nil), rs.M...)
		opt.rowV[rs.Row] = append([]float64(nil), rs.V...)
		opt.rowT[rs.Row] = rs.Step
	}
	return nil
}

// String summarizes the optimizer for logs.
func (opt *AdamOptimizer) String() string {
	return fmt.Sprintf("Adam(lr=%g, params=%d, rows=%d, step=%d)", opt.cfg.LR, countParameters(opt.params), len(opt.rowT), opt.t)
}
