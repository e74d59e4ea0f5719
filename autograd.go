package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the backward half of every operation the three
// networks use. There is no tape: each network keeps a cache of the
// activations it produced in Forward and walks it in reverse in Backward,
// calling the functions below.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Backward: given ∂L/∂z, compute ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// CONVENTION:
// Backward functions return fresh gradient tensors for their inputs.
// Parameters accumulate into their own grad buffers (AccumulateGrad), so a
// parameter used twice in one step receives the sum of both gradients,
// and ZeroGrad must run before every forward/backward group.
//
// ===========================================================================

import (
	"math"
)

// MatMulBackward computes gradients for matrix multiplication.
//
// Given C = A @ B and gradC = ∂L/∂C:
//   - gradA = gradC @ B^T
//   - gradB = A^T @ gradC
//
// Derivation:
//   C[i,j] = Σ_k A[i,k] * B[k,j]
//   ∂L/∂A[i,k] = Σ_j ∂L/∂C[i,j] * B[k,j] = (gradC @ B^T)[i,k]
//
// Either result can be skipped (needA/needB false) to save a matmul.
func MatMulBackward(a, b, gradC *Tensor, needA, needB bool, cfg ComputeConfig) (gradA, gradB *Tensor) {
	if needA {
		gradA = MatMul(gradC, Transpose(b), cfg)
	}
	if needB {
		gradB = MatMul(Transpose(a), gradC, cfg)
	}
	return gradA, gradB
}

// AddRowVectorBackward returns the bias gradient for y = x + bias: the
// column sums of gradY. The x gradient is gradY itself.
func AddRowVectorBackward(gradY *Tensor) *Tensor {
	return SumRows(gradY)
}

// ReLUBackward computes gradient for ReLU activation.
//
//   ∂Y[i]/∂X[i] = 1 if X[i] > 0, else 0
func ReLUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	for i := range x.data {
		if x.data[i] > 0 {
			gradX.data[i] = gradY.data[i]
		}
	}
	return gradX
}

// SigmoidBackward computes gradient for the logistic function from its
// output y: ∂y/∂x = y * (1 - y).
func SigmoidBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i, v := range y.data {
		gradX.data[i] = gradY.data[i] * v * (1 - v)
	}
	return gradX
}

// DropoutBackward routes gradient through the kept units. mask holds the
// forward scale per element (0 for dropped, 1/(1-p) for kept).
func DropoutBackward(mask, gradY *Tensor) *Tensor {
	return Mul(mask, gradY)
}

// L1Loss returns mean |a - b| over all elements.
func L1Loss(a, b *Tensor) float64 {
	mustSameShape("l1", a, b)
	sum := 0.0
	for i := range a.data {
		sum += math.Abs(a.data[i] - b.data[i])
	}
	return sum / float64(len(a.data))
}

// L1LossBackward returns ∂/∂a of mean |a - b|: sign(a - b) / n.
// The subgradient at a == b is taken as 0.
func L1LossBackward(a, b *Tensor) *Tensor {
	mustSameShape("l1", a, b)
	grad := NewTensor(a.shape...)
	inv := 1.0 / float64(len(a.data))
	for i := range a.data {
		switch d := a.data[i] - b.data[i]; {
		case d > 0:
			grad.data[i] = inv
		case d < 0:
			grad.data[i] = -inv
		}
	}
	return grad
}

// GroupMeanBackward spreads the gradient of a group mean back over the
// group members: each of the `group` rows receives gradY / group.
func GroupMeanBackward(gradY *Tensor, group int) *Tensor {
	gradX := NewTensor(gradY.Rows()*group, gradY.Cols())
	inv := 1.0 / float64(group)
	for i := 0; i < gradY.Rows(); i++ {
		src := gradY.Row(i)
		for k := 0; k < group; k++ {
			dst := gradX.Row(i*group + k)
			for j := range dst {
				dst[j] = src[j] * inv
			}
		}
	}
	return gradX
}

// AccumulateGrad adds gradient to a tensor's gradient buffer.
// Used when a tensor is used multiple times in the forward pass.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
