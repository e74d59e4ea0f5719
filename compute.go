package main

import (
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Matrix multiplication is where nearly all training time goes: every
// Linear layer costs one matmul forward and two backward. This file splits
// that work across goroutines.
//
// Work is split so that every output element is computed by exactly one
// goroutine with the same summation order as the single-threaded path.
// Parallel and sequential results are therefore bit-identical, which keeps
// fixed-seed runs reproducible.
//
// Two split strategies:
//   - Row split: each worker owns a block of output rows (tall outputs,
//     e.g. weight gradients of shape (in, out)).
//   - Column split: each worker owns a block of output columns (short
//     outputs, e.g. a forward pass with batch size 1).
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
// It is part of Config and handed to every network, never stored globally.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool `yaml:"parallel"`

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	NumWorkers int `yaml:"num_workers"`

	// MinSizeForParallel is the minimum output element count before
	// parallelization is used.
	MinSizeForParallel int `yaml:"min_size_for_parallel"`
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 4096,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && c.numWorkers() > 1 && size >= c.MinSizeForParallel
}

// MatMul performs matrix multiplication C = A @ B with the given config.
// A must be (M, K), B must be (K, N), result is (M, N).
func MatMul(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k := a.shape[0], a.shape[1]
	if b.shape[0] != k {
		panic("tensor: incompatible dimensions for matmul")
	}
	n := b.shape[1]

	out := NewTensor(m, n)
	if !cfg.shouldParallelize(m * n) {
		matmulBlock(a, b, out, 0, m, 0, n)
		return out
	}

	workers := cfg.numWorkers()
	var wg sync.WaitGroup

	if m >= workers {
		per := (m + workers - 1) / workers
		for start := 0; start < m; start += per {
			end := start + per
			if end > m {
				end = m
			}
			wg.Add(1)
			go func(s, e int) {
				defer wg.Done()
				matmulBlock(a, b, out, s, e, 0, n)
			}(start, end)
		}
	} else {
		per := (n + workers - 1) / workers
		for start := 0; start < n; start += per {
			end := start + per
			if end > n {
				end = n
			}
			wg.Add(1)
			go func(s, e int) {
				defer wg.Done()
				matmulBlock(a, b, out, 0, m, s, e)
			}(start, end)
		}
	}

	wg.Wait()
	return out
}

// matmulBlock computes out[r0:r1, c0:c1]. The inner loop walks B row by
// row (i-k-j order) so both B and out are read contiguously.
func matmulBlock(a, b, out *Tensor, r0, r1, c0, c1 int) {
	k := a.shape[1]
	n := b.shape[1]
	for i := r0; i < r1; i++ {
		dst := out.data[i*n+c0 : i*n+c1]
		for kk := 0; kk < k; kk++ {
			av := a.data[i*k+kk]
			if av == 0 {
				continue
			}
			floats.AddScaled(dst, av, b.data[kk*n+c0:kk*n+c1])
		}
	}
}
