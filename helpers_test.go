package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// testConfig is a configuration small enough to train in milliseconds:
// 4x4 frames, tiny networks, one worker-free compute path.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.TrainDir = "/train"
	cfg.K = 2
	cfg.FrameSize = 4
	cfg.CacheSize = 16
	cfg.Workers = 2
	cfg.EmbedDim = 16
	cfg.Hidden = 16
	cfg.BatchSize = 1
	cfg.Epochs = 1
	cfg.Seed = 7
	cfg.LRG = 1e-3
	cfg.LRD = 1e-3
	cfg.Compute = SingleThreadedConfig()
	return &cfg
}

func randomFrame(rng *rand.Rand, size int) []float64 {
	f := make([]float64, 3*size*size)
	for i := range f {
		f[i] = rng.Float64()
	}
	return f
}

func randomTensor(rng *rand.Rand, rows, cols int) *Tensor {
	t := NewTensor(rows, cols)
	for i := range t.data {
		t.data[i] = 2*rng.Float64() - 1
	}
	return t
}

// writeTestDataset writes `frames` random pairs for each named identity.
func writeTestDataset(t *testing.T, fs afero.Fs, root string, identities []string, frames, size int, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	for _, id := range identities {
		for i := 0; i < frames; i++ {
			require.NoError(t, WritePair(fs, root, id, i, randomFrame(rng, size), randomFrame(rng, size), size))
		}
	}
}

// testSample builds a synthetic sample without touching the filesystem.
func testSample(rng *rand.Rand, identity, k, size int) *Sample {
	s := &Sample{Identity: identity}
	for j := 0; j < k; j++ {
		s.Frames = append(s.Frames, randomFrame(rng, size))
		s.Sketches = append(s.Sketches, randomFrame(rng, size))
	}
	s.Target = randomFrame(rng, size)
	s.TargetSketch = randomFrame(rng, size)
	return s
}

func testBatch(t *testing.T, rng *rand.Rand, identities []int, k, size int) *Batch {
	t.Helper()
	var samples []*Sample
	for _, id := range identities {
		samples = append(samples, testSample(rng, id, k, size))
	}
	b, err := assembleBatch(samples, k)
	require.NoError(t, err)
	return b
}

// numericGrad is the central difference of f with respect to x[i].
func numericGrad(f func() float64, x []float64, i int) float64 {
	const h = 1e-6
	orig := x[i]
	x[i] = orig + h
	fp := f()
	x[i] = orig - h
	fm := f()
	x[i] = orig
	return (fp - fm) / (2 * h)
}

// dot sums a ⊙ r: a linear probe whose gradient with respect to a is r.
func dot(a, r *Tensor) float64 {
	s := 0.0
	for i := range a.data {
		s += a.data[i] * r.data[i]
	}
	return s
}

func requireGradClose(t *testing.T, want, got float64, msgAndArgs ...interface{}) {
	t.Helper()
	tol := 1e-5 * math.Max(1, math.Abs(want))
	require.InDelta(t, want, got, tol, msgAndArgs...)
}

func bitsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}
