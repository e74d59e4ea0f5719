package main

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackfill(t *testing.T) {
	ok := func(v float64) FrameResult { return FrameResult{Frame: []float64{v}, Sketch: []float64{-v}} }
	bad := FrameResult{Err: errors.New("no face")}

	tests := []struct {
		name   string
		in     []FrameResult
		want   []float64
		filled int
	}{
		{"none failed", []FrameResult{ok(1), ok(2)}, []float64{1, 2}, 0},
		{"nearest earlier", []FrameResult{ok(1), bad, ok(3), bad, bad}, []float64{1, 1, 3, 3, 3}, 3},
		{"leading failures take the first success", []FrameResult{bad, bad, ok(5), ok(6)}, []float64{5, 5, 5, 6}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filled, err := backfill(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.filled, filled)
			for i, r := range tt.in {
				assert.Equal(t, tt.want[i], r.Frame[0])
				assert.Equal(t, -tt.want[i], r.Sketch[0])
			}
		})
	}

	_, err := backfill([]FrameResult{bad, bad})
	assert.Equal(t, ErrExtraction, errors.Cause(err))
}

func TestPickFrames(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	picks := pickFrames(10, 5, rng)
	seen := map[int]bool{}
	for _, p := range picks {
		assert.True(t, p >= 0 && p < 10)
		assert.False(t, seen[p], "distinct when enough files")
		seen[p] = true
	}

	picks = pickFrames(2, 5, rng)
	assert.Len(t, picks, 5)
	for _, p := range picks {
		assert.True(t, p >= 0 && p < 2)
	}
}

func TestPairImageRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(2))
	frame := randomFrame(rng, 4)
	sketch := randomFrame(rng, 4)
	require.NoError(t, WritePair(fs, "/data", "alice", 3, frame, sketch, 4))

	ok, err := afero.Exists(fs, "/data/alice/0003.png")
	require.NoError(t, err)
	require.True(t, ok)

	ds, err := OpenDataset(fs, "/data", 4, 1, 0, zap.NewNop())
	require.NoError(t, err)
	r := ds.decodePair("/data/alice/0003.png")
	require.NoError(t, r.Err)
	for i := range frame {
		assert.InDelta(t, frame[i], r.Frame[i], 1.0/255)
		assert.InDelta(t, sketch[i], r.Sketch[i], 1.0/255)
	}
}

func TestOpenDataset(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestDataset(t, fs, "/data", []string{"bob", "alice"}, 3, 4, 1)
	require.NoError(t, fs.MkdirAll("/data/empty", 0755))
	require.NoError(t, afero.WriteFile(fs, "/data/alice/notes.txt", []byte("x"), 0644))

	ds, err := OpenDataset(fs, "/data", 4, 2, 8, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, "alice", ds.Name(0))
	assert.Equal(t, "bob", ds.Name(1))
	assert.Equal(t, "empty", ds.Name(2))
	assert.Equal(t, 48, ds.FrameDim())
	assert.Len(t, ds.identities[0].files, 3)

	_, err = OpenDataset(fs, "/missing", 4, 2, 8, zap.NewNop())
	assert.Error(t, err)
}

func TestDatasetSample(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestDataset(t, fs, "/data", []string{"alice", "bob"}, 3, 4, 1)
	require.NoError(t, fs.MkdirAll("/data/carol", 0755))

	ds, err := OpenDataset(fs, "/data", 4, 4, 8, zap.NewNop())
	require.NoError(t, err)

	s, err := ds.Sample(1, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Identity)
	assert.Len(t, s.Frames, 4)
	assert.Len(t, s.Sketches, 4)
	assert.Len(t, s.Target, 48)
	assert.Len(t, s.TargetSketch, 48)

	// Same rng seed, same sample.
	again, err := ds.Sample(1, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, s.Frames, again.Frames)

	_, err = ds.Sample(2, rand.New(rand.NewSource(5)))
	assert.Equal(t, ErrExtraction, errors.Cause(err))
}

func TestDatasetSampleBackfillsCorruptFrames(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestDataset(t, fs, "/data", []string{"alice"}, 1, 4, 1)
	require.NoError(t, afero.WriteFile(fs, "/data/alice/0001.png", []byte("not a png"), 0644))

	ds, err := OpenDataset(fs, "/data", 4, 3, 0, zap.NewNop())
	require.NoError(t, err)

	var s *Sample
	for seed := int64(0); seed < 50; seed++ {
		s, err = ds.Sample(0, rand.New(rand.NewSource(seed)))
		if err == nil && s.Backfilled > 0 {
			break
		}
	}
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Greater(t, s.Backfilled, 0)
	for _, f := range s.Frames {
		assert.Len(t, f, 48)
	}

	// Only the corrupt file: nothing to backfill from.
	require.NoError(t, fs.Remove("/data/alice/0000.png"))
	ds, err = OpenDataset(fs, "/data", 4, 3, 0, zap.NewNop())
	require.NoError(t, err)
	_, err = ds.Sample(0, rand.New(rand.NewSource(1)))
	assert.Equal(t, ErrExtraction, errors.Cause(err))
}

func TestSplitPairRejectsOddWidth(t *testing.T) {
	img := chwToRGBA(make([]float64, 3*9), 3)
	_, _, err := splitPair(img)
	assert.Error(t, err)
}
