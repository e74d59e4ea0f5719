package main

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memMirror struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memMirror) Upload(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

// trainedTrainer returns a trainer over `identities` identities that has
// already taken a few steps, so weights, moments and rows are non-trivial.
func trainedTrainer(t *testing.T, cfg *Config, identities, steps int) *Trainer {
	t.Helper()
	nets := NewNetworks(cfg, identities)
	nets.InitWeights(rand.New(rand.NewSource(cfg.Seed)), cfg.ProjectionInit)
	tr := newTrainer(cfg, nets, zap.NewNop())

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < steps; i++ {
		tr.Step(testBatch(t, rng, []int{i % identities}, cfg.K, cfg.FrameSize))
		tr.step++
	}
	return tr
}

func newTestManager(t *testing.T, fs afero.Fs, store ProjectionStore, mirror Mirror) *CheckpointManager {
	return NewCheckpointManager(fs, "/train/model_weights.gob.sz", "/train/backup_model_weights.gob.sz", store, mirror, zap.NewNop())
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testConfig()
	src := trainedTrainer(t, cfg, 3, 3)
	src.epoch, src.batchInEpoch, src.cursor = 1, 2, 2
	src.lossesG = []float64{1, 2}

	fs := afero.NewMemMapFs()
	store, err := NewMemProjectionStore()
	require.NoError(t, err)
	defer store.Close()
	mirror := &memMirror{}
	m := newTestManager(t, fs, store, mirror)

	ok, err := m.Exists()
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = m.Load()
	assert.Equal(t, ErrNoCheckpoint, errors.Cause(err))

	require.NoError(t, m.Save(context.Background(), src.checkpoint(), src.nets.D.Table()))
	assert.Contains(t, mirror.objects, "model_weights.gob.sz")
	assert.Contains(t, mirror.objects, "projection.gob.sz")

	ck, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpointVersion, ck.Version)
	assert.Equal(t, 3, ck.NumIdentities)
	assert.Equal(t, 1, ck.Epoch)
	assert.Equal(t, 3, ck.Step)
	assert.Equal(t, 2, ck.Cursor)
	assert.Equal(t, []float64{1, 2}, ck.LossesG)

	dst := newTrainer(cfg, NewNetworks(cfg, 3), zap.NewNop())
	require.NoError(t, dst.restore(ck))
	assert.Equal(t, 1, dst.epoch)
	assert.Equal(t, 3, dst.step)

	assert.True(t, src.nets.D.Table().Equal(dst.nets.D.Table()))
	for _, pair := range [][2][]Param{
		{src.nets.E.Params(), dst.nets.E.Params()},
		{src.nets.G.Params(), dst.nets.G.Params()},
		{src.nets.D.Params(), dst.nets.D.Params()},
	} {
		for i := range pair[0] {
			assert.True(t, bitsEqual(pair[0][i].T.data, pair[1][i].T.data), pair[0][i].Name)
		}
	}
	assert.Equal(t, src.optG.State(), dst.optG.State())
	assert.Equal(t, src.optD.State(), dst.optD.State())

	// The sidecar was flushed with the checkpoint.
	table, step, err := store.LoadTable()
	require.NoError(t, err)
	assert.Equal(t, 3, step)
	assert.True(t, table.Equal(src.nets.D.Table()))
}

func TestCheckpointBackup(t *testing.T) {
	cfg := testConfig()
	tr := trainedTrainer(t, cfg, 2, 1)
	fs := afero.NewMemMapFs()
	m := newTestManager(t, fs, nil, nil)

	require.NoError(t, m.Save(context.Background(), tr.checkpoint(), tr.nets.D.Table()))
	ok, err := afero.Exists(fs, "/train/backup_model_weights.gob.sz")
	require.NoError(t, err)
	assert.False(t, ok, "nothing to back up on the first write")

	first, err := afero.ReadFile(fs, "/train/model_weights.gob.sz")
	require.NoError(t, err)

	tr.step++
	require.NoError(t, m.Save(context.Background(), tr.checkpoint(), tr.nets.D.Table()))
	backup, err := afero.ReadFile(fs, "/train/backup_model_weights.gob.sz")
	require.NoError(t, err)
	assert.Equal(t, first, backup)

	ok, err = afero.Exists(fs, "/train/model_weights.gob.sz.tmp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpointRepairsStaleSidecar(t *testing.T) {
	cfg := testConfig()
	tr := trainedTrainer(t, cfg, 2, 2)
	fs := afero.NewMemMapFs()
	store, err := NewMemProjectionStore()
	require.NoError(t, err)
	defer store.Close()

	m := newTestManager(t, fs, store, nil)
	require.NoError(t, m.Save(context.Background(), tr.checkpoint(), tr.nets.D.Table()))

	// Simulate a crash between the checkpoint and the sidecar flush.
	stale := NewProjectionTable(2, cfg.EmbedDim)
	require.NoError(t, store.SaveTable(stale, 0))

	_, err = m.Load()
	require.NoError(t, err)
	table, step, err := store.LoadTable()
	require.NoError(t, err)
	assert.Equal(t, 2, step)
	assert.True(t, table.Equal(tr.nets.D.Table()))
}

func TestRestoreIdentityCountMismatch(t *testing.T) {
	cfg := testConfig()
	tr := trainedTrainer(t, cfg, 3, 1)
	ck := tr.checkpoint()
	fs := afero.NewMemMapFs()
	m := newTestManager(t, fs, nil, nil)
	require.NoError(t, m.Save(context.Background(), ck, tr.nets.D.Table()))

	other := newTrainer(cfg, NewNetworks(cfg, 4), zap.NewNop())
	err := other.restore(ck)
	assert.Equal(t, ErrIdentityCountMismatch, errors.Cause(err))
}

func TestRestoreStrictEmbedderAndDiscriminator(t *testing.T) {
	cfg := testConfig()
	tr := trainedTrainer(t, cfg, 2, 1)
	m := newTestManager(t, afero.NewMemMapFs(), nil, nil)
	ck := tr.checkpoint()
	require.NoError(t, m.Save(context.Background(), ck, tr.nets.D.Table()))

	bad := *ck
	bad.Embedder = append(StateDict(nil), ck.Embedder...)
	bad.Embedder[0].Name = "embedder.renamed"
	err := RestoreCheckpoint(&bad, NewNetworks(cfg, 2), tr.optG, tr.optD, zap.NewNop())
	assert.Equal(t, ErrStateDictMismatch, errors.Cause(err))

	bad = *ck
	bad.Discriminator = ck.Discriminator[:len(ck.Discriminator)-1]
	err = RestoreCheckpoint(&bad, NewNetworks(cfg, 2), tr.optG, tr.optD, zap.NewNop())
	assert.Equal(t, ErrStateDictMismatch, errors.Cause(err))
}

// TestRestoreLenientGenerator checks that a generator param whose shape
// changed keeps its fresh value and restarts its optimizer moments, while
// everything else resumes.
func TestRestoreLenientGenerator(t *testing.T) {
	cfg := testConfig()
	tr := trainedTrainer(t, cfg, 2, 2)
	m := newTestManager(t, afero.NewMemMapFs(), nil, nil)
	ck := tr.checkpoint()
	require.NoError(t, m.Save(context.Background(), ck, tr.nets.D.Table()))

	var biasIdx int
	for i, ts := range ck.Generator {
		if ts.Name == "generator.l2.bias" {
			biasIdx = i
		}
	}
	ck.Generator[biasIdx].Shape = []int{1, 1}
	ck.Generator[biasIdx].Data = []float64{3}

	dst := newTrainer(cfg, NewNetworks(cfg, 2), zap.NewNop())
	require.NoError(t, dst.restore(ck))

	for _, p := range dst.nets.G.Params() {
		if p.Name == "generator.l2.bias" {
			assert.Equal(t, make([]float64, p.T.Size()), p.T.data)
		}
	}
	st := dst.optG.State()
	for _, ms := range st.Moments {
		if ms.Name == "generator.l2.bias" {
			assert.Equal(t, make([]float64, len(ms.M)), ms.M)
		}
	}
	assert.Equal(t, tr.optG.Steps(), dst.optG.Steps())
	assert.Equal(t, tr.nets.E.Params()[0].T.data, dst.nets.E.Params()[0].T.data)
}

func TestCheckpointVersionMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	buf, err := marshalGobSnappy(&Checkpoint{Version: 99})
	require.NoError(t, err)
	require.NoError(t, writeFileAtomic(fs, "/train/model_weights.gob.sz", buf))

	_, err = newTestManager(t, fs, nil, nil).Load()
	assert.Error(t, err)
}
