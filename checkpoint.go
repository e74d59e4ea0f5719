package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A training directory holds exactly one live checkpoint. Every write
// replaces the whole file (temp file + rename), after copying the previous
// file aside as a backup. The write is synchronous: the training loop
// waits for it.
//
// The checkpoint carries the projection table too, so the file alone is a
// complete resume point. The LevelDB sidecar is flushed right after the
// file and is what tools use to read or patch single identity rows. If a
// crash leaves the sidecar at a different step, the next load repairs it
// from the checkpoint.
//
// LOAD POLICY:
//   - identity count must match the dataset, otherwise fatal
//   - embedder and discriminator weights load strictly
//   - generator weights load leniently (architecture migration); params
//     that could not be loaded keep their fresh init and their optimizer
//     moments restart from zero
//
// ===========================================================================

const checkpointVersion = 1

var (
	// ErrNoCheckpoint is returned when there is nothing to resume from.
	ErrNoCheckpoint = errors.New("no checkpoint")

	// ErrIdentityCountMismatch is returned when a checkpoint was written
	// for a dataset with a different number of identities.
	ErrIdentityCountMismatch = errors.New("identity count does not match checkpoint")
)

// Arch records the network sizes a checkpoint was trained with, so the
// inference commands can rebuild the networks without the training config.
type Arch struct {
	FrameSize int
	EmbedDim  int
	Hidden    int
	K         int
}

// ProjectionState is the serialized projection table.
type ProjectionState struct {
	Rows int
	Dim  int
	Data []float64
}

// Checkpoint is the full training state.
type Checkpoint struct {
	Version int
	Arch    Arch

	Epoch        int // 0-indexed epoch the checkpoint was written in
	Step         int // global steps completed
	BatchInEpoch int // batches of Epoch completed
	Cursor       int // epoch permutation positions consumed (skipped identities included)

	Embedder      StateDict
	Generator     StateDict
	Discriminator StateDict
	OptimizerG    OptimizerState
	OptimizerD    OptimizerState

	NumIdentities int
	Projection    ProjectionState

	LossesG []float64
	LossesD []float64
}

// Table rebuilds the projection table stored in the checkpoint.
func (ck *Checkpoint) Table() (*ProjectionTable, error) {
	p := ck.Projection
	if p.Rows <= 0 || p.Dim <= 0 || len(p.Data) != p.Rows*p.Dim {
		return nil, errors.Wrapf(ErrStateDictMismatch, "projection state %dx%d with %d values", p.Rows, p.Dim, len(p.Data))
	}
	t := NewProjectionTable(p.Rows, p.Dim)
	copy(t.data, p.Data)
	return t, nil
}

// CheckpointManager owns the on-disk training state.
type CheckpointManager struct {
	fs     afero.Fs
	path   string
	backup string
	store  ProjectionStore // optional
	mirror Mirror          // optional
	log    *zap.Logger
}

// NewCheckpointManager creates a manager for the checkpoint at path. store
// and mirror may be nil.
func NewCheckpointManager(fs afero.Fs, path, backup string, store ProjectionStore, mirror Mirror, log *zap.Logger) *CheckpointManager {
	return &CheckpointManager{
		fs:     fs,
		path:   path,
		backup: backup,
		store:  store,
		mirror: mirror,
		log:    log,
	}
}

// Path returns the checkpoint file path.
func (m *CheckpointManager) Path() string { return m.path }

// Exists reports whether a checkpoint file is present.
func (m *CheckpointManager) Exists() (bool, error) {
	ok, err := afero.Exists(m.fs, m.path)
	return ok, errors.Wrapf(err, "checking %s", m.path)
}

// Save writes ck and flushes table to the sidecar and the mirror.
func (m *CheckpointManager) Save(ctx context.Context, ck *Checkpoint, table *ProjectionTable) error {
	ck.Version = checkpointVersion
	ck.NumIdentities = table.Rows()
	ck.Projection = ProjectionState{
		Rows: table.Rows(),
		Dim:  table.Dim(),
		Data: append([]float64(nil), table.data...),
	}

	buf, err := marshalGobSnappy(ck)
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint")
	}

	if m.backup != "" {
		if err := m.copyToBackup(); err != nil {
			return err
		}
	}
	if err := writeFileAtomic(m.fs, m.path, buf); err != nil {
		return err
	}

	if m.store != nil {
		if err := m.store.SaveTable(table, ck.Step); err != nil {
			return errors.Wrap(err, "flushing projection sidecar")
		}
	}

	if m.mirror != nil {
		if err := m.mirror.Upload(ctx, filepath.Base(m.path), buf); err != nil {
			return err
		}
		export, err := marshalGobSnappy(ck.Projection)
		if err != nil {
			return errors.Wrap(err, "encoding projection export")
		}
		if err := m.mirror.Upload(ctx, "projection.gob.sz", export); err != nil {
			return err
		}
	}

	m.log.Info("checkpoint written",
		zap.String("path", m.path),
		zap.String("size", humanize.Bytes(uint64(len(buf)))),
		zap.Int("epoch", ck.Epoch),
		zap.Int("step", ck.Step),
		zap.Int("batch_in_epoch", ck.BatchInEpoch))
	return nil
}

func (m *CheckpointManager) copyToBackup() error {
	data, err := afero.ReadFile(m.fs, m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s for backup", m.path)
	}
	return writeFileAtomic(m.fs, m.backup, data)
}

// Load reads the checkpoint. It returns ErrNoCheckpoint if there is none.
// If the sidecar disagrees with the checkpoint it is rewritten from it.
func (m *CheckpointManager) Load() (*Checkpoint, error) {
	ok, err := m.Exists()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoCheckpoint
	}

	var ck Checkpoint
	if err := readGobSnappyFile(m.fs, m.path, &ck); err != nil {
		return nil, err
	}
	if ck.Version != checkpointVersion {
		return nil, errors.Errorf("checkpoint %s has version %d, expected %d", m.path, ck.Version, checkpointVersion)
	}

	if m.store != nil {
		if err := m.syncSidecar(&ck); err != nil {
			return nil, err
		}
	}
	return &ck, nil
}

func (m *CheckpointManager) syncSidecar(ck *Checkpoint) error {
	stored, step, err := m.store.LoadTable()
	if err == nil && step == ck.Step && stored.rows == ck.Projection.Rows && stored.dim == ck.Projection.Dim {
		return nil
	}
	if err != nil && errors.Cause(err) != ErrNoCheckpoint {
		m.log.Warn("projection sidecar unreadable, rewriting", zap.Error(err))
	} else {
		m.log.Warn("projection sidecar out of date, rewriting",
			zap.Int("sidecar_step", step), zap.Int("checkpoint_step", ck.Step))
	}

	table, err := ck.Table()
	if err != nil {
		return err
	}
	return errors.Wrap(m.store.SaveTable(table, ck.Step), "rewriting projection sidecar")
}

// RestoreCheckpoint loads ck into the networks and optimizers.
func RestoreCheckpoint(ck *Checkpoint, nets *Networks, optG, optD *AdamOptimizer, log *zap.Logger) error {
	table := nets.D.Table()
	if ck.NumIdentities != table.Rows() {
		return errors.Wrapf(ErrIdentityCountMismatch, "checkpoint has %d identities, dataset has %d", ck.NumIdentities, table.Rows())
	}
	stored, err := ck.Table()
	if err != nil {
		return err
	}

	if _, err := LoadStateDict(nets.E.Params(), ck.Embedder, true, log); err != nil {
		return errors.Wrap(err, "embedder")
	}
	if _, err := LoadStateDict(nets.D.Params(), ck.Discriminator, true, log); err != nil {
		return errors.Wrap(err, "discriminator")
	}
	skipped, err := LoadStateDict(nets.G.Params(), ck.Generator, false, log)
	if err != nil {
		return errors.Wrap(err, "generator")
	}

	reset := make(map[string]bool, len(skipped))
	for _, name := range skipped {
		reset[name] = true
	}
	if err := optG.LoadState(ck.OptimizerG, reset); err != nil {
		return errors.Wrap(err, "generator optimizer")
	}
	if err := optD.LoadState(ck.OptimizerD, nil); err != nil {
		return errors.Wrap(err, "discriminator optimizer")
	}
	return table.CopyFrom(stored)
}
